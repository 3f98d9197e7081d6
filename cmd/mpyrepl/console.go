package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/pkg/errors"

	"mpyrepl/internal/kernel"
)

// console feeds cells from a line editor into an interpreter.
type console struct {
	it     *kernel.Interpreter
	editor *lineEditor
	logger *log.Logger
	// cellContext returns the context a cell runs under; cancelling it
	// interrupts the cell.
	cellContext func() (context.Context, context.CancelFunc)
}

func newConsole(it *kernel.Interpreter, editor *lineEditor, logger *log.Logger) *console {
	return &console{
		it:     it,
		editor: editor,
		logger: logger,
		cellContext: func() (context.Context, context.CancelFunc) {
			return signal.NotifyContext(context.Background(), os.Interrupt)
		},
	}
}

// Run reads cells until the input ends, then disconnects.
func (c *console) Run() error {
	defer c.editor.Close()
	defer c.close()

	var cells cellBuilder
	for {
		line, err := c.editor.GetLine(cells.Prompt())
		if err == errCleared {
			cells.Reset()
			continue
		}
		if err == io.EOF {
			if cell, ok := cells.Flush(); ok {
				c.run(cell)
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "console input failed")
		}

		if cell, ok := cells.Add(line); ok {
			c.editor.Remember(cell)
			c.run(cell)
		}
	}
}

func (c *console) run(cell string) kernel.Outcome {
	ctx, stop := c.cellContext()
	defer stop()

	outcome := c.it.RunCell(ctx, cell, false)
	if outcome != kernel.OutcomeOK {
		c.logger.Printf("cell %s", outcome)
	}
	return outcome
}

func (c *console) close() {
	if c.it.Session().Connected() {
		c.run("%disconnect")
	}
}
