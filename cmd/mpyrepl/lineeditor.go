package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"
	"github.com/pkg/errors"
)

const historySize = 1000

// errCleared is returned when Ctrl-C is pressed at the prompt.
var errCleared = errors.New("input cleared")

// lineEditor reads console lines with readline on a terminal and with a
// plain scanner otherwise (pipes, scripts).
type lineEditor struct {
	rl      *readline.Instance
	scanner *bufio.Scanner
}

func newLineEditor(interactive bool, historyFile string, in io.Reader) *lineEditor {
	if !interactive {
		return newScannerEditor(in)
	}

	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            historyFile,
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
		Prompt:                 primaryPrompt,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: readline init failed (%v), using basic input\n", err)
		return newScannerEditor(in)
	}
	return &lineEditor{rl: rl}
}

func newScannerEditor(in io.Reader) *lineEditor {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &lineEditor{scanner: scanner}
}

// GetLine shows prompt and returns the next line. It returns io.EOF at the
// end of input and errCleared on Ctrl-C.
func (le *lineEditor) GetLine(prompt string) (string, error) {
	if le.rl == nil {
		return le.scan()
	}

	le.rl.SetPrompt(prompt)
	line, err := le.rl.Readline()
	if err == readline.ErrInterrupt {
		return "", errCleared
	}
	if err != nil {
		return "", err
	}
	return line, nil
}

func (le *lineEditor) scan() (string, error) {
	if !le.scanner.Scan() {
		if err := le.scanner.Err(); err != nil {
			return "", errors.Wrap(err, "failed to read input")
		}
		return "", io.EOF
	}
	return le.scanner.Text(), nil
}

// Remember adds a finished cell to the history.
func (le *lineEditor) Remember(cell string) {
	if le.rl == nil || strings.TrimSpace(cell) == "" {
		return
	}
	le.rl.SaveToHistory(cell)
}

func (le *lineEditor) Close() {
	if le.rl != nil {
		le.rl.Close()
		le.rl = nil
	}
}
