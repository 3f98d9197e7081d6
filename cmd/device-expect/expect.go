package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"

	"mpyrepl/internal/device"
)

const readSize = 256

// Expecter runs a send/expect script over one device transport.
type Expecter struct {
	transport device.Transport
	logger    *log.Logger
	timeout   time.Duration
	poll      time.Duration

	// pending holds bytes read but not yet matched; they carry over to the
	// next expect.
	pending []byte
	rxLine  strings.Builder
}

func NewExpecter(t device.Transport, logger *log.Logger, timeout time.Duration) *Expecter {
	return &Expecter{
		transport: t,
		logger:    logger,
		timeout:   timeout,
		poll:      100 * time.Millisecond,
	}
}

func (e *Expecter) Run(ctx context.Context, commands []Command) error {
	for _, cmd := range commands {
		switch cmd.Type {
		case "send":
			if err := e.handleSend(cmd.Value); err != nil {
				return err
			}
		case "expect":
			if err := e.handleExpect(ctx, cmd.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Expecter) handleSend(value string) error {
	toSend, err := formatSendValue(value)
	if err != nil {
		return err
	}

	e.logger.Printf("TX: %q", toSend)

	if _, err := e.transport.Write(toSend); err != nil {
		return errors.Wrap(err, "failed to send data")
	}
	return nil
}

func (e *Expecter) handleExpect(ctx context.Context, arg string) error {
	exp, err := compileExpect(arg)
	if err != nil {
		return err
	}
	e.logger.Printf("EXPECT: %s", arg)

	w := &watch{expectation: exp}
	deadline := time.Now().Add(e.timeout)
	for {
		for len(e.pending) > 0 {
			c := e.pending[0]
			e.pending = e.pending[1:]
			e.logByte(c)
			if w.feed(c) {
				e.logger.Printf("MATCHED: %s", arg)
				return nil
			}
		}

		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "stopped waiting for pattern: %s", arg)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Errorf("timeout waiting for pattern: %s", arg)
		}

		b, err := e.transport.ReadAvailable(readSize, min(e.poll, remaining))
		if errors.Is(err, errReplayEnded) {
			return errors.Errorf("pattern not found in remaining input: %s", arg)
		}
		if err != nil {
			return errors.Wrap(err, "read failed")
		}
		e.pending = append(e.pending, b...)
	}
}

// logByte logs received text a line at a time.
func (e *Expecter) logByte(c byte) {
	if c == '\n' {
		e.logger.Printf("RX: %s", strings.TrimRight(e.rxLine.String(), "\r\n"))
		e.rxLine.Reset()
		return
	}
	if c >= 32 || c == '\r' {
		e.rxLine.WriteByte(c)
	}
}

var errReplayEnded = errors.New("end of captured output")

// replay stands in for a device during a dry run. Reads hand out captured
// output and writes are echoed to out.
type replay struct {
	input []byte
	out   io.Writer
}

func (r *replay) Write(p []byte) (int, error) {
	fmt.Fprintf(r.out, "\033[1mTX: %q\033[0m\n", p)
	return len(p), nil
}

func (r *replay) ReadAvailable(max int, _ time.Duration) ([]byte, error) {
	if len(r.input) == 0 {
		return nil, errReplayEnded
	}
	n := min(max, len(r.input))
	b := r.input[:n]
	r.input = r.input[n:]
	return b, nil
}

func (r *replay) Close() error    { return nil }
func (r *replay) String() string { return "captured output" }

// dryRun plays the script against captured device output instead of a
// device.
func dryRun(commands []Command, input string, logger *log.Logger, out io.Writer) error {
	logger.Println("=== DRY RUN MODE ===")
	e := NewExpecter(&replay{input: []byte(input), out: out}, logger, time.Hour)
	if err := e.Run(context.Background(), commands); err != nil {
		return err
	}
	logger.Println("=== DRY RUN COMPLETED ===")
	return nil
}
