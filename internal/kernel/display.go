package kernel

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Style hints how a piece of text should be rendered.
type Style int

const (
	StyleNone Style = iota
	StyleSuccess
	StyleError
)

// ANSI SGR codes, 32 green and 31 red.
func (s Style) ansi() string {
	switch s {
	case StyleSuccess:
		return "32"
	case StyleError:
		return "31"
	default:
		return ""
	}
}

// Display receives everything the interpreter wants the user to see.
type Display interface {
	Display(text string, style Style)
	DisplayRaw(b []byte)
}

// WriterDisplay writes to an io.Writer, colouring styled text when Color is set.
type WriterDisplay struct {
	mu    sync.Mutex
	w     io.Writer
	Color bool
}

// NewWriterDisplay returns a display writing to w.
func NewWriterDisplay(w io.Writer, color bool) *WriterDisplay {
	return &WriterDisplay{w: w, Color: color}
}

func (d *WriterDisplay) Display(text string, style Style) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code := style.ansi(); d.Color && code != "" {
		fmt.Fprintf(d.w, "\x1b[%sm%s\x1b[0m", code, text)
		return
	}
	io.WriteString(d.w, text)
}

func (d *WriterDisplay) DisplayRaw(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.w.Write(b)
}

// BufferDisplay collects output in memory. Styles are dropped.
type BufferDisplay struct {
	mu  sync.Mutex
	buf strings.Builder
	// Errors collects only text displayed with StyleError.
	errors strings.Builder
}

func (d *BufferDisplay) Display(text string, style Style) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.WriteString(text)
	if style == StyleError {
		d.errors.WriteString(text)
	}
}

func (d *BufferDisplay) DisplayRaw(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.Write(b)
}

// String returns everything displayed so far.
func (d *BufferDisplay) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.String()
}

// Errors returns the error-styled text displayed so far.
func (d *BufferDisplay) Errors() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errors.String()
}

// Reset forgets the collected output.
func (d *BufferDisplay) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.Reset()
	d.errors.Reset()
}

type discardDisplay struct{}

func (discardDisplay) Display(string, Style) {}
func (discardDisplay) DisplayRaw([]byte)     {}
