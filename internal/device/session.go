package device

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"sync"
)

// Byte sequences understood by the MicroPython REPL.
var (
	// seqEnterPaste stops any running program and switches to the raw
	// REPL, where lines are buffered until EOT.
	seqEnterPaste = []byte("\r\x03\x03\x01")
	// seqEndSubmission executes the buffered lines.
	seqEndSubmission = []byte("\r\x04")
	seqInterrupt     = []byte("\r\x03")
	lineTerminator   = []byte("\r\n")

	// Reboot nudges, each a best-effort request to a device in an unknown state.
	seqRebootInterrupt = []byte("\x03\r")
	seqExitPaste       = []byte("\x02\r")
	seqSoftReset       = []byte("\x04\r")

	// pasteBanner is what the raw REPL prints once it is ready for input.
	pasteBanner = []byte("raw REPL; CTRL-B to exit\r\n>")
)

// Mode is the state of the device REPL as far as the session knows.
type Mode int

const (
	Disconnected Mode = iota
	Normal
	Paste
)

func (m Mode) String() string {
	switch m {
	case Disconnected:
		return "disconnected"
	case Normal:
		return "normal"
	case Paste:
		return "paste"
	default:
		return "unknown"
	}
}

// Session owns the single connection to a device and sequences the bytes
// that move its REPL between modes. Commands are serialised by the caller;
// the mutex only protects the connection fields against a concurrent
// Disconnect.
type Session struct {
	mu           sync.Mutex
	spec         Spec
	transport    Transport
	mode         Mode
	broken       bool
	pasteEnabled bool

	// pending holds bytes read from the device but not yet handed out.
	pending bytes.Buffer

	opts   ReaderOptions
	logger *log.Logger
}

// NewSession returns a disconnected session. A nil logger discards I/O tracing.
func NewSession(opts ReaderOptions, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Session{opts: opts.withDefaults(), logger: logger}
}

// Options returns the reader options used for every drain.
func (s *Session) Options() ReaderOptions {
	return s.opts
}

// Connect opens spec, closing any connection already held first.
func (s *Session) Connect(ctx context.Context, spec Spec) error {
	s.Disconnect()

	t, err := spec.Open(ctx)
	if err != nil {
		s.logger.Printf("Failed to open %s: %v", spec, err)
		return err
	}

	s.mu.Lock()
	s.spec = spec
	s.transport = t
	s.mode = Normal
	s.broken = false
	s.pasteEnabled = false
	s.pending.Reset()
	s.mu.Unlock()

	s.logger.Printf("Connected to %s", t)
	return nil
}

// Disconnect closes the connection. It does nothing when already disconnected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.spec = nil
	s.mode = Disconnected
	s.broken = false
	s.pasteEnabled = false
	s.pending.Reset()
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	s.logger.Printf("Disconnecting from %s", t)
	return t.Close()
}

// Connected reports whether there is a usable link. A link that broke stays
// held until Disconnect, but no longer counts as connected.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil && !s.broken
}

// Mode returns the current REPL mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// PasteEnabled reports whether cells should run through paste mode. It is
// set by EnterPasteMode and cleared on (re)connect, so a connection opened
// raw stays raw.
func (s *Session) PasteEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pasteEnabled
}

// Description names the live transport, or returns "" when disconnected.
func (s *Session) Description() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return ""
	}
	return s.transport.String()
}

// Spec returns the spec of the current connection, or nil.
func (s *Session) Spec() Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

func (s *Session) live() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil || s.broken {
		return nil, ErrNotConnected
	}
	return s.transport, nil
}

func (s *Session) setMode(m Mode) {
	s.mu.Lock()
	if s.transport != nil {
		s.mode = m
	}
	s.mu.Unlock()
}

func (s *Session) markBroken(err error) {
	if !IsLinkError(err) {
		return
	}
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
	s.logger.Printf("Link broken: %v", err)
}

// Write sends raw bytes.
func (s *Session) Write(p []byte) (int, error) {
	t, err := s.live()
	if err != nil {
		return 0, err
	}
	s.logger.Printf("TX: %q", p)
	n, err := t.Write(p)
	if err != nil {
		s.markBroken(err)
	}
	return n, err
}

// read runs one StreamReader pass. Whatever arrives is queued in pending
// first, so bytes collected before an interrupt are not lost.
func (s *Session) read(ctx context.Context, ro ReadOptions) error {
	t, err := s.live()
	if err != nil {
		return err
	}
	data, err := NewStreamReader(t, s.opts).Read(ctx, ro)
	if len(data) > 0 {
		s.logger.Printf("RX: %q", data)
		s.mu.Lock()
		s.pending.Write(data)
		s.mu.Unlock()
	}
	if err != nil {
		s.markBroken(err)
	}
	return err
}

// takePending hands out and clears the pending output.
func (s *Session) takePending() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return nil
	}
	out := make([]byte, s.pending.Len())
	copy(out, s.pending.Bytes())
	s.pending.Reset()
	return out
}

// ReadAll drains the device until it goes quiet and returns the pending output.
func (s *Session) ReadAll(ctx context.Context) ([]byte, error) {
	err := s.read(ctx, ReadOptions{})
	return s.takePending(), err
}

// Drain returns whatever output the device already has ready, without
// waiting for it to go quiet.
func (s *Session) Drain(ctx context.Context) ([]byte, error) {
	err := s.read(ctx, ReadOptions{Quick: true})
	return s.takePending(), err
}

// EnterPasteMode switches the device to paste mode and discards the banner
// it echoes back. Output that was already pending is returned.
func (s *Session) EnterPasteMode(ctx context.Context) ([]byte, error) {
	prior := s.takePending()
	if _, err := s.Write(seqEnterPaste); err != nil {
		return prior, err
	}
	err := s.read(ctx, ReadOptions{Until: pasteBanner})
	banner := s.takePending()
	if err != nil {
		return append(prior, banner...), err
	}
	s.logger.Printf("Entered paste mode, discarded %q", banner)

	s.mu.Lock()
	s.pasteEnabled = true
	s.mu.Unlock()
	s.setMode(Paste)
	return prior, nil
}

// SubmitLine sends one line with a single canonical terminator, whatever
// ending it came with, and returns output the device produced meanwhile.
func (s *Session) SubmitLine(ctx context.Context, line string) ([]byte, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	buf := make([]byte, 0, len(line)+len(lineTerminator))
	buf = append(buf, line...)
	buf = append(buf, lineTerminator...)
	if _, err := s.Write(buf); err != nil {
		return s.takePending(), err
	}
	err := s.read(ctx, ReadOptions{Quick: true})
	return s.takePending(), err
}

// EndSubmission asks the device to execute what it buffered and waits for
// the accepted marker.
func (s *Session) EndSubmission(ctx context.Context) (Response, error) {
	if _, err := s.Write(seqEndSubmission); err != nil {
		return ParseResponse(s.takePending()), err
	}
	err := s.read(ctx, ReadOptions{SeekOkay: true})
	s.setMode(Normal)
	return ParseResponse(s.takePending()), err
}

// SendInterrupt writes the interrupt byte and reads with the long deadline,
// since the device's reply after an interrupt has no predictable shape.
func (s *Session) SendInterrupt(ctx context.Context) ([]byte, error) {
	if _, err := s.Write(seqInterrupt); err != nil {
		return s.takePending(), err
	}
	err := s.read(ctx, ReadOptions{Deadline: s.opts.Deadline})
	s.setMode(Normal)
	return s.takePending(), err
}

// Reboot soft-resets the device and re-enters paste mode. Each byte of the
// sequence is sent regardless of what the device is doing.
func (s *Session) Reboot(ctx context.Context) ([]byte, error) {
	for _, seq := range [][]byte{seqRebootInterrupt, seqExitPaste, seqSoftReset} {
		if _, err := s.Write(seq); err != nil {
			return s.takePending(), err
		}
	}
	s.setMode(Normal)
	if err := s.read(ctx, ReadOptions{}); err != nil {
		return s.takePending(), err
	}
	return s.EnterPasteMode(ctx)
}
