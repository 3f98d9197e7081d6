package device_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mpyrepl/internal/device"
)

// scriptedTransport replays a fixed list of read results, then reports silence.
type scriptedTransport struct {
	mu      sync.Mutex
	reads   [][]byte
	readErr error
	polls   int
	delay   time.Duration
	endless []byte
	written bytes.Buffer
	closed  int
}

func (m *scriptedTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

func (m *scriptedTransport) ReadAvailable(max int, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	m.polls++
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reads) > 0 {
		next := m.reads[0]
		m.reads = m.reads[1:]
		return next, nil
	}
	if m.readErr != nil {
		return nil, m.readErr
	}
	if m.endless != nil {
		return m.endless, nil
	}
	return nil, nil
}

func (m *scriptedTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *scriptedTransport) String() string { return "scripted" }

func fastOptions() device.ReaderOptions {
	return device.ReaderOptions{
		PollTimeout: 2 * time.Millisecond,
		MaxSilence:  3,
		Deadline:    40 * time.Millisecond,
	}
}

func TestStreamReaderStopsAfterSilence(t *testing.T) {
	tr := &scriptedTransport{reads: [][]byte{[]byte("hello "), nil, []byte("world")}}
	r := device.NewStreamReader(tr, fastOptions())

	got, err := r.Read(context.Background(), device.ReadOptions{})
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("Read = %q, want %q", got, "hello world")
	}
	// two data polls, one empty poll in between, then three silent polls
	if tr.polls != 6 {
		t.Errorf("polls = %d, want 6", tr.polls)
	}
}

func TestStreamReaderQuickStopsAtFirstEmptyPoll(t *testing.T) {
	tr := &scriptedTransport{reads: [][]byte{[]byte("ready"), []byte(" now"), nil, []byte("late")}}
	opts := fastOptions()
	opts.PollTimeout = time.Second
	opts.MaxSilence = 10

	start := time.Now()
	got, err := device.NewStreamReader(tr, opts).Read(context.Background(), device.ReadOptions{Quick: true})
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(got) != "ready now" {
		t.Errorf("Read = %q, want %q", got, "ready now")
	}
	if tr.polls != 3 {
		t.Errorf("polls = %d, want 3", tr.polls)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("quick read took %v", elapsed)
	}
}

func TestStreamReaderEmptyIsNotAnError(t *testing.T) {
	tr := &scriptedTransport{}
	got, err := device.NewStreamReader(tr, fastOptions()).Read(context.Background(), device.ReadOptions{})
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Read = %q, want nothing", got)
	}
}

func TestStreamReaderSeekOkayStopsAtSecondEOT(t *testing.T) {
	tr := &scriptedTransport{reads: [][]byte{
		[]byte("OK42\r\n"),
		[]byte("\x04"),
		[]byte("\x04>"),
		[]byte("never read"),
	}}
	r := device.NewStreamReader(tr, fastOptions())

	got, err := r.Read(context.Background(), device.ReadOptions{SeekOkay: true})
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(got) != "OK42\r\n\x04\x04>" {
		t.Errorf("Read = %q", got)
	}
	if tr.polls != 3 {
		t.Errorf("polls = %d, want 3", tr.polls)
	}
}

func TestStreamReaderUntilMarker(t *testing.T) {
	tr := &scriptedTransport{reads: [][]byte{
		[]byte("\r\n>>> \r\nraw REPL; CTRL"),
		[]byte("-B to exit\r\n>"),
		[]byte("late"),
	}}
	got, err := device.NewStreamReader(tr, fastOptions()).Read(context.Background(),
		device.ReadOptions{Until: []byte("raw REPL; CTRL-B to exit\r\n>")})
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if bytes.Contains(got, []byte("late")) {
		t.Errorf("Read continued past marker: %q", got)
	}
}

func TestStreamReaderLinkErrorIsImmediate(t *testing.T) {
	broken := &device.LinkError{Op: "read", Cause: errors.New("unplugged")}
	tr := &scriptedTransport{reads: [][]byte{[]byte("partial")}, readErr: broken}
	opts := fastOptions()
	opts.PollTimeout = time.Second
	opts.MaxSilence = 100

	start := time.Now()
	got, err := device.NewStreamReader(tr, opts).Read(context.Background(), device.ReadOptions{})
	if !device.IsLinkError(err) {
		t.Fatalf("err = %v, want a link error", err)
	}
	if string(got) != "partial" {
		t.Errorf("Read = %q, want the bytes before the failure", got)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("link error took %s to surface", elapsed)
	}
}

func TestStreamReaderBoundedUnderContinuousData(t *testing.T) {
	tr := &scriptedTransport{endless: []byte("x"), delay: time.Millisecond}
	opts := device.ReaderOptions{PollTimeout: 5 * time.Millisecond, MaxSilence: 4}
	limit := time.Duration(opts.MaxSilence) * opts.PollTimeout

	start := time.Now()
	got, err := device.NewStreamReader(tr, opts).Read(context.Background(), device.ReadOptions{})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected data")
	}
	if elapsed > limit+100*time.Millisecond {
		t.Errorf("Read took %s, limit %s", elapsed, limit)
	}
}

func TestStreamReaderDeadlineOverridesSilence(t *testing.T) {
	tr := &scriptedTransport{delay: time.Millisecond}
	opts := device.ReaderOptions{PollTimeout: 2 * time.Millisecond, MaxSilence: 2}

	start := time.Now()
	_, err := device.NewStreamReader(tr, opts).Read(context.Background(),
		device.ReadOptions{Deadline: 60 * time.Millisecond})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("Read stopped after %s, before the deadline", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("Read took %s, past the deadline", elapsed)
	}
}

func TestStreamReaderInterrupted(t *testing.T) {
	tr := &scriptedTransport{reads: [][]byte{[]byte("abc")}, delay: time.Millisecond}
	opts := device.ReaderOptions{PollTimeout: 5 * time.Millisecond, MaxSilence: 1000}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	got, err := device.NewStreamReader(tr, opts).Read(ctx, device.ReadOptions{})
	if !errors.Is(err, device.ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if string(got) != "abc" {
		t.Errorf("Read = %q, want bytes collected before the interrupt", got)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		output   string
		errText  string
		complete bool
		accepted bool
	}{
		{"success", "OKhello\r\n\x04\x04>", "hello\r\n", "", true, true},
		{"error", "OK\x04Traceback\r\nNameError\r\n\x04>", "", "Traceback\r\nNameError\r\n", true, true},
		{"no marker", "plain text", "plain text", "", false, false},
		{"half", "OKpartial\x04err", "partial", "err", false, true},
		{"noise before OK", "junk OKyes\x04\x04", "junk yes", "", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := device.ParseResponse([]byte(tt.in))
			if string(r.Output) != tt.output {
				t.Errorf("Output = %q, want %q", r.Output, tt.output)
			}
			if string(r.Error) != tt.errText {
				t.Errorf("Error = %q, want %q", r.Error, tt.errText)
			}
			if r.Complete != tt.complete {
				t.Errorf("Complete = %v, want %v", r.Complete, tt.complete)
			}
			if r.Accepted != tt.accepted {
				t.Errorf("Accepted = %v, want %v", r.Accepted, tt.accepted)
			}
		})
	}
}
