package device

import (
	"bytes"
	"context"
	"time"
)

// Defaults for draining device output.
const (
	DefaultPollTimeout = 500 * time.Millisecond
	DefaultMaxSilence  = 10
	DefaultDeadline    = 5 * time.Second
	DefaultReadSize    = 1024

	// QuickPoll is the longest a Quick read waits for the device.
	QuickPoll = 20 * time.Millisecond
)

// EOT terminates each half of a raw REPL reply. Two of them mean the
// device accepted the submission and finished executing it. Newer firmware
// with raw-paste support still frames replies this way.
const EOT = 0x04

// ReaderOptions bound how long a StreamReader keeps polling.
type ReaderOptions struct {
	// PollTimeout is the wait for each ReadAvailable call.
	PollTimeout time.Duration
	// MaxSilence is the number of consecutive empty polls that ends a read.
	MaxSilence int
	// Deadline is the long wait used after an interrupt.
	Deadline time.Duration
	// ReadSize is the most bytes asked for per poll.
	ReadSize int
}

// DefaultReaderOptions returns the stock polling parameters.
func DefaultReaderOptions() ReaderOptions {
	return ReaderOptions{
		PollTimeout: DefaultPollTimeout,
		MaxSilence:  DefaultMaxSilence,
		Deadline:    DefaultDeadline,
		ReadSize:    DefaultReadSize,
	}
}

func (o ReaderOptions) withDefaults() ReaderOptions {
	d := DefaultReaderOptions()
	if o.PollTimeout <= 0 {
		o.PollTimeout = d.PollTimeout
	}
	if o.MaxSilence <= 0 {
		o.MaxSilence = d.MaxSilence
	}
	if o.Deadline <= 0 {
		o.Deadline = d.Deadline
	}
	if o.ReadSize <= 0 {
		o.ReadSize = d.ReadSize
	}
	return o
}

// ReadOptions select the stop condition of a single read.
type ReadOptions struct {
	// SeekOkay stops as soon as two EOT bytes have been seen.
	SeekOkay bool
	// Deadline, when set, replaces the MaxSilence × PollTimeout cap and
	// disables the silence rule.
	Deadline time.Duration
	// Until stops as soon as the collected bytes end with this marker.
	Until []byte
	// Quick takes only what the device has ready: it polls for at most
	// QuickPoll and stops at the first empty poll.
	Quick bool
}

// StreamReader collects device output when there is no length framing to
// say where a reply ends.
type StreamReader struct {
	t    Transport
	opts ReaderOptions
}

// NewStreamReader returns a reader polling t.
func NewStreamReader(t Transport, opts ReaderOptions) *StreamReader {
	return &StreamReader{t: t, opts: opts.withDefaults()}
}

// Options returns the effective polling parameters.
func (r *StreamReader) Options() ReaderOptions {
	return r.opts
}

// Read polls until a stop condition holds and returns everything collected.
// Timeouts are not errors. A broken link returns a *LinkError at once, and
// a cancelled ctx returns ErrInterrupted; both come with the bytes read so
// far.
func (r *StreamReader) Read(ctx context.Context, ro ReadOptions) ([]byte, error) {
	var out []byte

	limit := time.Duration(r.opts.MaxSilence) * r.opts.PollTimeout
	useSilence := true
	if ro.Deadline > 0 {
		limit = ro.Deadline
		useSilence = false
	}
	stop := time.Now().Add(limit)

	silence := 0
	for {
		select {
		case <-ctx.Done():
			return out, ErrInterrupted
		default:
		}

		wait := r.opts.PollTimeout
		if ro.Quick && wait > QuickPoll {
			wait = QuickPoll
		}
		if remaining := time.Until(stop); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			return out, nil
		}

		chunk, err := r.t.ReadAvailable(r.opts.ReadSize, wait)
		out = append(out, chunk...)
		if err != nil {
			return out, err
		}

		if len(chunk) == 0 {
			if ro.Quick {
				return out, nil
			}
			silence++
			if useSilence && silence >= r.opts.MaxSilence {
				return out, nil
			}
		} else {
			silence = 0
			if ro.SeekOkay && bytes.Count(out, []byte{EOT}) >= 2 {
				return out, nil
			}
			if len(ro.Until) > 0 && bytes.HasSuffix(out, ro.Until) {
				return out, nil
			}
		}

		if !time.Now().Before(stop) {
			return out, nil
		}
	}
}
