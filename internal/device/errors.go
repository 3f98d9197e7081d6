package device

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned by session operations that need a live transport.
	ErrNotConnected = errors.New("not connected")

	// ErrInterrupted is returned when a read was abandoned because its context was cancelled.
	ErrInterrupted = errors.New("interrupted")
)

// ConnectionError reports a transport that could not be opened.
type ConnectionError struct {
	Spec  string
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to connect to %s: %v", e.Spec, e.Cause)
	}
	return fmt.Sprintf("failed to connect to %s", e.Spec)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

func newConnectionError(spec fmt.Stringer, cause error) error {
	return &ConnectionError{Spec: spec.String(), Cause: cause}
}

// LinkError reports an established transport that broke during a read or write.
// Any bytes still buffered on the link are considered lost.
type LinkError struct {
	Op    string
	Cause error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("connection broken during %s: %v", e.Op, e.Cause)
}

func (e *LinkError) Unwrap() error {
	return e.Cause
}

// IsLinkError reports whether err (or anything it wraps) is a *LinkError.
func IsLinkError(err error) bool {
	var le *LinkError
	return errors.As(err, &le)
}

// IsConnectionError reports whether err (or anything it wraps) is a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
