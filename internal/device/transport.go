package device

import (
	"context"
	"time"
)

// Transport is a bidirectional byte stream to a device. Serial lines, TCP
// sockets and WebSockets all implement it, so nothing above this layer needs
// to know which one is in use.
type Transport interface {
	// Write sends p to the device. A failure means the link is broken.
	Write(p []byte) (int, error)

	// ReadAvailable returns up to max bytes that arrive within timeout.
	// It returns an empty slice and a nil error when the device is silent.
	ReadAvailable(max int, timeout time.Duration) ([]byte, error)

	// Close releases the link. It is safe to call more than once and from
	// another goroutine while a read is in flight.
	Close() error

	String() string
}

// Spec describes how to open a Transport.
type Spec interface {
	Open(ctx context.Context) (Transport, error)
	String() string
}
