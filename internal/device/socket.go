package device

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DialTimeout bounds how long opening a socket or websocket may take.
const DialTimeout = 5 * time.Second

// SocketSpec opens a plain TCP byte stream without framing.
type SocketSpec struct {
	Host string
	Port int
}

func (s SocketSpec) String() string {
	return fmt.Sprintf("socket %s", s.address())
}

func (s SocketSpec) address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Open dials the socket.
func (s SocketSpec) Open(ctx context.Context) (Transport, error) {
	if s.Host == "" {
		return nil, newConnectionError(s, errors.New("host is required"))
	}

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", s.address())
	if err != nil {
		return nil, newConnectionError(s, err)
	}
	return &socketTransport{conn: conn}, nil
}

type socketTransport struct {
	conn net.Conn

	closeOnce sync.Once
	closeErr  error
}

func (t *socketTransport) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if err != nil {
		return n, &LinkError{Op: "write", Cause: err}
	}
	return n, nil
}

func (t *socketTransport) ReadAvailable(max int, timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, &LinkError{Op: "read", Cause: err}
	}

	buf := make([]byte, max)
	n, err := t.conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return buf[:n], nil
		}
		return nil, &LinkError{Op: "read", Cause: err}
	}
	return buf[:n], nil
}

func (t *socketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *socketTransport) String() string {
	return fmt.Sprintf("socket %s", t.conn.RemoteAddr())
}
