package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	// DefaultWebSocketURL is the WebREPL address of a board running its own access point.
	DefaultWebSocketURL = "ws://192.168.4.1:8266"

	// PasswordPrompt is the first frame WebREPL sends when it wants a password.
	PasswordPrompt = "Password: "
)

// WebSocketSpec opens a WebREPL connection. With Handshake set, Open reads
// the first frame and answers a password prompt with Password. Frames seen
// during the handshake remain readable from the transport.
type WebSocketSpec struct {
	URL              string
	Password         string
	Handshake        bool
	HandshakeTimeout time.Duration
}

func (s WebSocketSpec) String() string {
	return fmt.Sprintf("websocket %s", s.url())
}

func (s WebSocketSpec) url() string {
	if s.URL == "" {
		return DefaultWebSocketURL
	}
	return s.URL
}

// Open dials the websocket and performs the optional password handshake.
func (s WebSocketSpec) Open(ctx context.Context) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url(), nil)
	if err != nil {
		return nil, newConnectionError(s, err)
	}

	t := newWebSocketTransport(conn, s.url())
	if !s.Handshake {
		return t, nil
	}

	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = DialTimeout
	}
	first, err := t.nextFrame(timeout)
	if err != nil {
		t.Close()
		return nil, newConnectionError(s, err)
	}
	t.pending = append(t.pending, first...)

	if string(first) == PasswordPrompt {
		if s.Password == "" {
			t.Close()
			return nil, newConnectionError(s, errors.New("device asked for a password, use --password"))
		}
		if _, err := t.Write([]byte(s.Password)); err != nil {
			t.Close()
			return nil, newConnectionError(s, err)
		}
		if _, err := t.Write([]byte("\r\n")); err != nil {
			t.Close()
			return nil, newConnectionError(s, err)
		}
	}
	return t, nil
}

// wsTransport adapts a message-oriented websocket to a byte stream. A pump
// goroutine owns all reads, because a gorilla connection cannot be read
// again after a read deadline expires.
type wsTransport struct {
	conn *websocket.Conn
	url  string

	writeMu sync.Mutex

	frames  chan []byte
	done    chan struct{}
	closed  chan struct{}
	readErr error
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

func newWebSocketTransport(conn *websocket.Conn, url string) *wsTransport {
	t := &wsTransport{
		conn:   conn,
		url:    url,
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go t.pump()
	return t
}

func (t *wsTransport) pump() {
	defer close(t.done)
	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			t.readErr = err
			return
		}
		select {
		case t.frames <- msg:
		case <-t.closed:
			return
		}
	}
}

// nextFrame waits up to timeout for one whole frame.
func (t *wsTransport) nextFrame(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-t.frames:
		return f, nil
	case <-t.done:
		select {
		case f := <-t.frames:
			return f, nil
		default:
		}
		return nil, &LinkError{Op: "read", Cause: t.readErr}
	case <-timer.C:
		return nil, errors.Errorf("no frame within %s", timeout)
	}
}

func (t *wsTransport) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	writer, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return 0, &LinkError{Op: "write", Cause: err}
	}
	n, err := writer.Write(p)
	if err != nil {
		writer.Close()
		return n, &LinkError{Op: "write", Cause: err}
	}
	if err := writer.Close(); err != nil {
		return n, &LinkError{Op: "write", Cause: err}
	}
	return n, nil
}

func (t *wsTransport) ReadAvailable(max int, timeout time.Duration) ([]byte, error) {
	if len(t.pending) == 0 {
		f, err := t.nextFrame(timeout)
		if err != nil {
			if IsLinkError(err) {
				return nil, err
			}
			return nil, nil
		}
		t.pending = f
	}

	n := len(t.pending)
	if n > max {
		n = max
	}
	out := make([]byte, n)
	copy(out, t.pending)
	t.pending = t.pending[n:]
	return out, nil
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *wsTransport) String() string {
	return fmt.Sprintf("websocket %s", t.url)
}
