package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// flood sends frames nobody reads, more than the transport buffers.
func flood(t *testing.T, frames int) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for i := 0; i < frames; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("I (42) noise\r\n")); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func TestWebSocketCloseStopsBlockedPump(t *testing.T) {
	srv := httptest.NewServer(flood(t, 200))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	for i := 0; i < 5; i++ {
		tr, err := WebSocketSpec{URL: url}.Open(context.Background())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		wt := tr.(*wsTransport)

		deadline := time.Now().Add(2 * time.Second)
		for len(wt.frames) < cap(wt.frames) && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if len(wt.frames) != cap(wt.frames) {
			t.Fatalf("frame buffer holds %d of %d", len(wt.frames), cap(wt.frames))
		}

		tr.Close()
		select {
		case <-wt.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("transport %d: pump still running after Close", i)
		}
	}
}
