package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"mpyrepl/internal/device"
	"mpyrepl/internal/fakedevice"
	"mpyrepl/internal/kernel"
)

type message struct {
	topic   string
	payload []byte
}

type recorder struct {
	mu       sync.Mutex
	messages []message
}

func (r *recorder) Publish(topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message{topic, append([]byte(nil), payload...)})
	return nil
}

func (r *recorder) on(topic string) []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message
	for _, m := range r.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) results(t *testing.T) []CellResult {
	t.Helper()
	var results []CellResult
	for _, m := range r.on("board1/cell/status") {
		var res CellResult
		if err := json.Unmarshal(m.payload, &res); err != nil {
			t.Fatalf("bad result payload %q: %v", m.payload, err)
		}
		results = append(results, res)
	}
	return results
}

type fakeSpecs struct {
	board *fakedevice.Device
}

func (f fakeSpecs) Serial(port string, baud int) device.Spec {
	return fakedevice.Spec{Device: f.board, Name: port}
}

func (f fakeSpecs) Socket(host string, port int) device.Spec {
	return fakedevice.Spec{Device: f.board, Name: host}
}

func (f fakeSpecs) WebSocket(url, password string, handshake bool) device.Spec {
	return fakedevice.Spec{Device: f.board, Name: url}
}

func newTestBridge(t *testing.T, maxSilence int) (*Bridge, *recorder, *fakedevice.Device) {
	t.Helper()
	board := fakedevice.New()
	session := device.NewSession(device.ReaderOptions{
		PollTimeout: 2 * time.Millisecond,
		MaxSilence:  maxSilence,
		Deadline:    100 * time.Millisecond,
	}, nil)
	out := &kernel.BufferDisplay{}
	it := kernel.New(session, out, kernel.Config{Specs: fakeSpecs{board}, ChunkSize: 16})
	t.Cleanup(func() { session.Disconnect() })

	if got := it.RunCell(context.Background(), "%serialconnect /dev/ttyUSB0", false); got != kernel.OutcomeOK {
		t.Fatalf("connect: %v", got)
	}
	out.Reset()

	rec := &recorder{}
	return NewBridge(it, out, "board1", rec, log.New(io.Discard, "", 0)), rec, board
}

func TestBridgeRunsPlainCell(t *testing.T) {
	b, rec, _ := newTestBridge(t, 3)

	b.HandleMessage("board1/cell", []byte("print('hi')\nprint(2)"))
	b.Wait()

	results := rec.results(t)
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	res := results[0]
	if res.Status != "ok" || res.ID == "" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Output, "hi\r\n2\r\n") {
		t.Errorf("output = %q", res.Output)
	}
	if res.Errors != "" {
		t.Errorf("errors = %q", res.Errors)
	}
}

func TestBridgeRunsJSONCell(t *testing.T) {
	b, rec, board := newTestBridge(t, 3)

	b.HandleMessage("board1/cell", []byte(`{"id":"cell-7","cell":"%sendtofile x.txt\nabc"}`))
	b.Wait()

	results := rec.results(t)
	if len(results) != 1 || results[0].ID != "cell-7" || results[0].Status != "ok" {
		t.Fatalf("results = %+v", results)
	}
	if f, _ := board.File("x.txt"); string(f) != "abc" {
		t.Errorf("x.txt = %q", f)
	}
}

func TestBridgeReportsDeviceErrors(t *testing.T) {
	b, rec, _ := newTestBridge(t, 3)

	b.HandleMessage("board1/cell", []byte("nonsense here"))
	b.Wait()

	res := rec.results(t)[0]
	if res.Status != "ok" || !strings.Contains(res.Errors, "SyntaxError") {
		t.Errorf("result = %+v", res)
	}
}

func TestBridgeRejectsBadRequests(t *testing.T) {
	b, rec, board := newTestBridge(t, 3)
	board.ResetWritten()

	b.HandleMessage("board1/cell", []byte(`{"id":"bad id!","cell":"print(1)"}`))
	b.HandleMessage("board1/cell", []byte(`{"cell":`))
	b.Wait()

	results := rec.results(t)
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for _, res := range results {
		if res.Status != "rejected" || res.Errors == "" {
			t.Errorf("result = %+v", res)
		}
	}
	if len(board.Written()) != 0 {
		t.Errorf("rejected cells reached the device: %q", board.Written())
	}
}

func TestBridgeStatus(t *testing.T) {
	b, rec, _ := newTestBridge(t, 3)

	b.HandleMessage("board1", nil)

	msgs := rec.on("board1/status")
	if len(msgs) != 1 {
		t.Fatalf("got %d status messages", len(msgs))
	}
	var status StatusResponse
	if err := json.Unmarshal(msgs[0].payload, &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "idle" || !status.Connected || status.Device == "" {
		t.Errorf("status = %+v", status)
	}
	found := false
	for _, name := range status.AvailableCommands {
		if name == "%lsmagic" {
			found = true
		}
	}
	if !found {
		t.Errorf("available commands = %v", status.AvailableCommands)
	}
}

func TestBridgeBusyAndInterrupt(t *testing.T) {
	b, rec, board := newTestBridge(t, 100)

	b.HandleMessage("board1/cell", []byte(`{"id":"loop","cell":"while True: pass"}`))
	deadline := time.Now().Add(2 * time.Second)
	for !board.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("device never became busy")
		}
		time.Sleep(time.Millisecond)
	}

	if s := b.Status(); s.Status != statusBusy || s.Running != "loop" {
		t.Errorf("status while running = %+v", s)
	}

	b.HandleMessage("board1/cell", []byte(`{"id":"second","cell":"print(1)"}`))
	b.HandleMessage("board1/interrupt", nil)
	b.Wait()

	results := rec.results(t)
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].ID != "second" || results[0].Status != statusBusy {
		t.Errorf("second cell = %+v", results[0])
	}
	if results[1].ID != "loop" || results[1].Status != "aborted" {
		t.Errorf("interrupted cell = %+v", results[1])
	}
	if board.Busy() {
		t.Error("device still busy after the interrupt")
	}
	if b.Interrupt() != "" {
		t.Error("no cell should be running")
	}
}

func TestBridgeIgnoresOtherTopics(t *testing.T) {
	b, rec, _ := newTestBridge(t, 3)
	b.HandleMessage("board1/other", []byte("print(1)"))
	b.Wait()
	if len(rec.messages) != 0 {
		t.Errorf("published %d messages", len(rec.messages))
	}
}
