package main

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"mpyrepl/internal/device"
	"mpyrepl/internal/fakedevice"
	"mpyrepl/internal/kernel"
)

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

func newTestConsole(t *testing.T, input string, maxSilence int) (*console, *kernel.BufferDisplay, *fakedevice.Device) {
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

	logger := log.New(io.Discard, "", 0)
	con := newConsole(it, newScannerEditor(strings.NewReader(input)), logger)
	con.cellContext = func() (context.Context, context.CancelFunc) {
		return context.WithCancel(context.Background())
	}
	return con, out, board
}

func TestConsoleRunsCells(t *testing.T) {
	input := strings.Join([]string{
		"%serialconnect /dev/ttyUSB0",
		"print('hello')",
		"%sendtofile boot.py",
		"print('boot')",
		"",
		"  print(7)",
	}, "\n")
	con, out, board := newTestConsole(t, input, 3)

	if err := con.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := out.String()
	for _, want := range []string{" ** Serial connected **", "hello\r\n", "Sent ", "7\r\n", " ** Disconnected **"} {
		if !strings.Contains(got, want) {
			t.Errorf("display missing %q:\n%s", want, got)
		}
	}
	if f, ok := board.File("boot.py"); !ok || string(f) != "print('boot')" {
		t.Errorf("boot.py = %q, %v", f, ok)
	}
	if con.it.Session().Connected() {
		t.Error("console should disconnect at the end of input")
	}
}

func TestConsoleWithoutConnection(t *testing.T) {
	con, out, board := newTestConsole(t, "%lsmagic\nprint(1)\n", 3)

	if err := con.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "%serialconnect") {
		t.Errorf("lsmagic output missing: %s", out)
	}
	if !strings.Contains(out.Errors(), "No serial connected") {
		t.Errorf("errors = %q", out.Errors())
	}
	if len(board.Written()) != 0 {
		t.Errorf("wrote %q without a connection", board.Written())
	}
}

func TestConsoleInterruptedCell(t *testing.T) {
	con, out, board := newTestConsole(t, "", 100)
	con.run("%serialconnect /dev/ttyUSB0")

	ctx, cancel := context.WithCancel(context.Background())
	con.cellContext = func() (context.Context, context.CancelFunc) { return ctx, cancel }
	go func() {
		for !board.Busy() {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	if got := con.run("while True: pass"); got != kernel.OutcomeAborted {
		t.Errorf("outcome = %v, display:\n%s", got, out)
	}
	if board.Busy() {
		t.Error("device still busy after the interrupt")
	}
}
