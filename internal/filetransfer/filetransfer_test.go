package filetransfer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"mpyrepl/internal/device"
	"mpyrepl/internal/fakedevice"
)

func connectedSession(t *testing.T) (*device.Session, *fakedevice.Device) {
	t.Helper()
	board := fakedevice.New()
	s := device.NewSession(device.ReaderOptions{
		PollTimeout: 2 * time.Millisecond,
		MaxSilence:  3,
		Deadline:    40 * time.Millisecond,
	}, nil)
	if err := s.Connect(context.Background(), fakedevice.Spec{Device: board}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, board
}

func TestRoundTripChunkBoundaries(t *testing.T) {
	const size = 16
	lengths := []int{0, 1, size - 1, size, size + 1, 3*size + 5}

	for _, binary := range []bool{false, true} {
		for _, n := range lengths {
			content := make([]byte, n)
			for i := range content {
				if binary {
					content[i] = byte(i * 37)
				} else {
					content[i] = "abc\n'\\\t\r\"xyz"[i%13]
				}
			}

			s, board := connectedSession(t)
			res, err := Send(context.Background(), s, "x.txt", content, Options{Binary: binary, ChunkSize: size})
			if err != nil {
				t.Fatalf("binary=%v len=%d: Send: %v", binary, n, err)
			}
			if res.Failed() {
				t.Fatalf("binary=%v len=%d: device error %q", binary, n, res.Response.Error)
			}
			got, ok := board.File("x.txt")
			if !ok {
				t.Fatalf("binary=%v len=%d: file not created", binary, n)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("binary=%v len=%d: device has %q, want %q", binary, n, got, content)
			}
		}
	}
}

func TestTruncatesExistingFile(t *testing.T) {
	s, board := connectedSession(t)
	board.SetFile("main.py", []byte("old contents that are longer"))

	if _, err := Send(context.Background(), s, "main.py", []byte("new"), Options{}); err != nil {
		t.Fatal(err)
	}
	got, _ := board.File("main.py")
	if string(got) != "new" {
		t.Errorf("main.py = %q", got)
	}

	if _, err := Send(context.Background(), s, "main.py", nil, Options{}); err != nil {
		t.Fatal(err)
	}
	got, ok := board.File("main.py")
	if !ok || len(got) != 0 {
		t.Errorf("empty send should truncate, got %q", got)
	}
}

func TestAppendConcatenatesInOrder(t *testing.T) {
	s, board := connectedSession(t)
	ctx := context.Background()

	parts := []string{"first line\n", "second: äöü\n", "third\n"}
	for _, p := range parts {
		if _, err := Send(ctx, s, "log.txt", []byte(p), Options{Append: true, ChunkSize: 5}); err != nil {
			t.Fatalf("Send(%q): %v", p, err)
		}
	}
	got, _ := board.File("log.txt")
	if want := strings.Join(parts, ""); string(got) != want {
		t.Errorf("log.txt = %q, want %q", got, want)
	}
}

func TestStatementsShape(t *testing.T) {
	stmts, err := Statements("a.py", []byte("0123456789"), Options{ChunkSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"with open('a.py','w') as f:f.write('0123')",
		"with open('a.py','a') as f:f.write('4567')",
		"with open('a.py','a') as f:f.write('89')",
	}
	if strings.Join(stmts, "\n") != strings.Join(want, "\n") {
		t.Errorf("Statements =\n%s\nwant\n%s", strings.Join(stmts, "\n"), strings.Join(want, "\n"))
	}

	stmts, err = Statements("b.bin", []byte{0, 1, 2}, Options{Binary: true, Append: true})
	if err != nil {
		t.Fatal(err)
	}
	want = []string{
		"from ubinascii import a2b_base64",
		"with open('b.bin','ab') as f:f.write(a2b_base64('AAEC'))",
	}
	if strings.Join(stmts, "\n") != strings.Join(want, "\n") {
		t.Errorf("binary Statements = %q", stmts)
	}

	stmts, err = Statements("e.txt", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(stmts) != 1 || stmts[0] != "open('e.txt','w').close()" {
		t.Errorf("empty Statements = %q", stmts)
	}
}

func TestStatementsNeverSplitRunes(t *testing.T) {
	content := []byte(strings.Repeat("€", 10))
	stmts, err := Statements("u.txt", content, Options{ChunkSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(stmts) != 10 {
		t.Errorf("got %d statements, want one per 3-byte rune", len(stmts))
	}
	for _, s := range stmts {
		if !utf8.ValidString(s) {
			t.Errorf("statement %q contains a split rune", s)
		}
	}
}

func TestStatementsRejectsBinaryInTextMode(t *testing.T) {
	if _, err := Statements("x", []byte{0xff, 0xfe}, Options{}); !errors.Is(err, ErrNotText) {
		t.Errorf("err = %v, want ErrNotText", err)
	}
	if _, err := Statements("", []byte("x"), Options{}); err == nil {
		t.Error("missing destination should fail")
	}
}

func TestSendRendersBeforeTouchingDevice(t *testing.T) {
	s, board := connectedSession(t)
	if _, err := Send(context.Background(), s, "x", []byte{0xff}, Options{}); err == nil {
		t.Fatal("expected an error")
	}
	if len(board.Written()) != 0 {
		t.Errorf("device received %q", board.Written())
	}
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"plain":      `'plain'`,
		"it's":       `'it\'s'`,
		"a\\b":       `'a\\b'`,
		"l1\nl2\r\n": `'l1\nl2\r\n'`,
		"\x00\x1b":   `'\x00\x1b'`,
		"ü":          `'ü'`,
	}
	for in, want := range tests {
		if got := Quote([]byte(in)); got != want {
			t.Errorf("Quote(%q) = %s, want %s", in, got, want)
		}
		back, err := fakedevice.Unquote(Quote([]byte(in)))
		if err != nil || string(back) != in {
			t.Errorf("Unquote(Quote(%q)) = %q, %v", in, back, err)
		}
	}
}

func TestReadSource(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "boot.py")
	bin := filepath.Join(dir, "blob.bin")
	os.WriteFile(text, []byte("import machine\n"), 0o644)
	os.WriteFile(bin, []byte{0x00, 0xff, 0x10}, 0o644)

	if got, err := ReadSource(text, false); err != nil || string(got) != "import machine\n" {
		t.Errorf("ReadSource(text) = %q, %v", got, err)
	}
	if got, err := ReadSource(bin, true); err != nil || len(got) != 3 {
		t.Errorf("ReadSource(binary) = %q, %v", got, err)
	}
	if _, err := ReadSource(bin, false); !errors.Is(err, ErrNotText) {
		t.Errorf("ReadSource(binary as text) err = %v", err)
	}
	if _, err := ReadSource(filepath.Join(dir, "missing"), false); err == nil {
		t.Error("missing source should fail")
	}
}
