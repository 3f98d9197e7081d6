// Package fakedevice emulates a MicroPython board behind the device.Transport
// contract. It understands the normal and raw REPL control bytes, executes a
// handful of statement shapes (prints, file writes, an endless loop) and keeps
// an in-memory filesystem, which is enough to test sessions end to end
// without hardware.
package fakedevice

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mpyrepl/internal/device"
)

const (
	rawBanner    = "raw REPL; CTRL-B to exit\r\n>"
	normalBanner = "MicroPython v1.22.0 on fakeboard\r\nType \"help()\" for more information.\r\n>>> "
)

// ErrBroken is the cause reported once Break has been called.
var ErrBroken = errors.New("device unplugged")

// Device is the emulated board. It outlives the connections opened to it.
type Device struct {
	mu     sync.Mutex
	raw    bool
	busy   bool
	line   []byte
	out    bytes.Buffer
	notify chan struct{}

	written  bytes.Buffer
	files    map[string][]byte
	imported bool
	broken   bool
	resets   int
	opens    int
}

// New returns a board sitting at the normal REPL prompt.
func New() *Device {
	return &Device{
		notify: make(chan struct{}, 1),
		files:  make(map[string][]byte),
	}
}

// Written returns every byte any connection has written so far.
func (d *Device) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.written.Bytes()...)
}

// ResetWritten forgets the bytes recorded by Written.
func (d *Device) ResetWritten() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written.Reset()
}

// File returns the contents of a file on the emulated filesystem.
func (d *Device) File(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[name]
	return append([]byte(nil), b...), ok
}

// SetFile places a file on the emulated filesystem.
func (d *Device) SetFile(name string, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[name] = append([]byte(nil), content...)
}

// InRawREPL reports whether the board is in the raw (paste) REPL.
func (d *Device) InRawREPL() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raw
}

// Busy reports whether a program is running.
func (d *Device) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// SoftResets counts soft reboots.
func (d *Device) SoftResets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Opens counts connections opened to the board.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Emit queues unsolicited output, as a board printing log lines would.
func (d *Device) Emit(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit(s)
}

// Break makes every further read and write fail, like a pulled cable.
func (d *Device) Break() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broken = true
	d.wake()
}

// Repair undoes Break.
func (d *Device) Repair() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broken = false
}

func (d *Device) emit(s string) {
	d.out.WriteString(s)
	d.wake()
}

func (d *Device) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Device) feed(p []byte) {
	d.written.Write(p)
	for _, c := range p {
		if d.raw {
			d.feedRaw(c)
		} else {
			d.feedNormal(c)
		}
	}
}

func (d *Device) feedRaw(c byte) {
	if d.busy {
		if c == 0x03 {
			d.busy = false
			d.emit("\x04Traceback (most recent call last):\r\n  File \"<stdin>\", line 1, in <module>\r\nKeyboardInterrupt: \r\n\x04>")
		}
		return
	}
	switch c {
	case 0x01:
		d.line = d.line[:0]
		d.emit(rawBanner)
	case 0x02:
		d.raw = false
		d.line = d.line[:0]
		d.emit("\r\n" + normalBanner)
	case 0x03:
		d.line = d.line[:0]
	case 0x04:
		if len(d.line) == 0 {
			d.softReset()
			return
		}
		d.execute(string(d.line))
		d.line = d.line[:0]
	default:
		d.line = append(d.line, c)
	}
}

func (d *Device) feedNormal(c byte) {
	if d.busy {
		if c == 0x03 {
			d.busy = false
			d.emit("Traceback (most recent call last):\r\n  File \"<stdin>\", line 1, in <module>\r\nKeyboardInterrupt: \r\n>>> ")
		}
		return
	}
	switch c {
	case 0x01:
		d.raw = true
		d.line = d.line[:0]
		d.emit("\r\n" + rawBanner)
	case 0x03:
		d.line = d.line[:0]
		d.emit("\r\n>>> ")
	case 0x04:
		d.softReset()
	case '\r':
		stmt := string(d.line)
		d.line = d.line[:0]
		d.emit("\r\n")
		if strings.TrimSpace(stmt) != "" {
			out, errOut := d.run(stmt)
			d.emit(out + errOut)
		}
		if !d.busy {
			d.emit(">>> ")
		}
	case '\n':
	default:
		d.line = append(d.line, c)
		d.emit(string(c))
	}
}

func (d *Device) softReset() {
	d.resets++
	d.busy = false
	d.line = d.line[:0]
	d.imported = false
	if d.raw {
		d.emit("OK\r\nMPY: soft reboot\r\n" + rawBanner)
		return
	}
	d.emit("MPY: soft reboot\r\n" + normalBanner)
}

// execute runs a raw REPL submission and frames the reply.
func (d *Device) execute(src string) {
	d.emit("OK")
	out, errOut := d.run(src)
	if d.busy {
		d.emit(out)
		return
	}
	d.emit(out + "\x04" + errOut + "\x04>")
}

var (
	reWrite  = regexp.MustCompile(`^with open\(('(?:[^'\\]|\\.)*'),'([wa]b?)'\) as f:f\.write\((.*)\)$`)
	reTouch  = regexp.MustCompile(`^open\(('(?:[^'\\]|\\.)*'),'([wa]b?)'\)\.close\(\)$`)
	reB64    = regexp.MustCompile(`^a2b_base64\(('[A-Za-z0-9+/=]*')\)$`)
	rePrint  = regexp.MustCompile(`^print\((.*)\)$`)
	reNumber = regexp.MustCompile(`^-?\d+$`)
)

// run executes statements line by line and returns stdout and stderr text.
func (d *Device) run(src string) (string, string) {
	var out strings.Builder
	lines := strings.Split(strings.ReplaceAll(src, "\r", ""), "\n")
	for i, line := range lines {
		stmt := strings.TrimSpace(line)
		if stmt == "" || strings.HasPrefix(stmt, "#") {
			continue
		}
		if err := d.statement(stmt, &out); err != nil {
			return out.String(), fmt.Sprintf("Traceback (most recent call last):\r\n  File \"<stdin>\", line %d, in <module>\r\n%s\r\n", i+1, err)
		}
		if d.busy {
			return out.String(), ""
		}
	}
	return out.String(), ""
}

func (d *Device) statement(stmt string, out *strings.Builder) error {
	switch {
	case stmt == "from ubinascii import a2b_base64":
		d.imported = true
		return nil
	case stmt == "while True: pass", stmt == "while 1: pass":
		d.busy = true
		return nil
	case stmt == "pass":
		return nil
	}

	if m := rePrint.FindStringSubmatch(stmt); m != nil {
		arg := strings.TrimSpace(m[1])
		if reNumber.MatchString(arg) {
			out.WriteString(arg + "\r\n")
			return nil
		}
		s, err := Unquote(arg)
		if err != nil {
			return errors.New("SyntaxError: invalid syntax")
		}
		out.WriteString(strings.ReplaceAll(string(s), "\n", "\r\n") + "\r\n")
		return nil
	}

	if m := reTouch.FindStringSubmatch(stmt); m != nil {
		path, err := Unquote(m[1])
		if err != nil {
			return errors.New("SyntaxError: invalid syntax")
		}
		if strings.HasPrefix(m[2], "w") {
			d.files[string(path)] = []byte{}
		} else if _, ok := d.files[string(path)]; !ok {
			d.files[string(path)] = []byte{}
		}
		return nil
	}

	if m := reWrite.FindStringSubmatch(stmt); m != nil {
		path, err := Unquote(m[1])
		if err != nil {
			return errors.New("SyntaxError: invalid syntax")
		}
		mode := m[2]
		var data []byte
		if b := reB64.FindStringSubmatch(m[3]); b != nil {
			if !d.imported {
				return errors.New("NameError: name 'a2b_base64' isn't defined")
			}
			if !strings.HasSuffix(mode, "b") {
				return errors.New("TypeError: can't convert 'bytes' object to str implicitly")
			}
			enc, _ := Unquote(b[1])
			data, err = base64.StdEncoding.DecodeString(string(enc))
			if err != nil {
				return errors.New("ValueError: incorrect padding")
			}
		} else {
			if strings.HasSuffix(mode, "b") {
				return errors.New("TypeError: object with buffer protocol required")
			}
			data, err = Unquote(m[3])
			if err != nil {
				return errors.New("SyntaxError: invalid syntax")
			}
		}
		name := string(path)
		if strings.HasPrefix(mode, "w") {
			d.files[name] = append([]byte(nil), data...)
		} else {
			d.files[name] = append(d.files[name], data...)
		}
		return nil
	}

	return errors.New("SyntaxError: invalid syntax")
}

// Unquote decodes a single-quoted Python string literal, handling the
// escapes \\ \' \" \n \r \t \0 and \xNN. Other bytes are taken literally.
func Unquote(lit string) ([]byte, error) {
	if len(lit) < 2 || lit[0] != '\'' || lit[len(lit)-1] != '\'' {
		return nil, errors.Errorf("not a single-quoted literal: %q", lit)
	}
	body := lit[1 : len(lit)-1]
	var out []byte
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(body) {
			return nil, errors.New("trailing backslash")
		}
		switch body[i] {
		case '\\', '\'', '"':
			out = append(out, body[i])
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case '0':
			out = append(out, 0)
		case 'x':
			if i+2 >= len(body) {
				return nil, errors.New("truncated \\x escape")
			}
			v, err := strconv.ParseUint(body[i+1:i+3], 16, 8)
			if err != nil {
				return nil, errors.Wrap(err, "bad \\x escape")
			}
			out = append(out, byte(v))
			i += 2
		default:
			return nil, errors.Errorf("unsupported escape \\%c", body[i])
		}
	}
	return out, nil
}

// conn is one connection to the board.
type conn struct {
	d      *Device
	name   string
	mu     sync.Mutex
	closed bool
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) Write(p []byte) (int, error) {
	if c.isClosed() {
		return 0, &device.LinkError{Op: "write", Cause: errors.New("use of closed connection")}
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.broken {
		return 0, &device.LinkError{Op: "write", Cause: ErrBroken}
	}
	c.d.feed(p)
	return len(p), nil
}

func (c *conn) ReadAvailable(max int, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if c.isClosed() {
			return nil, &device.LinkError{Op: "read", Cause: errors.New("use of closed connection")}
		}
		c.d.mu.Lock()
		if c.d.broken {
			c.d.mu.Unlock()
			return nil, &device.LinkError{Op: "read", Cause: ErrBroken}
		}
		if c.d.out.Len() > 0 {
			n := c.d.out.Len()
			if n > max {
				n = max
			}
			b := make([]byte, n)
			c.d.out.Read(b)
			c.d.mu.Unlock()
			return b, nil
		}
		c.d.mu.Unlock()

		select {
		case <-c.d.notify:
		case <-timer.C:
			return []byte{}, nil
		}
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.d.wake()
	return nil
}

func (c *conn) String() string {
	return "fake " + c.name
}

// Spec opens a connection to Device. A non-nil Err makes Open fail with a
// connection error instead.
type Spec struct {
	Device *Device
	Name   string
	Err    error
}

func (s Spec) String() string {
	if s.Name == "" {
		return "fake device"
	}
	return "fake " + s.Name
}

// Open connects to the board.
func (s Spec) Open(ctx context.Context) (device.Transport, error) {
	if s.Err != nil {
		return nil, &device.ConnectionError{Spec: s.String(), Cause: s.Err}
	}
	if s.Device == nil {
		return nil, &device.ConnectionError{Spec: s.String(), Cause: errors.New("no such device")}
	}
	s.Device.mu.Lock()
	s.Device.opens++
	s.Device.mu.Unlock()
	return &conn{d: s.Device, name: s.String()}, nil
}
