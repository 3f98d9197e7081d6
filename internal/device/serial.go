package device

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// DefaultBaudRate is used when a SerialSpec leaves Baud at zero.
const DefaultBaudRate = 115200

// listPorts is swapped out in tests.
var listPorts = serial.GetPortsList

// SerialSpec opens a serial line. Port is either a device path or a number,
// which selects from the ports the system enumerates. An empty Port means
// the first enumerated port. DataBits defaults to 8, without parity.
type SerialSpec struct {
	Port       string
	Baud       int
	DataBits   int
	EvenParity bool
}

func (s SerialSpec) String() string {
	return fmt.Sprintf("serial %s at %d baud", s.portLabel(), s.baud())
}

func (s SerialSpec) baud() int {
	if s.Baud <= 0 {
		return DefaultBaudRate
	}
	return s.Baud
}

func (s SerialSpec) portLabel() string {
	if s.Port == "" {
		return "0"
	}
	return s.Port
}

// ResolvePort turns a numeric port into the enumerated device path.
func (s SerialSpec) ResolvePort() (string, error) {
	name := s.portLabel()
	index, err := strconv.Atoi(name)
	if err != nil {
		return name, nil
	}

	ports, err := listPorts()
	if err != nil {
		return "", errors.Wrap(err, "failed to list serial ports")
	}
	if index < 0 || index >= len(ports) {
		return "", errors.Errorf("serial port index %d out of range (%d ports found)", index, len(ports))
	}
	return ports[index], nil
}

// Open opens the serial port.
func (s SerialSpec) Open(ctx context.Context) (Transport, error) {
	name, err := s.ResolvePort()
	if err != nil {
		return nil, newConnectionError(s, err)
	}

	mode := &serial.Mode{
		BaudRate: s.baud(),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if s.DataBits > 0 {
		mode.DataBits = s.DataBits
	}
	if s.EvenParity {
		mode.Parity = serial.EvenParity
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, newConnectionError(s, err)
	}

	return &serialTransport{port: port, name: name, baud: mode.BaudRate}, nil
}

type serialTransport struct {
	port serial.Port
	name string
	baud int

	timeoutMu sync.Mutex
	timeout   time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (t *serialTransport) Write(p []byte) (int, error) {
	n, err := t.port.Write(p)
	if err != nil {
		return n, &LinkError{Op: "write", Cause: err}
	}
	return n, nil
}

func (t *serialTransport) ReadAvailable(max int, timeout time.Duration) ([]byte, error) {
	t.timeoutMu.Lock()
	if timeout != t.timeout {
		if err := t.port.SetReadTimeout(timeout); err != nil {
			t.timeoutMu.Unlock()
			return nil, &LinkError{Op: "read", Cause: err}
		}
		t.timeout = timeout
	}
	t.timeoutMu.Unlock()

	buf := make([]byte, max)
	n, err := t.port.Read(buf)
	if err != nil {
		return nil, &LinkError{Op: "read", Cause: err}
	}
	return buf[:n], nil
}

func (t *serialTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.port.Close()
	})
	return t.closeErr
}

func (t *serialTransport) String() string {
	return fmt.Sprintf("serial %s at %d baud", t.name, t.baud)
}
