// Package kernel turns notebook cells into device I/O. A cell whose first
// line is a % command is handled here; anything else is submitted to the
// connected device through paste mode, with the device's reply sent to a
// Display.
package kernel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"mpyrepl/internal/device"
)

// Outcome is the result of running one cell.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeAborted
)

func (o Outcome) String() string {
	if o == OutcomeAborted {
		return "aborted"
	}
	return "ok"
}

// SpecFactory builds the connection specs the connect commands open.
type SpecFactory interface {
	Serial(port string, baud int) device.Spec
	Socket(host string, port int) device.Spec
	WebSocket(url, password string, handshake bool) device.Spec
}

// DeviceSpecs builds the real serial, socket and WebSocket specs.
type DeviceSpecs struct{}

func (DeviceSpecs) Serial(port string, baud int) device.Spec {
	return device.SerialSpec{Port: port, Baud: baud}
}

func (DeviceSpecs) Socket(host string, port int) device.Spec {
	return device.SocketSpec{Host: host, Port: port}
}

func (DeviceSpecs) WebSocket(url, password string, handshake bool) device.Spec {
	return device.WebSocketSpec{URL: url, Password: password, Handshake: handshake}
}

// Config holds optional interpreter settings.
type Config struct {
	Specs     SpecFactory
	ChunkSize int
	Logger    *log.Logger
}

// Interpreter runs cells against one device session. Cells must not run
// concurrently.
type Interpreter struct {
	session   *device.Session
	display   Display
	specs     SpecFactory
	chunkSize int
	logger    *log.Logger

	commands map[string]*CommandSpec
	order    []*CommandSpec

	// per-cell state
	out         Display
	suppressEnd bool
}

// result is what a command handler hands back to the dispatcher.
type result struct {
	// passOn sends rest on for execution as ordinary code.
	passOn bool
	rest   string
}

var (
	percentLine  = regexp.MustCompile(`^\s*(%.*)`)
	readbytesRun = regexp.MustCompile(`^%readbytes`)
	// wifiNoise matches the status lines ESP firmware prints on its own.
	wifiNoise = regexp.MustCompile(`^(?:[IWD] \(\d+\) (?:wifi|net80211|phy|system_api|event|esp_netif)|wifi:|scandone|state: \d+ -> \d+|add if\d|bcn \d+|del if\d|pm open|mode : |reconnect|f r0, |cnt |chg_sec|connected with |ip:\d|dhcp client)`)
)

// New returns an interpreter bound to session and display.
func New(session *device.Session, display Display, cfg Config) *Interpreter {
	if cfg.Specs == nil {
		cfg.Specs = DeviceSpecs{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	it := &Interpreter{
		session:   session,
		display:   display,
		out:       display,
		specs:     cfg.Specs,
		chunkSize: cfg.ChunkSize,
		logger:    cfg.Logger,
		commands:  make(map[string]*CommandSpec),
	}
	it.registerBuiltins()
	return it
}

// Session returns the device session the interpreter drives.
func (it *Interpreter) Session() *device.Session {
	return it.session
}

// Commands lists the registered commands sorted by name.
func (it *Interpreter) Commands() []*CommandSpec {
	out := append([]*CommandSpec(nil), it.order...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (it *Interpreter) register(c *CommandSpec) {
	it.commands[c.Name] = c
	it.order = append(it.order, c)
}

// RunCell executes one cell. Cancelling ctx interrupts it: the device is
// sent Ctrl-C, given a bounded time to recover, and the outcome is aborted.
func (it *Interpreter) RunCell(ctx context.Context, cell string, silent bool) Outcome {
	it.out = it.display
	if silent {
		it.out = discardDisplay{}
	}
	it.suppressEnd = false

	if strings.TrimSpace(cell) == "" {
		return OutcomeOK
	}

	interrupted := false
	if it.session.Connected() && !readbytesRun.MatchString(cell) {
		prior, err := it.session.Drain(ctx)
		it.showLeftover(prior)
		if err != nil {
			interrupted = it.report(err)
		}
	}
	if !interrupted {
		if err := it.execute(ctx, cell); err != nil {
			interrupted = it.report(err)
		}
	}

	if interrupted || ctx.Err() != nil {
		it.sendCtrlC()
		return OutcomeAborted
	}
	return OutcomeOK
}

// Interpret handles a % command line. It returns the text left for normal
// execution and whether the cell was consumed. A command that needs a
// connection hands back cell untouched when there is none.
func (it *Interpreter) Interpret(ctx context.Context, line, cell string) (string, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return cell, false, nil
	}
	name := strings.Fields(line)[0]

	cmd, known := it.commands[name]
	if !known {
		if hint := it.suggest(name); hint != "" {
			it.out.Display(fmt.Sprintf("Did you mean %s?\n", hint), StyleError)
			return "", true, nil
		}
		it.out.Display(fmt.Sprintf("Unrecognized command %s\n", strconv.Quote(line)), StyleError)
		if !it.session.Connected() {
			return cell, false, nil
		}
		return "", true, nil
	}

	if cmd.NeedsConnection && !it.session.Connected() {
		return cell, false, nil
	}

	tokens, err := Split(line)
	if err != nil {
		return "", true, &UsageError{Command: cmd.Name, Usage: cmd.Usage(), Reason: err.Error()}
	}
	args, err := cmd.Parse(tokens[1:])
	if err != nil {
		return "", true, err
	}

	it.logger.Printf("Running %s", line)
	res, err := cmd.run(ctx, it, args, cell)
	if err != nil {
		return "", true, err
	}
	return res.rest, !res.passOn, nil
}

func (it *Interpreter) execute(ctx context.Context, cell string) error {
	if m := percentLine.FindStringSubmatch(cell); m != nil {
		rest, consumed, err := it.Interpret(ctx, m[1], cell)
		if err != nil || consumed {
			return err
		}
		cell = rest
	}

	if !it.session.Connected() {
		it.out.Display("No serial connected\n", StyleError)
		it.out.Display("  %serialconnect to connect\n", StyleNone)
		it.out.Display("  %lsmagic to list commands\n", StyleNone)
		return nil
	}
	if cell == "" {
		return nil
	}
	return it.runLines(ctx, cell)
}

// runLines submits cell line by line. A connection opened in paste mode
// gets a fresh paste cycle per cell; a raw one gets the lines as typed.
func (it *Interpreter) runLines(ctx context.Context, cell string) error {
	paste := it.session.PasteEnabled()

	var prior []byte
	var err error
	if paste {
		prior, err = it.session.EnterPasteMode(ctx)
	} else {
		prior, err = it.session.Drain(ctx)
	}
	it.tagged("[priorstuff] ", prior)
	if err != nil {
		return err
	}

	for _, line := range splitLines(cell) {
		out, err := it.session.SubmitLine(ctx, line)
		it.tagged("[duringwriting] ", out)
		if err != nil {
			return err
		}
	}

	if it.suppressEnd || !paste {
		return nil
	}
	resp, err := it.session.EndSubmission(ctx)
	it.showResponse(resp)
	return err
}

// splitLines keeps every line of cell, blank ones included, without its
// terminator.
func splitLines(cell string) []string {
	lines := strings.SplitAfter(cell, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func (it *Interpreter) showResponse(resp device.Response) {
	if len(resp.Output) > 0 {
		it.out.DisplayRaw(resp.Output)
	}
	if len(resp.Error) > 0 {
		it.out.Display(string(resp.Error), StyleError)
	}
}

// showLeftover reports output that arrived between cells, minus bare
// prompts and firmware wifi chatter.
func (it *Interpreter) showLeftover(b []byte) {
	if len(b) == 0 {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(string(b), "\r\n"), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || line == ">" || wifiNoise.MatchString(line) {
			continue
		}
		it.out.Display("[leftinbuffer] "+strconv.Quote(line)+"\n", StyleNone)
	}
}

func (it *Interpreter) tagged(tag string, b []byte) {
	if len(b) > 0 {
		it.out.Display(tag+quoteBytes(b)+"\n", StyleNone)
	}
}

// report displays err and returns true when it was an interrupt, which the
// caller still has to recover from.
func (it *Interpreter) report(err error) bool {
	if errors.Is(err, device.ErrInterrupted) {
		return true
	}

	var link *device.LinkError
	var usage *UsageError
	switch {
	case errors.As(err, &link):
		it.logger.Printf("Link error: %v", err)
		it.out.Display(fmt.Sprintf("\n\n***Connection broken [%v]\n", link.Cause), StyleError)
		it.out.Display("You may need to reconnect\n", StyleNone)
	case errors.As(err, &usage):
		it.out.Display(usage.Error()+"\n", StyleError)
	case errors.Is(err, device.ErrNotConnected):
		it.out.Display("No serial connected\n", StyleError)
	default:
		it.out.Display(err.Error()+"\n", StyleError)
	}
	return false
}

// sendCtrlC recovers the device after an interrupt. It runs on a fresh
// context, since the cell's own one is already cancelled, and is bounded
// by the reader's long deadline.
func (it *Interpreter) sendCtrlC() {
	it.out.Display("\n\n*** Sending Ctrl-C\n\n", StyleNone)
	if !it.session.Connected() {
		return
	}
	out, err := it.session.SendInterrupt(context.Background())
	if out = bytes.ReplaceAll(out, []byte{device.EOT}, nil); len(out) > 0 {
		it.out.DisplayRaw(out)
	}
	if err != nil {
		it.report(err)
	}
}
