package kernel

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"mpyrepl/internal/device"
	"mpyrepl/internal/filetransfer"
)

var rawFlag = FlagSpec{Name: "raw", Help: "Just open connection"}

// cellHeader is the %sendtofile line plus one following blank line.
var cellHeader = regexp.MustCompile(`^\s*%sendtofile[^\n]*(?:\n(?:[ \r]*\n)?|$)`)

func (it *Interpreter) registerBuiltins() {
	it.register(&CommandSpec{
		Name:  "%serialconnect",
		Help:  "connects to a device over USB wire",
		Flags: []FlagSpec{rawFlag},
		Args: []ArgSpec{
			{Name: "portname", Optional: true, Default: "0"},
			{Name: "baudrate", Optional: true, Int: true, Default: fmt.Sprint(device.DefaultBaudRate)},
		},
		run: runSerialConnect,
	})
	it.register(&CommandSpec{
		Name:  "%socketconnect",
		Help:  "connects to a socket of a device over wifi",
		Flags: []FlagSpec{rawFlag},
		Args: []ArgSpec{
			{Name: "ipnumber"},
			{Name: "portnumber", Int: true},
		},
		run: runSocketConnect,
	})
	it.register(&CommandSpec{
		Name: "%websocketconnect",
		Help: "connects to the webREPL websocket of an ESP8266 over wifi\n" +
			"websocketurl defaults to " + device.DefaultWebSocketURL + " but be sure to be connected",
		Flags: []FlagSpec{rawFlag, {Name: "password", Value: true, Help: "WebREPL password"}},
		Args:  []ArgSpec{{Name: "websocketurl", Optional: true, Default: device.DefaultWebSocketURL}},
		run:   runWebSocketConnect,
	})
	it.register(&CommandSpec{
		Name: "%disconnect",
		Help: "disconnects serial",
		run:  runDisconnect,
	})
	it.register(&CommandSpec{
		Name: "%lsmagic",
		Help: "list magic commands",
		run:  runLsmagic,
	})
	it.register(&CommandSpec{
		Name:            "%writebytes",
		Help:            "does serial.write() of the python quoted string given",
		Flags:           []FlagSpec{{Name: "binary", Short: "b", Help: "binary"}},
		Args:            []ArgSpec{{Name: "stringtosend"}},
		NeedsConnection: true,
		run:             runWriteBytes,
	})
	it.register(&CommandSpec{
		Name:            "%readbytes",
		Help:            "does serial.read_all()",
		NeedsConnection: true,
		run:             runReadBytes,
	})
	it.register(&CommandSpec{
		Name:            "%rebootdevice",
		Help:            "reboots device",
		NeedsConnection: true,
		run:             runRebootDevice,
	})
	it.register(&CommandSpec{
		Name: "%sendtofile",
		Help: "send cell contents or file from disk to device file",
		Flags: []FlagSpec{
			{Name: "append", Short: "a", Help: "append"},
			{Name: "binary", Short: "b", Help: "binary"},
			{Name: "source", OptionalValue: true, Help: "source file"},
		},
		Args:            []ArgSpec{{Name: "destinationfilename"}},
		NeedsConnection: true,
		run:             runSendToFile,
	})
	it.register(&CommandSpec{
		Name: "%suppressendcode",
		Help: "doesn't send x04 or wait to read after sending the cell\n" +
			"(assists for debugging using %writebytes and %readbytes)",
		run: runSuppressEndCode,
	})
}

// connect opens spec and, unless raw, leaves the device in paste mode.
func (it *Interpreter) connect(ctx context.Context, spec device.Spec, banner string, raw, greet bool) error {
	if err := it.session.Connect(ctx, spec); err != nil {
		return err
	}
	it.out.Display(banner, StyleSuccess)
	it.out.Display(it.session.Description()+"\n", StyleNone)

	if greet {
		hello, err := it.session.ReadAll(ctx)
		if len(hello) > 0 {
			it.out.DisplayRaw(hello)
		}
		if err != nil {
			return err
		}
	}
	if raw {
		return nil
	}
	_, err := it.session.EnterPasteMode(ctx)
	return err
}

func runSerialConnect(ctx context.Context, it *Interpreter, a *Args, _ string) (result, error) {
	spec := it.specs.Serial(a.String("portname"), a.Int("baudrate"))
	return result{}, it.connect(ctx, spec, "\n ** Serial connected **\n\n", a.Bool("raw"), false)
}

func runSocketConnect(ctx context.Context, it *Interpreter, a *Args, _ string) (result, error) {
	spec := it.specs.Socket(a.String("ipnumber"), a.Int("portnumber"))
	return result{}, it.connect(ctx, spec, "\n ** Socket connected **\n\n", a.Bool("raw"), false)
}

func runWebSocketConnect(ctx context.Context, it *Interpreter, a *Args, _ string) (result, error) {
	raw := a.Bool("raw")
	spec := it.specs.WebSocket(a.String("websocketurl"), a.String("password"), !raw)
	return result{}, it.connect(ctx, spec, "\n ** WebSocket connected **\n\n", raw, !raw)
}

func runDisconnect(_ context.Context, it *Interpreter, _ *Args, _ string) (result, error) {
	was := it.session.Description()
	if err := it.session.Disconnect(); err != nil {
		return result{}, errors.Wrapf(err, "failed to close %s", was)
	}
	if was != "" {
		it.out.Display("\n ** Disconnected **\n\n", StyleSuccess)
	}
	return result{}, nil
}

func runLsmagic(_ context.Context, it *Interpreter, _ *Args, _ string) (result, error) {
	var sb strings.Builder
	for _, c := range it.Commands() {
		sb.WriteString(c.Usage())
		sb.WriteString("\n")
		for _, line := range strings.Split(c.Help, "\n") {
			sb.WriteString("    " + line + "\n")
		}
		sb.WriteString("\n")
	}
	it.out.Display(sb.String(), StyleNone)
	return result{}, nil
}

func runWriteBytes(_ context.Context, it *Interpreter, a *Args, _ string) (result, error) {
	b, err := DecodeEscapes(a.String("stringtosend"), a.Bool("binary"))
	if err != nil {
		return result{}, errors.Wrap(err, "invalid string to send")
	}
	n, err := it.session.Write(b)
	if err != nil {
		return result{}, err
	}
	it.out.Display(fmt.Sprintf("wrote %d bytes to %s\n", n, it.session.Description()), StyleNone)
	return result{}, nil
}

func runReadBytes(ctx context.Context, it *Interpreter, _ *Args, _ string) (result, error) {
	out, err := it.session.ReadAll(ctx)
	it.out.Display(quoteBytes(out)+"\n", StyleNone)
	return result{}, err
}

func runRebootDevice(ctx context.Context, it *Interpreter, _ *Args, _ string) (result, error) {
	out, err := it.session.Reboot(ctx)
	if len(out) > 0 {
		it.out.DisplayRaw(out)
	}
	return result{}, err
}

func runSendToFile(ctx context.Context, it *Interpreter, a *Args, cell string) (result, error) {
	dest := a.String("destinationfilename")
	opts := filetransfer.Options{
		Append:    a.Bool("append"),
		Binary:    a.Bool("binary"),
		ChunkSize: it.chunkSize,
	}

	var content []byte
	if a.Given("source") {
		src := a.String("source")
		if src == "" {
			src = dest
		}
		var err error
		if content, err = filetransfer.ReadSource(src, opts.Binary); err != nil {
			return result{}, err
		}
	} else {
		content = []byte(cellHeader.ReplaceAllString(cell, ""))
	}

	res, err := filetransfer.Send(ctx, it.session, dest, content, opts)
	it.tagged("[duringwriting] ", res.Interim)
	if err != nil {
		return result{}, err
	}
	if len(res.Response.Output) > 0 {
		it.out.DisplayRaw(res.Response.Output)
	}
	if res.Failed() {
		it.out.Display(string(res.Response.Error), StyleError)
		return result{}, nil
	}
	it.out.Display(fmt.Sprintf("Sent %d bytes in %d lines to %s\n", res.Bytes, res.Statements, dest), StyleNone)
	return result{}, nil
}

func runSuppressEndCode(_ context.Context, it *Interpreter, _ *Args, cell string) (result, error) {
	it.suppressEnd = true
	rest := ""
	if parts := strings.SplitN(cell, "\n", 2); len(parts) == 2 {
		rest = parts[1]
	}
	return result{passOn: true, rest: rest}, nil
}
