// Package config holds the options shared by the interactive hosts. Values
// come from struct tag defaults, then an HCL config file, then command line
// flags, in that order.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"mpyrepl/internal/device"
)

// DefaultConfigFile is read when present.
const DefaultConfigFile = "~/.mpyrepl"

// Options configures a host session.
type Options struct {
	Port       string `hcl:"port" flagName:"port" flagSName:"p" flagDescribe:"Serial port name, or index into the detected ports" default:""`
	Baud       int    `hcl:"baud" flagName:"baud" flagSName:"b" flagDescribe:"Serial baud rate" default:"115200"`
	PollMs     int    `hcl:"poll_ms" flagName:"poll-ms" flagDescribe:"Milliseconds to wait on each device read" default:"500"`
	Silence    int    `hcl:"silence" flagName:"silence" flagDescribe:"Empty reads in a row that end a response" default:"10"`
	DeadlineMs int    `hcl:"deadline_ms" flagName:"deadline-ms" flagDescribe:"Milliseconds to wait for the device after an interrupt" default:"5000"`
	Chunk      int    `hcl:"chunk" flagName:"chunk" flagDescribe:"Bytes per statement when sending files" default:"64"`
	Connect    string `hcl:"connect" flagName:"connect" flagSName:"c" flagDescribe:"Connect on start: serial, socket or websocket" default:""`
	Host       string `hcl:"host" flagName:"host" flagDescribe:"Device host for socket connections" default:"192.168.4.1"`
	TCPPort    int    `hcl:"tcp_port" flagName:"tcp-port" flagDescribe:"Device port for socket connections" default:"23"`
	URL        string `hcl:"url" flagName:"url" flagDescribe:"WebREPL URL for websocket connections" default:"ws://192.168.4.1:8266"`
	Password   string `hcl:"password" flagName:"password" flagDescribe:"WebREPL password" default:""`
	Raw        bool   `hcl:"raw" flagName:"raw" flagDescribe:"Connect without entering paste mode" default:"false"`
	Color      bool   `hcl:"color" flagName:"color" flagDescribe:"Colour success and error messages on terminals" default:"true"`
	Verbose    bool   `hcl:"verbose" flagName:"verbose" flagDescribe:"Log every byte sent to and read from the device" default:"false"`
	History    string `hcl:"history" flagName:"history" flagDescribe:"Console history file" default:"~/.mpyrepl_history"`
}

// Validate checks for values no session can run with.
func (o *Options) Validate() error {
	switch o.Connect {
	case "", "serial", "socket", "websocket":
	default:
		return errors.Errorf("unknown connection kind %q, use serial, socket or websocket", o.Connect)
	}
	if o.PollMs <= 0 {
		return errors.New("poll-ms must be positive")
	}
	if o.Silence <= 0 {
		return errors.New("silence must be positive")
	}
	if o.DeadlineMs <= 0 {
		return errors.New("deadline-ms must be positive")
	}
	if o.Chunk <= 0 {
		return errors.New("chunk must be positive")
	}
	if o.Baud <= 0 {
		return errors.New("baud must be positive")
	}
	return nil
}

// ReaderOptions converts the timing options for a device session.
func (o *Options) ReaderOptions() device.ReaderOptions {
	return device.ReaderOptions{
		PollTimeout: time.Duration(o.PollMs) * time.Millisecond,
		MaxSilence:  o.Silence,
		Deadline:    time.Duration(o.DeadlineMs) * time.Millisecond,
	}
}

// ConnectCommand renders the % command that opens the configured
// connection, or "" when none is configured.
func (o *Options) ConnectCommand() string {
	raw := ""
	if o.Raw {
		raw = "--raw "
	}
	switch o.Connect {
	case "serial":
		port := o.Port
		if port == "" {
			port = "0"
		}
		return fmt.Sprintf("%%serialconnect %s%s %d", raw, quoteArg(port), o.Baud)
	case "socket":
		return fmt.Sprintf("%%socketconnect %s%s %d", raw, quoteArg(o.Host), o.TCPPort)
	case "websocket":
		cmd := fmt.Sprintf("%%websocketconnect %s%s", raw, quoteArg(o.URL))
		if o.Password != "" {
			cmd += " --password " + quoteArg(o.Password)
		}
		return cmd
	}
	return ""
}
