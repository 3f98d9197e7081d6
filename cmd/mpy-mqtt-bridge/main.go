package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"mpyrepl/internal/config"
	"mpyrepl/internal/device"
	"mpyrepl/internal/kernel"
)

// BrokerOptions configures the MQTT side of the bridge.
type BrokerOptions struct {
	Broker        string `hcl:"broker" flagName:"broker" flagSName:"L" flagDescribe:"MQTT broker URL with the base topic (e.g. mqtt://localhost:1883/board1)" default:""`
	Username      string `hcl:"mqtt_username" flagName:"mqtt-username" flagSName:"u" flagDescribe:"MQTT username (optional)" default:""`
	MQTTPassword  string `hcl:"mqtt_password" flagName:"mqtt-password" flagDescribe:"MQTT password (optional)" default:""`
	ClientID      string `hcl:"client_id" flagName:"client-id" flagDescribe:"MQTT client ID (generated when empty)" default:""`
	MaxRetries    int    `hcl:"max_retries" flagName:"max-retries" flagDescribe:"Broker connection attempts before giving up, 0 retries forever" default:"0"`
	RetryInterval int    `hcl:"retry_interval" flagName:"retry-interval" flagDescribe:"Seconds between broker connection attempts" default:"5"`
}

func main() {
	app := cli.NewApp()
	app.Name = "mpy-mqtt-bridge"
	app.Usage = "Run cells published over MQTT on a MicroPython board"
	app.Description = `Topics under the base topic taken from --broker:
  <base>            -> answers with the bridge status on <base>/status
  <base>/cell       -> runs the payload as a cell, result on <base>/cell/status
  <base>/interrupt  -> interrupts the running cell`

	options := &config.Options{}
	brokerOptions := &BrokerOptions{}
	if err := config.ApplyDefaultValues(options); err != nil {
		log.Fatalf("Failed to apply default values: %v", err)
	}
	if err := config.ApplyDefaultValues(brokerOptions); err != nil {
		log.Fatalf("Failed to apply default values: %v", err)
	}

	cliFlags, flagMappings, err := config.GenerateFlags(options, brokerOptions)
	if err != nil {
		log.Fatalf("Failed to generate flags: %v", err)
	}
	app.Flags = append(cliFlags, &cli.StringFlag{
		Name:    "config",
		Value:   config.DefaultConfigFile,
		Usage:   "Config file path",
		EnvVars: []string{config.EnvPrefix + "CONFIG"},
	})

	app.Action = func(c *cli.Context) error {
		if err := config.ApplyConfigFile(c.String("config"), options, brokerOptions); err != nil {
			return cli.Exit(err.Error(), 2)
		}
		config.ApplyFlags(flagMappings, c, options, brokerOptions)
		if err := options.Validate(); err != nil {
			return cli.Exit(err.Error(), 2)
		}
		if brokerOptions.Broker == "" {
			return cli.Exit("--broker is required (e.g. -L mqtt://localhost/board1)", 1)
		}
		return run(options, brokerOptions)
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(options *config.Options, brokerOptions *BrokerOptions) error {
	broker, base, err := parseBrokerURL(brokerOptions.Broker)
	if err != nil {
		return cli.Exit("Error parsing broker URL: "+err.Error(), 1)
	}
	if brokerOptions.ClientID == "" {
		brokerOptions.ClientID = defaultClientID()
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	sessionLogger := log.New(io.Discard, "", log.LstdFlags)
	if options.Verbose {
		sessionLogger.SetOutput(os.Stderr)
	}

	session := device.NewSession(options.ReaderOptions(), sessionLogger)
	out := &kernel.BufferDisplay{}
	it := kernel.New(session, out, kernel.Config{ChunkSize: options.Chunk, Logger: sessionLogger})
	defer session.Disconnect()

	if cmd := options.ConnectCommand(); cmd != "" {
		it.RunCell(context.Background(), cmd, false)
		logger.Print(strings.TrimSpace(out.String()))
		out.Reset()
	}

	bc := &brokerConn{opts: brokerOptions, broker: broker, topics: newTopics(base), logger: logger}
	bridge := NewBridge(it, out, base, bc, logger)
	if err := bc.connectWithRetry(bridge.HandleMessage); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	logger.Printf("MQTT bridge started")
	logger.Printf("Broker: %s", broker)
	logger.Printf("Topic: %s", base)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Println("Shutting down...")

	bridge.Interrupt()
	bridge.Wait()
	bc.disconnect()
	return nil
}
