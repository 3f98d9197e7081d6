package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "device-expect"
	app.Usage = "Run a send/expect script against a board over serial, telnet or WebREPL"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "XML configuration file", Required: true},
		&cli.BoolFlag{Name: "no-timestamp", Usage: "Disable timestamp in log output"},
		&cli.StringFlag{Name: "dry-run", Usage: "Dry run mode: text file with captured device output"},
	}
	app.Action = func(c *cli.Context) error {
		logger := log.New(os.Stdout, "", log.LstdFlags)
		if c.Bool("no-timestamp") {
			logger.SetFlags(0)
		}
		if err := run(c.Context, c.String("config"), c.String("dry-run"), logger); err != nil {
			logger.Printf("%v", err)
			return cli.Exit("", 1)
		}
		logger.Println("Script completed successfully")
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, configFile, dryRunFile string, logger *log.Logger) error {
	config, err := parseConfig(configFile)
	if err != nil {
		return errors.Errorf("Failed to parse config: %v", err)
	}

	commands, err := parseScript(config.Script)
	if err != nil {
		return errors.Errorf("Failed to parse script: %v", err)
	}

	if dryRunFile != "" {
		logger.Printf("Running in dry-run mode with input file: %s", dryRunFile)
		data, err := os.ReadFile(dryRunFile)
		if err != nil {
			return errors.Errorf("Failed to read input file: %v", err)
		}
		if err := dryRun(commands, string(data), logger, os.Stdout); err != nil {
			return errors.Errorf("Dry run failed: %v", err)
		}
		return nil
	}

	spec, err := config.Spec()
	if err != nil {
		return errors.Errorf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := spec.Open(ctx)
	if err != nil {
		return errors.Errorf("Failed to open device: %v", err)
	}
	defer transport.Close()

	logger.Printf("Connected to %s", transport)

	if err := NewExpecter(transport, logger, config.timeout).Run(ctx, commands); err != nil {
		return errors.Errorf("Script execution failed: %v", err)
	}
	return nil
}
