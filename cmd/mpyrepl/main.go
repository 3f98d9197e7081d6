package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"mpyrepl/internal/config"
	"mpyrepl/internal/device"
	"mpyrepl/internal/kernel"
)

func main() {
	app := cli.NewApp()
	app.Name = "mpyrepl"
	app.Usage = "Run Python cells on a MicroPython board over serial, telnet or WebREPL"

	options := &config.Options{}
	if err := config.ApplyDefaultValues(options); err != nil {
		log.Fatalf("Failed to apply default values: %v", err)
	}

	cliFlags, flagMappings, err := config.GenerateFlags(options)
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
		if c.NArg() != 0 {
			return cli.Exit(fmt.Sprintf("unexpected arguments: %v", c.Args().Slice()), 1)
		}
		if err := config.ApplyConfigFile(c.String("config"), options); err != nil {
			return cli.Exit(err.Error(), 2)
		}
		config.ApplyFlags(flagMappings, c, options)
		if err := options.Validate(); err != nil {
			return cli.Exit(err.Error(), 2)
		}
		return run(options)
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(options *config.Options) error {
	logger := log.New(io.Discard, "", log.LstdFlags)
	if options.Verbose {
		logger.SetOutput(os.Stderr)
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	color := options.Color && term.IsTerminal(int(os.Stdout.Fd()))

	session := device.NewSession(options.ReaderOptions(), logger)
	display := kernel.NewWriterDisplay(os.Stdout, color)
	it := kernel.New(session, display, kernel.Config{
		ChunkSize: options.Chunk,
		Logger:    logger,
	})

	editor := newLineEditor(interactive, config.ExpandHome(options.History), os.Stdin)
	con := newConsole(it, editor, logger)

	if cmd := options.ConnectCommand(); cmd != "" {
		con.run(cmd)
	}
	return con.Run()
}
