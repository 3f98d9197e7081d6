package kernel

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"
)

// FlagSpec describes one option of a command.
type FlagSpec struct {
	Name  string
	Short string
	Help  string
	// Value is true for options that take an argument.
	Value bool
	// OptionalValue lets the option appear without its argument.
	OptionalValue bool
}

func (f FlagSpec) usage() string {
	name := "--" + f.Name
	if f.Short != "" {
		name = "-" + f.Short
	}
	meta := strings.ToUpper(f.Name)
	switch {
	case f.OptionalValue:
		return fmt.Sprintf("[%s [%s]]", name, meta)
	case f.Value:
		return fmt.Sprintf("[%s %s]", name, meta)
	default:
		return fmt.Sprintf("[%s]", name)
	}
}

// ArgSpec describes one positional argument.
type ArgSpec struct {
	Name     string
	Optional bool
	Int      bool
	Default  string
}

// CommandSpec is the schema and handler of one % command.
type CommandSpec struct {
	Name  string
	Help  string
	Flags []FlagSpec
	Args  []ArgSpec
	// NeedsConnection commands hand the cell back untouched when no device
	// is connected.
	NeedsConnection bool

	run func(ctx context.Context, it *Interpreter, a *Args, cell string) (result, error)
}

// Usage renders the argparse-style synopsis, e.g.
// "%sendtofile [-a] [-b] [--source [SOURCE]] destinationfilename".
func (c *CommandSpec) Usage() string {
	parts := []string{c.Name}
	for _, f := range c.Flags {
		parts = append(parts, f.usage())
	}
	for _, a := range c.Args {
		if a.Optional {
			parts = append(parts, "["+a.Name+"]")
		} else {
			parts = append(parts, a.Name)
		}
	}
	return strings.Join(parts, " ")
}

// UsageError reports command arguments that could not be parsed.
type UsageError struct {
	Command string
	Usage   string
	Reason  string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("usage: %s\n%s: error: %s", e.Usage, e.Command, e.Reason)
}

// Args holds the parsed arguments of one command line.
type Args struct {
	values  map[string]string
	bools   map[string]bool
	changed map[string]bool
}

// Bool returns a switch flag.
func (a *Args) Bool(name string) bool {
	return a.bools[name]
}

// String returns a flag value or positional argument.
func (a *Args) String(name string) string {
	return a.values[name]
}

// Int returns an integer positional argument, already validated by Parse.
func (a *Args) Int(name string) int {
	n, _ := strconv.Atoi(a.values[name])
	return n
}

// Given reports whether the flag or argument appeared on the line.
func (a *Args) Given(name string) bool {
	return a.changed[name]
}

// Split tokenises a command line with POSIX shell quoting.
func Split(line string) ([]string, error) {
	return shellquote.Split(line)
}

// Parse checks tokens (without the command name) against the schema.
func (c *CommandSpec) Parse(tokens []string) (*Args, error) {
	usageErr := func(format string, v ...interface{}) error {
		return &UsageError{Command: c.Name, Usage: c.Usage(), Reason: fmt.Sprintf(format, v...)}
	}

	fs := pflag.NewFlagSet(c.Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(true)

	bools := make(map[string]*bool)
	values := make(map[string]*string)
	for _, f := range c.Flags {
		if f.Value || f.OptionalValue {
			values[f.Name] = fs.StringP(f.Name, f.Short, "", f.Help)
		} else {
			bools[f.Name] = fs.BoolP(f.Name, f.Short, false, f.Help)
		}
	}

	if err := fs.Parse(c.rewriteOptional(tokens)); err != nil {
		return nil, usageErr("%v", err)
	}

	a := &Args{
		values:  make(map[string]string),
		bools:   make(map[string]bool),
		changed: make(map[string]bool),
	}
	for name, v := range bools {
		a.bools[name] = *v
	}
	for name, v := range values {
		a.values[name] = *v
	}
	fs.Visit(func(f *pflag.Flag) { a.changed[f.Name] = true })

	pos := fs.Args()
	for i, spec := range c.Args {
		if i >= len(pos) {
			if !spec.Optional {
				return nil, usageErr("the following arguments are required: %s", spec.Name)
			}
			a.values[spec.Name] = spec.Default
			continue
		}
		if spec.Int {
			if _, err := strconv.Atoi(pos[i]); err != nil {
				return nil, usageErr("argument %s: invalid int value: '%s'", spec.Name, pos[i])
			}
		}
		a.values[spec.Name] = pos[i]
		a.changed[spec.Name] = true
	}
	if len(pos) > len(c.Args) {
		return nil, usageErr("unrecognized arguments: %s", strings.Join(pos[len(c.Args):], " "))
	}
	return a, nil
}

// rewriteOptional turns a bare "--name" of an optional-value flag, when it
// is last or followed by another option, into "--name=" so the parser does
// not swallow the next token.
func (c *CommandSpec) rewriteOptional(tokens []string) []string {
	out := make([]string, len(tokens))
	copy(out, tokens)
	for _, f := range c.Flags {
		if !f.OptionalValue {
			continue
		}
		for i, tok := range out {
			if tok != "--"+f.Name {
				continue
			}
			if i+1 == len(out) || strings.HasPrefix(out[i+1], "-") {
				out[i] = tok + "="
			}
		}
	}
	return out
}
