package main

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"mpyrepl/internal/kernel"
)

type Command struct {
	Type  string // "send" or "expect"
	Value string
}

func parseScript(scriptText string) ([]Command, error) {
	var commands []Command
	lines := strings.Split(strings.TrimSpace(scriptText), "\n")

	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "send ") {
			value := strings.TrimPrefix(line, "send ")
			if _, err := formatSendValue(value); err != nil {
				return nil, errors.Wrapf(err, "invalid send on line %d", i+1)
			}
			commands = append(commands, Command{Type: "send", Value: value})
		} else if strings.HasPrefix(line, "expect ") {
			value := strings.TrimPrefix(line, "expect ")
			if _, err := compileExpect(value); err != nil {
				return nil, errors.Wrapf(err, "invalid expect on line %d", i+1)
			}
			commands = append(commands, Command{Type: "expect", Value: value})
		} else {
			return nil, errors.Errorf("invalid command on line %d: %s", i+1, line)
		}
	}

	return commands, nil
}

// formatSendValue turns the argument of a send into bytes. 'text' is sent
// followed by a carriage return, "text" is sent as is after decoding
// backslash escapes, and anything else is sent literally.
func formatSendValue(value string) ([]byte, error) {
	if len(value) >= 2 {
		first := value[0]
		last := value[len(value)-1]
		content := value[1 : len(value)-1]

		switch {
		case first == '\'' && last == '\'':
			return []byte(content + "\r"), nil
		case first == '"' && last == '"':
			return kernel.DecodeEscapes(content, true)
		}
	}
	return []byte(value), nil
}

// An expectation is a compiled expect argument. Its delimiters choose the
// rule: 'text' appears anywhere in what arrived since the expect began,
// ignoring case; "text" starts the current line; /re/ matches the current
// line.
type expectation struct {
	source string
	delim  byte
	match  func(stream, line string) bool
}

func compileExpect(arg string) (expectation, error) {
	if len(arg) < 2 || arg[0] != arg[len(arg)-1] {
		return expectation{}, errors.Errorf("expect needs a 'text', \"text\" or /regex/ argument, got %s", arg)
	}
	body := arg[1 : len(arg)-1]
	e := expectation{source: arg, delim: arg[0]}

	switch e.delim {
	case '\'':
		needle := strings.ToLower(body)
		e.match = func(stream, _ string) bool {
			return strings.Contains(strings.ToLower(stream), needle)
		}
	case '"':
		e.match = func(_, line string) bool {
			return strings.HasPrefix(strings.TrimSpace(line), body)
		}
	case '/':
		re, err := regexp.Compile(body)
		if err != nil {
			return expectation{}, errors.Wrapf(err, "bad regex in %s", arg)
		}
		e.match = func(_, line string) bool { return re.MatchString(line) }
	default:
		return expectation{}, errors.Errorf("unknown delimiter %q in %s", e.delim, arg)
	}
	return e, nil
}

// watch tracks received text for one expectation.
type watch struct {
	expectation
	stream strings.Builder
	line   strings.Builder
}

// feed adds one received byte and reports whether the expectation holds.
func (w *watch) feed(c byte) bool {
	w.stream.WriteByte(c)
	if c == '\n' {
		w.line.Reset()
	} else {
		w.line.WriteByte(c)
	}
	return w.match(w.stream.String(), w.line.String())
}
