package main

import "strings"

const (
	primaryPrompt   = ">>> "
	secondaryPrompt = "... "
)

// blockCommands take the rest of the cell as their input, so the console
// keeps reading lines after them until a blank line.
var blockCommands = []string{"%sendtofile", "%suppressendcode"}

// cellBuilder groups console lines into cells. A line starting with % is a
// cell of its own. A line ending with ':' opens a block that runs until a
// blank line, as does an indented line or one of blockCommands.
type cellBuilder struct {
	lines []string
}

// Add takes one input line and returns the finished cell, if any.
func (b *cellBuilder) Add(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	blank := strings.TrimSpace(line) == ""

	if len(b.lines) > 0 {
		if blank {
			return b.Flush()
		}
		b.lines = append(b.lines, line)
		return "", false
	}

	if blank {
		return "", false
	}
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "%") {
		if opensBlock(trimmed) {
			b.lines = append(b.lines, line)
			return "", false
		}
		return line, true
	}
	if strings.HasSuffix(trimmed, ":") || line[0] == ' ' || line[0] == '\t' {
		b.lines = append(b.lines, line)
		return "", false
	}
	return line, true
}

// Flush returns whatever has been collected and resets the builder.
func (b *cellBuilder) Flush() (string, bool) {
	if len(b.lines) == 0 {
		return "", false
	}
	cell := strings.Join(b.lines, "\n")
	b.Reset()
	return cell, true
}

func (b *cellBuilder) Reset() {
	b.lines = nil
}

func (b *cellBuilder) Pending() bool {
	return len(b.lines) > 0
}

func (b *cellBuilder) Prompt() string {
	if b.Pending() {
		return secondaryPrompt
	}
	return primaryPrompt
}

func opensBlock(line string) bool {
	fields := strings.Fields(line)
	for _, c := range blockCommands {
		if fields[0] != c {
			continue
		}
		if c == "%sendtofile" {
			for _, f := range fields[1:] {
				if f == "--source" || strings.HasPrefix(f, "--source=") {
					return false
				}
			}
		}
		return true
	}
	return false
}
