// Package filetransfer writes files to a device's filesystem using nothing
// but REPL statements. Content is cut into chunks small enough for the
// device's line buffer, and each chunk becomes one statement that opens the
// destination and writes the decoded chunk.
package filetransfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"mpyrepl/internal/device"
)

// DefaultChunkSize is the number of source bytes per statement. Escaped or
// base64-encoded, a chunk stays well under the 256-byte REPL line buffer.
const DefaultChunkSize = 64

const importStatement = "from ubinascii import a2b_base64"

// Options control how content is written.
type Options struct {
	// Append adds to an existing file instead of truncating it.
	Append bool
	// Binary sends bytes base64-encoded and opens the file in binary mode.
	Binary bool
	// ChunkSize overrides DefaultChunkSize.
	ChunkSize int
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

// ErrNotText is returned for text-mode content that is not valid UTF-8.
var ErrNotText = errors.New("content is not valid UTF-8 text, use binary mode")

// Statements renders content as the REPL statements that recreate it at dest.
func Statements(dest string, content []byte, opts Options) ([]string, error) {
	if dest == "" {
		return nil, errors.New("destination file name is required")
	}
	if !opts.Binary && !utf8.Valid(content) {
		return nil, ErrNotText
	}

	suffix := ""
	if opts.Binary {
		suffix = "b"
	}
	first := "w" + suffix
	if opts.Append {
		first = "a" + suffix
	}
	path := Quote([]byte(dest))

	if len(content) == 0 {
		return []string{fmt.Sprintf("open(%s,'%s').close()", path, first)}, nil
	}

	var chunks [][]byte
	if opts.Binary {
		chunks = splitBytes(content, opts.chunkSize())
	} else {
		chunks = splitText(content, opts.chunkSize())
	}

	stmts := make([]string, 0, len(chunks)+1)
	if opts.Binary {
		stmts = append(stmts, importStatement)
	}
	mode := first
	for _, c := range chunks {
		var payload string
		if opts.Binary {
			payload = fmt.Sprintf("a2b_base64('%s')", base64.StdEncoding.EncodeToString(c))
		} else {
			payload = Quote(c)
		}
		stmts = append(stmts, fmt.Sprintf("with open(%s,'%s') as f:f.write(%s)", path, mode, payload))
		mode = "a" + suffix
	}
	return stmts, nil
}

func splitBytes(content []byte, size int) [][]byte {
	var chunks [][]byte
	for len(content) > 0 {
		n := size
		if n > len(content) {
			n = len(content)
		}
		chunks = append(chunks, content[:n])
		content = content[n:]
	}
	return chunks
}

// splitText cuts at most size bytes per chunk without splitting a UTF-8
// sequence. A single rune longer than size gets a chunk of its own.
func splitText(content []byte, size int) [][]byte {
	var chunks [][]byte
	for len(content) > 0 {
		n := 0
		for n < len(content) {
			_, w := utf8.DecodeRune(content[n:])
			if n+w > size && n > 0 {
				break
			}
			n += w
		}
		chunks = append(chunks, content[:n])
		content = content[n:]
	}
	return chunks
}

// Quote renders b as a single-quoted Python string literal. Control bytes,
// quotes and backslashes are escaped; everything else, including UTF-8
// sequences, is kept as is.
func Quote(b []byte) string {
	var sb strings.Builder
	sb.WriteByte('\'')
	for _, c := range b {
		switch c {
		case '\\':
			sb.WriteString(`\\`)
		case '\'':
			sb.WriteString(`\'`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&sb, `\x%02x`, c)
			} else {
				sb.WriteByte(c)
			}
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}

// ReadSource reads a local file to send. Text-mode sources must be UTF-8.
func ReadSource(path string, binary bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read source file '%s'", path)
	}
	if !binary && !utf8.Valid(data) {
		return nil, errors.Wrapf(ErrNotText, "source file '%s'", path)
	}
	return data, nil
}

// Submitter is the part of a device session a transfer needs.
type Submitter interface {
	EnterPasteMode(ctx context.Context) ([]byte, error)
	SubmitLine(ctx context.Context, line string) ([]byte, error)
	EndSubmission(ctx context.Context) (device.Response, error)
}

// Result summarises a finished transfer.
type Result struct {
	Dest       string
	Bytes      int
	Statements int
	// Interim is device output seen while statements were submitted.
	Interim []byte
	// Response is the device reply once the statements executed.
	Response device.Response
}

// Failed reports whether the device raised an error while writing.
func (r Result) Failed() bool {
	return len(r.Response.Error) > 0
}

// Send writes content to dest through one paste-mode submission. Nothing is
// sent when the statements cannot be rendered.
func Send(ctx context.Context, s Submitter, dest string, content []byte, opts Options) (Result, error) {
	res := Result{Dest: dest, Bytes: len(content)}

	stmts, err := Statements(dest, content, opts)
	if err != nil {
		return res, err
	}
	res.Statements = len(stmts)

	prior, err := s.EnterPasteMode(ctx)
	res.Interim = append(res.Interim, prior...)
	if err != nil {
		return res, errors.Wrap(err, "failed to enter paste mode")
	}

	for _, stmt := range stmts {
		out, err := s.SubmitLine(ctx, stmt)
		res.Interim = append(res.Interim, out...)
		if err != nil {
			return res, errors.Wrapf(err, "failed to send '%s'", dest)
		}
	}

	res.Response, err = s.EndSubmission(ctx)
	if err != nil {
		return res, errors.Wrapf(err, "failed to finish '%s'", dest)
	}
	return res, nil
}
