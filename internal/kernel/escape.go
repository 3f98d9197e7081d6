package kernel

import (
	"strconv"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// DecodeEscapes interprets Python-style backslash escapes in s.
//
// In text mode every decoded code point is encoded as UTF-8. In binary mode
// each code point becomes a single byte, so "\x01\x02" is exactly two bytes
// and anything above 0xff is rejected. Unknown escapes are kept verbatim.
func DecodeEscapes(s string, binary bool) ([]byte, error) {
	var out []byte
	put := func(r rune) error {
		if !binary {
			out = utf8.AppendRune(out, r)
			return nil
		}
		if r > 0xff {
			return errors.Errorf("character %U does not fit in a byte", r)
		}
		out = append(out, byte(r))
		return nil
	}

	for i := 0; i < len(s); {
		r, w := utf8.DecodeRuneInString(s[i:])
		if r != '\\' {
			if err := put(r); err != nil {
				return nil, err
			}
			i += w
			continue
		}
		i++
		if i >= len(s) {
			return nil, errors.New("trailing backslash in escaped string")
		}

		c := s[i]
		i++
		switch c {
		case '\n':
		case '\\', '\'', '"':
			put(rune(c))
		case 'a':
			put('\a')
		case 'b':
			put('\b')
		case 'f':
			put('\f')
		case 'n':
			put('\n')
		case 'r':
			put('\r')
		case 't':
			put('\t')
		case 'v':
			put('\v')
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i - 1
			for i < len(s) && i-j < 3 && s[i] >= '0' && s[i] <= '7' {
				i++
			}
			v, _ := strconv.ParseUint(s[j:i], 8, 32)
			if err := put(rune(v)); err != nil {
				return nil, err
			}
		case 'x', 'u', 'U':
			n := map[byte]int{'x': 2, 'u': 4, 'U': 8}[c]
			if i+n > len(s) {
				return nil, errors.Errorf("truncated \\%c escape", c)
			}
			v, err := strconv.ParseUint(s[i:i+n], 16, 32)
			if err != nil || v > utf8.MaxRune {
				return nil, errors.Errorf("invalid \\%c escape %q", c, s[i:i+n])
			}
			if err := put(rune(v)); err != nil {
				return nil, err
			}
			i += n
		default:
			// unknown escapes stay as written
			put('\\')
			i--
		}
	}
	return out, nil
}

// quoteBytes renders b the way the readbytes command shows device output.
func quoteBytes(b []byte) string {
	return strconv.Quote(string(b))
}
