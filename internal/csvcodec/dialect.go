// Package csvcodec implements the dialect-aware field codec used to encode
// and decode result-row fields on the wire, independent of any particular
// RDBMS client library's own CSV conventions.
package csvcodec

import "fmt"

// Dialect describes the escaping rules for one CSV-like encoding.
type Dialect struct {
	Delimiter   byte
	Escape      byte
	Quote       byte
	NullLiteral string
	// NoEscape disables backslash-escaping of control characters; only
	// quote-doubling is available to represent an embedded quote.
	NoEscape bool
}

// DefaultDialect matches the worker/czar result-row wire convention: comma
// delimiter, backslash escape, double-quote quoting, "\N" for NULL.
var DefaultDialect = Dialect{
	Delimiter:   ',',
	Escape:      '\\',
	Quote:       '"',
	NullLiteral: `\N`,
}

// escapeMap mirrors the MySQL LOAD DATA escape set: backslash followed by
// one of these bytes decodes to the corresponding control character.
var escapeMap = map[byte]byte{
	'0': 0x00,
	'b': '\b',
	'f': '\f',
	'n': '\n',
	'r': '\r',
	't': '\t',
	'v': '\v',
	'N': 0, // placeholder, handled specially as NULL marker in decode
	'Z': 0x1a,
}

var unescapeMap = map[byte]byte{
	0x00: '0',
	'\b': 'b',
	'\f': 'f',
	'\n': 'n',
	'\r': 'r',
	'\t': 't',
	'\v': 'v',
	0x1a: 'Z',
}

// Encode reverses Decode: it renders value as a wire field under d,
// quoting and escaping anything that would otherwise be ambiguous.
func (d Dialect) Encode(value []byte, isNull bool) []byte {
	if isNull {
		return []byte(d.NullLiteral)
	}
	needsQuote := false
	for _, b := range value {
		if b == d.Delimiter || b == d.Quote || b == '\n' || b == '\r' {
			needsQuote = true
			break
		}
	}
	out := make([]byte, 0, len(value)+2)
	if needsQuote {
		out = append(out, d.Quote)
	}
	for _, b := range value {
		if b == d.Quote {
			out = append(out, d.Quote, d.Quote)
			continue
		}
		if !d.NoEscape {
			if esc, ok := unescapeMap[b]; ok {
				out = append(out, d.Escape, esc)
				continue
			}
			if b == d.Escape {
				out = append(out, d.Escape, d.Escape)
				continue
			}
		}
		out = append(out, b)
	}
	if needsQuote {
		out = append(out, d.Quote)
	}
	return out
}

// Decode parses one field out of buf starting at offset 0, returning the
// raw value, whether it represents a NULL, and the number of bytes of buf
// consumed (stopping at the first unescaped, unquoted delimiter or end of
// buf).
func (d Dialect) Decode(buf []byte) (value []byte, isNull bool, consumed int, err error) {
	if len(buf) >= len(d.NullLiteral) && string(buf[:len(d.NullLiteral)]) == d.NullLiteral {
		rest := buf[len(d.NullLiteral):]
		if len(rest) == 0 || rest[0] == d.Delimiter {
			return nil, true, len(d.NullLiteral), nil
		}
	}

	quoted := len(buf) > 0 && buf[0] == d.Quote
	i := 0
	if quoted {
		i = 1
	}
	var out []byte
	for i < len(buf) {
		b := buf[i]
		switch {
		case quoted && b == d.Quote:
			if i+1 < len(buf) && buf[i+1] == d.Quote {
				out = append(out, d.Quote)
				i += 2
				continue
			}
			i++
			return out, false, i, nil
		case !quoted && b == d.Delimiter:
			return out, false, i, nil
		case !d.NoEscape && b == d.Escape && i+1 < len(buf):
			if buf[i+1] == d.Escape {
				out = append(out, d.Escape)
				i += 2
				continue
			}
			mapped, ok := escapeMap[buf[i+1]]
			if !ok {
				return nil, false, 0, fmt.Errorf("csvcodec: invalid escape sequence %q", buf[i:i+2])
			}
			out = append(out, mapped)
			i += 2
		default:
			out = append(out, b)
			i++
		}
	}
	return out, false, i, nil
}
