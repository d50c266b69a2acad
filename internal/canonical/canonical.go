// Package canonical produces the deterministic JSON encoding that the register
// hashes and signs.
//
// The encoding is fixed: object keys sorted by code point, no insignificant
// whitespace, strings emitted as raw UTF-8 with only quote, backslash and
// control characters escaped. Leaf hashes are published, so any change to the
// output of Marshal changes every root hash of every register.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Object is an ordered-on-encode JSON object.
type Object = map[string]any

// Options controls the string escaping of Marshal.
type Options struct {
	// ASCII escapes every non-ASCII rune as \uXXXX (UTF-16 surrogate pairs
	// above the BMP). Signature payloads use this form.
	ASCII bool
}

// Marshal encodes v in canonical form with raw UTF-8 strings.
func Marshal(v any) ([]byte, error) {
	return Options{}.Marshal(v)
}

// MarshalASCII encodes v in canonical form with non-ASCII runes escaped.
func MarshalASCII(v any) ([]byte, error) {
	return Options{ASCII: true}.Marshal(v)
}

// Marshal encodes v according to o.
func (o Options) Marshal(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := o.encode(buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (o Options) encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		o.writeString(buf, val)
	case json.Number:
		buf.WriteString(val.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float64:
		s, err := formatFloat(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			o.writeString(buf, k)
			buf.WriteByte(':')
			if err := o.encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := o.encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		normalized, err := normalize(val)
		if err != nil {
			return err
		}
		return o.encode(buf, normalized)
	}
	return nil
}

// normalize round-trips an arbitrary value through encoding/json so that
// structs, typed maps and slices reduce to the cases handled by encode.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return decoded, nil
}

const hexDigits = "0123456789abcdef"

func (o Options) writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				buf.WriteString(`\"`)
			case '\\':
				buf.WriteString(`\\`)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			case '\b':
				buf.WriteString(`\b`)
			case '\f':
				buf.WriteString(`\f`)
			default:
				if c < 0x20 {
					writeEscape(buf, rune(c))
				} else {
					buf.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if !o.ASCII {
			buf.WriteString(s[i : i+size])
		} else if r >= 0x10000 {
			r -= 0x10000
			writeEscape(buf, 0xd800+(r>>10)&0x3ff)
			writeEscape(buf, 0xdc00+r&0x3ff)
		} else {
			writeEscape(buf, r)
		}
		i += size
	}
	buf.WriteByte('"')
}

func writeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[r>>12&0xf])
	buf.WriteByte(hexDigits[r>>8&0xf])
	buf.WriteByte(hexDigits[r>>4&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}

// formatFloat renders f the way a shortest-repr encoder does: integral values
// keep a ".0" suffix and exponents are used outside [1e-4, 1e16).
func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("canonical: unsupported float %v", f)
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64), nil
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if f == math.Trunc(f) {
		s += ".0"
	}
	return s, nil
}
