// Package canonicalize produces the deterministic JSON encoding that the
// platform signs and hashes: object keys sorted lexicographically at every
// depth, "," and ":" separators with no whitespace, no HTML escaping, and
// every character outside printable ASCII escaped as lowercase \uXXXX
// (surrogate pairs above the BMP).
//
// The SHA-256 of this form is the payload_hash contract shared by agents and
// the core. Two independent implementations must agree byte-for-byte, so the
// encoder never delegates whole-value serialization to encoding/json.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"
)

// Canonical returns the canonical JSON encoding of v.
//
// v is first marshalled through encoding/json so struct tags are honoured,
// then decoded with UseNumber to preserve numeric literals, then re-encoded
// recursively with sorted keys and HTML escaping disabled.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	return encodeValue(generic)
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the bare-hex SHA-256 digest of the canonical encoding of v.
// This is the payload_hash / idempotency-key / evidence-hash function.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the bare-hex SHA-256 of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashRawJSON decodes raw JSON and hashes its canonical form, so that two
// encodings of the same semantic object produce the same digest.
func HashRawJSON(raw []byte) (string, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("canonicalize: not valid JSON: %w", err)
	}
	b, err := encodeValue(generic)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

func encodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		return encodeString(t), nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := encodeValue(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := encodeValue(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := encodeValue(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		// Unreachable after a UseNumber decode; kept for direct callers.
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}

// encodeString writes a JSON string restricted to printable ASCII: the two-
// character escapes for quote, backslash and the common control characters,
// and lowercase \uXXXX for everything else, with surrogate pairs for code
// points above the BMP. Agents canonicalize the same way, so signatures and
// payload hashes over non-ASCII text stay byte-identical.
func encodeString(s string) []byte {
	var buf bytes.Buffer
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf.WriteByte(byte(r))
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(&buf, `\u%04x\u%04x`, hi, lo)
			default:
				fmt.Fprintf(&buf, `\u%04x`, r)
			}
		}
	}
	buf.WriteByte('"')
	return buf.Bytes()
}
