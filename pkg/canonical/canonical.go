// Package canonical provides deterministic JSON serialization and SHA-256
// hashing for ledger entries and decision payloads.
//
// The encoding is JCS-like (RFC 8785 separators and escaping) over a
// restricted value universe: null, booleans, integers, exact decimals
// (json.Number), NFC-normalized strings, ordered sequences, and string-keyed
// mappings with unique post-normalization keys. Binary floating point is
// rejected; callers carrying non-integer numerics must use json.Number.
//
// Changing anything in this package is a breaking ledger-format change.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// TimestampLayout is the canonical wire form for UTC timestamps
// (microsecond precision, literal Z suffix).
const TimestampLayout = "2006-01-02T15:04:05.000000"

var (
	// ErrFloat is returned when a binary floating-point value is encountered.
	ErrFloat = errors.New("canonical: float values are not permitted; use json.Number for exact decimals")

	// ErrDuplicateKey is returned when two object keys collide after NFC
	// normalization.
	ErrDuplicateKey = errors.New("canonical: duplicate key after normalization")
)

// Encode returns the canonical UTF-8 byte encoding of v.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase SHA-256 hex digest of the canonical encoding
// of v. This is the single hashing discipline behind policy_hash,
// decision_hash, and entry_hash.
func Hash(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FormatTime renders t as the canonical UTC timestamp string.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout) + "Z"
}

// Decode parses canonical (or plain) JSON into the value universe used by
// Encode: map[string]any, []any, string, bool, json.Number, nil. Numbers are
// never materialized as float64, so Encode(Decode(Encode(v))) round-trips.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	// Trailing content after the first value is not canonical.
	if dec.More() {
		return nil, errors.New("canonical: trailing data after value")
	}
	return v, nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		encodeString(buf, norm.NFC.String(t))
		return nil
	case int:
		fmt.Fprintf(buf, "%d", t)
		return nil
	case int8, int16, int32, int64:
		fmt.Fprintf(buf, "%d", t)
		return nil
	case uint, uint8, uint16, uint32, uint64:
		fmt.Fprintf(buf, "%d", t)
		return nil
	case float32, float64:
		return ErrFloat
	case json.Number:
		text, err := normalizeDecimal(t.String())
		if err != nil {
			return err
		}
		buf.WriteString(text)
		return nil
	case time.Time:
		encodeString(buf, FormatTime(t))
		return nil
	case []any:
		return encodeArray(buf, t)
	case map[string]any:
		return encodeObject(buf, t)
	}
	return encodeReflected(buf, v)
}

// encodeReflected handles concrete slice/map types (e.g. []string,
// map[string]string) that reach the encoder through metadata trees.
func encodeReflected(buf *bytes.Buffer, v any) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = rv.Index(i).Interface()
		}
		return encodeArray(buf, items)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("canonical: unsupported map key type %s", rv.Type().Key())
		}
		obj := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			obj[iter.Key().String()] = iter.Value().Interface()
		}
		return encodeObject(buf, obj)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encodeValue(buf, rv.Elem().Interface())
	}
	return fmt.Errorf("canonical: unsupported type %T", v)
}

func encodeArray(buf *bytes.Buffer, items []any) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	type kv struct {
		key string
		val any
	}
	pairs := make([]kv, 0, len(obj))
	for k, v := range obj {
		pairs = append(pairs, kv{norm.NFC.String(k), v})
	}
	// Byte-wise sort over UTF-8 equals code-point order.
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	buf.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			if p.key == pairs[i-1].key {
				return ErrDuplicateKey
			}
			buf.WriteByte(',')
		}
		encodeString(buf, p.key)
		buf.WriteByte(':')
		if err := encodeValue(buf, p.val); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

const hexDigits = "0123456789abcdef"

// encodeString emits only JSON-mandatory escapes. HTML characters and the
// solidus are written raw, per RFC 8785.
func encodeString(buf *bytes.Buffer, s string) {
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
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// normalizeDecimal validates and normalizes a decimal literal: no exponent,
// no leading '+', no superfluous leading zeros, trailing fractional zeros and
// dangling decimal points trimmed, negative zero collapsed to "0".
func normalizeDecimal(text string) (string, error) {
	if text == "" {
		return "", errors.New("canonical: empty number")
	}
	if strings.ContainsAny(text, "eE") {
		return "", fmt.Errorf("canonical: exponent notation not permitted: %q", text)
	}
	neg := false
	rest := text
	switch rest[0] {
	case '+':
		return "", fmt.Errorf("canonical: leading '+' not permitted: %q", text)
	case '-':
		neg = true
		rest = rest[1:]
	}

	intPart, fracPart, hasDot := strings.Cut(rest, ".")
	if intPart == "" || !allDigits(intPart) || (hasDot && !allDigits(fracPart)) {
		return "", fmt.Errorf("canonical: invalid decimal literal: %q", text)
	}
	if hasDot && fracPart == "" {
		return "", fmt.Errorf("canonical: dangling decimal point: %q", text)
	}

	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	fracPart = strings.TrimRight(fracPart, "0")

	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if out == "0" {
		return "0", nil
	}
	if neg {
		out = "-" + out
	}
	return out, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
