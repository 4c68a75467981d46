// Package fingerprint computes canonical digests of structured data.
//
// Two values that are semantically equal produce the same digest regardless
// of map key order, null versus absent fields, time values versus their
// ISO-8601 string form, or embedded JSON text versus the parsed structure.
// The canonical byte form is JSON with byte-ordered keys, no whitespace,
// ECMAScript number formatting and JSON.stringify string escaping, so
// digests can be reproduced by other implementations.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// Size is the length in characters of a hex-encoded digest.
const Size = sha256.Size * 2

// isoLayout matches ECMAScript Date.prototype.toISOString.
const isoLayout = "2006-01-02T15:04:05.000Z"

// Sum returns the lowercase hex SHA-256 digest of v's canonical form.
func Sum(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// OfSet fingerprints a set of identifiers: order and duplicates are ignored.
func OfSet(ids []string) (string, error) {
	seen := make(map[string]struct{}, len(ids))
	set := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		set = append(set, id)
	}
	sort.Strings(set)

	items := make([]any, len(set))
	for i, id := range set {
		items[i] = id
	}
	return Sum(items)
}

// Equal reports whether a and b have the same canonical form.
func Equal(a, b any) (bool, error) {
	ca, err := Canonical(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// Canonical returns the canonical byte representation of v.
func Canonical(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeValue(&buf, n)
	return buf.Bytes(), nil
}

// Normalize reduces v to nil, bool, float64, string, []any or map[string]any
// following the canonicalization rules. Map entries whose value normalizes
// to nil are dropped.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case string:
		return normalizeString(t)
	case float64:
		return normalizeFloat(t), nil
	case float32:
		return normalizeFloat(float64(t)), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, eris.Wrapf(err, "fingerprint: parse number %q", t.String())
		}
		return normalizeFloat(f), nil
	case time.Time:
		return t.UTC().Format(isoLayout), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return t.UTC().Format(isoLayout), nil
	case json.RawMessage:
		if len(bytes.TrimSpace(t)) == 0 {
			return nil, nil
		}
		parsed, err := decodeJSON(t)
		if err != nil {
			return nil, eris.Wrap(err, "fingerprint: decode raw message")
		}
		return Normalize(parsed)
	case map[string]any:
		return normalizeMap(len(t), func(yield func(string, any) error) error {
			for k, val := range t {
				if err := yield(k, val); err != nil {
					return err
				}
			}
			return nil
		})
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return normalizeReflect(reflect.ValueOf(v))
}

func normalizeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return normalizeString(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return normalizeFloat(rv.Float()), nil
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Key().Kind() != reflect.String {
			return normalizeViaJSON(rv.Interface())
		}
		return normalizeMap(rv.Len(), func(yield func(string, any) error) error {
			iter := rv.MapRange()
			for iter.Next() {
				if err := yield(iter.Key().String(), iter.Value().Interface()); err != nil {
					return err
				}
			}
			return nil
		})
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return normalizeViaJSON(rv.Interface())
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			n, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, eris.Errorf("fingerprint: unsupported kind %s", rv.Kind())
	}
	return normalizeViaJSON(rv.Interface())
}

// normalizeViaJSON routes structs and other encoder-aware types through
// their JSON encoding so struct tags and custom marshalers apply.
func normalizeViaJSON(v any) (any, error) {
	// encoding/json would coerce invalid UTF-8 to U+FFFD.
	if err := checkUTF8(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "fingerprint: marshal %T", v)
	}
	parsed, err := decodeJSON(b)
	if err != nil {
		return nil, eris.Wrapf(err, "fingerprint: decode %T", v)
	}
	return Normalize(parsed)
}

func normalizeMap(size int, each func(yield func(string, any) error) error) (any, error) {
	out := make(map[string]any, size)
	err := each(func(k string, val any) error {
		if !utf8.ValidString(k) {
			return eris.Errorf("fingerprint: key %q is not valid UTF-8", k)
		}
		n, err := Normalize(val)
		if err != nil {
			return err
		}
		if n != nil {
			out[k] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeString rejects invalid UTF-8 rather than letting the encoder
// collapse it into U+FFFD.
func normalizeString(s string) (any, error) {
	if !utf8.ValidString(s) {
		return nil, eris.Errorf("fingerprint: string %q is not valid UTF-8", s)
	}
	trimmed := strings.TrimSpace(s)
	if looksLikeJSONContainer(trimmed) {
		if parsed, err := decodeJSON([]byte(trimmed)); err == nil {
			return Normalize(parsed)
		}
	}
	if looksLikeDateTime(trimmed) {
		if ts, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
			return ts.UTC().Format(isoLayout), nil
		}
	}
	return s, nil
}

func looksLikeJSONContainer(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

// looksLikeDateTime is a cheap pre-check before attempting RFC 3339 parsing.
func looksLikeDateTime(s string) bool {
	return len(s) >= 20 && s[4] == '-' && s[7] == '-' && (s[10] == 'T' || s[10] == 't')
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	if f == 0 {
		return float64(0)
	}
	return f
}

// checkUTF8 walks v looking for strings that are not valid UTF-8. Recursion
// stops at maxDepth; json.Marshal reports deeper cycles itself.
func checkUTF8(v reflect.Value, depth int) error {
	const maxDepth = 64
	if depth > maxDepth {
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return eris.Errorf("fingerprint: string %q is not valid UTF-8", v.String())
		}
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			return checkUTF8(v.Elem(), depth+1)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			if err := checkUTF8(v.Field(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkUTF8(v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkUTF8(iter.Key(), depth+1); err != nil {
				return err
			}
			if err := checkUTF8(iter.Value(), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeJSON(b []byte) (any, error) {
	if !utf8.Valid(b) {
		return nil, eris.New("fingerprint: JSON text is not valid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, eris.New("trailing data after JSON value")
	}
	return v, nil
}

func writeValue(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case float64:
		buf.WriteString(formatNumber(t))
	case string:
		writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, item)
		}
		buf.WriteByte(']')
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
			writeString(buf, k)
			buf.WriteByte(':')
			writeValue(buf, t[k])
		}
		buf.WriteByte('}')
	}
}

// formatNumber renders f the way ECMAScript Number.prototype.toString does.
func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exp, _ := strings.Cut(s, "e")
	sign := exp[0]
	digits := strings.TrimLeft(exp[1:], "0")
	if digits == "" {
		digits = "0"
	}
	return mantissa + "e" + string(sign) + digits
}

const hexDigits = "0123456789abcdef"

// writeString escapes s the way JSON.stringify does: only quote, backslash
// and control characters are escaped; everything else is raw UTF-8.
func writeString(buf *bytes.Buffer, s string) {
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
				buf.WriteByte(hexDigits[r&0xF])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}
