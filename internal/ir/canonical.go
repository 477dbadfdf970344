package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 style canonical JSON. It is the only
// serialization used for batch identity and golden traces.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping, U+2028/U+2029 emitted literally
//  3. Strings are NFC normalized
//  4. NaN and infinities are rejected
//
// Accepts IRValue, Operation, []Operation and plain Go data.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case Operation:
		return writeCanonical(buf, val.Plain())
	case PlainOperation:
		return writeCanonicalObject(buf, plainOperationMap(val))
	case []Operation:
		items := make([]any, len(val))
		for i, op := range val {
			items[i] = op
		}
		return writeCanonicalArray(buf, items)
	case IRValue:
		return writeCanonical(buf, ToPlain(val))
	case nil:
		buf.WriteString("null")
		return nil
	case string:
		return writeCanonicalString(buf, val)
	case ID:
		return writeCanonicalString(buf, string(val))
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case float64:
		s, err := canonicalFloat(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
		return nil
	case []any:
		return writeCanonicalArray(buf, val)
	case map[string]any:
		return writeCanonicalObject(buf, val)
	default:
		iv, err := FromGo(v)
		if err != nil {
			return fmt.Errorf("unsupported type for canonical JSON: %T", v)
		}
		return writeCanonical(buf, ToPlain(iv))
	}
}

// plainOperationMap drops empty optional fields the same way the JSON
// encoding does, so canonical and wire forms describe the same record.
func plainOperationMap(p PlainOperation) map[string]any {
	m := map[string]any{
		"kind":   string(p.Kind),
		"target": string(p.Target),
	}
	if p.Property != "" {
		m["property"] = p.Property
	}
	if len(p.Args) > 0 {
		m["args"] = p.Args
	}
	if p.Kind == KindWrite {
		m["value"] = p.Value
	}
	if p.Receiver != "" {
		m["receiver"] = string(p.Receiver)
	}
	if p.Constructed != "" {
		m["constructed"] = p.Constructed
	}
	if p.Result != "" {
		m["result"] = string(p.Result)
	}
	return m
}

// canonicalFloat renders a float the way ECMAScript Number.prototype.toString
// does for the common range, which is what RFC 8785 prescribes.
func canonicalFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite number is not allowed in canonical JSON: %v", f)
	}
	if f == 0 {
		return "0", nil
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	// Go writes 1e+21 and 1e-07; ECMAScript writes 1e+21 and 1e-7.
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[:1]
	digits := strings.TrimLeft(exp[1:], "0")
	return mant + "e" + sign + digits, nil
}

// writeCanonicalString writes a canonical JSON string with NFC normalization.
// Only control characters, backslash and quote are escaped.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}
	out := bytes.TrimSuffix(tmp.Bytes(), []byte("\n"))

	// encoding/json always escapes U+2028 and U+2029 but RFC 8785 does not.
	if bytes.Contains(out, []byte(`\u202`)) {
		out = restoreLineSeparators(out)
	}
	buf.Write(out)
	return nil
}

func restoreLineSeparators(data []byte) []byte {
	result := make([]byte, 0, len(data))
	backslashes := 0
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c == '\\' && backslashes%2 == 0 && i+5 < len(data) &&
			data[i+1] == 'u' && data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') {
			if data[i+5] == '8' {
				result = append(result, "\u2028"...)
			} else {
				result = append(result, "\u2029"...)
			}
			i += 5
			backslashes = 0
			continue
		}
		if c == '\\' {
			backslashes++
		} else {
			backslashes = 0
		}
		result = append(result, c)
	}
	return result
}

func writeCanonicalArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, elem); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	SortKeys(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}
