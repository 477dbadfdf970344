package ir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"unicode/utf16"
)

// IRValue is a sealed interface representing values that may appear in an
// operation's argument or value positions.
// Literals: IRNull, IRString, IRInt, IRFloat, IRBool, IRArray, IRObject.
// Markers: IRRef, IRChannel, IRTransfer, IROpaque.
type IRValue interface {
	irValue() // Sealed - only these types implement it
}

// IRNull represents an absent or null value.
type IRNull struct{}

func (IRNull) irValue() {}

// MarshalJSON implements json.Marshaler for IRNull.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IRString represents a string value.
type IRString string

func (IRString) irValue() {}

// IRInt represents an integer value.
type IRInt int64

func (IRInt) irValue() {}

// IRFloat represents a floating point value.
// Kept distinct from IRInt so integral arguments round-trip as integers.
type IRFloat float64

func (IRFloat) irValue() {}

// IRBool represents a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray represents an array of IRValue elements.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject represents a map of string keys to IRValue elements.
// Use SortedKeys() for deterministic iteration.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// IRRef is the object reference marker {"ref": id}: the value is the object
// bound under ID in the replaying context's Reference Map.
type IRRef struct {
	ID ID
}

func (IRRef) irValue() {}

// IRChannel is the callback marker {"channel": id}: the value is a function
// that lives in the recording context and is reachable through sub-channel ID.
type IRChannel struct {
	ID ID
}

func (IRChannel) irValue() {}

// IRTransfer is the transfer marker {"transfer": true}: the value is the next
// resource, in encounter order, of the batch's transfer list.
type IRTransfer struct{}

func (IRTransfer) irValue() {}

// IROpaque is the placeholder {"opaque": id} produced when a stand-in rooted
// in another context is forwarded. It cannot be dereferenced.
type IROpaque struct {
	ID ID
}

func (IROpaque) irValue() {}

// Marker keys. An object whose only key is one of these decodes as a marker.
const (
	MarkerRef      = "ref"
	MarkerChannel  = "channel"
	MarkerTransfer = "transfer"
	MarkerOpaque   = "opaque"
)

// ErrNotSerializable is returned when a Go value has no IRValue form.
var ErrNotSerializable = errors.New("value is not serializable")

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// SortKeys sorts keys in place using RFC 8785 ordering.
// Serializers and the replay engine both walk objects in this order, which is
// what makes transfer markers line up with their resources.
func SortKeys(keys []string) {
	slices.SortFunc(keys, compareKeysRFC8785)
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering
// as required by RFC 8785 (Canonical JSON).
// CRITICAL: Go's default string comparison uses UTF-8 which produces DIFFERENT order.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// MarshalJSON implements json.Marshaler for IRObject with sorted keys.
// NOTE: This is NOT canonical marshaling. Use MarshalCanonical for hashing.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalIRValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalIRValue marshals an IRValue to JSON bytes.
// A nil IRValue marshals as null.
func MarshalIRValue(v IRValue) ([]byte, error) {
	switch val := v.(type) {
	case nil, IRNull:
		return []byte("null"), nil
	case IRString:
		return json.Marshal(string(val))
	case IRInt:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case IRFloat:
		return json.Marshal(float64(val))
	case IRBool:
		return json.Marshal(bool(val))
	case IRArray:
		return marshalIRArray(val)
	case IRObject:
		return val.MarshalJSON()
	case IRRef:
		return json.Marshal(map[string]string{MarkerRef: string(val.ID)})
	case IRChannel:
		return json.Marshal(map[string]string{MarkerChannel: string(val.ID)})
	case IRTransfer:
		return []byte(`{"transfer":true}`), nil
	case IROpaque:
		return json.Marshal(map[string]string{MarkerOpaque: string(val.ID)})
	default:
		return nil, fmt.Errorf("unknown IRValue type: %T", v)
	}
}

// marshalIRArray marshals an IRArray to JSON bytes.
func marshalIRArray(arr IRArray) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := MarshalIRValue(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalIRValue decodes JSON into an IRValue.
// Integers stay IRInt; numbers with a fraction or exponent become IRFloat.
func UnmarshalIRValue(data []byte) (IRValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromPlain(raw)
}

// asMarker recognizes the single-key marker objects.
func asMarker(obj map[string]any) (IRValue, bool) {
	if len(obj) != 1 {
		return nil, false
	}
	for k, v := range obj {
		switch k {
		case MarkerRef:
			if s, ok := v.(string); ok {
				return IRRef{ID: ID(s)}, true
			}
		case MarkerChannel:
			if s, ok := v.(string); ok {
				return IRChannel{ID: ID(s)}, true
			}
		case MarkerTransfer:
			if b, ok := v.(bool); ok && b {
				return IRTransfer{}, true
			}
		case MarkerOpaque:
			if s, ok := v.(string); ok {
				return IROpaque{ID: ID(s)}, true
			}
		}
	}
	return nil, false
}
