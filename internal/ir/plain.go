package ir

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// PlainOperation is the encoding-neutral form of an Operation: values are
// plain Go data (maps, slices, primitives) so any codec can carry them.
type PlainOperation struct {
	Kind        Kind   `json:"kind"`
	Target      ID     `json:"target"`
	Property    string `json:"property,omitempty"`
	Args        []any  `json:"args,omitempty"`
	Value       any    `json:"value,omitempty"`
	Receiver    ID     `json:"receiver,omitempty"`
	Constructed string `json:"constructed,omitempty"`
	Result      ID     `json:"result,omitempty"`
}

// Plain converts the operation to its encoding-neutral form.
func (op Operation) Plain() PlainOperation {
	p := PlainOperation{
		Kind:        op.Kind,
		Target:      op.Target,
		Property:    op.Property,
		Receiver:    op.Receiver,
		Constructed: op.Constructed,
		Result:      op.Result,
	}
	if op.Args != nil {
		p.Args = make([]any, len(op.Args))
		for i, a := range op.Args {
			p.Args[i] = ToPlain(a)
		}
	}
	if op.Value != nil {
		p.Value = ToPlain(op.Value)
	}
	return p
}

// Operation converts the plain form back, decoding markers.
func (p PlainOperation) Operation() (Operation, error) {
	op := Operation{
		Kind:        p.Kind,
		Target:      p.Target,
		Property:    p.Property,
		Receiver:    p.Receiver,
		Constructed: p.Constructed,
		Result:      p.Result,
	}
	if p.Args != nil {
		op.Args = make([]IRValue, len(p.Args))
		for i, a := range p.Args {
			v, err := FromPlain(a)
			if err != nil {
				return Operation{}, fmt.Errorf("args[%d]: %w", i, err)
			}
			op.Args[i] = v
		}
	}
	if p.Kind == KindWrite {
		v, err := FromPlain(p.Value)
		if err != nil {
			return Operation{}, fmt.Errorf("value: %w", err)
		}
		op.Value = v
	}
	return op, nil
}

// MarshalJSON implements json.Marshaler for Operation.
func (op Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.Plain())
}

// UnmarshalJSON implements json.Unmarshaler for Operation.
// Numbers are decoded with UseNumber so large integers keep their precision.
func (op *Operation) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var p PlainOperation
	if err := dec.Decode(&p); err != nil {
		return err
	}
	decoded, err := p.Operation()
	if err != nil {
		return err
	}
	*op = decoded
	return nil
}

// ToPlain converts an IRValue to plain Go data. Markers become their
// single-key map form.
func ToPlain(v IRValue) any {
	switch val := v.(type) {
	case nil, IRNull:
		return nil
	case IRString:
		return string(val)
	case IRInt:
		return int64(val)
	case IRFloat:
		return float64(val)
	case IRBool:
		return bool(val)
	case IRArray:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToPlain(e)
		}
		return out
	case IRObject:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = ToPlain(e)
		}
		return out
	case IRRef:
		return map[string]any{MarkerRef: string(val.ID)}
	case IRChannel:
		return map[string]any{MarkerChannel: string(val.ID)}
	case IRTransfer:
		return map[string]any{MarkerTransfer: true}
	case IROpaque:
		return map[string]any{MarkerOpaque: string(val.ID)}
	default:
		return nil
	}
}

// FromPlain converts decoded plain data (from encoding/json with UseNumber, or
// from CBOR) into an IRValue. Single-key marker maps decode as markers.
func FromPlain(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case bool:
		return IRBool(val), nil
	case string:
		return IRString(val), nil
	case json.Number:
		s := string(val)
		if !strings.ContainsAny(s, ".eE") {
			if n, err := val.Int64(); err == nil {
				return IRInt(n), nil
			}
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %s: %w", s, err)
		}
		return IRFloat(f), nil
	case int:
		return IRInt(val), nil
	case int8:
		return IRInt(val), nil
	case int16:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint:
		return IRInt(val), nil
	case uint8:
		return IRInt(val), nil
	case uint16:
		return IRInt(val), nil
	case uint32:
		return IRInt(val), nil
	case uint64:
		if val > 1<<63-1 {
			return nil, fmt.Errorf("number out of int64 range: %d", val)
		}
		return IRInt(val), nil
	case float32:
		return IRFloat(val), nil
	case float64:
		return IRFloat(val), nil
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			e, err := FromPlain(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = e
		}
		return arr, nil
	case map[string]any:
		if m, ok := asMarker(val); ok {
			return m, nil
		}
		obj := make(IRObject, len(val))
		for k, elem := range val {
			e, err := FromPlain(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = e
		}
		return obj, nil
	case map[any]any:
		// CBOR decodes maps with interface keys unless told otherwise.
		conv := make(map[string]any, len(val))
		for k, elem := range val {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("object key %v is not a string", k)
			}
			conv[ks] = elem
		}
		return FromPlain(conv)
	default:
		return nil, fmt.Errorf("unsupported plain type: %T", v)
	}
}

// FromGo converts native Go data to an IRValue. Beyond the plain types it
// accepts typed slices and string-keyed maps via reflection.
// Returns ErrNotSerializable for anything else (structs, funcs, channels).
func FromGo(v any) (IRValue, error) {
	if v == nil {
		return IRNull{}, nil
	}
	if val, err := FromPlain(v); err == nil {
		return val, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return IRNull{}, nil
		}
		arr := make(IRArray, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			e, err := FromGo(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = e
		}
		return arr, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key type %s", ErrNotSerializable, rv.Type().Key())
		}
		obj := make(IRObject, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			e, err := FromGo(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", iter.Key().String(), err)
			}
			obj[iter.Key().String()] = e
		}
		return obj, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return IRNull{}, nil
		}
	case reflect.String:
		return IRString(rv.String()), nil
	case reflect.Bool:
		return IRBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return IRInt(rv.Int()), nil
	case reflect.Float32, reflect.Float64:
		return IRFloat(rv.Float()), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrNotSerializable, v)
}

// ToGo converts a literal IRValue to native Go data: map[string]any, []any,
// string, int64, float64, bool or nil. Markers are returned unchanged; the
// caller is responsible for resolving them.
func ToGo(v IRValue) any {
	switch val := v.(type) {
	case nil, IRNull:
		return nil
	case IRString:
		return string(val)
	case IRInt:
		return int64(val)
	case IRFloat:
		return float64(val)
	case IRBool:
		return bool(val)
	case IRArray:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToGo(e)
		}
		return out
	case IRObject:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = ToGo(e)
		}
		return out
	default:
		return v
	}
}
