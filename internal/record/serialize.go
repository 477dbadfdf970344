package record

import (
	"log/slog"
	"reflect"

	"github.com/roach88/mirage/internal/bridge"
	"github.com/roach88/mirage/internal/ir"
)

// Referent is a value that names an object already bound on the replay
// side, such as a remote value returned by an evaluation. It serializes as
// a reference marker.
type Referent interface {
	Ref() ir.ID
}

// encoder serializes the arguments of one operation. It collects detached
// transfers and freshly exported channels so both can be committed with the
// operation in one step.
type encoder struct {
	rec       *Recorder
	transfers [][]byte
	callbacks []ir.ID

	// detached resources can only travel inside a replay batch.
	noTransfers bool
}

func (r *Recorder) encoder() *encoder {
	return &encoder{rec: r}
}

// Encode serializes v without recording an operation, for requests that
// carry references outside the log. Channels exported here are announced
// by the next flush. Transferable values encode as null.
func (r *Recorder) Encode(v any) ir.IRValue {
	enc := &encoder{rec: r, noTransfers: true}
	out := enc.value(v)
	if len(enc.callbacks) > 0 {
		r.mu.Lock()
		r.callbacks = append(r.callbacks, enc.callbacks...)
		r.scheduleLocked()
		r.mu.Unlock()
	}
	return out
}

func (e *encoder) args(args []any) []ir.IRValue {
	if len(args) == 0 {
		return nil
	}
	out := make([]ir.IRValue, len(args))
	for i, a := range args {
		out[i] = e.value(a)
	}
	return out
}

func (e *encoder) value(v any) ir.IRValue {
	switch val := v.(type) {
	case nil:
		return ir.IRNull{}
	case ir.IRValue:
		return val
	case Handle:
		if val.ID() == "" {
			return ir.IRNull{}
		}
		return ir.IRRef{ID: val.ID()}
	case Referent:
		return ir.IRRef{ID: val.Ref()}
	case *bridge.Callable:
		if val == nil {
			return ir.IRNull{}
		}
		return e.channel(val)
	case bridge.Func:
		return e.channel(bridge.Pinned(val))
	case func(...any) (any, error):
		return e.channel(bridge.Pinned(val))
	case ir.Transferable:
		if e.noTransfers {
			slog.Warn("transfer outside a batch, sending null", "context", e.rec.contextID)
			return ir.IRNull{}
		}
		data, err := val.Detach()
		if err != nil {
			slog.Warn("transfer failed, sending null", "context", e.rec.contextID, "error", err)
			return ir.IRNull{}
		}
		e.transfers = append(e.transfers, data)
		return ir.IRTransfer{}
	case []any:
		arr := make(ir.IRArray, len(val))
		for i, elem := range val {
			arr[i] = e.value(elem)
		}
		return arr
	case map[string]any:
		obj := make(ir.IRObject, len(val))
		// Transfers are numbered in canonical key order.
		for _, k := range sortedKeys(val) {
			obj[k] = e.value(val[k])
		}
		return obj
	}

	if out, ok := e.reflectValue(v); ok {
		return out
	}
	if out, err := ir.FromGo(v); err == nil {
		return out
	}
	slog.Warn("value is not serializable, sending null", "context", e.rec.contextID, "type", reflect.TypeOf(v).String())
	return ir.IRNull{}
}

// reflectValue walks typed containers that may hold handles or callables.
func (e *encoder) reflectValue(v any) (ir.IRValue, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return ir.IRNull{}, true
		}
		arr := make(ir.IRArray, rv.Len())
		for i := range arr {
			arr[i] = e.value(rv.Index(i).Interface())
		}
		return arr, true
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return e.value(m), true
	}
	return nil, false
}

func (e *encoder) channel(c *bridge.Callable) ir.IRValue {
	id, fresh := e.rec.exporter.Export(c)
	if fresh {
		e.callbacks = append(e.callbacks, id)
	}
	return ir.IRChannel{ID: id}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	ir.SortKeys(keys)
	return keys
}
