package replay

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrUndefined is returned when an operation is applied to nothing.
	ErrUndefined = errors.New("undefined")

	// ErrNotFunction is returned when invoking something that is not callable.
	ErrNotFunction = errors.New("not a function")

	// ErrNotConstructor is returned when instantiating something that cannot
	// construct.
	ErrNotConstructor = errors.New("not a constructor")

	// ErrNoMember is returned when writing a member a value does not have.
	ErrNoMember = errors.New("no such member")
)

// Host performs the four primitive operations on real objects.
type Host interface {
	Get(obj any, prop string) (any, error)
	Set(obj any, prop string, value any) error
	Call(fn any, this any, args []any) (any, error)
	Construct(ctor any, args []any) (any, error)
}

// Getter is implemented by objects that resolve their own members.
type Getter interface {
	Get(prop string) (any, error)
}

// Setter is implemented by objects that assign their own members.
type Setter interface {
	Set(prop string, value any) error
}

// Function is implemented by callable objects. this is the explicit
// receiver recorded with the invocation, or nil.
type Function interface {
	Call(this any, args []any) (any, error)
}

// Constructor is implemented by objects that build new instances.
type Constructor interface {
	Construct(args []any) (any, error)
}

// ReflectHost is the default Host.
//
// Members of structs are looked up by name with the first letter upper-cased
// ("value" finds field Value or method Value). A missing member reads as nil,
// which the Engine records as an absent result. Go funcs are called with
// arguments converted to the parameter types; a trailing error result is
// returned as the operation's error.
type ReflectHost struct {
	// AutoVivify makes reads of missing keys on string-keyed maps create and
	// store an empty map[string]any.
	AutoVivify bool
}

var _ Host = ReflectHost{}

// Get implements Host.
func (h ReflectHost) Get(obj any, prop string) (any, error) {
	if isNil(obj) {
		return nil, fmt.Errorf("%w: cannot read %q", ErrUndefined, prop)
	}
	if g, ok := obj.(Getter); ok {
		return g.Get(prop)
	}
	if m, ok := obj.(map[string]any); ok {
		v, found := m[prop]
		if !found && h.AutoVivify {
			child := map[string]any{}
			m[prop] = child
			return child, nil
		}
		return v, nil
	}

	rv := reflect.ValueOf(obj)
	if m := methodByName(rv, prop); m.IsValid() {
		return m.Interface(), nil
	}
	rv = indirect(rv)
	if !rv.IsValid() {
		return nil, fmt.Errorf("%w: cannot read %q", ErrUndefined, prop)
	}

	switch rv.Kind() {
	case reflect.Struct:
		f := rv.FieldByName(exportName(prop))
		if f.IsValid() && f.CanInterface() {
			return f.Interface(), nil
		}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, nil
		}
		key := reflect.ValueOf(prop).Convert(rv.Type().Key())
		v := rv.MapIndex(key)
		if v.IsValid() {
			return v.Interface(), nil
		}
		child := reflect.ValueOf(map[string]any{})
		if h.AutoVivify && child.Type().AssignableTo(rv.Type().Elem()) {
			rv.SetMapIndex(key, child)
			return child.Interface(), nil
		}
	case reflect.Slice, reflect.Array, reflect.String:
		if prop == "length" {
			return rv.Len(), nil
		}
		if rv.Kind() == reflect.String {
			return nil, nil
		}
		if i, err := strconv.Atoi(prop); err == nil && i >= 0 && i < rv.Len() {
			return rv.Index(i).Interface(), nil
		}
	}
	return nil, nil
}

// Set implements Host.
func (h ReflectHost) Set(obj any, prop string, value any) error {
	if isNil(obj) {
		return fmt.Errorf("%w: cannot write %q", ErrUndefined, prop)
	}
	if s, ok := obj.(Setter); ok {
		return s.Set(prop, value)
	}
	if m, ok := obj.(map[string]any); ok {
		m[prop] = value
		return nil
	}

	rv := indirect(reflect.ValueOf(obj))
	if !rv.IsValid() {
		return fmt.Errorf("%w: cannot write %q", ErrUndefined, prop)
	}

	switch rv.Kind() {
	case reflect.Struct:
		f := rv.FieldByName(exportName(prop))
		if !f.IsValid() {
			return fmt.Errorf("%w: %s has no field %q", ErrNoMember, rv.Type(), prop)
		}
		if !f.CanSet() {
			return fmt.Errorf("field %q of %s is not settable", prop, rv.Type())
		}
		cv, err := convert(value, f.Type())
		if err != nil {
			return fmt.Errorf("field %q: %w", prop, err)
		}
		f.Set(cv)
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("cannot write %q on %s", prop, rv.Type())
		}
		cv, err := convert(value, rv.Type().Elem())
		if err != nil {
			return fmt.Errorf("key %q: %w", prop, err)
		}
		rv.SetMapIndex(reflect.ValueOf(prop).Convert(rv.Type().Key()), cv)
		return nil
	case reflect.Slice:
		i, err := strconv.Atoi(prop)
		if err != nil || i < 0 || i >= rv.Len() {
			return fmt.Errorf("%w: index %q out of range", ErrNoMember, prop)
		}
		cv, err := convert(value, rv.Type().Elem())
		if err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		rv.Index(i).Set(cv)
		return nil
	}
	return fmt.Errorf("cannot write %q on %T", prop, obj)
}

// Call implements Host.
func (h ReflectHost) Call(fn any, this any, args []any) (any, error) {
	if isNil(fn) {
		return nil, fmt.Errorf("%w: cannot invoke undefined", ErrNotFunction)
	}
	if f, ok := fn.(Function); ok {
		return f.Call(this, args)
	}
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T", ErrNotFunction, fn)
	}
	return callReflect(rv, args)
}

// Construct implements Host.
func (h ReflectHost) Construct(ctor any, args []any) (any, error) {
	if isNil(ctor) {
		return nil, fmt.Errorf("%w: cannot instantiate undefined", ErrNotConstructor)
	}
	if c, ok := ctor.(Constructor); ok {
		return c.Construct(args)
	}
	rv := reflect.ValueOf(ctor)
	if rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T", ErrNotConstructor, ctor)
	}
	return callReflect(rv, args)
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func callReflect(fn reflect.Value, args []any) (any, error) {
	t := fn.Type()
	n := t.NumIn()
	fixed := n
	if t.IsVariadic() {
		fixed = n - 1
	}

	in := make([]reflect.Value, 0, max(fixed, len(args)))
	for i := 0; i < fixed; i++ {
		var a any
		if i < len(args) {
			a = args[i]
		}
		v, err := convert(a, t.In(i))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}
	if t.IsVariadic() {
		elem := t.In(n - 1).Elem()
		for i := fixed; i < len(args); i++ {
			v, err := convert(args[i], elem)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, v)
		}
	}

	return unpackResults(fn.Call(in))
}

func unpackResults(out []reflect.Value) (any, error) {
	if len(out) > 0 && out[len(out)-1].Type() == errorType {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		out = out[:len(out)-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	}
	vals := make([]any, len(out))
	for i, o := range out {
		vals[i] = o.Interface()
	}
	return vals, nil
}

// convert adapts a replayed value to a Go parameter or field type.
func convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if t.Kind() == reflect.Func {
		if f, ok := v.(Function); ok {
			return makeFunc(f, t), nil
		}
	}

	switch {
	case isNumber(rv.Kind()) && isNumber(t.Kind()),
		rv.Kind() == reflect.String && t.Kind() == reflect.String,
		rv.Kind() == reflect.Bool && t.Kind() == reflect.Bool:
		return rv.Convert(t), nil
	case rv.Kind() == reflect.Slice && t.Kind() == reflect.Slice:
		out := reflect.MakeSlice(t, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			e, err := convert(rv.Index(i).Interface(), t.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			out.Index(i).Set(e)
		}
		return out, nil
	case rv.Kind() == reflect.Map && t.Kind() == reflect.Map &&
		rv.Type().Key().Kind() == reflect.String && t.Key().Kind() == reflect.String:
		out := reflect.MakeMapWithSize(t, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			e, err := convert(iter.Value().Interface(), t.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("[%q]: %w", iter.Key().String(), err)
			}
			out.SetMapIndex(iter.Key().Convert(t.Key()), e)
		}
		return out, nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
}

// makeFunc exposes a Function as a Go func of type t.
func makeFunc(f Function, t reflect.Type) reflect.Value {
	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		args := make([]any, 0, len(in))
		for i, v := range in {
			if t.IsVariadic() && i == len(in)-1 {
				for j := 0; j < v.Len(); j++ {
					args = append(args, v.Index(j).Interface())
				}
				continue
			}
			args = append(args, v.Interface())
		}

		res, err := f.Call(nil, args)

		out := make([]reflect.Value, t.NumOut())
		placed := false
		for i := range out {
			ot := t.Out(i)
			switch {
			case ot == errorType:
				if err != nil {
					out[i] = reflect.ValueOf(&err).Elem()
				} else {
					out[i] = reflect.Zero(ot)
				}
			case !placed && err == nil:
				cv, cerr := convert(res, ot)
				if cerr != nil {
					cv = reflect.Zero(ot)
				}
				out[i] = cv
				placed = true
			default:
				out[i] = reflect.Zero(ot)
			}
		}
		return out
	})
}

func methodByName(rv reflect.Value, prop string) reflect.Value {
	if !rv.IsValid() || prop == "" {
		return reflect.Value{}
	}
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return reflect.Value{}
	}
	return rv.MethodByName(exportName(prop))
}

func indirect(rv reflect.Value) reflect.Value {
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	return rv
}

func exportName(prop string) string {
	r, size := utf8.DecodeRuneInString(prop)
	if r == utf8.RuneError {
		return prop
	}
	return string(unicode.ToUpper(r)) + prop[size:]
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// isNil reports whether v is nil or a typed nil.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// SameObject reports whether a and b are the same reference-typed object.
// Values that are not pointers, maps, slices, chans or funcs never match.
func SameObject(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}
	switch ra.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return ra.UnsafePointer() == rb.UnsafePointer()
	case reflect.Slice:
		return ra.UnsafePointer() == rb.UnsafePointer() && ra.Len() == rb.Len()
	}
	return false
}
