package archbridge

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// MethodTable dispatches calls by exported method name onto a handler value.
// A method may take a leading context.Context and may return (), (T),
// (error) or (T, error).
type MethodTable struct {
	target  reflect.Value
	methods map[string]reflect.Value
}

// NewMethodTable indexes the exported methods of handler
func NewMethodTable(handler any) *MethodTable {
	v := reflect.ValueOf(handler)
	t := v.Type()

	mt := &MethodTable{target: v, methods: make(map[string]reflect.Value)}
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !m.IsExported() {
			continue
		}
		if m.Type.NumOut() > 2 {
			continue
		}
		mt.methods[m.Name] = v.Method(i)
	}
	return mt
}

// Methods returns the callable method names, sorted
func (mt *MethodTable) Methods() []string {
	names := make([]string, 0, len(mt.methods))
	for name := range mt.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether method exists
func (mt *MethodTable) Has(method string) bool {
	_, ok := mt.methods[method]
	return ok
}

// Handle invokes method with msgpack-decoded args. Handler panics are
// recovered and reported as errors.
func (mt *MethodTable) Handle(ctx context.Context, method string, args []any) (result any, err error) {
	if method == "" {
		return nil, fmt.Errorf("message missing 'method' field")
	}
	if method[0] == '_' {
		return nil, fmt.Errorf("cannot call private method '%s'", method)
	}
	fn, ok := mt.methods[method]
	if !ok {
		return nil, fmt.Errorf("method '%s' not found", method)
	}

	in, err := buildArgs(ctx, method, fn.Type(), args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("method '%s' panicked: %v", method, r)
		}
	}()

	return splitResults(fn.Call(in))
}

// buildArgs converts wire arguments to the parameter types of fnType
func buildArgs(ctx context.Context, method string, fnType reflect.Type, args []any) ([]reflect.Value, error) {
	offset := 0
	if fnType.NumIn() > 0 && fnType.In(0) == contextType {
		offset = 1
	}

	want := fnType.NumIn() - offset
	if fnType.IsVariadic() {
		return nil, fmt.Errorf("method '%s' is variadic and cannot be called remotely", method)
	}
	if len(args) != want {
		return nil, fmt.Errorf("argument mismatch: '%s' expects %d argument(s), got %d", method, want, len(args))
	}

	in := make([]reflect.Value, 0, fnType.NumIn())
	if offset == 1 {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, arg := range args {
		target := fnType.In(i + offset)
		v, err := convertArg(reflect.ValueOf(arg), target)
		if err != nil {
			return nil, fmt.Errorf("argument mismatch: '%s' argument %d: %w", method, i, err)
		}
		in = append(in, v)
	}
	return in, nil
}

// splitResults maps Go return values onto (result, error)
func splitResults(results []reflect.Value) (any, error) {
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		if results[0].Type() == errorType {
			if err, _ := results[0].Interface().(error); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return results[0].Interface(), nil
	default:
		if err, _ := results[1].Interface().(error); err != nil {
			return nil, err
		}
		return results[0].Interface(), nil
	}
}

// convertArg converts a decoded wire value to the target parameter type.
// Loose msgpack decoding yields int64, uint64, float64, string, bool, []any
// and map[string]any.
func convertArg(value reflect.Value, target reflect.Type) (reflect.Value, error) {
	if !value.IsValid() {
		switch target.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map:
			return reflect.Zero(target), nil
		}
		return reflect.Value{}, fmt.Errorf("nil is not a valid %s", target)
	}

	value = unwrapInterface(value)
	if value.Kind() == reflect.Interface && value.IsNil() {
		return convertArg(reflect.Value{}, target)
	}
	if value.Type() == target {
		return value, nil
	}
	if target.Kind() == reflect.Interface && value.Type().Implements(target) {
		return value, nil
	}

	src := value.Kind()
	switch {
	case isSignedKind(src) && isSignedKind(target.Kind()):
		n := value.Int()
		out := reflect.New(target).Elem()
		if out.OverflowInt(n) {
			return reflect.Value{}, fmt.Errorf("value %d overflows %s", n, target)
		}
		out.SetInt(n)
		return out, nil
	case isUnsignedKind(src) && isSignedKind(target.Kind()):
		n := value.Uint()
		out := reflect.New(target).Elem()
		if n > math.MaxInt64 || out.OverflowInt(int64(n)) {
			return reflect.Value{}, fmt.Errorf("value %d overflows %s", n, target)
		}
		out.SetInt(int64(n))
		return out, nil
	case isSignedKind(src) && isUnsignedKind(target.Kind()):
		n := value.Int()
		out := reflect.New(target).Elem()
		if n < 0 || out.OverflowUint(uint64(n)) {
			return reflect.Value{}, fmt.Errorf("value %d overflows %s", n, target)
		}
		out.SetUint(uint64(n))
		return out, nil
	case isUnsignedKind(src) && isUnsignedKind(target.Kind()):
		n := value.Uint()
		out := reflect.New(target).Elem()
		if out.OverflowUint(n) {
			return reflect.Value{}, fmt.Errorf("value %d overflows %s", n, target)
		}
		out.SetUint(n)
		return out, nil
	case isFloatKind(src) && isFloatKind(target.Kind()):
		out := reflect.New(target).Elem()
		out.SetFloat(value.Float())
		return out, nil
	case isFloatKind(src) && (isSignedKind(target.Kind()) || isUnsignedKind(target.Kind())):
		// msgpack may send floats for small integers
		f := value.Float()
		if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
			return reflect.Value{}, fmt.Errorf("value %v is not an integer", f)
		}
		return convertArg(reflect.ValueOf(int64(f)), target)
	case (isSignedKind(src) || isUnsignedKind(src)) && isFloatKind(target.Kind()):
		out := reflect.New(target).Elem()
		if isSignedKind(src) {
			out.SetFloat(float64(value.Int()))
		} else {
			out.SetFloat(float64(value.Uint()))
		}
		return out, nil
	case target.Kind() == reflect.Slice && (src == reflect.Slice || src == reflect.Array):
		return convertSlice(value, target)
	case target.Kind() == reflect.Slice && target.Elem().Kind() == reflect.Uint8 && src == reflect.String:
		return reflect.ValueOf([]byte(value.String())).Convert(target), nil
	case target.Kind() == reflect.Map && src == reflect.Map:
		return convertMap(value, target)
	}

	if value.Type().ConvertibleTo(target) && value.Kind() == target.Kind() {
		return value.Convert(target), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %s as %s", value.Type(), target)
}

// unwrapInterface unwraps an interface{} value to get the underlying value.
func unwrapInterface(value reflect.Value) reflect.Value {
	if value.Kind() == reflect.Interface && value.Elem().IsValid() {
		return value.Elem()
	}
	return value
}

func isSignedKind(k reflect.Kind) bool {
	return k == reflect.Int || k == reflect.Int8 || k == reflect.Int16 ||
		k == reflect.Int32 || k == reflect.Int64
}

func isUnsignedKind(k reflect.Kind) bool {
	return k == reflect.Uint || k == reflect.Uint8 || k == reflect.Uint16 ||
		k == reflect.Uint32 || k == reflect.Uint64
}

func isFloatKind(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

// convertSlice converts a slice/array to the target slice type
func convertSlice(value reflect.Value, target reflect.Type) (reflect.Value, error) {
	length := value.Len()
	result := reflect.MakeSlice(target, length, length)

	for i := 0; i < length; i++ {
		converted, err := convertArg(value.Index(i), target.Elem())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
		}
		result.Index(i).Set(converted)
	}
	return result, nil
}

// convertMap converts a map to the target map type
func convertMap(value reflect.Value, target reflect.Type) (reflect.Value, error) {
	result := reflect.MakeMapWithSize(target, value.Len())

	iter := value.MapRange()
	for iter.Next() {
		k, err := convertArg(iter.Key(), target.Key())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("key: %w", err)
		}
		v, err := convertArg(iter.Value(), target.Elem())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("key %v: %w", iter.Key(), err)
		}
		result.SetMapIndex(k, v)
	}
	return result, nil
}
