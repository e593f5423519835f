package dbus

import (
	"fmt"
	"reflect"
)

// coerce.go assigns the dynamically-typed values produced by
// decodeValue (bool, byte, string, []any, map[any]any, Variant, ...)
// into a caller-supplied Go value by reflection. This plays the same
// role the teacher's deleted decode.go played — decoding wire data
// directly into an arbitrary Go type via reflection — but starts from
// an already-decoded dynamic tree instead of raw bytes, since this
// package's Unmarshaller decodes message bodies dynamically rather
// than against a caller-known type.

// AssignBody coerces the top-level values of a decoded message body
// into target, which must be a non-nil pointer. If target points to a
// struct, each body value is assigned to the struct's fields in
// declaration order (mirroring exportedFields' encoding order); for
// any other target type, body must hold exactly one value.
func AssignBody(body []any, target any) error {
	if target == nil {
		return nil
	}
	tv := reflect.ValueOf(target)
	if tv.Kind() != reflect.Pointer || tv.IsNil() {
		return fmt.Errorf("%w: AssignBody target must be a non-nil pointer", ErrSignatureBodyMismatch)
	}
	elem := tv.Elem()

	if elem.Kind() == reflect.Struct {
		fields := exportedFields(elem)
		if len(fields) != len(body) {
			return fmt.Errorf("%w: reply has %d values, %s has %d fields", ErrSignatureBodyMismatch, len(body), elem.Type(), len(fields))
		}
		for i, fv := range fields {
			if err := AssignValue(body[i], fv); err != nil {
				return fmt.Errorf("field %d: %w", i, err)
			}
		}
		return nil
	}

	if len(body) != 1 {
		return fmt.Errorf("%w: reply has %d values, target %s takes one", ErrSignatureBodyMismatch, len(body), elem.Type())
	}
	return AssignValue(body[0], elem)
}

// bodyToArgs turns a user-supplied request/response value into the
// flat list of top-level wire values a Message.Body holds. nil yields
// no arguments; a []any is taken as an already-positional argument
// list; a struct (that isn't itself a wire-custom type, e.g. Variant)
// has its exported fields flattened into one argument per field,
// mirroring exportedFields' encoding order; anything else is a single
// argument.
func bodyToArgs(v any) []any {
	if v == nil {
		return nil
	}
	if args, ok := v.([]any); ok {
		return args
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return []any{v}
	}
	switch v.(type) {
	case Variant, ObjectPath, Signature, File:
		return []any{v}
	}
	fields := exportedFields(rv)
	out := make([]any, len(fields))
	for i, fv := range fields {
		out[i] = fv.Interface()
	}
	return out
}

// AssignValue coerces one dynamically-decoded value into v, which must
// be addressable (a struct field or a dereferenced pointer).
func AssignValue(dyn any, v reflect.Value) error {
	if vv, ok := dyn.(Variant); ok {
		if v.Type() == reflect.TypeFor[Variant]() {
			v.Set(reflect.ValueOf(vv))
			return nil
		}
		if v.Kind() == reflect.Interface {
			v.Set(reflect.ValueOf(vv))
			return nil
		}
		return AssignValue(vv.Value(), v)
	}

	if v.Kind() == reflect.Interface {
		v.Set(reflect.ValueOf(dyn))
		return nil
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return AssignValue(dyn, v.Elem())
	}

	switch d := dyn.(type) {
	case []any:
		switch v.Kind() {
		case reflect.Slice:
			out := reflect.MakeSlice(v.Type(), len(d), len(d))
			for i, e := range d {
				if err := AssignValue(e, out.Index(i)); err != nil {
					return err
				}
			}
			v.Set(out)
			return nil
		case reflect.Array:
			if v.Len() != len(d) {
				return fmt.Errorf("%w: array has %d elements, struct field wants %d", ErrSignatureBodyMismatch, len(d), v.Len())
			}
			for i, e := range d {
				if err := AssignValue(e, v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		case reflect.Struct:
			fields := exportedFields(v)
			if len(fields) != len(d) {
				return fmt.Errorf("%w: struct value has %d fields, %s has %d", ErrSignatureBodyMismatch, len(d), v.Type(), len(fields))
			}
			for i, fv := range fields {
				if err := AssignValue(d[i], fv); err != nil {
					return err
				}
			}
			return nil
		}
		return fmt.Errorf("%w: cannot assign struct/array value to %s", ErrSignatureBodyMismatch, v.Type())
	case map[any]any:
		if v.Kind() != reflect.Map {
			return fmt.Errorf("%w: cannot assign dict value to %s", ErrSignatureBodyMismatch, v.Type())
		}
		out := reflect.MakeMapWithSize(v.Type(), len(d))
		for k, val := range d {
			kv := reflect.New(v.Type().Key()).Elem()
			if err := AssignValue(k, kv); err != nil {
				return err
			}
			vv := reflect.New(v.Type().Elem()).Elem()
			if err := AssignValue(val, vv); err != nil {
				return err
			}
			out.SetMapIndex(kv, vv)
		}
		v.Set(out)
		return nil
	case []byte:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			v.SetBytes(append([]byte(nil), d...))
			return nil
		}
	case File:
		if v.Type() == reflect.TypeFor[File]() {
			v.Set(reflect.ValueOf(d))
			return nil
		}
	}

	dv := reflect.ValueOf(dyn)
	if !dv.IsValid() {
		return fmt.Errorf("%w: nil value for %s", ErrSignatureBodyMismatch, v.Type())
	}
	if dv.Type().ConvertibleTo(v.Type()) &&
		(dv.Kind() == v.Kind() || (dv.Kind() >= reflect.Bool && dv.Kind() <= reflect.Float64 && v.Kind() >= reflect.Bool && v.Kind() <= reflect.Float64) ||
			(dv.Kind() == reflect.String && v.Kind() == reflect.String)) {
		v.Set(dv.Convert(v.Type()))
		return nil
	}
	return fmt.Errorf("%w: cannot assign %T to %s", ErrSignatureBodyMismatch, dyn, v.Type())
}
