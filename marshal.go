package dbus

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"os"
	"reflect"
	"slices"

	"github.com/halfbit/dbus/fragments"
)

// marshaler is implemented by types with custom wire encodings
// (Variant, ObjectPath, File, Signature). Everything else is encoded
// generically by walking its SignatureNode.
type marshaler interface {
	marshalDBus(ctx context.Context, e *fragments.Encoder) error
}

func (v Variant) marshalDBus(ctx context.Context, e *fragments.Encoder) error {
	sigStr := v.sig.String()
	bs := []byte(sigStr)
	e.Uint8(uint8(len(bs)))
	e.Write(bs)
	e.Write([]byte{0})
	e.Pad(v.sig.Alignment())
	return MarshalValue(ctx, e, v.sig, reflect.ValueOf(v.value))
}

func (p ObjectPath) marshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.String(string(p))
	return nil
}

func (s Signature) marshalDBus(ctx context.Context, e *fragments.Encoder) error {
	bs := []byte(s)
	e.Uint8(uint8(len(bs)))
	e.Write(bs)
	e.Write([]byte{0})
	return nil
}

func (f File) marshalDBus(ctx context.Context, e *fragments.Encoder) error {
	idx, err := marshalFile(ctx, f.File)
	if err != nil {
		return err
	}
	e.Uint32(idx)
	return nil
}

// MarshalValue writes v to e according to sig. v must be assignable
// to the Go representation sig describes: basic Go kinds for basic
// codes, a slice/map for 'a', a struct (or a []any holding its fields
// in order) for '(', any for 'v'.
func MarshalValue(ctx context.Context, e *fragments.Encoder, sig *SignatureNode, v reflect.Value) error {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return fmt.Errorf("%w: nil %s for signature %s", ErrSignatureBodyMismatch, v.Kind(), sig)
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return fmt.Errorf("%w: no value for signature %s", ErrSignatureBodyMismatch, sig)
	}
	if m, ok := v.Interface().(marshaler); ok {
		return m.marshalDBus(ctx, e)
	}
	if v.CanAddr() {
		if m, ok := v.Addr().Interface().(marshaler); ok {
			return m.marshalDBus(ctx, e)
		}
	}

	switch sig.Code {
	case codeByte:
		e.Uint8(uint8(v.Uint()))
	case codeBool:
		var b uint32
		if v.Bool() {
			b = 1
		}
		e.Uint32(b)
	case codeInt16:
		e.Uint16(uint16(v.Int()))
	case codeUint16:
		e.Uint16(uint16(v.Uint()))
	case codeInt32:
		e.Uint32(uint32(v.Int()))
	case codeUint32:
		e.Uint32(uint32(v.Uint()))
	case codeInt64:
		e.Uint64(uint64(v.Int()))
	case codeUint64:
		e.Uint64(v.Uint())
	case codeDouble:
		e.Uint64(math.Float64bits(v.Float()))
	case codeString, codeObjPath:
		e.String(v.String())
	case codeSignature:
		bs := []byte(v.String())
		e.Uint8(uint8(len(bs)))
		e.Write(bs)
		e.Write([]byte{0})
	case codeUnixFD:
		f, ok := v.Interface().(*os.File)
		if !ok && v.CanAddr() {
			f, ok = v.Addr().Interface().(*os.File)
		}
		if !ok {
			return fmt.Errorf("%w: 'h' type requires *os.File, got %s", ErrSignatureBodyMismatch, v.Type())
		}
		idx, err := marshalFile(ctx, f)
		if err != nil {
			return err
		}
		e.Uint32(idx)
	case codeVariant:
		vv, err := valueToVariant(v)
		if err != nil {
			return err
		}
		return vv.marshalDBus(ctx, e)
	case codeArray:
		return marshalArray(ctx, e, sig, v)
	case codeStruct:
		return marshalStruct(ctx, e, sig, v)
	default:
		return fmt.Errorf("%w: cannot marshal signature code %q", ErrInvalidSignature, sig.Code)
	}
	return nil
}

func valueToVariant(v reflect.Value) (Variant, error) {
	if vv, ok := v.Interface().(Variant); ok {
		return vv, nil
	}
	return NewVariant(v.Interface())
}

func marshalArray(ctx context.Context, e *fragments.Encoder, sig *SignatureNode, v reflect.Value) error {
	elem := sig.Children[0]
	// The array header's length prefix must measure only the element
	// bytes, not any alignment padding before the first element. For
	// 1/2/4-byte-aligned elements, Encoder.Array's own e.Pad(4) before
	// the length slot already leaves the body correctly aligned, so no
	// extra padding is needed before start. But an 8-byte-aligned
	// element (x, t, d, struct, dict entry) needs an explicit pad
	// before start, since otherwise the element's own first write pads
	// internally and that padding would land inside the start/end
	// window the length prefix measures.
	needsEightByteAlign := elem.Alignment() == 8

	switch v.Kind() {
	case reflect.Map:
		if elem.Code != codeDictEntry {
			return fmt.Errorf("%w: map value requires a{..} signature, got %s", ErrSignatureBodyMismatch, sig)
		}
		keys := v.MapKeys()
		slices.SortFunc(keys, mapKeyCmp(elem.Children[0]))
		return e.Array(true, func() error {
			for _, k := range keys {
				if err := e.Struct(func() error {
					if err := MarshalValue(ctx, e, elem.Children[0], k); err != nil {
						return err
					}
					return MarshalValue(ctx, e, elem.Children[1], v.MapIndex(k))
				}); err != nil {
					return err
				}
			}
			return nil
		})
	case reflect.Slice, reflect.Array:
		if elem.Code == codeByte && v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			e.Bytes(v.Bytes())
			return nil
		}
		return e.Array(needsEightByteAlign, func() error {
			for i := 0; i < v.Len(); i++ {
				if err := MarshalValue(ctx, e, elem, v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return fmt.Errorf("%w: array signature requires a slice or map, got %s", ErrSignatureBodyMismatch, v.Type())
	}
}

// mapKeyCmp returns a comparison function over reflect.Values holding
// map keys for the given key signature, so dict-entry arrays encode
// with a deterministic key order. keySig is restricted to DBus basic
// types, so this only needs to handle the handful of underlying kinds
// that are valid dict keys.
func mapKeyCmp(keySig *SignatureNode) func(a, b reflect.Value) int {
	return func(a, b reflect.Value) int {
		if a.Kind() == reflect.Interface {
			a = a.Elem()
		}
		if b.Kind() == reflect.Interface {
			b = b.Elem()
		}
		switch keySig.Code {
		case codeBool:
			ab, bb := a.Bool(), b.Bool()
			if ab == bb {
				return 0
			}
			if !ab {
				return -1
			}
			return 1
		case codeByte, codeUint16, codeUint32, codeUint64:
			return cmp.Compare(a.Uint(), b.Uint())
		case codeInt16, codeInt32, codeInt64:
			return cmp.Compare(a.Int(), b.Int())
		case codeDouble:
			return cmp.Compare(a.Float(), b.Float())
		case codeString, codeObjPath, codeSignature:
			return cmp.Compare(a.String(), b.String())
		default:
			return 0
		}
	}
}

func marshalStruct(ctx context.Context, e *fragments.Encoder, sig *SignatureNode, v reflect.Value) error {
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Interface {
		// A []any holds the struct's fields positionally, the same
		// shape decodeValue produces for '('.
		if v.Len() != len(sig.Children) {
			return fmt.Errorf("%w: struct value has %d fields, signature wants %d", ErrSignatureBodyMismatch, v.Len(), len(sig.Children))
		}
		return e.Struct(func() error {
			for i, child := range sig.Children {
				if err := MarshalValue(ctx, e, child, v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("%w: struct signature requires a struct, got %s", ErrSignatureBodyMismatch, v.Type())
	}
	fields := exportedFields(v)
	if len(fields) != len(sig.Children) {
		return fmt.Errorf("%w: struct %s has %d fields, signature wants %d", ErrSignatureBodyMismatch, v.Type(), len(fields), len(sig.Children))
	}
	return e.Struct(func() error {
		for i, fv := range fields {
			if err := MarshalValue(ctx, e, sig.Children[i], fv); err != nil {
				return err
			}
		}
		return nil
	})
}

// exportedFields returns the exported fields not tagged `dbus:"vardict"`
// or `dbus:"ignore"` of
// v in declaration order, recursing into fields anonymously embedded
// by value the same way [signatureForType] flattens them into the
// wire signature, so the two stay in lockstep for embedded structs.
// An anonymous field embedded by pointer is NOT flattened, matching
// signatureForType's treatment of it as a single nested-struct field.
func exportedFields(v reflect.Value) []reflect.Value {
	var out []reflect.Value
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		if tag := f.Tag.Get("dbus"); tag == "vardict" || tag == "ignore" {
			continue
		}
		fv := v.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			out = append(out, exportedFields(fv)...)
			continue
		}
		out = append(out, fv)
	}
	return out
}

// MarshalMessage encodes m into a complete wire message: fixed
// header, header-fields array, padding, and body. Any 'h'-typed body
// values are appended to the returned file list in the order they
// appear.
func MarshalMessage(ctx context.Context, order fragments.ByteOrder, m *Message) ([]byte, []*os.File, error) {
	if err := m.Valid(); err != nil {
		return nil, nil, err
	}

	bodySigNodes, err := ParseSignature(m.Signature)
	if err != nil {
		return nil, nil, err
	}
	if len(bodySigNodes) != len(m.Body) {
		return nil, nil, fmt.Errorf("%w: signature %q has %d types, body has %d values", ErrSignatureBodyMismatch, m.Signature, len(bodySigNodes), len(m.Body))
	}

	var files []*os.File
	bodyCtx := withContextPutFiles(ctx, &files)

	body := &fragments.Encoder{Order: order}
	for i, node := range bodySigNodes {
		if err := MarshalValue(bodyCtx, body, node, reflect.ValueOf(m.Body[i])); err != nil {
			return nil, nil, fmt.Errorf("marshalling body field %d: %w", i, err)
		}
	}

	fieldsEnc := &fragments.Encoder{Order: order}
	if err := marshalHeaderFields(bodyCtx, fieldsEnc, m, len(files)); err != nil {
		return nil, nil, err
	}

	out := &fragments.Encoder{Order: order}
	out.ByteOrderFlag()
	out.Uint8(uint8(m.Type))
	out.Uint8(byte(m.Flags))
	out.Uint8(protocolVersion)
	out.Uint32(uint32(len(body.Out)))
	out.Uint32(m.Serial)
	out.Write(fieldsEnc.Out)
	out.Pad(8)
	out.Write(body.Out)

	if len(out.Out) > maxMessageLength {
		return nil, nil, fmt.Errorf("%w: message of %d bytes exceeds %d byte limit", ErrInvalidMessage, len(out.Out), maxMessageLength)
	}

	return out.Out, files, nil
}

func marshalHeaderFields(ctx context.Context, e *fragments.Encoder, m *Message, numFDs int) error {
	type field struct {
		code byte
		v    Variant
	}
	var fields []field
	add := func(code byte, value any) error {
		vv, err := NewVariant(value)
		if err != nil {
			return err
		}
		fields = append(fields, field{code, vv})
		return nil
	}

	if m.Path != "" {
		if err := add(fieldPath, m.Path); err != nil {
			return err
		}
	}
	if m.Interface != "" {
		if err := add(fieldInterface, m.Interface); err != nil {
			return err
		}
	}
	if m.Member != "" {
		if err := add(fieldMember, m.Member); err != nil {
			return err
		}
	}
	if m.ErrorName != "" {
		if err := add(fieldErrorName, m.ErrorName); err != nil {
			return err
		}
	}
	if m.ReplySerial != 0 {
		if err := add(fieldReplySerial, m.ReplySerial); err != nil {
			return err
		}
	}
	if m.Destination != "" {
		if err := add(fieldDestination, m.Destination); err != nil {
			return err
		}
	}
	if m.Signature != "" {
		if err := add(fieldSignature, Signature(m.Signature)); err != nil {
			return err
		}
	}
	if numFDs > 0 {
		if err := add(fieldUnixFDs, uint32(numFDs)); err != nil {
			return err
		}
	}

	return e.Array(true, func() error {
		for _, f := range fields {
			if err := e.Struct(func() error {
				e.Uint8(f.code)
				return f.v.marshalDBus(ctx, e)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
