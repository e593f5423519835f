package dbus

import (
	"context"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/halfbit/dbus/fragments"
)

func mustVariant(t *testing.T, v any) Variant {
	t.Helper()
	vv, err := NewVariant(v)
	if err != nil {
		t.Fatalf("NewVariant(%v) failed: %v", v, err)
	}
	return vv
}

// roundTrip marshals body under sigStr as a METHOD_CALL message, then
// unmarshals the resulting bytes and returns the decoded body.
func roundTrip(t *testing.T, sigStr string, body []any, order fragments.ByteOrder) []any {
	t.Helper()
	m := &Message{
		Type:      TypeMethodCall,
		Serial:    1,
		Path:      "/foo",
		Member:    "Bar",
		Signature: sigStr,
		Body:      body,
	}
	bs, _, err := MarshalMessage(context.Background(), order, m)
	if err != nil {
		t.Fatalf("MarshalMessage(%q) failed: %v", sigStr, err)
	}
	got, err := UnmarshalMessage(context.Background(), bs)
	if err != nil {
		t.Fatalf("UnmarshalMessage of %q round trip failed: %v", sigStr, err)
	}
	return got.Body
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		sig    string
		body   []any
		want   []any // defaults to body if nil
	}{
		{name: "bool", sig: "b", body: []any{true}},
		{name: "byte", sig: "y", body: []any{byte(42)}},
		{name: "int16", sig: "n", body: []any{int16(-1234)}},
		{name: "uint16", sig: "q", body: []any{uint16(1234)}},
		{name: "int32", sig: "i", body: []any{int32(-123456)}},
		{name: "uint32", sig: "u", body: []any{uint32(123456)}},
		{name: "int64", sig: "x", body: []any{int64(-123456789012)}},
		{name: "uint64", sig: "t", body: []any{uint64(123456789012)}},
		{name: "float64", sig: "d", body: []any{float64(-4.2)}},
		{name: "string", sig: "s", body: []any{"hello world"}},
		{name: "object path", sig: "o", body: []any{ObjectPath("/foo/bar")}},
		{name: "signature", sig: "g", body: []any{Signature("a{sv}")}},
		{name: "byte array", sig: "ay", body: []any{[]byte("raw bytes")}},
		{
			name: "string array",
			sig:  "as",
			body: []any{[]string{"fo", "obar", ""}},
			want: []any{[]any{"fo", "obar", ""}},
		},
		{
			name: "nested array",
			sig:  "aas",
			body: []any{[][]string{{"fo", "obar"}, {"qux"}}},
			want: []any{[]any{[]any{"fo", "obar"}, []any{"qux"}}},
		},
		{
			name: "struct",
			sig:  "(nb)",
			body: []any{[]any{int16(42), true}},
		},
		{
			name: "dict",
			sig:  "a{sv}",
			body: []any{map[any]any{
				"foo": mustVariant(t, "bar"),
				"baz": mustVariant(t, int32(3)),
			}},
		},
		{
			name: "variant",
			sig:  "v",
			body: []any{mustVariant(t, uint32(7))},
		},
		{
			name: "multi",
			sig:  "sib",
			body: []any{"multi", int32(-9), false},
		},
	}

	for _, order := range []fragments.ByteOrder{fragments.BigEndian, fragments.LittleEndian} {
		for _, tc := range tests {
			t.Run(tc.name+"/"+order.String(), func(t *testing.T) {
				want := tc.want
				if want == nil {
					want = tc.body
				}
				got := roundTrip(t, tc.sig, tc.body, order)
				if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b Variant) bool {
					return cmp.Equal(a.Value(), b.Value())
				})); diff != "" {
					t.Errorf("round trip of %q changed value (-want +got):\n%s", tc.sig, diff)
				}
			})
		}
	}
}

func TestMarshalArrayDictKeyOrderDeterministic(t *testing.T) {
	m := map[any]any{
		"zebra": mustVariant(t, int32(1)),
		"apple": mustVariant(t, int32(2)),
		"mango": mustVariant(t, int32(3)),
	}
	m2 := map[any]any{
		"mango": mustVariant(t, int32(3)),
		"apple": mustVariant(t, int32(2)),
		"zebra": mustVariant(t, int32(1)),
	}

	enc := func(v map[any]any) []byte {
		msg := &Message{
			Type: TypeMethodCall, Serial: 1, Path: "/foo", Member: "Bar",
			Signature: "a{sv}", Body: []any{v},
		}
		bs, _, err := MarshalMessage(context.Background(), fragments.BigEndian, msg)
		if err != nil {
			t.Fatalf("MarshalMessage failed: %v", err)
		}
		return bs
	}

	a, b := enc(m), enc(m2)
	if string(a) != string(b) {
		t.Error("marshalling the same dict contents in different insertion order produced different wire bytes")
	}
}

func TestMarshalInvalidMessage(t *testing.T) {
	m := &Message{Type: TypeMethodCall, Serial: 1}
	if _, _, err := MarshalMessage(context.Background(), fragments.BigEndian, m); err == nil {
		t.Error("expected error marshalling METHOD_CALL without Path/Member, got nil")
	}
}

func TestMarshalCustomMarshaler(t *testing.T) {
	sig := mustSignatureFor[SelfMarshalerVal]()
	// marshalDBus runs against a freshly-zeroed encoder, so its Pad(3)
	// is a no-op and the output is just the two bytes it writes.
	want := []byte{0, 6}

	e := &fragments.Encoder{Order: fragments.BigEndian}
	if err := MarshalValue(context.Background(), e, sig, reflect.ValueOf(SelfMarshalerVal{B: 5})); err != nil {
		t.Fatalf("marshalling value receiver custom marshaler: %v", err)
	}
	if !reflect.DeepEqual(e.Out, want) {
		t.Errorf("SelfMarshalerVal.marshalDBus wrote %v, want %v", e.Out, want)
	}

	e = &fragments.Encoder{Order: fragments.BigEndian}
	if err := MarshalValue(context.Background(), e, sig, reflect.ValueOf(&SelfMarshalerPtr{B: 5}).Elem()); err != nil {
		t.Fatalf("marshalling pointer receiver custom marshaler: %v", err)
	}
	if !reflect.DeepEqual(e.Out, want) {
		t.Errorf("SelfMarshalerPtr.marshalDBus wrote %v, want %v", e.Out, want)
	}
}

func TestMarshalEmbeddedStruct(t *testing.T) {
	sig := mustSignatureFor[Embedded]()
	if got, want := sig.String(), "(nby)"; got != want {
		t.Fatalf("SignatureFor[Embedded]() = %q, want %q", got, want)
	}

	e := &fragments.Encoder{Order: fragments.BigEndian}
	v := Embedded{Simple: Simple{A: 42, B: true}, C: 7}
	if err := MarshalValue(context.Background(), e, sig, reflect.ValueOf(v)); err != nil {
		t.Fatalf("marshalling embedded struct: %v", err)
	}

	// Struct() starts 8-byte aligned; A (int16) takes 2 bytes, B (bool,
	// widened to uint32) pads to a 4-byte boundary then takes 4, C
	// (byte) takes 1 with no trailing padding.
	want := []byte{0, 42, 0, 0, 0, 0, 0, 1, 7}
	if !reflect.DeepEqual(e.Out, want) {
		t.Errorf("Embedded marshalled to %v, want %v", e.Out, want)
	}
}
