package dbus

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/halfbit/dbus/fragments"
)

func TestNewVariant(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		wantSig string
		wantErr bool
	}{
		{name: "byte", in: byte(5), wantSig: "y"},
		{name: "bool", in: true, wantSig: "b"},
		{name: "uint16 slice", in: []uint16{1, 2, 3}, wantSig: "aq"},
		{name: "struct", in: Simple{A: 2, B: true}, wantSig: "(nb)"},
		{name: "unrepresentable", in: Tree{}, wantErr: true},
		{name: "func", in: func() {}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := NewVariant(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NewVariant(%#v) succeeded, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewVariant(%#v) failed: %v", tc.in, err)
			}
			if got := v.Signature().String(); got != tc.wantSig {
				t.Errorf("NewVariant(%#v).Signature() = %q, want %q", tc.in, got, tc.wantSig)
			}
			if got := v.Value(); !cmp.Equal(got, tc.in) {
				t.Errorf("NewVariant(%#v).Value() = %#v, want %#v", tc.in, got, tc.in)
			}
		})
	}
}

// TestNewVariantNested checks that boxing a Variant in another
// Variant keeps the outer value's signature at 'v', per the DBus rule
// that a variant may only carry a single complete type.
func TestNewVariantNested(t *testing.T) {
	inner, err := NewVariant(uint16(42))
	if err != nil {
		t.Fatalf("NewVariant(uint16) failed: %v", err)
	}
	outer, err := NewVariant(inner)
	if err != nil {
		t.Fatalf("NewVariant(Variant) failed: %v", err)
	}
	if got, want := outer.Signature().String(), "v"; got != want {
		t.Errorf("NewVariant(Variant{...}).Signature() = %q, want %q", got, want)
	}
	if got, ok := outer.Value().(Variant); !ok || !got.Equal(inner) {
		t.Errorf("NewVariant(Variant{...}).Value() = %#v, want %#v", outer.Value(), inner)
	}
}

func TestVariantEqual(t *testing.T) {
	a, _ := NewVariant(uint16(42))
	b, _ := NewVariant(uint16(42))
	c, _ := NewVariant(uint16(43))
	d, _ := NewVariant(int16(42))

	if !a.Equal(b) {
		t.Error("equal variants compared unequal")
	}
	if a.Equal(c) {
		t.Error("variants with different values compared equal")
	}
	if a.Equal(d) {
		t.Error("variants with different signatures compared equal")
	}
	if zero := (Variant{}); !zero.Equal(Variant{}) {
		t.Error("two zero Variants compared unequal")
	}
}

// TestMarshalUnmarshalVariant checks the wire encoding of a top-level
// variant body value by round-tripping it through a full message,
// confirming alignment and the trailing NUL-terminated signature
// string the format requires.
func TestMarshalUnmarshalVariant(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"byte", byte(5)},
		{"bool", true},
		{"uint16 slice", []uint16{1, 2, 3}},
		{"signature", Signature("(uu)")},
		{"struct", []any{int16(2), true}},
		{"nested variant", mustVariant(t, uint16(42))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := mustVariant(t, tc.in)
			m := &Message{
				Type: TypeMethodCall, Serial: 1, Path: "/foo", Member: "Bar",
				Signature: "v", Body: []any{v},
			}
			bs, _, err := MarshalMessage(context.Background(), fragments.BigEndian, m)
			if err != nil {
				t.Fatalf("MarshalMessage failed: %v", err)
			}
			got, err := UnmarshalMessage(context.Background(), bs)
			if err != nil {
				t.Fatalf("UnmarshalMessage round trip failed: %v", err)
			}
			if len(got.Body) != 1 {
				t.Fatalf("round trip produced %d body values, want 1", len(got.Body))
			}
			gotV, ok := got.Body[0].(Variant)
			if !ok {
				t.Fatalf("round trip body value is %T, want Variant", got.Body[0])
			}
			if !gotV.Equal(v) {
				t.Errorf("round trip changed variant: got %v, want %v", gotV, v)
			}
		})
	}
}
