package dbus

import (
	"os"
	"reflect"
	"testing"
)

func TestSignatureOf(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{byte(0), "y"},
		{bool(false), "b"},
		{int16(0), "n"},
		{uint16(0), "q"},
		{int32(0), "i"},
		{uint32(0), "u"},
		{int64(0), "x"},
		{uint64(0), "t"},
		{float64(0), "d"},
		{string(""), "s"},
		{Signature(""), "g"},
		{ObjectPath(""), "o"},
		{(*os.File)(nil), "h"},
		{[]string{}, "as"},
		{[4]byte{}, "ay"},
		{[][]string{}, "aas"},
		{map[string]int64{}, "a{sx}"},
		{Simple{}, "(nb)"},
		{[]Simple{}, "a(nb)"},
		{Nested{}, "(y(nb))"},
		{[]Nested{}, "a(y(nb))"},
		{Embedded{}, "(nby)"},
		{EmbeddedShadow{}, "(nby)"},
		{Arrays{}, "(asa(nb)aa(y(nb)))"},
		{ptr(any(int16(0))), "v"},
		{struct{ A any }{int16(0)}, "(v)"},
		{struct{}{}, ""},

		{},
		{Tree{}, ""},
		{map[Simple]bool{}, ""},
		{map[[2]int64]bool{}, ""},
		{map[any]bool{}, ""},
		{func() int { return 2 }, ""},
	}

	for _, tc := range tests {
		gotSig, err := SignatureOf(tc.in)
		gotErr := err != nil
		wantErr := tc.want == ""
		if gotErr != wantErr {
			wanted := "no error"
			if wantErr {
				wanted = "error"
			}
			t.Errorf("SignatureOf(%T) got err %v, want %s", tc.in, err, wanted)
		}
		if got := gotSig.String(); got != tc.want {
			t.Errorf("SignatureOf(%T).String() = %q, want %q", tc.in, got, tc.want)
		} else if testing.Verbose() {
			t.Logf("SignatureOf(%T).String() = %q, err=%v", tc.in, got, err)
		}
	}
}

func TestParseSignature(t *testing.T) {
	// want reflects what Unmarshal actually produces for each
	// signature: basic types decode to their Go kind, arrays/structs
	// decode to []any (except byte arrays, which decode to []byte),
	// dict-entry arrays decode to map[any]any, and variants decode to
	// [Variant] itself rather than the wrapped value's type.
	tests := []struct {
		in      string
		want    reflect.Type
		wantErr bool
	}{
		{"y", reflect.TypeFor[byte](), false},
		{"b", reflect.TypeFor[bool](), false},
		{"n", reflect.TypeFor[int16](), false},
		{"q", reflect.TypeFor[uint16](), false},
		{"i", reflect.TypeFor[int32](), false},
		{"u", reflect.TypeFor[uint32](), false},
		{"x", reflect.TypeFor[int64](), false},
		{"t", reflect.TypeFor[uint64](), false},
		{"d", reflect.TypeFor[float64](), false},
		{"s", reflect.TypeFor[string](), false},
		{"g", reflect.TypeFor[Signature](), false},
		{"o", reflect.TypeFor[ObjectPath](), false},
		{"h", reflect.TypeFor[File](), false},
		{"as", reflect.TypeFor[[]any](), false},
		{"ay", reflect.TypeFor[[]byte](), false},
		{"aas", reflect.TypeFor[[]any](), false},
		{"a{sx}", reflect.TypeFor[map[any]any](), false},
		{"(nb)", reflect.TypeFor[[]any](), false},
		{"a(nb)", reflect.TypeFor[[]any](), false},
		{"(y(nb))", reflect.TypeFor[[]any](), false},
		{"a(y(nb))", reflect.TypeFor[[]any](), false},
		{"(nby)", reflect.TypeFor[[]any](), false},
		{"(ny)", reflect.TypeFor[[]any](), false},
		{"(asa(nb)aa(y(nb)))", reflect.TypeFor[[]any](), false},
		{"v", reflect.TypeFor[Variant](), false},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			nodes, gotErr := ParseSignature(tc.in)
			if gotErr != nil {
				if tc.wantErr {
					return
				}
				t.Errorf("ParseSignature(%q) got err %v", tc.in, gotErr)
				return
			}
			if len(nodes) != 1 {
				t.Fatalf("ParseSignature(%q) returned %d top-level types, want 1", tc.in, len(nodes))
			}
			got := nodes[0]
			if gotType := got.GoType(); !reflect.DeepEqual(gotType, tc.want) {
				t.Errorf("ParseSignature(%q) got %s, want %s", tc.in, gotType, tc.want)
			}

			if gotStr := got.String(); gotStr != tc.in {
				t.Errorf("ParseSignature(%q).String() = %q, want %q", tc.in, gotStr, tc.in)
			}
		})
	}
}
