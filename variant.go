package dbus

import "fmt"

// Variant is a tagged value carrying its own signature: the
// universal boxed type of DBus. Variants are immutable after
// construction; use [NewVariant] rather than the struct literal so
// the inner signature is always consistent with Value.
type Variant struct {
	sig   *SignatureNode
	value any
}

// NewVariant builds a Variant around value, deriving its signature by
// reflection. Returns an error if value has no DBus representation,
// or if value is itself a Variant whose inner signature is not a
// single complete type (variants may only box one complete type).
func NewVariant(value any) (Variant, error) {
	if inner, ok := value.(Variant); ok {
		// A variant boxing another variant is fine as long as the
		// inner variant itself already satisfies this invariant;
		// nothing extra to check here since inner was itself built by
		// NewVariant.
		return Variant{sig: &SignatureNode{Code: codeVariant}, value: inner}, nil
	}
	sig, err := SignatureOf(value)
	if err != nil {
		return Variant{}, err
	}
	return Variant{sig: sig, value: value}, nil
}

// NewVariantOf builds a Variant for value using an explicit
// signature, for cases where the signature can't be derived from
// value's Go type alone (e.g. a dynamically-typed map decoded from
// the wire).
func NewVariantOf(sig *SignatureNode, value any) (Variant, error) {
	if sig == nil {
		return Variant{}, fmt.Errorf("%w: nil signature for variant", ErrInvalidSignature)
	}
	return Variant{sig: sig, value: value}, nil
}

// Signature returns the variant's inner type.
func (v Variant) Signature() *SignatureNode { return v.sig }

// Value returns the variant's boxed value.
func (v Variant) Value() any { return v.value }

func (v Variant) String() string {
	return fmt.Sprintf("Variant(%s, %v)", v.sig, v.value)
}

// Equal reports whether v and o have the same signature and an equal
// value, per D-Bus variant equality semantics.
func (v Variant) Equal(o Variant) bool {
	if v.sig == nil || o.sig == nil {
		return v.sig == o.sig
	}
	if v.sig.String() != o.sig.String() {
		return false
	}
	return deepEqualValue(v.value, o.value)
}

func (Variant) SignatureDBus() *SignatureNode { return &SignatureNode{Code: codeVariant} }
