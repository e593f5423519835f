package dbus

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
)

// Type codes, per the DBus specification's signature grammar. 'r'
// and 'e' are reserved codes for "struct" and "dict entry" but never
// appear in a wire signature on their own: structs are always
// spelled with '(' ')' and dict entries with '{' '}'.
const (
	codeByte      = 'y'
	codeBool      = 'b'
	codeInt16     = 'n'
	codeUint16    = 'q'
	codeInt32     = 'i'
	codeUint32    = 'u'
	codeInt64     = 'x'
	codeUint64    = 't'
	codeDouble    = 'd'
	codeString    = 's'
	codeObjPath   = 'o'
	codeSignature = 'g'
	codeUnixFD    = 'h'
	codeArray     = 'a'
	codeStruct    = '('
	codeStructEnd = ')'
	codeVariant   = 'v'
	codeDictEntry = '{'
	codeDictEnd   = '}'
)

const (
	maxDepth  = 32
	maxLength = 255
)

// SignatureNode is one node of a parsed DBus type signature. Container
// nodes ('a', '(', '{') own children; all other codes are leaves.
type SignatureNode struct {
	Code     byte
	Children []*SignatureNode
}

// Alignment returns the DBus wire alignment of this node, in bytes.
func (n *SignatureNode) Alignment() int {
	switch n.Code {
	case codeByte, codeSignature:
		return 1
	case codeInt16, codeUint16:
		return 2
	case codeBool, codeInt32, codeUint32, codeString, codeObjPath, codeUnixFD, codeArray:
		return 4
	case codeInt64, codeUint64, codeDouble, codeStruct, codeDictEntry:
		return 8
	case codeVariant:
		return 1
	default:
		return 1
	}
}

// Fixed reports whether every value matching this node has the same
// marshalled size (true for basic numeric types and structs whose
// children are all fixed; false for strings, arrays, and variants).
func (n *SignatureNode) Fixed() bool {
	switch n.Code {
	case codeString, codeObjPath, codeSignature, codeArray, codeVariant:
		return false
	case codeStruct, codeDictEntry:
		for _, c := range n.Children {
			if !c.Fixed() {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// IsBasic reports whether this node is a basic (non-container,
// non-variant) type, i.e. valid as a dict-entry key.
func (n *SignatureNode) IsBasic() bool {
	switch n.Code {
	case codeByte, codeBool, codeInt16, codeUint16, codeInt32, codeUint32,
		codeInt64, codeUint64, codeDouble, codeString, codeObjPath,
		codeSignature, codeUnixFD:
		return true
	default:
		return false
	}
}

// String renders the node back into its signature spelling.
func (n *SignatureNode) String() string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *SignatureNode) write(b *strings.Builder) {
	switch n.Code {
	case codeArray:
		b.WriteByte(codeArray)
		n.Children[0].write(b)
	case codeStruct:
		b.WriteByte(codeStruct)
		for _, c := range n.Children {
			c.write(b)
		}
		b.WriteByte(codeStructEnd)
	case codeDictEntry:
		b.WriteByte(codeDictEntry)
		n.Children[0].write(b)
		n.Children[1].write(b)
		b.WriteByte(codeDictEnd)
	default:
		b.WriteByte(n.Code)
	}
}

// SignatureString renders a list of top-level nodes as a single
// signature string.
func SignatureString(nodes []*SignatureNode) string {
	var b strings.Builder
	for _, n := range nodes {
		n.write(&b)
	}
	return b.String()
}

var sigCache sync.Map // string -> []*SignatureNode

// ParseSignature parses s into a list of top-level type trees. An
// empty string is valid and yields an empty list.
func ParseSignature(s string) ([]*SignatureNode, error) {
	if cached, ok := sigCache.Load(s); ok {
		return cached.([]*SignatureNode), nil
	}
	if len(s) > maxLength {
		return nil, fmt.Errorf("%w: signature %q exceeds %d bytes", ErrInvalidSignature, s, maxLength)
	}
	p := &sigParser{s: s}
	nodes, err := p.parseTop()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sigCache.Store(s, nodes)
	return nodes, nil
}

type sigParser struct {
	s   string
	pos int
}

func (p *sigParser) parseTop() ([]*SignatureNode, error) {
	var nodes []*SignatureNode
	for p.pos < len(p.s) {
		n, err := p.parseOne(0)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (p *sigParser) parseOne(depth int) (*SignatureNode, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("nesting depth exceeds %d", maxDepth)
	}
	if p.pos >= len(p.s) {
		return nil, fmt.Errorf("unexpected end of signature")
	}
	c := p.s[p.pos]
	p.pos++
	switch c {
	case codeByte, codeBool, codeInt16, codeUint16, codeInt32, codeUint32,
		codeInt64, codeUint64, codeDouble, codeString, codeObjPath,
		codeSignature, codeUnixFD, codeVariant:
		return &SignatureNode{Code: c}, nil
	case codeArray:
		elem, err := p.parseOne(depth + 1)
		if err != nil {
			return nil, fmt.Errorf("parsing array element: %w", err)
		}
		return &SignatureNode{Code: codeArray, Children: []*SignatureNode{elem}}, nil
	case codeStruct:
		var children []*SignatureNode
		for {
			if p.pos >= len(p.s) {
				return nil, fmt.Errorf("unterminated struct")
			}
			if p.s[p.pos] == codeStructEnd {
				p.pos++
				break
			}
			child, err := p.parseOne(depth + 1)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("struct must have at least one field")
		}
		return &SignatureNode{Code: codeStruct, Children: children}, nil
	case codeDictEntry:
		key, err := p.parseOne(depth + 1)
		if err != nil {
			return nil, fmt.Errorf("parsing dict-entry key: %w", err)
		}
		if !key.IsBasic() {
			return nil, fmt.Errorf("dict-entry key must be a basic type, got %q", key.Code)
		}
		val, err := p.parseOne(depth + 1)
		if err != nil {
			return nil, fmt.Errorf("parsing dict-entry value: %w", err)
		}
		if p.pos >= len(p.s) || p.s[p.pos] != codeDictEnd {
			return nil, fmt.Errorf("dict-entry must have exactly two children")
		}
		p.pos++
		return &SignatureNode{Code: codeDictEntry, Children: []*SignatureNode{key, val}}, nil
	case codeDictEnd, codeStructEnd:
		return nil, fmt.Errorf("unexpected %q outside matching open", c)
	default:
		return nil, fmt.Errorf("unknown type code %q", c)
	}
}

// signatureForType derives a SignatureNode tree from a Go type via
// reflection, the same technique the teacher's SignatureFor[T] uses,
// generalized to produce the tree type this package uses everywhere
// else instead of a flat signature string.
func signatureForType(t reflect.Type) (*SignatureNode, error) {
	return signatureForTypeDepth(t, 0)
}

func signatureForTypeDepth(t reflect.Type, depth int) (*SignatureNode, error) {
	if t == nil {
		return nil, typeErr("nil", "a nil value has no DBus type")
	}
	if depth > maxDepth {
		return nil, typeErr(t.String(), "type nesting exceeds %d levels", maxDepth)
	}
	if cached, ok := typeSigCache.Load(t); ok {
		return cached.(*SignatureNode), nil
	}
	n, err := signatureForTypeUncached(t, depth)
	if err != nil {
		return nil, err
	}
	typeSigCache.Store(t, n)
	return n, nil
}

var typeSigCache sync.Map // reflect.Type -> *SignatureNode

func signatureForTypeUncached(t reflect.Type, depth int) (*SignatureNode, error) {
	if t == reflect.TypeFor[*os.File]() {
		return &SignatureNode{Code: codeUnixFD}, nil
	}
	if t.Kind() != reflect.Pointer {
		if m, ok := reflect.New(t).Interface().(dbusSignatureProvider); ok {
			return m.SignatureDBus(), nil
		}
	}

	switch t.Kind() {
	case reflect.Pointer:
		return signatureForTypeDepth(t.Elem(), depth+1)
	case reflect.Bool:
		return &SignatureNode{Code: codeBool}, nil
	case reflect.Uint8:
		return &SignatureNode{Code: codeByte}, nil
	case reflect.Int16:
		return &SignatureNode{Code: codeInt16}, nil
	case reflect.Uint16:
		return &SignatureNode{Code: codeUint16}, nil
	case reflect.Int32, reflect.Int:
		return &SignatureNode{Code: codeInt32}, nil
	case reflect.Uint32, reflect.Uint:
		return &SignatureNode{Code: codeUint32}, nil
	case reflect.Int64:
		return &SignatureNode{Code: codeInt64}, nil
	case reflect.Uint64:
		return &SignatureNode{Code: codeUint64}, nil
	case reflect.Float64, reflect.Float32:
		return &SignatureNode{Code: codeDouble}, nil
	case reflect.String:
		return &SignatureNode{Code: codeString}, nil
	case reflect.Interface:
		return &SignatureNode{Code: codeVariant}, nil
	case reflect.Slice, reflect.Array:
		elem, err := signatureForTypeDepth(t.Elem(), depth+1)
		if err != nil {
			return nil, err
		}
		return &SignatureNode{Code: codeArray, Children: []*SignatureNode{elem}}, nil
	case reflect.Map:
		key, err := signatureForTypeDepth(t.Key(), depth+1)
		if err != nil {
			return nil, err
		}
		if !key.IsBasic() {
			return nil, typeErr(t.String(), "map key type is not a basic DBus type")
		}
		val, err := signatureForTypeDepth(t.Elem(), depth+1)
		if err != nil {
			return nil, err
		}
		entry := &SignatureNode{Code: codeDictEntry, Children: []*SignatureNode{key, val}}
		return &SignatureNode{Code: codeArray, Children: []*SignatureNode{entry}}, nil
	case reflect.Struct:
		var children []*SignatureNode
		for i := range t.NumField() {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			if tag := f.Tag.Get("dbus"); tag == "vardict" || tag == "ignore" {
				continue
			}
			fn, err := signatureForTypeDepth(f.Type, depth+1)
			if err != nil {
				return nil, err
			}
			if f.Anonymous && f.Type.Kind() == reflect.Struct {
				children = append(children, fn.Children...)
				continue
			}
			children = append(children, fn)
		}
		if len(children) == 0 {
			return nil, typeErr(t.String(), "struct has no DBus-representable fields")
		}
		return &SignatureNode{Code: codeStruct, Children: children}, nil
	default:
		return nil, typeErr(t.String(), "type has no DBus representation")
	}
}

// dbusSignatureProvider is implemented by types that know their own
// wire signature (ObjectPath, Signature, File, Variant, ...).
type dbusSignatureProvider interface {
	SignatureDBus() *SignatureNode
}

// SignatureFor derives the wire signature tree for a Go type.
func SignatureFor[T any]() (*SignatureNode, error) {
	return signatureForType(reflect.TypeFor[T]())
}

// SignatureOf derives the wire signature tree for a Go value.
func SignatureOf(v any) (*SignatureNode, error) {
	return signatureForType(reflect.TypeOf(v))
}

// Signature is the DBus 'g' type: a signature string value, distinct
// from SignatureNode which is this package's parsed-tree
// representation used everywhere else.
type Signature string

func (Signature) SignatureDBus() *SignatureNode { return &SignatureNode{Code: codeSignature} }

// Nodes parses the signature string into its top-level type trees.
func (s Signature) Nodes() ([]*SignatureNode, error) { return ParseSignature(string(s)) }

// Type returns the dynamic Go type that values matching this
// signature decode to, per [Unmarshaller]'s body decoding rules: a
// single basic type for basic signatures, []any for arrays and
// structs, map[any]any for dict entries, and [Variant] for 'v'. It is
// used by introspection pretty-printers and code generators that need
// a Go spelling for a wire signature; it is not used by the
// marshal/unmarshal codec itself, which dispatches on the
// [SignatureNode] tree directly.
//
// s must hold exactly one complete top-level type.
func (s Signature) Type() reflect.Type {
	nodes, err := ParseSignature(string(s))
	if err != nil || len(nodes) != 1 {
		return reflect.TypeFor[any]()
	}
	return nodes[0].GoType()
}

// GoType returns the dynamic Go type that values matching n decode
// to. See [Signature.Type].
func (n *SignatureNode) GoType() reflect.Type {
	switch n.Code {
	case codeByte:
		return reflect.TypeFor[byte]()
	case codeBool:
		return reflect.TypeFor[bool]()
	case codeInt16:
		return reflect.TypeFor[int16]()
	case codeUint16:
		return reflect.TypeFor[uint16]()
	case codeInt32:
		return reflect.TypeFor[int32]()
	case codeUint32:
		return reflect.TypeFor[uint32]()
	case codeInt64:
		return reflect.TypeFor[int64]()
	case codeUint64:
		return reflect.TypeFor[uint64]()
	case codeDouble:
		return reflect.TypeFor[float64]()
	case codeString:
		return reflect.TypeFor[string]()
	case codeObjPath:
		return reflect.TypeFor[ObjectPath]()
	case codeSignature:
		return reflect.TypeFor[Signature]()
	case codeUnixFD:
		return reflect.TypeFor[File]()
	case codeVariant:
		return reflect.TypeFor[Variant]()
	case codeArray:
		if n.Children[0].Code == codeByte {
			return reflect.TypeFor[[]byte]()
		}
		if n.Children[0].Code == codeDictEntry {
			return reflect.TypeFor[map[any]any]()
		}
		return reflect.TypeFor[[]any]()
	case codeStruct:
		return reflect.TypeFor[[]any]()
	default:
		return reflect.TypeFor[any]()
	}
}
