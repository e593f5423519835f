package dbus

import "fmt"

// MessageType is the type of a DBus message. Grounded on the
// teacher's header.go msgType, renamed to match this package's
// exported Message type.
type MessageType byte

const (
	TypeMethodCall   MessageType = 1
	TypeMethodReturn MessageType = 2
	TypeError        MessageType = 3
	TypeSignal       MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "METHOD_CALL"
	case TypeMethodReturn:
		return "METHOD_RETURN"
	case TypeError:
		return "ERROR"
	case TypeSignal:
		return "SIGNAL"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// Flags is the message flags bitmask.
type Flags byte

const (
	FlagNoReplyExpected Flags = 1 << 0
	FlagNoAutoStart     Flags = 1 << 1
	FlagAllowInteractiveAuth Flags = 1 << 2
)

// Header field keys, per the DBus wire format's a(yv) header-fields
// array.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

const protocolVersion = 1

// maxMessageLength is the 2^27 byte ceiling on a single DBus message
// (header + body), per the wire format.
const maxMessageLength = 1 << 27

// Message is this package's canonical, in-memory representation of a
// DBus message: header fields plus an unmarshalled body. Grounded on
// the teacher's header.go struct, with the header fields flattened
// into named Go fields instead of a struct-tag-driven vardict (this
// package has no struct-tag vardict machinery; the header has a small
// fixed field set known entirely at compile time).
type Message struct {
	Type   MessageType
	Flags  Flags
	Serial uint32

	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   string
	NumFDs      uint32

	// Unknown collects header fields this package doesn't recognize,
	// keyed by their wire field code.
	Unknown map[uint8]Variant

	// Body is the ordered list of unmarshalled body values, one per
	// top-level type in Signature.
	Body []any

	// UnixFDs holds the file descriptors attached to this message, in
	// the order they're referenced by 'h'-typed body values. Received
	// messages transfer ownership of these descriptors to the
	// receiver, who must close them.
	UnixFDs []File
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// CanInteract reports whether the message's sender is prepared to
// wait for an interactive authorization prompt.
func (m *Message) CanInteract() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagAllowInteractiveAuth != 0
}

// Valid checks the header against the required-fields matrix for its
// message type (spec's literal matrix, not the stricter checks some
// implementations also apply — see DESIGN.md).
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return fmt.Errorf("%w: message has zero Serial", ErrInvalidMessage)
	}
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" || m.Member == "" {
			return fmt.Errorf("%w: METHOD_CALL requires Path and Member", ErrInvalidMessage)
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return fmt.Errorf("%w: METHOD_RETURN requires ReplySerial", ErrInvalidMessage)
		}
	case TypeError:
		if m.ReplySerial == 0 || m.ErrorName == "" {
			return fmt.Errorf("%w: ERROR requires ReplySerial and ErrorName", ErrInvalidMessage)
		}
	case TypeSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return fmt.Errorf("%w: SIGNAL requires Path, Interface and Member", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown message type %d", ErrInvalidMessage, m.Type)
	}
	return nil
}

// NewMethodCall builds a METHOD_CALL message. Serial is left zero;
// the caller must set it before the message is marshalled.
func NewMethodCall(destination string, path ObjectPath, iface, member string, body ...any) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Body:        body,
	}
}

// NewMethodReturn builds a METHOD_RETURN message replying to call.
func NewMethodReturn(call *Message, body ...any) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		Destination: call.Sender,
		ReplySerial: call.Serial,
		Body:        body,
	}
}

// NewError builds an ERROR message replying to call.
func NewError(call *Message, name string, detail string) *Message {
	var body []any
	if detail != "" {
		body = []any{detail}
	}
	return &Message{
		Type:        TypeError,
		Destination: call.Sender,
		ReplySerial: call.Serial,
		ErrorName:   name,
		Body:        body,
	}
}

// NewSignal builds a SIGNAL message.
func NewSignal(path ObjectPath, iface, member string, body ...any) *Message {
	return &Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      body,
	}
}
