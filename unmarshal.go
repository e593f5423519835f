package dbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/halfbit/dbus/fragments"
)

// errNeedMore is the internal sentinel a cursor read returns when the
// buffer doesn't yet hold enough bytes to satisfy the read. Grounded
// on original_source/dbus_next/_private/unmarshaller.py's
// MarshallerStreamEndError: rather than blocking on an io.Reader like
// the teacher's fragments.Decoder, this package's top-level
// Unmarshaller buffers whatever bytes have arrived so far and raises
// this sentinel internally to unwind back to the caller, who is told
// to feed more bytes and retry rather than being blocked on I/O.
var errNeedMore = errors.New("dbus: need more bytes")

// Unmarshaller incrementally decodes a stream of DBus messages from
// successive byte chunks, without blocking for I/O itself. Callers
// (typically a Conn's read loop) feed it bytes as they arrive from
// the transport and call Next after each feed; Next returns a decoded
// Message once a complete one is buffered, or (nil, nil) if more
// bytes are needed.
type Unmarshaller struct {
	order fragments.ByteOrder
	buf   []byte

	// GetFiles, if set, is called with a message's UNIX_FDS header
	// value once a message's header fields are fully decoded, to
	// retrieve the file descriptors that arrived alongside it before
	// decoding a body that may reference them via 'h'-typed values.
	// A Conn's read loop wires this to its transport's GetFiles.
	GetFiles func(n int) ([]*os.File, error)
}

// NewUnmarshaller returns an Unmarshaller with an empty input buffer.
func NewUnmarshaller() *Unmarshaller {
	return &Unmarshaller{}
}

// Feed appends newly-received bytes to the Unmarshaller's internal
// buffer. It never blocks and never fails: invalid data is only
// diagnosed once Next tries to decode a message from it.
func (u *Unmarshaller) Feed(chunk []byte) {
	u.buf = append(u.buf, chunk...)
}

// Buffered reports how many bytes are currently held, undecoded.
func (u *Unmarshaller) Buffered() int {
	return len(u.buf)
}

// Next attempts to decode one complete Message from the buffered
// bytes. ctx should carry the file descriptors (via withContextFiles)
// that arrived alongside the buffered bytes, if any 'h'-typed fields
// might appear in the message body.
//
// If the buffer doesn't yet hold a complete message, Next returns
// (nil, nil): the caller should Feed more bytes and retry. If the
// buffer holds a malformed message, Next returns a non-nil error;
// the Unmarshaller's buffer is left untouched in both cases so the
// caller can decide how to recover (for a malformed message, typically
// by disconnecting).
func (u *Unmarshaller) Next(ctx context.Context) (*Message, error) {
	c := &cursor{buf: u.buf}
	m, err := u.decodeMessage(ctx, c)
	if errors.Is(err, errNeedMore) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.buf = u.buf[c.pos:]
	return m, nil
}

// cursor is a forward-only read position over a byte slice that is
// never grown; every read checks availability first and panics with
// errNeedMore (caught by decodeMessage's recover) when the slice runs
// out, rather than blocking.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) need(n int) {
	if len(c.buf)-c.pos < n {
		panic(errNeedMore)
	}
}

func (c *cursor) align(n int) {
	pad := (n - c.pos%n) % n
	c.need(pad)
	c.pos += pad
}

func (c *cursor) take(n int) []byte {
	c.need(n)
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *cursor) u8() uint8 {
	return c.take(1)[0]
}

func (c *cursor) u16(order fragments.ByteOrder) uint16 {
	c.align(2)
	return order.Uint16(c.take(2))
}

func (c *cursor) u32(order fragments.ByteOrder) uint32 {
	c.align(4)
	return order.Uint32(c.take(4))
}

func (c *cursor) u64(order fragments.ByteOrder) uint64 {
	c.align(8)
	return order.Uint64(c.take(8))
}

func (c *cursor) str(order fragments.ByteOrder) string {
	n := c.u32(order)
	s := string(c.take(int(n)))
	c.take(1) // trailing NUL
	return s
}

func (c *cursor) sig() string {
	n := c.u8()
	s := string(c.take(int(n)))
	c.take(1) // trailing NUL
	return s
}

// decodeMessage recovers errNeedMore and malformed-input panics raised
// by the cursor and turns them back into ordinary error returns, so
// the rest of this file can read fields unconditionally instead of
// threading an error return through every cursor access — mirroring
// how unmarshaller.py lets MarshallerStreamEndError and struct.error
// propagate as exceptions up to unmarshall()'s single catch site.
func (u *Unmarshaller) decodeMessage(ctx context.Context, c *cursor) (m *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	endianByte := c.u8()
	var order fragments.ByteOrder
	switch endianByte {
	case 'l':
		order = fragments.LittleEndian
	case 'B':
		order = fragments.BigEndian
	default:
		return nil, fmt.Errorf("%w: invalid endianness byte %q", ErrInvalidMessage, endianByte)
	}

	msg := &Message{
		Type:   MessageType(c.u8()),
		Flags:  Flags(c.u8()),
		Unknown: map[uint8]Variant{},
	}
	if v := c.u8(); v != protocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrInvalidMessage, v)
	}
	bodyLen := c.u32(order)
	msg.Serial = c.u32(order)

	fieldsLen := c.u32(order)
	fieldsEnd := c.pos + int(fieldsLen)

	// Reject an oversized message before buffering any further, per
	// spec: 12 bytes of fixed header + the 4-byte fields-array length
	// + the fields themselves + padding to the next 8-byte boundary +
	// the body. c.pos is already 16 here (the fixed header plus the
	// fields-length field just read), so this is the same total with
	// c.pos standing in for the literal 12+4. Checked against the
	// declared lengths rather than c.need's buffered-byte count, so a
	// corrupt or hostile bodyLen/fieldsLen fails fast instead of
	// growing the buffer without bound while waiting for bytes that
	// may never come.
	padding := (8 - (fieldsEnd % 8)) % 8
	if total := fieldsEnd + padding + int(bodyLen); total > maxMessageLength {
		return nil, fmt.Errorf("%w: message size %d exceeds maximum %d", ErrInvalidMessage, total, maxMessageLength)
	}

	c.need(int(fieldsLen))
	for c.pos < fieldsEnd {
		c.align(8)
		code := c.u8()
		sigStr := c.sig()
		nodes, err := ParseSignature(sigStr)
		if err != nil || len(nodes) != 1 {
			return nil, fmt.Errorf("%w: header field %d has invalid variant signature %q", ErrInvalidMessage, code, sigStr)
		}
		c.align(nodes[0].Alignment())
		val, err := decodeValue(ctx, c, order, nodes[0])
		if err != nil {
			return nil, err
		}
		switch code {
		case fieldPath:
			msg.Path = val.(ObjectPath)
		case fieldInterface:
			msg.Interface = val.(string)
		case fieldMember:
			msg.Member = val.(string)
		case fieldErrorName:
			msg.ErrorName = val.(string)
		case fieldReplySerial:
			msg.ReplySerial = val.(uint32)
		case fieldDestination:
			msg.Destination = val.(string)
		case fieldSender:
			msg.Sender = val.(string)
		case fieldSignature:
			msg.Signature = string(val.(Signature))
		case fieldUnixFDs:
			msg.NumFDs = val.(uint32)
		default:
			vv, err := NewVariantOf(nodes[0], val)
			if err != nil {
				return nil, err
			}
			msg.Unknown[code] = vv
		}
	}
	c.pos = fieldsEnd
	c.align(8)

	if msg.NumFDs > 0 && u.GetFiles != nil {
		files, err := u.GetFiles(int(msg.NumFDs))
		if err != nil {
			return nil, fmt.Errorf("%w: retrieving %d attached file descriptors: %v", ErrInvalidMessage, msg.NumFDs, err)
		}
		msg.UnixFDs = wrapFiles(files)
		ctx = withContextFiles(ctx, files)
	}

	c.need(int(bodyLen))
	bodyNodes, err := ParseSignature(msg.Signature)
	if err != nil {
		return nil, err
	}
	for _, node := range bodyNodes {
		val, err := decodeValue(ctx, c, order, node)
		if err != nil {
			return nil, err
		}
		msg.Body = append(msg.Body, val)
	}

	if err := msg.Valid(); err != nil {
		return nil, err
	}
	return msg, nil
}

// decodeValue reads one complete value of the type described by sig.
// It returns native Go values: basic types map to their matching Go
// kind, 'a' maps to []any (or map[any]any for a{..} dict entries),
// '(' maps to []any (positional, since the target struct type is
// unknown to a dynamic decoder), and 'v' maps to a [Variant].
func decodeValue(ctx context.Context, c *cursor, order fragments.ByteOrder, sig *SignatureNode) (any, error) {
	switch sig.Code {
	case codeByte:
		return c.u8(), nil
	case codeBool:
		v := c.u32(order)
		if v > 1 {
			return nil, fmt.Errorf("%w: invalid boolean value %d", ErrInvalidMessage, v)
		}
		return v != 0, nil
	case codeInt16:
		return int16(c.u16(order)), nil
	case codeUint16:
		return c.u16(order), nil
	case codeInt32:
		return int32(c.u32(order)), nil
	case codeUint32:
		return c.u32(order), nil
	case codeInt64:
		return int64(c.u64(order)), nil
	case codeUint64:
		return c.u64(order), nil
	case codeDouble:
		return math.Float64frombits(c.u64(order)), nil
	case codeString:
		return c.str(order), nil
	case codeObjPath:
		return ObjectPath(c.str(order)), nil
	case codeSignature:
		return Signature(c.sig()), nil
	case codeUnixFD:
		idx := c.u32(order)
		f, err := unmarshalFile(ctx, idx)
		if err != nil {
			return nil, err
		}
		return File{f}, nil
	case codeVariant:
		sigStr := c.sig()
		nodes, err := ParseSignature(sigStr)
		if err != nil || len(nodes) != 1 {
			return nil, fmt.Errorf("%w: invalid variant signature %q", ErrInvalidMessage, sigStr)
		}
		c.align(nodes[0].Alignment())
		inner, err := decodeValue(ctx, c, order, nodes[0])
		if err != nil {
			return nil, err
		}
		return NewVariantOf(nodes[0], inner)
	case codeArray:
		return decodeArray(ctx, c, order, sig)
	case codeStruct:
		c.align(8)
		out := make([]any, len(sig.Children))
		for i, child := range sig.Children {
			v, err := decodeValue(ctx, c, order, child)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: cannot unmarshal signature code %q", ErrInvalidSignature, sig.Code)
	}
}

func decodeArray(ctx context.Context, c *cursor, order fragments.ByteOrder, sig *SignatureNode) (any, error) {
	length := c.u32(order)
	if length > 64*1024*1024 {
		return nil, fmt.Errorf("%w: array length %d exceeds sanity limit", ErrInvalidMessage, length)
	}
	elem := sig.Children[0]
	c.align(elem.Alignment())

	if elem.Code == codeByte {
		return append([]byte(nil), c.take(int(length))...), nil
	}

	end := c.pos + int(length)
	c.need(int(length))

	if elem.Code == codeDictEntry {
		out := map[any]any{}
		for c.pos < end {
			c.align(8)
			k, err := decodeValue(ctx, c, order, elem.Children[0])
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(ctx, c, order, elem.Children[1])
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}

	var out []any
	for c.pos < end {
		v, err := decodeValue(ctx, c, order, elem)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func wrapFiles(fs []*os.File) []File {
	out := make([]File, len(fs))
	for i, f := range fs {
		out[i] = File{f}
	}
	return out
}

// UnmarshalMessage decodes exactly one complete message out of bs,
// requiring the whole message (and nothing else) to be present. It's
// a convenience wrapper around Unmarshaller for tests and for callers
// that already have a whole message buffered (e.g. dbustest).
func UnmarshalMessage(ctx context.Context, bs []byte) (*Message, error) {
	u := &Unmarshaller{buf: bs}
	m, err := u.Next(ctx)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: incomplete message", ErrInvalidMessage)
	}
	return m, nil
}
