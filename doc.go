// Package dbus implements the DBus wire protocol and message bus
// client/server model: connecting and authenticating to a bus,
// calling and exporting methods, reading and writing properties, and
// sending and watching signals.
//
// # Values
//
// Message bodies are carried dynamically, as []any, rather than
// against caller-declared wire structs. Marshalling a value (via
// [MarshalMessage] and the request/response arguments passed to
// [ProxyInterface.Call] or a [Conn.Handle]/[ExportedInterface.Method]
// function) walks it by reflection:
//
// uint{8,16,32,64}, int{16,32,64}, float64, bool and string values
// encode to the corresponding DBus basic type.
//
// Array and slice values encode as DBus arrays. Nil slices encode the
// same as an empty slice.
//
// Struct values encode as DBus structs: each exported field is
// encoded in declaration order, according to its own type. Embedded
// struct fields are encoded as if their inner exported fields were
// fields of the outer struct, subject to the usual Go visibility
// rules. A field tagged `dbus:"ignore"` is skipped entirely.
//
// Map values encode as a DBus dictionary, i.e. an array of key/value
// pairs sorted by key for deterministic output. The map's key type
// must be a basic DBus type: uint{8,16,32,64}, int{16,32,64}, float64,
// bool, or string.
//
// Pointer values encode as the value pointed to; a nil pointer cannot
// be encoded and returns an error wrapping [ErrSignatureBodyMismatch].
//
// [Variant], [ObjectPath], [Signature], and [File] values encode to
// the corresponding DBus types via an internal marshalDBus hook; this
// hook is not exported, since the decode side always produces dynamic
// values rather than asking a type how to decode itself (see
// "Decoding" below).
//
// 'any' values encode as DBus variants; the interface's inner value
// must itself be a valid value by these rules.
//
// int and uint values encode as DBus int32 and uint32, and float32
// values as a DBus double.
//
// int8, uintptr, complex64, complex128, channel, and function values
// cannot be encoded; deriving a signature for one returns a
// [MarshalTypeError]. DBus cannot represent cyclic or recursive
// types; attempting to derive a signature for one fails the same way.
//
// # Decoding
//
// Unmarshalling always decodes into dynamic values first: booleans,
// fixed-width numbers, strings, [ObjectPath], [Signature], []any for
// arrays and structs, map[any]any for dictionaries, and [Variant] for
// variants. There is no per-type decode hook; a type cannot customize
// how it is read off the wire, only how a dynamic value already
// decoded from the wire is coerced into it.
//
// That coercion is [AssignValue] (for a single value) and
// [AssignBody] (for a whole message body): both accept the
// dynamically-decoded tree and a pointer to a caller-supplied target,
// and assign across the two following the same field-flattening rules
// as encoding. [ProxyInterface.Call]'s response parameter and the
// typed request values accepted by [Conn.Handle]/
// [ExportedInterface.Method] handlers go through AssignBody
// automatically.
//
// # Request and response flattening
//
// A method call's arguments and return values are not, in general,
// encoded as a single nested DBus struct. A non-nil, non-[]any,
// non-wire-custom struct value passed as a call's body or a handler's
// typed request/response is flattened: each exported field becomes
// its own top-level wire argument, in declaration order, the same way
// a DBus method's "in" and "out" argument lists are themselves flat.
// [Variant], [ObjectPath], [Signature], and [File] are never
// flattened this way, since they are themselves single wire values.
//
// # Vardicts
//
// Some DBus interfaces extend a fixed struct with an open-ended
// a{sv}-shaped tail of additional named values (the "vardict" idiom).
// This package represents that shape as an ordinary
// map[string]Variant field, populated and consumed by hand (see
// [PeerCredentials] for an example), rather than through struct tags
// that splice named fields into and out of a dictionary automatically.
//
// # Exporting objects
//
// [Conn.Export] attaches an [ExportedInterface], built with
// [NewInterface], to an object path, making its methods, properties
// and signals dispatchable to incoming callers. [Conn.ExportObjectManager]
// additionally marks a path as an org.freedesktop.DBus.ObjectManager
// root, so that Export and [Conn.Unexport] emit
// InterfacesAdded/InterfacesRemoved automatically for everything
// exported at or below it.
package dbus
