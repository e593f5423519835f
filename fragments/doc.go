// package fragments provides low-level encoding helpers used to
// construct DBus messages.
//
// The provided [Encoder] is very low level, and does not encode any
// DBus semantics on its own: it is the caller's responsibility to
// call its methods in an order that produces a valid DBus message.
// The top-level package's decode path does not use a symmetric
// Decoder from this package; it reads directly off a buffered byte
// cursor instead, since message framing requires resuming a partial
// read across several Conn.Read calls.
package fragments
