package dbus

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// authState is a state in the SASL handshake, per spec §4.G. Grounded
// on original_source/dbus_next/_private/auth.py's line grammar, which
// this package generalizes into an explicit state machine instead of
// auth.py's flat send-then-parse sequence, and on the teacher's
// transport/unix.go auth() (an EXTERNAL-only shortcut this package
// replaces with the full negotiation).
type authState int

const (
	authStart authState = iota
	authWaitingForData
	authWaitingForOK
	authWaitingForAgreeUnixFD
	authAuthenticated
)

// AuthMechanism is a supported SASL authentication mechanism.
type AuthMechanism int

const (
	AuthExternal AuthMechanism = iota
	AuthAnonymous
)

// Authenticator drives the line-oriented SASL handshake that must
// complete, byte for byte, before any D-Bus message may be exchanged
// on a transport.
type Authenticator struct {
	rw           io.ReadWriter
	mechanisms   []AuthMechanism
	negotiateFDs bool

	state       authState
	haveUnixFDs bool
	guid        string
}

// NewAuthenticator returns an Authenticator that will try mechanisms
// in order over rw, offering UNIX FD passing if negotiateFDs is true.
func NewAuthenticator(rw io.ReadWriter, negotiateFDs bool, mechanisms ...AuthMechanism) *Authenticator {
	if len(mechanisms) == 0 {
		mechanisms = []AuthMechanism{AuthExternal, AuthAnonymous}
	}
	return &Authenticator{rw: rw, mechanisms: mechanisms, negotiateFDs: negotiateFDs}
}

// HasUnixFDs reports whether the peer agreed to UNIX_FD passing.
// Valid only after Authenticate returns successfully.
func (a *Authenticator) HasUnixFDs() bool { return a.haveUnixFDs }

// Authenticate runs the handshake to completion: START →
// WAITING_FOR_DATA → WAITING_FOR_OK → (WAITING_FOR_AGREE_UNIX_FD) →
// AUTHENTICATED. It returns an error wrapping ErrAuthFailed if every
// offered mechanism is rejected, or if the peer violates the line
// grammar.
func (a *Authenticator) Authenticate(ctx context.Context) error {
	a.state = authStart

	if _, err := a.rw.Write([]byte{0}); err != nil {
		return fmt.Errorf("%w: writing initial NUL byte: %v", ErrAuthFailed, err)
	}

	br := bufio.NewReader(a.rw)
	a.state = authWaitingForData

	var lastRejection string
	for _, mech := range a.mechanisms {
		line, err := authLineFor(mech)
		if err != nil {
			continue
		}
		if _, err := a.rw.Write(line); err != nil {
			return fmt.Errorf("%w: writing AUTH line: %v", ErrAuthFailed, err)
		}
		a.state = authWaitingForOK

		resp, args, err := readAuthLine(br)
		if err != nil {
			return fmt.Errorf("%w: reading AUTH response: %v", ErrAuthFailed, err)
		}
		switch resp {
		case "OK":
			if len(args) > 0 {
				a.guid = args[0]
			}
			goto negotiate
		case "REJECTED":
			lastRejection = fmt.Sprint(args)
			continue
		case "DATA", "ERROR":
			lastRejection = fmt.Sprintf("%s %v", resp, args)
			continue
		default:
			return fmt.Errorf("%w: unexpected response %q during authentication", ErrAuthFailed, resp)
		}
	}
	return fmt.Errorf("%w: all mechanisms rejected, last response: %s", ErrAuthFailed, lastRejection)

negotiate:
	if a.negotiateFDs {
		if _, err := a.rw.Write([]byte("NEGOTIATE_UNIX_FD\r\n")); err != nil {
			return fmt.Errorf("%w: writing NEGOTIATE_UNIX_FD: %v", ErrAuthFailed, err)
		}
		a.state = authWaitingForAgreeUnixFD
		resp, _, err := readAuthLine(br)
		if err != nil {
			return fmt.Errorf("%w: reading NEGOTIATE_UNIX_FD response: %v", ErrAuthFailed, err)
		}
		switch resp {
		case "AGREE_UNIX_FD":
			a.haveUnixFDs = true
		case "ERROR":
			a.haveUnixFDs = false
		default:
			return fmt.Errorf("%w: unexpected response %q to NEGOTIATE_UNIX_FD", ErrAuthFailed, resp)
		}
	}

	if _, err := a.rw.Write([]byte("BEGIN\r\n")); err != nil {
		return fmt.Errorf("%w: writing BEGIN: %v", ErrAuthFailed, err)
	}
	a.state = authAuthenticated
	return nil
}

func authLineFor(mech AuthMechanism) ([]byte, error) {
	switch mech {
	case AuthExternal:
		uid := hex.EncodeToString([]byte(fmt.Sprint(os.Getuid())))
		return []byte(fmt.Sprintf("AUTH EXTERNAL %s\r\n", uid)), nil
	case AuthAnonymous:
		tag := hex.EncodeToString([]byte("dbus-go"))
		return []byte(fmt.Sprintf("AUTH ANONYMOUS %s\r\n", tag)), nil
	default:
		return nil, fmt.Errorf("unknown auth mechanism %d", mech)
	}
}

// readAuthLine reads one CRLF-terminated SASL response line and
// splits it into its leading command word and remaining arguments,
// mirroring auth_parse_line in auth.py.
func readAuthLine(br *bufio.Reader) (cmd string, args []string, err error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", nil, err
	}
	line = trimCRLF(line)
	fields := splitSpace(line)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty auth response line")
	}
	return fields[0], fields[1:], nil
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func splitSpace(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, s[start:i])
			start = -1
		}
	}
	return out
}
