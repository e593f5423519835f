package dbus

import (
	"context"
	"errors"
	"os"
)

// File is a file descriptor to be sent or received over the bus,
// transported as a UNIX_FDS index (wire type 'h'). Grounded on the
// teacher's file.go; the teacher's separate fd.go stub (an
// unimplemented MarshalDBus) is superseded by this type and dropped.
type File struct {
	*os.File
}

func (File) SignatureDBus() *SignatureNode { return &SignatureNode{Code: codeUnixFD} }

func marshalFile(ctx context.Context, f *os.File) (uint32, error) {
	if f == nil {
		return 0, errors.New("cannot marshal File: nil *os.File")
	}
	return contextPutFile(ctx, f)
}

func unmarshalFile(ctx context.Context, idx uint32) (*os.File, error) {
	f := contextFile(ctx, idx)
	if f == nil {
		return nil, errors.New("cannot unmarshal File: no file descriptor available at that index")
	}
	return f, nil
}
