package dbus

import (
	"context"
	"errors"
	"os"
)

// context-key pattern kept from the teacher: the sender interface and
// the FD side channels ride along on the context passed to every
// marshal/unmarshal call, instead of threading extra parameters
// through every recursive call.

type senderContextKey struct{}

func withContextSender(ctx context.Context, iface ProxyInterface) context.Context {
	return context.WithValue(ctx, senderContextKey{}, iface)
}

// ContextSender returns the [ProxyInterface] representing the peer
// that sent the message currently being handled, if called from
// within a method handler.
func ContextSender(ctx context.Context) (ProxyInterface, bool) {
	v := ctx.Value(senderContextKey{})
	if v == nil {
		return ProxyInterface{}, false
	}
	ret, ok := v.(ProxyInterface)
	return ret, ok
}

type filesContextKey struct{}

func withContextFiles(ctx context.Context, files []*os.File) context.Context {
	return context.WithValue(ctx, filesContextKey{}, files)
}

func contextFile(ctx context.Context, idx uint32) *os.File {
	v := ctx.Value(filesContextKey{})
	if v == nil {
		return nil
	}
	fs, ok := v.([]*os.File)
	if !ok || int(idx) >= len(fs) {
		return nil
	}
	return fs[int(idx)]
}

type writeFilesContextKey struct{}

func withContextPutFiles(ctx context.Context, files *[]*os.File) context.Context {
	return context.WithValue(ctx, writeFilesContextKey{}, files)
}

func contextPutFile(ctx context.Context, file *os.File) (idx uint32, err error) {
	v := ctx.Value(writeFilesContextKey{})
	if v == nil {
		return 0, errors.New("cannot send file descriptor: invalid context")
	}
	fsp, ok := v.(*[]*os.File)
	if !ok || fsp == nil {
		return 0, errors.New("cannot send file descriptor: invalid context")
	}
	*fsp = append(*fsp, file)
	return uint32(len(*fsp) - 1), nil
}
