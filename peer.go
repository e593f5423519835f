package dbus

import (
	"context"
	"strings"
)

// Peer is a local handle to a bus participant, identified by its
// unique connection name or a well-known name it may currently own.
type Peer struct {
	c    *Conn
	name string
}

func (p Peer) Conn() *Conn  { return p.c }
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Object returns a handle to an object hosted by this peer at path.
func (p Peer) Object(path ObjectPath) ProxyObject {
	return ProxyObject{peer: p, path: path}
}

// Ping calls org.freedesktop.DBus.Peer.Ping against the root object,
// a liveness check every DBus peer is required to answer.
func (p Peer) Ping(ctx context.Context) error {
	return p.Conn().call(ctx, p.name, "/", ifacePeer, "Ping", nil, nil, false)
}

// GetMachineId calls org.freedesktop.DBus.Peer.GetMachineId against
// the root object.
func (p Peer) GetMachineId(ctx context.Context) (string, error) {
	var id string
	err := p.Conn().call(ctx, p.name, "/", ifacePeer, "GetMachineId", nil, &id, false)
	return id, err
}

// Compare orders two Peers by their bus name, for use with
// slices.SortFunc.
func (p Peer) Compare(o Peer) int {
	switch {
	case p.name < o.name:
		return -1
	case p.name > o.name:
		return 1
	default:
		return 0
	}
}

// IsUniqueName reports whether this Peer's name is a unique
// connection name (like ":1.42") rather than a well-known bus name.
func (p Peer) IsUniqueName() bool {
	return strings.HasPrefix(p.name, ":")
}

// Owner returns the unique connection name currently owning this
// Peer's well-known bus name.
func (p Peer) Owner(ctx context.Context) (Peer, error) {
	name, err := p.c.GetNameOwner(ctx, p.name)
	if err != nil {
		return Peer{}, err
	}
	return p.c.Peer(name), nil
}

// QueuedOwners returns the unique connection names queued for
// ownership of this Peer's well-known bus name, starting with the
// current owner.
func (p Peer) QueuedOwners(ctx context.Context) ([]Peer, error) {
	names, err := p.c.ListQueuedOwners(ctx, p.name)
	if err != nil {
		return nil, err
	}
	ret := make([]Peer, len(names))
	for i, n := range names {
		ret[i] = p.c.Peer(n)
	}
	return ret, nil
}

// Exists reports whether this Peer's bus name currently has an owner.
func (p Peer) Exists(ctx context.Context) (bool, error) {
	return p.c.NameHasOwner(ctx, p.name)
}

// Identity returns the credentials the bus daemon has on file for
// this Peer.
func (p Peer) Identity(ctx context.Context) (*PeerCredentials, error) {
	return p.c.GetPeerCredentials(ctx, p.name)
}
