package dbus

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a filter that matches DBus signals and property changes.
// Grounded on the teacher's match.go, generalized from its
// RegisterSignalType-backed struct matching to plain interface/member
// names and positional []any argument matching, consistent with this
// package's dynamic body decoding.
type Match struct {
	sender       value.Maybe[string]
	object       value.Maybe[ObjectPath]
	objectPrefix value.Maybe[ObjectPath]
	signal       value.Maybe[interfaceMember]
	property     value.Maybe[string]
	argStr       map[int]string
	argPath      map[int]ObjectPath
	arg0NS       value.Maybe[string]
}

// MatchSignal returns a Match for the named signal.
func MatchSignal(iface, member string) *Match {
	return &Match{signal: value.Just(interfaceMember{iface, member})}
}

// MatchPropertyChange returns a Match for PropertiesChanged
// notifications on the given interface.
func MatchPropertyChange(iface string) *Match {
	return &Match{property: value.Just(iface)}
}

// MatchAllSignals returns a Match for all signals.
func MatchAllSignals() *Match {
	return &Match{}
}

// filterString renders the match in the string format the bus wants
// for AddMatch and RemoveMatch.
func (m *Match) filterString() string {
	ms := []string{"type='signal'"}
	kv := func(k, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", string(o))
	}
	if p, ok := m.objectPrefix.GetOK(); ok {
		kv("path_namespace", string(p))
	}
	if iface, ok := m.property.GetOK(); ok {
		kv("interface", ifaceProperties)
		kv("member", "PropertiesChanged")
		kv("arg0", iface)
	}
	if sm, ok := m.signal.GetOK(); ok {
		kv("interface", sm.Interface)
		kv("member", sm.Member)
		for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
			kv(fmt.Sprintf("arg%d", i), m.argStr[i])
		}
		for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
			kv(fmt.Sprintf("arg%dpath", i), string(m.argPath[i]))
		}
		if n, ok := m.arg0NS.GetOK(); ok {
			kv("arg0namespace", n)
		}
	}

	return strings.Join(ms, ",")
}

// matchesSignal reports whether m matches a received signal. This
// additional client-side filtering is necessary because a single
// connection's stream of signals is the union of every active
// Watcher's filters, so each Watcher must re-check incoming signals
// against its own matches.
func (m *Match) matchesSignal(sender Peer, msg *Message) bool {
	if m.property.Present() {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && sender.Name() != s {
		return false
	}
	if !m.matchesPath(msg.Path) {
		return false
	}
	sm, ok := m.signal.GetOK()
	if !ok {
		return true
	}
	if msg.Interface != sm.Interface || msg.Member != sm.Member {
		return false
	}
	for i, want := range m.argStr {
		if i >= len(msg.Body) {
			return false
		}
		got, ok := msg.Body[i].(string)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		if i >= len(msg.Body) {
			return false
		}
		var got ObjectPath
		switch v := msg.Body[i].(type) {
		case ObjectPath:
			got = v
		case string:
			got = ObjectPath(v)
		default:
			return false
		}
		if got != want && !got.IsChildOf(want) {
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		if len(msg.Body) == 0 {
			return false
		}
		got, ok := msg.Body[0].(string)
		if !ok || (got != n && !strings.HasPrefix(got, n+".")) {
			return false
		}
	}
	return true
}

// matchesProperty reports whether m matches a PropertiesChanged
// notification for propIface/propName emitted by msg.
func (m *Match) matchesProperty(sender Peer, msg *Message, propIface, propName string) bool {
	iface, ok := m.property.GetOK()
	if !ok {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && sender.Name() != s {
		return false
	}
	if !m.matchesPath(msg.Path) {
		return false
	}
	return iface == propIface
}

func (m *Match) matchesPath(p ObjectPath) bool {
	if o, ok := m.object.GetOK(); ok && p != o.Clean() {
		return false
	}
	if pre, ok := m.objectPrefix.GetOK(); ok && !p.IsChildOf(pre) {
		return false
	}
	return true
}

// Peer restricts the match to a single source Peer.
func (m *Match) Peer(p Peer) *Match {
	m.sender = value.Just(p.Name())
	return m
}

// Object restricts the match to a single source path.
func (m *Match) Object(o ObjectPath) *Match {
	m.objectPrefix = value.Absent[ObjectPath]()
	m.object = value.Just(o.Clean())
	return m
}

// ObjectPrefix restricts the match to signals emitted by objects
// rooted at the given path prefix.
func (m *Match) ObjectPrefix(o ObjectPath) *Match {
	m.object = value.Absent[ObjectPath]()
	if o == "/" {
		// / means the same thing as not specifying a path match at
		// all, so skip setting it.
		m.objectPrefix = value.Absent[ObjectPath]()
	} else {
		m.objectPrefix = value.Just(o.Clean())
	}
	return m
}

// ArgStr restricts the match to signals whose i-th body value is a
// string equal to val. Only valid on signal matches.
func (m *Match) ArgStr(i int, val string) *Match {
	if !m.signal.Present() {
		panic(fmt.Errorf("ArgStr can only be applied to signal matches"))
	}
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the match to signals whose i-th body value
// is a string or ObjectPath with the given prefix. Only valid on
// signal matches.
func (m *Match) ArgPathPrefix(i int, val ObjectPath) *Match {
	if !m.signal.Present() {
		panic(fmt.Errorf("ArgPathPrefix can only be applied to signal matches"))
	}
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the match to signals whose first body value
// is a bus or interface name with the given dot-separated prefix.
// Only valid on signal matches.
func (m *Match) Arg0Namespace(val string) *Match {
	if !m.signal.Present() {
		panic(fmt.Errorf("Arg0Namespace can only be applied to signal matches"))
	}
	m.arg0NS = value.Just(val)
	return m
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}

func (c *Conn) addMatch(ctx context.Context, m *Match) error {
	return c.bus.Interface(ifaceBus).Call(ctx, "AddMatch", m.filterString(), nil)
}

func (c *Conn) removeMatch(ctx context.Context, m *Match) error {
	return c.bus.Interface(ifaceBus).Call(ctx, "RemoveMatch", m.filterString(), nil)
}
