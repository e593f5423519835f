package dbus

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// PropertyAccess describes whether a property can be read, written,
// or both, per spec §4.K's "each property declares read, write, or
// readwrite" access.
type PropertyAccess int

const (
	PropertyReadOnly PropertyAccess = iota
	PropertyWriteOnly
	PropertyReadWrite
)

// MethodDescriptor describes one method of an [ExportedInterface],
// with the input/output signatures derived once at registration time
// from the handler function's Go types, per spec §4.K/§9's "no
// reflection required at dispatch time" design.
type MethodDescriptor struct {
	Name    string
	InSig   string
	OutSig  string
	handler handlerFunc
}

// PropertyDescriptor describes one property of an [ExportedInterface].
type PropertyDescriptor struct {
	Name   string
	Sig    string
	Access PropertyAccess

	get func(ctx context.Context) (any, error)
	set func(ctx context.Context, v any) error
}

// SignalDescriptor describes one signal an [ExportedInterface] may
// emit, for introspection purposes; the signal itself is sent with
// [Conn.EmitSignal].
type SignalDescriptor struct {
	Name string
	Sig  string
}

// ExportedInterface is a server-side implementation of a DBus
// interface, built with [NewInterface] and attached to one or more
// object paths with [Conn.Export]. Grounded on spec §4.K, replacing
// the decoration-based metadata of original_source/dbus_next's
// @method/@dbus_property decorators with an explicit builder: no
// reflection over the handler functions beyond deriving each member's
// wire signature once, here, at registration time.
type ExportedInterface struct {
	name string

	mu         sync.Mutex
	methods    map[string]*MethodDescriptor
	properties map[string]*PropertyDescriptor
	signals    map[string]*SignalDescriptor
}

// NewInterface returns an empty exported interface named name.
func NewInterface(name string) *ExportedInterface {
	return &ExportedInterface{
		name:       name,
		methods:    map[string]*MethodDescriptor{},
		properties: map[string]*PropertyDescriptor{},
		signals:    map[string]*SignalDescriptor{},
	}
}

// Name returns the interface's DBus name.
func (e *ExportedInterface) Name() string { return e.name }

// Method adds a method named name, dispatched to fn. fn must satisfy
// one of the type signatures documented on [Conn.Handle].
func (e *ExportedInterface) Method(name string, fn any) *ExportedInterface {
	in, out := methodSignatures(fn)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.methods[name] = &MethodDescriptor{
		Name:    name,
		InSig:   in,
		OutSig:  out,
		handler: handlerForFunc(fn),
	}
	return e
}

// methodSignatures derives the DBus input/output signatures a
// Conn.Handle-shaped fn will be called with, for introspection. A
// struct request/response type is flattened to one wire argument per
// exported field (mirroring how bodyToArgs/AssignBody treat it at
// call time), not wrapped in a parenthesized struct signature.
func methodSignatures(fn any) (in, out string) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return "", ""
	}
	t := v.Type()
	if t.NumIn() == 3 {
		in = flatSignature(t.In(2))
	}
	if t.NumOut() == 2 {
		out = flatSignature(t.Out(0))
	}
	return in, out
}

// flatSignature is the wire signature for a value that will be passed
// through bodyToArgs: struct types (other than wire-custom ones like
// Variant) contribute one argument per field instead of a single
// parenthesized struct argument.
func flatSignature(t reflect.Type) string {
	sig, err := signatureForType(t)
	if err != nil {
		return ""
	}
	if sig.Code == codeStruct {
		var b strings.Builder
		for _, c := range sig.Children {
			c.write(&b)
		}
		return b.String()
	}
	return sig.String()
}

// Property adds a property named name with the given DBus signature.
// get, if non-nil, is called to read the current value. set, if
// non-nil, makes the property writable. A property with a set but no
// get is write-only.
func (e *ExportedInterface) Property(name, sig string, get func(context.Context) (any, error), set func(context.Context, any) error) *ExportedInterface {
	access := PropertyReadOnly
	switch {
	case get != nil && set != nil:
		access = PropertyReadWrite
	case set != nil:
		access = PropertyWriteOnly
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.properties[name] = &PropertyDescriptor{
		Name:   name,
		Sig:    sig,
		Access: access,
		get:    get,
		set:    set,
	}
	return e
}

// Signal declares a signal named name with the given DBus signature.
// This only affects introspection output; emitting the signal itself
// is done with [Conn.EmitSignal].
func (e *ExportedInterface) Signal(name, sig string) *ExportedInterface {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals[name] = &SignalDescriptor{Name: name, Sig: sig}
	return e
}

func (e *ExportedInterface) description() *InterfaceDescription {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := &InterfaceDescription{Name: e.name}
	for _, name := range sortedKeys(e.methods) {
		m := e.methods[name]
		md := &MethodDescription{Name: m.Name}
		for _, a := range argsFromSig(m.InSig) {
			md.In = append(md.In, a)
		}
		for _, a := range argsFromSig(m.OutSig) {
			md.Out = append(md.Out, a)
		}
		d.Methods = append(d.Methods, md)
	}
	for _, name := range sortedKeys(e.properties) {
		p := e.properties[name]
		d.Properties = append(d.Properties, &PropertyDescription{
			Name:     p.Name,
			Type:     Signature(p.Sig),
			Readable: p.Access == PropertyReadOnly || p.Access == PropertyReadWrite,
			Writable: p.Access == PropertyWriteOnly || p.Access == PropertyReadWrite,
		})
	}
	for _, name := range sortedKeys(e.signals) {
		s := e.signals[name]
		sd := &SignalDescription{Name: s.Name}
		sd.Args = argsFromSig(s.Sig)
		d.Signals = append(d.Signals, sd)
	}
	return d
}

func sortedKeys[V any](m map[string]V) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

func argsFromSig(sig string) []ArgumentDescription {
	nodes, err := ParseSignature(sig)
	if err != nil {
		return nil
	}
	ret := make([]ArgumentDescription, len(nodes))
	for i, n := range nodes {
		ret[i] = ArgumentDescription{Type: Signature(n.String())}
	}
	return ret
}

// Export attaches iface at path, so that incoming method calls
// addressed to path may be dispatched to it. Multiple interfaces may
// be exported at the same path; the same *ExportedInterface may be
// exported at many paths. If any ancestor of path (or path itself)
// has an active object manager (see [Conn.ExportObjectManager]),
// Export emits InterfacesAdded from that ancestor.
func (c *Conn) Export(path ObjectPath, iface *ExportedInterface) error {
	if !path.Valid() {
		return validationErr(ErrInvalidObjectPath, string(path))
	}
	path = path.Clean()

	var mgr ObjectPath
	var hasMgr bool
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ifaces := c.tree[path]
		for i, existing := range ifaces {
			if existing.name == iface.name {
				ifaces[i] = iface
				return
			}
		}
		c.tree[path] = append(ifaces, iface)
		mgr, hasMgr = c.objManagerFor(path)
	}()

	if hasMgr {
		c.emitInterfacesAdded(context.Background(), mgr, path, []*ExportedInterface{iface})
	}
	return nil
}

// Unexport detaches ifaceName from path. If ifaceName is "", every
// interface exported at path is detached. If any ancestor of path has
// an active object manager, Unexport emits InterfacesRemoved from
// that ancestor.
func (c *Conn) Unexport(path ObjectPath, ifaceName string) error {
	path = path.Clean()

	var mgr ObjectPath
	var hasMgr bool
	var removed []string
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ifaces := c.tree[path]
		if ifaceName == "" {
			for _, e := range ifaces {
				removed = append(removed, e.name)
			}
			delete(c.tree, path)
		} else {
			kept := ifaces[:0]
			for _, e := range ifaces {
				if e.name == ifaceName {
					removed = append(removed, e.name)
					continue
				}
				kept = append(kept, e)
			}
			if len(kept) == 0 {
				delete(c.tree, path)
			} else {
				c.tree[path] = kept
			}
		}
		if len(removed) > 0 {
			mgr, hasMgr = c.objManagerFor(path)
		}
	}()

	if hasMgr && len(removed) > 0 {
		c.emitInterfacesRemoved(context.Background(), mgr, path, removed)
	}
	return nil
}

// ExportObjectManager marks path as the root of an
// org.freedesktop.DBus.ObjectManager: export/unexport of any
// interface at or below path emits InterfacesAdded/InterfacesRemoved
// from path, per spec §4.K's object-manager extension.
func (c *Conn) ExportObjectManager(path ObjectPath) {
	path = path.Clean()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objManagers[path] = true
}

// objManagerFor finds the nearest active object manager that is path
// or an ancestor of path. c.mu must be held.
func (c *Conn) objManagerFor(path ObjectPath) (ObjectPath, bool) {
	if len(c.objManagers) == 0 {
		return "", false
	}
	best, ok := ObjectPath(""), false
	for mgr := range c.objManagers {
		if !path.IsChildOf(mgr) {
			continue
		}
		if !ok || len(mgr) > len(best) {
			best, ok = mgr, true
		}
	}
	return best, ok
}

func (c *Conn) emitInterfacesAdded(ctx context.Context, mgr, path ObjectPath, ifaces []*ExportedInterface) {
	props := make(map[string]map[string]Variant, len(ifaces))
	for _, e := range ifaces {
		props[e.name] = c.readAllProperties(ctx, e)
	}
	if err := c.EmitSignal(ctx, mgr, ifaceObjectManager, "InterfacesAdded", []any{path, props}); err != nil {
		c.logf("emitting InterfacesAdded for %s: %v", path, err)
	}
}

func (c *Conn) emitInterfacesRemoved(ctx context.Context, mgr, path ObjectPath, names []string) {
	if err := c.EmitSignal(ctx, mgr, ifaceObjectManager, "InterfacesRemoved", []any{path, names}); err != nil {
		c.logf("emitting InterfacesRemoved for %s: %v", path, err)
	}
}

func (c *Conn) readAllProperties(ctx context.Context, e *ExportedInterface) map[string]Variant {
	e.mu.Lock()
	props := make([]*PropertyDescriptor, 0, len(e.properties))
	for _, p := range e.properties {
		props = append(props, p)
	}
	e.mu.Unlock()

	ret := make(map[string]Variant, len(props))
	for _, p := range props {
		if p.get == nil {
			continue
		}
		v, err := p.get(ctx)
		if err != nil {
			continue
		}
		vv, err := NewVariant(v)
		if err != nil {
			continue
		}
		ret[p.Name] = vv
	}
	return ret
}

type propGetRequest struct {
	Interface string
	Property  string
}

type propSetRequest struct {
	Interface string
	Property  string
	Value     Variant
}

// registerStandardInterfaces wires up the handlers for
// org.freedesktop.DBus.Introspectable, .Properties and .ObjectManager,
// which spec §4.I requires be available on every exported path. Like
// the Peer handlers registered alongside this call in newConn, these
// answer identically regardless of path, consulting the object tree
// at call time rather than being tied to any one export.
func (c *Conn) registerStandardInterfaces() {
	c.Handle(ifaceIntrospectable, "Introspect", func(ctx context.Context, path ObjectPath) (string, error) {
		return c.introspectXML(path), nil
	})
	c.Handle(ifaceProperties, "Get", func(ctx context.Context, path ObjectPath, req propGetRequest) (Variant, error) {
		return c.getProperty(ctx, path, req.Interface, req.Property)
	})
	c.Handle(ifaceProperties, "Set", func(ctx context.Context, path ObjectPath, req propSetRequest) error {
		return c.setProperty(ctx, path, req.Interface, req.Property, req.Value)
	})
	c.Handle(ifaceProperties, "GetAll", func(ctx context.Context, path ObjectPath, iface string) (map[string]Variant, error) {
		return c.getAllProperties(ctx, path, iface)
	})
	c.Handle(ifaceObjectManager, "GetManagedObjects", func(ctx context.Context, path ObjectPath) (map[ObjectPath]map[string]map[string]Variant, error) {
		return c.getManagedObjects(ctx, path), nil
	})
}

func (c *Conn) exportedInterface(path ObjectPath, name string) *ExportedInterface {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.tree[path] {
		if e.name == name {
			return e
		}
	}
	return nil
}

func (c *Conn) getProperty(ctx context.Context, path ObjectPath, ifaceName, propName string) (Variant, error) {
	e := c.exportedInterface(path, ifaceName)
	if e == nil {
		return Variant{}, &RemoteDBusError{Name: ErrNameUnknownInterface, Body: []any{fmt.Sprintf("no interface %s at %s", ifaceName, path)}}
	}
	e.mu.Lock()
	p, ok := e.properties[propName]
	e.mu.Unlock()
	if !ok || p.get == nil {
		return Variant{}, &RemoteDBusError{Name: ErrNameUnknownProperty, Body: []any{fmt.Sprintf("no property %s on interface %s", propName, ifaceName)}}
	}
	v, err := p.get(ctx)
	if err != nil {
		return Variant{}, err
	}
	return NewVariant(v)
}

func (c *Conn) setProperty(ctx context.Context, path ObjectPath, ifaceName, propName string, val Variant) error {
	e := c.exportedInterface(path, ifaceName)
	if e == nil {
		return &RemoteDBusError{Name: ErrNameUnknownInterface, Body: []any{fmt.Sprintf("no interface %s at %s", ifaceName, path)}}
	}
	e.mu.Lock()
	p, ok := e.properties[propName]
	e.mu.Unlock()
	if !ok {
		return &RemoteDBusError{Name: ErrNameUnknownProperty, Body: []any{fmt.Sprintf("no property %s on interface %s", propName, ifaceName)}}
	}
	if p.set == nil {
		return &RemoteDBusError{Name: ErrNamePropertyReadOnly, Body: []any{fmt.Sprintf("property %s is read-only", propName)}}
	}

	var prev any
	hadPrev := false
	if p.get != nil {
		if v, err := p.get(ctx); err == nil {
			prev = v
			hadPrev = true
		}
	}

	if err := p.set(ctx, val.Value()); err != nil {
		return err
	}

	if p.get == nil {
		return nil
	}
	cur, err := p.get(ctx)
	if err != nil {
		return nil
	}
	// Only notify when the value actually changed, per spec scenario 3.
	if hadPrev && deepEqualValue(prev, cur) {
		return nil
	}
	vv, err := NewVariant(cur)
	if err != nil {
		return nil
	}
	changed := map[string]Variant{propName: vv}
	if err := c.EmitSignal(ctx, path, ifaceProperties, "PropertiesChanged", []any{ifaceName, changed, []string{}}); err != nil {
		c.logf("emitting PropertiesChanged for %s.%s: %v", ifaceName, propName, err)
	}
	return nil
}

func (c *Conn) getAllProperties(ctx context.Context, path ObjectPath, ifaceName string) (map[string]Variant, error) {
	e := c.exportedInterface(path, ifaceName)
	if e == nil {
		return nil, &RemoteDBusError{Name: ErrNameUnknownInterface, Body: []any{fmt.Sprintf("no interface %s at %s", ifaceName, path)}}
	}
	return c.readAllProperties(ctx, e), nil
}

func (c *Conn) getManagedObjects(ctx context.Context, root ObjectPath) map[ObjectPath]map[string]map[string]Variant {
	root = root.Clean()
	ret := map[ObjectPath]map[string]map[string]Variant{}
	c.mu.Lock()
	type entry struct {
		path   ObjectPath
		ifaces []*ExportedInterface
	}
	var entries []entry
	for path, ifaces := range c.tree {
		if !path.IsChildOf(root) {
			continue
		}
		entries = append(entries, entry{path, ifaces})
	}
	c.mu.Unlock()

	for _, e := range entries {
		byIface := make(map[string]map[string]Variant, len(e.ifaces))
		for _, iface := range e.ifaces {
			byIface[iface.name] = c.readAllProperties(ctx, iface)
		}
		ret[e.path] = byIface
	}
	return ret
}

// introspectXML renders the introspection XML for path: its own
// exported interfaces, the always-available standard interfaces, and
// the relative names of its immediate children in the object tree.
func (c *Conn) introspectXML(path ObjectPath) string {
	path = path.Clean()

	c.mu.Lock()
	ifaces := append([]*ExportedInterface{}, c.tree[path]...)
	_, hasMgr := c.objManagerFor(path)
	children := map[string]bool{}
	for p := range c.tree {
		if p == path || !p.IsChildOf(path) {
			continue
		}
		rel := strings.TrimPrefix(string(p), string(path))
		rel = strings.TrimPrefix(rel, "/")
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			rel = rel[:i]
		}
		if rel != "" {
			children[rel] = true
		}
	}
	c.mu.Unlock()

	var b strings.Builder
	b.WriteString(`<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN" "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">` + "\n")
	b.WriteString("<node>\n")

	for _, e := range ifaces {
		writeInterfaceXML(&b, e.description())
	}
	writeInterfaceXML(&b, peerDescription)
	writeInterfaceXML(&b, introspectableDescription)
	writeInterfaceXML(&b, propertiesDescription)
	if hasMgr {
		writeInterfaceXML(&b, objectManagerDescription)
	}

	for _, name := range sortedKeysBool(children) {
		fmt.Fprintf(&b, "  <node name=%q/>\n", name)
	}

	b.WriteString("</node>")
	return b.String()
}

func sortedKeysBool(m map[string]bool) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

func writeInterfaceXML(b *strings.Builder, d *InterfaceDescription) {
	fmt.Fprintf(b, "  <interface name=%q>\n", d.Name)
	for _, m := range d.Methods {
		fmt.Fprintf(b, "    <method name=%q>\n", m.Name)
		for _, a := range m.In {
			fmt.Fprintf(b, `      <arg type=%q direction="in"/>`+"\n", string(a.Type))
		}
		for _, a := range m.Out {
			fmt.Fprintf(b, `      <arg type=%q direction="out"/>`+"\n", string(a.Type))
		}
		b.WriteString("    </method>\n")
	}
	for _, s := range d.Signals {
		fmt.Fprintf(b, "    <signal name=%q>\n", s.Name)
		for _, a := range s.Args {
			fmt.Fprintf(b, `      <arg type=%q/>`+"\n", string(a.Type))
		}
		b.WriteString("    </signal>\n")
	}
	for _, p := range d.Properties {
		access := "readwrite"
		switch {
		case p.Readable && !p.Writable:
			access = "read"
		case !p.Readable && p.Writable:
			access = "write"
		}
		fmt.Fprintf(b, `    <property name=%q type=%q access=%q/>`+"\n", p.Name, string(p.Type), access)
	}
	b.WriteString("  </interface>\n")
}

// logf logs a dispatch-layer anomaly, mirroring conn.go's bare
// log.Printf call sites for protocol-level anomalies.
func (c *Conn) logf(format string, args ...any) {
	log.Printf("dbus: "+format, args...)
}

var (
	peerDescription = &InterfaceDescription{
		Name: ifacePeer,
		Methods: []*MethodDescription{
			{Name: "Ping"},
			{Name: "GetMachineId", Out: []ArgumentDescription{{Type: "s"}}},
		},
	}
	introspectableDescription = &InterfaceDescription{
		Name: ifaceIntrospectable,
		Methods: []*MethodDescription{
			{Name: "Introspect", Out: []ArgumentDescription{{Type: "s"}}},
		},
	}
	propertiesDescription = &InterfaceDescription{
		Name: ifaceProperties,
		Methods: []*MethodDescription{
			{Name: "Get", In: []ArgumentDescription{{Type: "s"}, {Type: "s"}}, Out: []ArgumentDescription{{Type: "v"}}},
			{Name: "Set", In: []ArgumentDescription{{Type: "s"}, {Type: "s"}, {Type: "v"}}},
			{Name: "GetAll", In: []ArgumentDescription{{Type: "s"}}, Out: []ArgumentDescription{{Type: "a{sv}"}}},
		},
		Signals: []*SignalDescription{
			{Name: "PropertiesChanged", Args: []ArgumentDescription{{Type: "s"}, {Type: "a{sv}"}, {Type: "as"}}},
		},
	}
	objectManagerDescription = &InterfaceDescription{
		Name: ifaceObjectManager,
		Methods: []*MethodDescription{
			{Name: "GetManagedObjects", Out: []ArgumentDescription{{Type: "a{oa{sa{sv}}}"}}},
		},
		Signals: []*SignalDescription{
			{Name: "InterfacesAdded", Args: []ArgumentDescription{{Type: "o"}, {Type: "a{sa{sv}}"}}},
			{Name: "InterfacesRemoved", Args: []ArgumentDescription{{Type: "o"}, {Type: "as"}}},
		},
	}
)
