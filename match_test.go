package dbus

import "testing"

func TestMatch(t *testing.T) {
	sig := func(sender, path, iface, member string, body ...any) (Peer, *Message) {
		return Peer{name: sender}, &Message{
			Type:      TypeSignal,
			Path:      ObjectPath(path),
			Interface: iface,
			Member:    member,
			Body:      body,
		}
	}
	propChange := func(sender, path, iface string) (Peer, *Message) {
		return Peer{name: sender}, &Message{
			Type:      TypeSignal,
			Path:      ObjectPath(path),
			Interface: ifaceProperties,
			Member:    "PropertiesChanged",
		}
	}

	t.Run("all signals", func(t *testing.T) {
		m := MatchAllSignals()
		if got, want := m.filterString(), `type='signal'`; got != want {
			t.Errorf("filterString() = %q, want %q", got, want)
		}
		if sender, msg := sig("test", "/test", "org.test", "Signal"); !m.matchesSignal(sender, msg) {
			t.Error("MatchAllSignals didn't match an arbitrary signal")
		}
		if sender, msg := propChange("test", "/test", "org.test"); m.matchesProperty(sender, msg, "org.test", "Prop") {
			t.Error("MatchAllSignals matched a property change")
		}
	})

	t.Run("signal", func(t *testing.T) {
		m := MatchSignal("org.test", "Signal")
		if got, want := m.filterString(), `type='signal',interface='org.test',member='Signal'`; got != want {
			t.Errorf("filterString() = %q, want %q", got, want)
		}
		if sender, msg := sig("test", "/test", "org.test", "Signal"); !m.matchesSignal(sender, msg) {
			t.Error("didn't match the signal it names")
		}
		if sender, msg := sig("test", "/test", "org.test", "Other"); m.matchesSignal(sender, msg) {
			t.Error("matched a differently-named signal")
		}
	})

	t.Run("signal sender", func(t *testing.T) {
		m := MatchSignal("org.test", "Signal").Peer(Peer{name: "test"})
		if got, want := m.filterString(), `type='signal',sender='test',interface='org.test',member='Signal'`; got != want {
			t.Errorf("filterString() = %q, want %q", got, want)
		}
		if sender, msg := sig("test", "/test", "org.test", "Signal"); !m.matchesSignal(sender, msg) {
			t.Error("didn't match the named sender")
		}
		if sender, msg := sig("test2", "/test", "org.test", "Signal"); m.matchesSignal(sender, msg) {
			t.Error("matched a different sender")
		}
	})

	t.Run("signal object", func(t *testing.T) {
		m := MatchSignal("org.test", "Signal").Object("/test")
		if got, want := m.filterString(), `type='signal',path='/test',interface='org.test',member='Signal'`; got != want {
			t.Errorf("filterString() = %q, want %q", got, want)
		}
		if sender, msg := sig("test", "/test", "org.test", "Signal"); !m.matchesSignal(sender, msg) {
			t.Error("didn't match the named path")
		}
		if sender, msg := sig("test", "/test2", "org.test", "Signal"); m.matchesSignal(sender, msg) {
			t.Error("matched a different path")
		}
		if sender, msg := sig("test", "/test/child", "org.test", "Signal"); m.matchesSignal(sender, msg) {
			t.Error("Object matched a child path, should require an exact path")
		}
	})

	t.Run("signal object prefix", func(t *testing.T) {
		m := MatchSignal("org.test", "Signal").ObjectPrefix("/test")
		if got, want := m.filterString(), `type='signal',path_namespace='/test',interface='org.test',member='Signal'`; got != want {
			t.Errorf("filterString() = %q, want %q", got, want)
		}
		cases := []struct {
			path string
			want bool
		}{
			{"/test", true},
			{"/test/foo", true},
			{"/test/bar", true},
			{"/testf", false},
			{"/qux", false},
		}
		for _, tc := range cases {
			sender, msg := sig("test", tc.path, "org.test", "Signal")
			if got := m.matchesSignal(sender, msg); got != tc.want {
				t.Errorf("matchesSignal(path=%q) = %v, want %v", tc.path, got, tc.want)
			}
		}
	})

	t.Run("signal object arg", func(t *testing.T) {
		m := MatchSignal("org.test", "Signal").ArgStr(0, "foo").ArgStr(2, "bar")
		if got, want := m.filterString(), `type='signal',interface='org.test',member='Signal',arg0='foo',arg2='bar'`; got != want {
			t.Errorf("filterString() = %q, want %q", got, want)
		}
		cases := []struct {
			body []any
			want bool
		}{
			{[]any{"foo", "/unused", "bar", int16(42)}, true},
			{[]any{"foo", "", "bar"}, true},
			{[]any{"foo", "", "zot"}, false},
			{[]any{"no", "", "bar"}, false},
			{nil, false},
		}
		for _, tc := range cases {
			sender, msg := sig("test", "/test", "org.test", "Signal", tc.body...)
			if got := m.matchesSignal(sender, msg); got != tc.want {
				t.Errorf("matchesSignal(body=%#v) = %v, want %v", tc.body, got, tc.want)
			}
		}
	})

	t.Run("signal object arg path prefix", func(t *testing.T) {
		m := MatchSignal("org.test", "Signal").ArgPathPrefix(0, "/foo").ArgPathPrefix(1, "/bar")
		if got, want := m.filterString(), `type='signal',interface='org.test',member='Signal',arg0path='/foo',arg1path='/bar'`; got != want {
			t.Errorf("filterString() = %q, want %q", got, want)
		}
		cases := []struct {
			body []any
			want bool
		}{
			{[]any{ObjectPath("/foo"), ObjectPath("/bar"), "unused"}, true},
			{[]any{ObjectPath("/foo/bar"), ObjectPath("/bar/qux")}, true},
			{[]any{"/foo", "/bar"}, true},
			{[]any{ObjectPath("/foo"), ObjectPath("/zot")}, false},
			{[]any{ObjectPath("/no"), ObjectPath("/bar")}, false},
			{nil, false},
		}
		for _, tc := range cases {
			sender, msg := sig("test", "/test", "org.test", "Signal", tc.body...)
			if got := m.matchesSignal(sender, msg); got != tc.want {
				t.Errorf("matchesSignal(body=%#v) = %v, want %v", tc.body, got, tc.want)
			}
		}
	})

	t.Run("signal object arg 0 namespace", func(t *testing.T) {
		m := MatchSignal("org.test", "Signal").Arg0Namespace("foo.bar")
		if got, want := m.filterString(), `type='signal',interface='org.test',member='Signal',arg0namespace='foo.bar'`; got != want {
			t.Errorf("filterString() = %q, want %q", got, want)
		}
		cases := []struct {
			arg0 string
			want bool
		}{
			{"foo.bar", true},
			{"foo.bar.baz", true},
			{"foo", false},
			{"foo.qux", false},
			{"zot.qux", false},
			{"foo.barbaz", false},
		}
		for _, tc := range cases {
			sender, msg := sig("test", "/test", "org.test", "Signal", tc.arg0)
			if got := m.matchesSignal(sender, msg); got != tc.want {
				t.Errorf("matchesSignal(arg0=%q) = %v, want %v", tc.arg0, got, tc.want)
			}
		}
		if sender, msg := sig("test", "/test", "org.test", "Signal"); m.matchesSignal(sender, msg) {
			t.Error("matched a signal with no arguments")
		}
	})

	t.Run("property", func(t *testing.T) {
		m := MatchPropertyChange("org.test")
		if got, want := m.filterString(), `type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',arg0='org.test'`; got != want {
			t.Errorf("filterString() = %q, want %q", got, want)
		}
		if sender, msg := propChange("test", "/test", "org.test"); !m.matchesProperty(sender, msg, "org.test", "Prop") {
			t.Error("didn't match a property change on the named interface")
		}
		if sender, msg := propChange("test", "/test", "org.test2"); m.matchesProperty(sender, msg, "org.test2", "Prop2") {
			t.Error("matched a property change on a different interface")
		}
		if sender, msg := sig("test", "/test", "org.test", "Signal"); m.matchesSignal(sender, msg) {
			t.Error("property match also matched a plain signal")
		}
	})

	t.Run("property sender", func(t *testing.T) {
		m := MatchPropertyChange("org.test").Peer(Peer{name: "test"})
		if sender, msg := propChange("test", "/test", "org.test"); !m.matchesProperty(sender, msg, "org.test", "Prop") {
			t.Error("didn't match the named sender")
		}
		if sender, msg := propChange("test2", "/test", "org.test"); m.matchesProperty(sender, msg, "org.test", "Prop") {
			t.Error("matched a different sender")
		}
	})

	t.Run("property object", func(t *testing.T) {
		m := MatchPropertyChange("org.test").Object("/test")
		if sender, msg := propChange("test", "/test", "org.test"); !m.matchesProperty(sender, msg, "org.test", "Prop") {
			t.Error("didn't match the named path")
		}
		if sender, msg := propChange("test", "/test2", "org.test"); m.matchesProperty(sender, msg, "org.test", "Prop") {
			t.Error("matched a different path")
		}
	})

	t.Run("property object prefix", func(t *testing.T) {
		m := MatchPropertyChange("org.test").ObjectPrefix("/test")
		cases := []struct {
			path string
			want bool
		}{
			{"/test", true},
			{"/test/foo", true},
			{"/test/bar", true},
			{"/test2", false},
			{"/test2/bar", false},
		}
		for _, tc := range cases {
			sender, msg := propChange("test", tc.path, "org.test")
			if got := m.matchesProperty(sender, msg, "org.test", "Prop"); got != tc.want {
				t.Errorf("matchesProperty(path=%q) = %v, want %v", tc.path, got, tc.want)
			}
		}
	})
}
