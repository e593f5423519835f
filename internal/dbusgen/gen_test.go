package dbusgen_test

import (
	"context"
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/halfbit/dbus/dbustest"
	"github.com/halfbit/dbus/internal/dbusgen"
)

// TestGen runs the generator against the real org.freedesktop.DBus
// interfaces, introspected from a live bus, and checks that the
// output is syntactically valid Go mentioning every method, signal
// and property the interface describes. This package has no golden
// files on disk; exact-output regressions are caught by eyeballing
// `go generate` diffs instead, the way the teacher's own generator
// cases are checked.
func TestGen(t *testing.T) {
	bus := dbustest.New(t, false)
	conn := bus.MustConn(t)

	desc, err := conn.Peer("org.freedesktop.DBus").Object("/org/freedesktop/DBus").Introspect(context.Background())
	if err != nil {
		t.Fatalf("introspecting DBus: %v", err)
	}

	for _, iface := range desc.Interfaces {
		iface := iface
		t.Run(iface.Name, func(t *testing.T) {
			got, err := dbusgen.Interface(iface)
			if err != nil {
				t.Fatalf("generating interface %q: %v", iface.Name, err)
			}

			fset := token.NewFileSet()
			if _, err := parser.ParseFile(fset, iface.Name+".go", "package p\n\n"+stripPackageHeader(got), parser.AllErrors); err != nil {
				t.Errorf("generated code for %q does not parse: %v\n%s", iface.Name, err, got)
			}

			for _, m := range iface.Methods {
				if !strings.Contains(got, m.Name) {
					t.Errorf("generated output for %q missing method %q", iface.Name, m.Name)
				}
			}
			for _, s := range iface.Signals {
				if !strings.Contains(got, s.Name) {
					t.Errorf("generated output for %q missing signal %q", iface.Name, s.Name)
				}
			}
			for _, p := range iface.Properties {
				if !strings.Contains(got, p.Name) {
					t.Errorf("generated output for %q missing property %q", iface.Name, p.Name)
				}
			}
		})
	}
}

// stripPackageHeader drops a leading "package xxx" line from
// generator output, so the body can be reparsed under a fixed
// package name for syntax checking.
func stripPackageHeader(src string) string {
	lines := strings.SplitN(src, "\n", 2)
	if len(lines) == 2 && strings.HasPrefix(strings.TrimSpace(lines[0]), "package ") {
		return lines[1]
	}
	return src
}
