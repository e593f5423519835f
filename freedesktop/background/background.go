// Package background provides an interface to the Freedesktop Flatpak
// background applications monitor.
//
// This corresponds to the org.freedesktop.background.Monitor service
// on the session bus, which provides a way to find out what Flatpak
// applications are running with no visible GUI.
package background

import (
	"context"

	"github.com/halfbit/dbus"
)

const ifaceBackgroundMonitor = "org.freedesktop.background.Monitor"

type Monitor struct{ iface dbus.ProxyInterface }

// New returns an interface to the Flatpak background applications
// monitor.
func New(conn *dbus.Conn) Monitor {
	obj := conn.Peer("org.freedesktop.background.Monitor").Object("/org/freedesktop/background/monitor")
	return Interface(obj)
}

// Interface returns a Monitor on the given object.
func Interface(obj dbus.ProxyObject) Monitor {
	return Monitor{
		iface: obj.Interface(ifaceBackgroundMonitor),
	}
}

// App is a Flatpak application running in the background.
type App struct {
	// ID is the application's Flatpak ID.
	ID string
	// Instance is the application instance's ID.
	Instance string
	// Status is a status message provided by the application.
	Status string

	// Unknown collects any application attributes that are not yet
	// understood by this package.
	Unknown map[string]dbus.Variant
}

func appFromDict(d map[any]any) App {
	a := App{Unknown: map[string]dbus.Variant{}}
	for k, v := range d {
		key, ok := k.(string)
		if !ok {
			continue
		}
		vv, _ := v.(dbus.Variant)
		switch key {
		case "app_id":
			a.ID, _ = vv.Value().(string)
		case "instance":
			a.Instance, _ = vv.Value().(string)
		case "message":
			a.Status, _ = vv.Value().(string)
		default:
			a.Unknown[key] = vv
		}
	}
	return a
}

// BackgroundApps returns a list of Flatpak applications running in
// the background.
func (iface Monitor) BackgroundApps(ctx context.Context) ([]App, error) {
	v, err := iface.iface.GetProperty(ctx, "BackgroundApps")
	if err != nil {
		return nil, err
	}
	items, _ := v.Value().([]any)
	ret := make([]App, 0, len(items))
	for _, it := range items {
		d, ok := it.(map[any]any)
		if !ok {
			continue
		}
		ret = append(ret, appFromDict(d))
	}
	return ret, nil
}

// MatchBackgroundAppsChanged returns a [dbus.Match] for
// PropertiesChanged notifications on the background monitor
// interface. It matches changes to every property of that interface,
// not only "BackgroundApps".
func MatchBackgroundAppsChanged() *dbus.Match {
	return dbus.MatchPropertyChange(ifaceBackgroundMonitor)
}
