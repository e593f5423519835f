package dbus

import "reflect"

func deepEqualValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
