package dbus

import (
	"regexp"
	"strings"
)

// Validators for the four DBus name grammars. Grounded on
// dbus_next's validators.py: bus names allow hyphens in their
// elements, object path elements do not, and member names forbid
// dots entirely.
var (
	busNameElementRe  = regexp.MustCompile(`^[A-Za-z_-][A-Za-z0-9_-]*$`)
	pathElementRe     = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	ifaceElementRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	memberNameRe      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidBusName reports whether name is a syntactically valid unique
// or well-known bus name.
func ValidBusName(name string) bool {
	if len(name) == 0 || len(name) > 255 {
		return false
	}
	unique := strings.HasPrefix(name, ":")
	body := name
	if unique {
		body = name[1:]
	}
	elems := strings.Split(body, ".")
	if len(elems) < 2 && !unique {
		return false
	}
	for _, e := range elems {
		if e == "" {
			return false
		}
		if unique {
			// Unique names permit a leading digit in their elements.
			if !regexp.MustCompile(`^[A-Za-z0-9_-]+$`).MatchString(e) {
				return false
			}
			continue
		}
		if !busNameElementRe.MatchString(e) {
			return false
		}
	}
	return true
}

// ValidObjectPath reports whether path is a syntactically valid
// object path.
func ValidObjectPath(path string) bool {
	if path == "" || path[0] != '/' {
		return false
	}
	if path == "/" {
		return true
	}
	if strings.HasSuffix(path, "/") {
		return false
	}
	for _, e := range strings.Split(path[1:], "/") {
		if !pathElementRe.MatchString(e) {
			return false
		}
	}
	return true
}

// ValidInterfaceName reports whether name is a syntactically valid
// interface name.
func ValidInterfaceName(name string) bool {
	if len(name) == 0 || len(name) > 255 {
		return false
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if e == "" || !ifaceElementRe.MatchString(e) {
			return false
		}
	}
	return true
}

// ValidMemberName reports whether name is a syntactically valid
// method, signal, or property name.
func ValidMemberName(name string) bool {
	if len(name) == 0 || len(name) > 255 {
		return false
	}
	return memberNameRe.MatchString(name)
}

func assertBusName(name string) error {
	if !ValidBusName(name) {
		return validationErr(ErrInvalidBusName, name)
	}
	return nil
}

func assertObjectPath(path string) error {
	if !ValidObjectPath(path) {
		return validationErr(ErrInvalidObjectPath, path)
	}
	return nil
}

func assertInterfaceName(name string) error {
	if !ValidInterfaceName(name) {
		return validationErr(ErrInvalidInterfaceName, name)
	}
	return nil
}

func assertMemberName(name string) error {
	if !ValidMemberName(name) {
		return validationErr(ErrInvalidMemberName, name)
	}
	return nil
}
