package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.deel/sessions and a
// component of the daemon socket path, which has a hard length limit on
// most platforms. Keep them short and filesystem-safe.
const maxNameLen = 32

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateName checks that a session name is usable as a directory and
// socket path component.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("session name %q is longer than %d characters", name, maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("session name %q: use lowercase letters, digits, - or _, starting with a letter or digit", name)
	}
	return nil
}
