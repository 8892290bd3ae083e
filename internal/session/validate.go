package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is returned for profile names that cannot be used as a
// directory name under sessions/.
var ErrInvalidName = errors.New("invalid profile name")

// A profile name starts with a letter or digit so it never reads as a flag.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name conforms to profile naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: use up to 64 of [a-z0-9_-], starting with a letter or digit", ErrInvalidName, name)
	}
	return nil
}
