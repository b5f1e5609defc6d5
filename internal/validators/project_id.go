// Package validators provides validation functions for identifiers that reach
// the filesystem.
package validators

import (
	"errors"
	"fmt"
	"regexp"
)

const maxProjectIDLength = 128

// ErrInvalidProjectID is wrapped by every error returned from ValidateProjectID.
var ErrInvalidProjectID = errors.New("invalid project id")

// Project id pattern: must start with alphanumeric, then alphanumerics, dots, underscores or hyphens.
var projectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateProjectID checks that id is usable as a single path segment under
// the source and mirror roots.
//
// Rejected values include the empty string, anything containing a path
// separator or NUL, "." and "..", and names starting with a dot or hyphen.
func ValidateProjectID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}
	if len(id) > maxProjectIDLength {
		return fmt.Errorf("%w: exceeds maximum length of %d characters", ErrInvalidProjectID, maxProjectIDLength)
	}
	if !projectIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must start with an alphanumeric character "+
			"and may only contain alphanumerics, dots, underscores and hyphens", ErrInvalidProjectID, id)
	}
	return nil
}
