package envelope

import (
	"errors"
	"fmt"
)

// ValidationError reports a message that cannot be queued. The bug is
// on the caller's side, in the named field; nothing was written to
// storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a ValidationError anywhere
// in its chain.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
