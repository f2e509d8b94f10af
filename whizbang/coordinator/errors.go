package coordinator

import (
	"errors"
	"fmt"
)

// ValidationError reports a work batch that cannot be processed as
// given. Nothing was written to storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("work batch validation failed on %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a ValidationError anywhere
// in its chain.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// StorageError wraps a store failure during a flush. Callers that
// queued work observe it through their deferreds; callers that flushed
// get it returned directly.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("work batch storage failed: %v", e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is a StorageError anywhere in its
// chain.
func IsStorageError(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}
