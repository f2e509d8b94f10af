package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// TransientError marks a delivery failure worth retrying. The outbox
// keeps the message and schedules another attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a delivery failure no retry can fix. The outbox
// dead-letters the message immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps a publish error so the delivery is retried later.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps a publish error so the delivery is dead-lettered
// without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in
// its chain.
func IsPermanent(err error) bool {
	var target *PermanentError
	return errors.As(err, &target)
}

// IsTransient reports whether a publish error should be retried. Every
// failure that is not explicitly permanent counts as transient, so
// transports that return unclassified errors get retries by default.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
