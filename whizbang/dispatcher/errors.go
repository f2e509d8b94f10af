package dispatcher

import (
	"errors"
	"fmt"
)

var (
	// ErrReceptorNotRegistered means no receptor is routed for the
	// command type.
	ErrReceptorNotRegistered = fmt.Errorf("dispatcher: receptor not registered")

	// ErrEventNotBound means no event type is bound to the wire message
	// type, so the payload cannot be decoded.
	ErrEventNotBound = fmt.Errorf("dispatcher: event not bound")

	// ErrNoStrategy means the dispatcher was built without a strategy
	// and cannot queue outgoing messages.
	ErrNoStrategy = fmt.Errorf("dispatcher: no strategy attached")
)

// HandlerError reports that application code inside a receptor or
// perspective failed. It separates domain failures from queueing
// failures, which surface as coordinator errors instead.
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %v", e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsHandlerError reports whether err carries a HandlerError anywhere in
// its chain.
func IsHandlerError(err error) bool {
	var target *HandlerError
	return errors.As(err, &target)
}
