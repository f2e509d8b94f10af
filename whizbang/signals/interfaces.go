package signals

import (
	"github.com/krew-solutions/whizbang-go/whizbang/disposable"
)

// Observer is a callback invoked with every notified event.
type Observer[E any] func(event E)

// Signal is a synchronous multicast event source. Workers expose their
// lifecycle through signals so hosts can observe state changes without
// the worker knowing about them.
type Signal[E any] interface {
	// Attach registers an observer. The optional observerID gives the
	// registration an explicit identity; without it the identity is
	// derived from the function pointer. Attaching the same identity
	// twice replaces the earlier registration.
	Attach(observer Observer[E], observerID ...string) disposable.Disposable

	// Detach removes the registration with the given identity.
	Detach(observerID string)

	// Notify invokes every attached observer with the event, in
	// attachment order, on the caller's goroutine.
	Notify(event E)
}
