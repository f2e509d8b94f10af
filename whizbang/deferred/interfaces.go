package deferred

// Deferred is a promise-style container settled exactly once with a
// value or an error. Queueing operations hand one back so callers can
// observe the outcome of a flush that happens later, possibly on
// another goroutine.
//
// Handlers attached after settlement run immediately on the caller's
// goroutine.
type Deferred[T any] interface {
	// Resolve settles the deferred with a value. Calls after the first
	// settlement are ignored.
	Resolve(value T)

	// Reject settles the deferred with an error. Calls after the first
	// settlement are ignored.
	Reject(err error)

	// Then attaches a success and a failure continuation and returns a
	// deferred settled with the continuation's outcome. Go methods
	// cannot introduce type parameters, so the interface carries the
	// untyped form; the typed form is the package-level Then function.
	Then(onSuccess func(T) (any, error), onError func(error) (any, error)) Deferred[any]

	// OccurredErr aggregates the rejection error with every error
	// returned by attached continuations, or nil when none occurred.
	OccurredErr() error
}
