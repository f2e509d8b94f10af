package deferred

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

type settledState int

const (
	statePending settledState = iota
	stateResolved
	stateRejected
)

type handler[T any] struct {
	onSuccess func(T) (any, error)
	onError   func(error) (any, error)
	next      *DeferredImp[any]
}

// DeferredImp is the default Deferred implementation. Safe for
// concurrent use: a background flusher may settle the result while
// callers attach continuations from their own goroutines.
type DeferredImp[T any] struct {
	mu       sync.Mutex
	state    settledState
	value    T
	err      error
	handlers []handler[T]
	occurred *multierror.Error
}

func NewDeferred[T any]() *DeferredImp[T] {
	return &DeferredImp[T]{}
}

func (d *DeferredImp[T]) Resolve(value T) {
	d.mu.Lock()
	if d.state != statePending {
		d.mu.Unlock()
		return
	}
	d.state = stateResolved
	d.value = value
	pending := d.handlers
	d.handlers = nil
	d.mu.Unlock()

	for _, h := range pending {
		d.runResolved(h)
	}
}

func (d *DeferredImp[T]) Reject(err error) {
	d.mu.Lock()
	if d.state != statePending {
		d.mu.Unlock()
		return
	}
	d.state = stateRejected
	d.err = err
	d.occurred = multierror.Append(d.occurred, err)
	pending := d.handlers
	d.handlers = nil
	d.mu.Unlock()

	for _, h := range pending {
		d.runRejected(h)
	}
}

func (d *DeferredImp[T]) Then(onSuccess func(T) (any, error), onError func(error) (any, error)) Deferred[any] {
	h := handler[T]{onSuccess: onSuccess, onError: onError, next: NewDeferred[any]()}

	d.mu.Lock()
	switch d.state {
	case statePending:
		d.handlers = append(d.handlers, h)
		d.mu.Unlock()
	case stateResolved:
		d.mu.Unlock()
		d.runResolved(h)
	default:
		d.mu.Unlock()
		d.runRejected(h)
	}

	return h.next
}

func (d *DeferredImp[T]) OccurredErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.occurred.ErrorOrNil()
}

// value and err are immutable once the deferred settled, so the
// handler runners read them without the lock.

func (d *DeferredImp[T]) runResolved(h handler[T]) {
	result, err := h.onSuccess(d.value)
	if err != nil {
		d.appendOccurred(err)
		h.next.Reject(err)
		return
	}
	h.next.Resolve(result)
}

func (d *DeferredImp[T]) runRejected(h handler[T]) {
	result, err := h.onError(d.err)
	if err != nil {
		d.appendOccurred(err)
		h.next.Reject(err)
		return
	}
	h.next.Resolve(result)
}

func (d *DeferredImp[T]) appendOccurred(err error) {
	d.mu.Lock()
	d.occurred = multierror.Append(d.occurred, err)
	d.mu.Unlock()
}

// Then attaches typed continuations to a deferred. Either callback may
// be Noop when only one side is interesting.
func Then[T, R any](d Deferred[T], onSuccess func(T) (R, error), onError func(error) (R, error)) Deferred[R] {
	next := NewDeferred[R]()
	d.Then(
		func(value T) (any, error) {
			result, err := onSuccess(value)
			if err != nil {
				next.Reject(err)
				return nil, err
			}
			next.Resolve(result)
			return result, nil
		},
		func(cause error) (any, error) {
			result, err := onError(cause)
			if err != nil {
				next.Reject(err)
				return nil, err
			}
			next.Resolve(result)
			return result, nil
		},
	)
	return next
}

// Noop is a pass-through continuation.
func Noop[T, R any](T) (R, error) {
	var zero R
	return zero, nil
}

// All returns a deferred that resolves with every value, in input
// order, once all inputs resolved, and rejects on the first rejection.
func All[T any](deferreds ...Deferred[T]) Deferred[[]T] {
	result := NewDeferred[[]T]()
	if len(deferreds) == 0 {
		result.Resolve(nil)
		return result
	}

	var (
		mu        sync.Mutex
		remaining = len(deferreds)
		values    = make([]T, len(deferreds))
	)
	for i, d := range deferreds {
		index := i
		d.Then(
			func(value T) (any, error) {
				mu.Lock()
				values[index] = value
				remaining--
				done := remaining == 0
				mu.Unlock()
				if done {
					result.Resolve(values)
				}
				return nil, nil
			},
			func(cause error) (any, error) {
				result.Reject(cause)
				return nil, nil
			},
		)
	}

	return result
}
