package coordinator

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/krew-solutions/whizbang-go/whizbang/store"
)

// ScopedStrategy gives each unit of work its own buffer and flushes it
// exactly once when the scope closes. A consumer handling one delivery
// is the typical scope: everything the handler queues lands in one
// transaction.
type ScopedStrategy struct {
	coordinator *WorkCoordinator
}

func NewScopedStrategy(coordinator *WorkCoordinator) *ScopedStrategy {
	return &ScopedStrategy{coordinator: coordinator}
}

// Scope runs the callback with a fresh buffer and flushes whatever is
// left when the callback returns, on success and on error alike:
// queued acknowledgements describe work that already happened, so an
// error later in the scope is no reason to lose them. The callback
// error and the flush error are combined.
func (s *ScopedStrategy) Scope(ctx context.Context, callback func(scope *Scope) error) error {
	scope := &Scope{
		batchBuffer: &batchBuffer{},
		coordinator: s.coordinator,
	}
	callbackErr := callback(scope)

	var flushErr error
	if scope.batchBuffer.size() > 0 {
		_, flushErr = flushBuffer(ctx, s.coordinator, scope.batchBuffer, store.FlagSkipClaim)
	}
	if callbackErr == nil && flushErr == nil {
		return nil
	}
	return multierror.Append(callbackErr, flushErr).ErrorOrNil()
}

// Scope is the Strategy handed to a scope callback. Queue operations
// buffer; an explicit Flush mid-scope claims, which is how a consumer
// turns a queued inbox message into claimed work it can process right
// away.
type Scope struct {
	*batchBuffer
	coordinator *WorkCoordinator
}

func (s *Scope) Flush(ctx context.Context) (*store.BatchResult, error) {
	return flushBuffer(ctx, s.coordinator, s.batchBuffer, 0)
}
