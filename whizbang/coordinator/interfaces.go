package coordinator

import (
	"context"

	"github.com/krew-solutions/whizbang-go/whizbang/deferred"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/store"
)

// Strategy decides when queued work reaches the store. Queue
// operations buffer; QueueOutbox and QueueInbox hand back a deferred
// settled with the BatchResult of the flush that carried the message,
// so callers can await durability without knowing the flush schedule.
//
// Claiming happens only on explicit Flush calls. Flushes a strategy
// runs on its own behalf skip the claim, because work claimed with
// nobody around to process it just burns its lease.
type Strategy interface {
	QueueOutbox(ctx context.Context, msg store.NewOutboxMessage) (deferred.Deferred[*store.BatchResult], error)
	QueueInbox(ctx context.Context, msg store.NewInboxMessage) (deferred.Deferred[*store.BatchResult], error)

	QueueOutboxCompletion(ctx context.Context, completion store.Completion) error
	QueueOutboxFailure(ctx context.Context, failure store.Failure) error
	QueueInboxCompletion(ctx context.Context, completion store.Completion) error
	QueueInboxFailure(ctx context.Context, failure store.Failure) error
	QueueReceptorCompletion(ctx context.Context, completion store.ReceptorCompletion) error
	QueueReceptorFailure(ctx context.Context, failure store.ReceptorFailure) error
	QueuePerspectiveCompletion(ctx context.Context, completion store.PerspectiveCompletion) error
	QueuePerspectiveFailure(ctx context.Context, failure store.PerspectiveFailure) error

	RenewOutboxLeases(ctx context.Context, ids []ident.ID) error
	RenewInboxLeases(ctx context.Context, ids []ident.ID) error

	// Flush drains the buffer into one WorkBatch, processes it in a
	// single transaction and settles the pending deferreds. It runs
	// even on an empty buffer: an empty flush is the claim poll.
	Flush(ctx context.Context) (*store.BatchResult, error)
}

// Stopper is implemented by strategies with background work. Stop
// drains the remaining buffer synchronously.
type Stopper interface {
	Stop(ctx context.Context) error
}
