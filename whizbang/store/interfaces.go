package store

import (
	"context"
	"time"

	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/signals"
)

// Store persists and leases coordinated work. One ProcessWorkBatch
// call is one transaction: every acknowledgement, insert, checkpoint
// and claim in the batch becomes durable together or not at all.
type Store interface {
	// ProcessWorkBatch applies the batch and claims the next work for
	// the calling instance. See WorkBatch and BatchResult for the
	// contract.
	ProcessWorkBatch(ctx context.Context, batch WorkBatch) (*BatchResult, error)

	// Setup creates the tables and indexes the store works against.
	// Safe to call on every startup.
	Setup(ctx context.Context) error

	// PurgeInbox removes completed inbox rows older than the given
	// retention and returns how many were removed.
	PurgeInbox(ctx context.Context, olderThan time.Duration) (int64, error)

	// ListDeadLetteredOutbox returns outbox messages that exhausted
	// their retries, newest first.
	ListDeadLetteredOutbox(ctx context.Context, limit int) ([]OutboxRow, error)

	// ListDeadLetteredInbox returns inbox messages that exhausted
	// their retries, newest first.
	ListDeadLetteredInbox(ctx context.Context, limit int) ([]InboxRow, error)

	// RequeueOutbox puts dead-lettered outbox messages back in play
	// with a fresh retry budget. Returns how many rows moved.
	RequeueOutbox(ctx context.Context, ids []ident.ID) (int64, error)

	// RequeueInbox puts dead-lettered inbox messages back in play.
	RequeueInbox(ctx context.Context, ids []ident.ID) (int64, error)

	// OnWorkStored fires after a batch that inserted outbox work
	// committed. Publishers attach here to wake without polling.
	OnWorkStored() signals.Signal[WorkStoredEvent]
}
