package coordinator

import (
	"context"
	"sync"

	"github.com/krew-solutions/whizbang-go/whizbang/deferred"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/store"
)

// batchBuffer accumulates one WorkBatch between flushes. The queue
// methods implement the buffering half of Strategy: validate, append
// under the lock, never block on the store.
type batchBuffer struct {
	mu      sync.Mutex
	batch   store.WorkBatch
	pending []deferred.Deferred[*store.BatchResult]
}

func (b *batchBuffer) QueueOutbox(_ context.Context, msg store.NewOutboxMessage) (deferred.Deferred[*store.BatchResult], error) {
	if err := validateOutboxMessage(msg); err != nil {
		return nil, err
	}
	d := deferred.NewDeferred[*store.BatchResult]()
	b.mu.Lock()
	b.batch.NewOutboxMessages = append(b.batch.NewOutboxMessages, msg)
	b.pending = append(b.pending, d)
	b.mu.Unlock()
	return d, nil
}

func (b *batchBuffer) QueueInbox(_ context.Context, msg store.NewInboxMessage) (deferred.Deferred[*store.BatchResult], error) {
	if err := validateInboxMessage(msg); err != nil {
		return nil, err
	}
	d := deferred.NewDeferred[*store.BatchResult]()
	b.mu.Lock()
	b.batch.NewInboxMessages = append(b.batch.NewInboxMessages, msg)
	b.pending = append(b.pending, d)
	b.mu.Unlock()
	return d, nil
}

func (b *batchBuffer) QueueOutboxCompletion(_ context.Context, completion store.Completion) error {
	b.mu.Lock()
	b.batch.OutboxCompletions = append(b.batch.OutboxCompletions, completion)
	b.mu.Unlock()
	return nil
}

func (b *batchBuffer) QueueOutboxFailure(_ context.Context, failure store.Failure) error {
	b.mu.Lock()
	b.batch.OutboxFailures = append(b.batch.OutboxFailures, failure)
	b.mu.Unlock()
	return nil
}

func (b *batchBuffer) QueueInboxCompletion(_ context.Context, completion store.Completion) error {
	b.mu.Lock()
	b.batch.InboxCompletions = append(b.batch.InboxCompletions, completion)
	b.mu.Unlock()
	return nil
}

func (b *batchBuffer) QueueInboxFailure(_ context.Context, failure store.Failure) error {
	b.mu.Lock()
	b.batch.InboxFailures = append(b.batch.InboxFailures, failure)
	b.mu.Unlock()
	return nil
}

func (b *batchBuffer) QueueReceptorCompletion(_ context.Context, completion store.ReceptorCompletion) error {
	b.mu.Lock()
	b.batch.ReceptorCompletions = append(b.batch.ReceptorCompletions, completion)
	b.mu.Unlock()
	return nil
}

func (b *batchBuffer) QueueReceptorFailure(_ context.Context, failure store.ReceptorFailure) error {
	b.mu.Lock()
	b.batch.ReceptorFailures = append(b.batch.ReceptorFailures, failure)
	b.mu.Unlock()
	return nil
}

func (b *batchBuffer) QueuePerspectiveCompletion(_ context.Context, completion store.PerspectiveCompletion) error {
	b.mu.Lock()
	b.batch.PerspectiveCompletions = append(b.batch.PerspectiveCompletions, completion)
	b.mu.Unlock()
	return nil
}

func (b *batchBuffer) QueuePerspectiveFailure(_ context.Context, failure store.PerspectiveFailure) error {
	b.mu.Lock()
	b.batch.PerspectiveFailures = append(b.batch.PerspectiveFailures, failure)
	b.mu.Unlock()
	return nil
}

func (b *batchBuffer) RenewOutboxLeases(_ context.Context, ids []ident.ID) error {
	b.mu.Lock()
	b.batch.RenewOutboxLeases = append(b.batch.RenewOutboxLeases, ids...)
	b.mu.Unlock()
	return nil
}

func (b *batchBuffer) RenewInboxLeases(_ context.Context, ids []ident.ID) error {
	b.mu.Lock()
	b.batch.RenewInboxLeases = append(b.batch.RenewInboxLeases, ids...)
	b.mu.Unlock()
	return nil
}

func (b *batchBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batch.Size()
}

func (b *batchBuffer) drain() (store.WorkBatch, []deferred.Deferred[*store.BatchResult]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.batch
	pending := b.pending
	b.batch = store.WorkBatch{}
	b.pending = nil
	return batch, pending
}

// flushBuffer drains the buffer into one batch, processes it and
// settles every deferred handed out for the drained items.
func flushBuffer(ctx context.Context, coordinator *WorkCoordinator, buffer *batchBuffer, flags store.Flags) (*store.BatchResult, error) {
	batch, pending := buffer.drain()
	batch.Flags |= flags
	result, err := coordinator.ProcessWorkBatch(ctx, batch)
	if err != nil {
		for _, d := range pending {
			d.Reject(err)
		}
		return nil, err
	}
	for _, d := range pending {
		d.Resolve(result)
	}
	return result, nil
}
