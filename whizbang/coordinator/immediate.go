package coordinator

import (
	"context"

	"github.com/krew-solutions/whizbang-go/whizbang/deferred"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/store"
)

// ImmediateStrategy flushes on every queue operation, so each call is
// its own transaction and the returned deferreds are already settled.
// Claiming is still left to explicit Flush calls.
type ImmediateStrategy struct {
	coordinator *WorkCoordinator
	buffer      *batchBuffer
}

func NewImmediateStrategy(coordinator *WorkCoordinator) *ImmediateStrategy {
	return &ImmediateStrategy{
		coordinator: coordinator,
		buffer:      &batchBuffer{},
	}
}

func (s *ImmediateStrategy) QueueOutbox(ctx context.Context, msg store.NewOutboxMessage) (deferred.Deferred[*store.BatchResult], error) {
	d, err := s.buffer.QueueOutbox(ctx, msg)
	if err != nil {
		return nil, err
	}
	if _, err := flushBuffer(ctx, s.coordinator, s.buffer, store.FlagSkipClaim); err != nil {
		return d, err
	}
	return d, nil
}

func (s *ImmediateStrategy) QueueInbox(ctx context.Context, msg store.NewInboxMessage) (deferred.Deferred[*store.BatchResult], error) {
	d, err := s.buffer.QueueInbox(ctx, msg)
	if err != nil {
		return nil, err
	}
	if _, err := flushBuffer(ctx, s.coordinator, s.buffer, store.FlagSkipClaim); err != nil {
		return d, err
	}
	return d, nil
}

func (s *ImmediateStrategy) QueueOutboxCompletion(ctx context.Context, completion store.Completion) error {
	_ = s.buffer.QueueOutboxCompletion(ctx, completion)
	return s.flushNow(ctx)
}

func (s *ImmediateStrategy) QueueOutboxFailure(ctx context.Context, failure store.Failure) error {
	_ = s.buffer.QueueOutboxFailure(ctx, failure)
	return s.flushNow(ctx)
}

func (s *ImmediateStrategy) QueueInboxCompletion(ctx context.Context, completion store.Completion) error {
	_ = s.buffer.QueueInboxCompletion(ctx, completion)
	return s.flushNow(ctx)
}

func (s *ImmediateStrategy) QueueInboxFailure(ctx context.Context, failure store.Failure) error {
	_ = s.buffer.QueueInboxFailure(ctx, failure)
	return s.flushNow(ctx)
}

func (s *ImmediateStrategy) QueueReceptorCompletion(ctx context.Context, completion store.ReceptorCompletion) error {
	_ = s.buffer.QueueReceptorCompletion(ctx, completion)
	return s.flushNow(ctx)
}

func (s *ImmediateStrategy) QueueReceptorFailure(ctx context.Context, failure store.ReceptorFailure) error {
	_ = s.buffer.QueueReceptorFailure(ctx, failure)
	return s.flushNow(ctx)
}

func (s *ImmediateStrategy) QueuePerspectiveCompletion(ctx context.Context, completion store.PerspectiveCompletion) error {
	_ = s.buffer.QueuePerspectiveCompletion(ctx, completion)
	return s.flushNow(ctx)
}

func (s *ImmediateStrategy) QueuePerspectiveFailure(ctx context.Context, failure store.PerspectiveFailure) error {
	_ = s.buffer.QueuePerspectiveFailure(ctx, failure)
	return s.flushNow(ctx)
}

func (s *ImmediateStrategy) RenewOutboxLeases(ctx context.Context, ids []ident.ID) error {
	_ = s.buffer.RenewOutboxLeases(ctx, ids)
	return s.flushNow(ctx)
}

func (s *ImmediateStrategy) RenewInboxLeases(ctx context.Context, ids []ident.ID) error {
	_ = s.buffer.RenewInboxLeases(ctx, ids)
	return s.flushNow(ctx)
}

func (s *ImmediateStrategy) Flush(ctx context.Context) (*store.BatchResult, error) {
	return flushBuffer(ctx, s.coordinator, s.buffer, 0)
}

func (s *ImmediateStrategy) flushNow(ctx context.Context) error {
	_, err := flushBuffer(ctx, s.coordinator, s.buffer, store.FlagSkipClaim)
	return err
}
