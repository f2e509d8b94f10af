package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/krew-solutions/whizbang-go/whizbang/deferred"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/store"
)

// IntervalStrategy batches queued work in the background: a flush runs
// every interval, or as soon as the buffer reaches the threshold,
// whichever comes first. Queue operations never block on the store.
type IntervalStrategy struct {
	coordinator *WorkCoordinator
	buffer      *batchBuffer
	interval    time.Duration
	threshold   int

	wake     chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewIntervalStrategy(coordinator *WorkCoordinator, interval time.Duration, threshold int) *IntervalStrategy {
	if interval == 0 {
		interval = 100 * time.Millisecond
	}
	if threshold == 0 {
		threshold = 256
	}
	s := &IntervalStrategy{
		coordinator: coordinator,
		buffer:      &batchBuffer{},
		interval:    interval,
		threshold:   threshold,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *IntervalStrategy) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.stopped)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.flushPending()
	}
}

// flushPending drains what queued so far. Background flushes skip the
// claim and never fail the queueing caller; the error reaches waiters
// through their rejected deferreds and the log.
func (s *IntervalStrategy) flushPending() {
	if s.buffer.size() == 0 {
		return
	}
	if _, err := flushBuffer(context.Background(), s.coordinator, s.buffer, store.FlagSkipClaim); err != nil {
		s.coordinator.logger.Error("work_flush_failed", "error", err)
	}
}

func (s *IntervalStrategy) notifyThreshold() {
	if s.buffer.size() < s.threshold {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *IntervalStrategy) QueueOutbox(ctx context.Context, msg store.NewOutboxMessage) (deferred.Deferred[*store.BatchResult], error) {
	d, err := s.buffer.QueueOutbox(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.notifyThreshold()
	return d, nil
}

func (s *IntervalStrategy) QueueInbox(ctx context.Context, msg store.NewInboxMessage) (deferred.Deferred[*store.BatchResult], error) {
	d, err := s.buffer.QueueInbox(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.notifyThreshold()
	return d, nil
}

func (s *IntervalStrategy) QueueOutboxCompletion(ctx context.Context, completion store.Completion) error {
	_ = s.buffer.QueueOutboxCompletion(ctx, completion)
	s.notifyThreshold()
	return nil
}

func (s *IntervalStrategy) QueueOutboxFailure(ctx context.Context, failure store.Failure) error {
	_ = s.buffer.QueueOutboxFailure(ctx, failure)
	s.notifyThreshold()
	return nil
}

func (s *IntervalStrategy) QueueInboxCompletion(ctx context.Context, completion store.Completion) error {
	_ = s.buffer.QueueInboxCompletion(ctx, completion)
	s.notifyThreshold()
	return nil
}

func (s *IntervalStrategy) QueueInboxFailure(ctx context.Context, failure store.Failure) error {
	_ = s.buffer.QueueInboxFailure(ctx, failure)
	s.notifyThreshold()
	return nil
}

func (s *IntervalStrategy) QueueReceptorCompletion(ctx context.Context, completion store.ReceptorCompletion) error {
	_ = s.buffer.QueueReceptorCompletion(ctx, completion)
	s.notifyThreshold()
	return nil
}

func (s *IntervalStrategy) QueueReceptorFailure(ctx context.Context, failure store.ReceptorFailure) error {
	_ = s.buffer.QueueReceptorFailure(ctx, failure)
	s.notifyThreshold()
	return nil
}

func (s *IntervalStrategy) QueuePerspectiveCompletion(ctx context.Context, completion store.PerspectiveCompletion) error {
	_ = s.buffer.QueuePerspectiveCompletion(ctx, completion)
	s.notifyThreshold()
	return nil
}

func (s *IntervalStrategy) QueuePerspectiveFailure(ctx context.Context, failure store.PerspectiveFailure) error {
	_ = s.buffer.QueuePerspectiveFailure(ctx, failure)
	s.notifyThreshold()
	return nil
}

func (s *IntervalStrategy) RenewOutboxLeases(ctx context.Context, ids []ident.ID) error {
	_ = s.buffer.RenewOutboxLeases(ctx, ids)
	s.notifyThreshold()
	return nil
}

func (s *IntervalStrategy) RenewInboxLeases(ctx context.Context, ids []ident.ID) error {
	_ = s.buffer.RenewInboxLeases(ctx, ids)
	s.notifyThreshold()
	return nil
}

func (s *IntervalStrategy) Flush(ctx context.Context) (*store.BatchResult, error) {
	return flushBuffer(ctx, s.coordinator, s.buffer, 0)
}

// Stop shuts the background flusher down and drains what is still
// buffered. Safe to call more than once.
func (s *IntervalStrategy) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	select {
	case <-s.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.buffer.size() == 0 {
		return nil
	}
	_, err := flushBuffer(ctx, s.coordinator, s.buffer, store.FlagSkipClaim)
	return err
}
