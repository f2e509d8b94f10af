// Package consumer drives received deliveries through the inbox for
// exactly-once processing. Each delivery is recorded and claimed in one
// scope, the claimed work dispatched in stream order, and the
// acknowledgements flushed before the transport ack.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/krew-solutions/whizbang-go/whizbang/coordinator"
	"github.com/krew-solutions/whizbang-go/whizbang/envelope"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/option"
	"github.com/krew-solutions/whizbang-go/whizbang/processor"
	"github.com/krew-solutions/whizbang-go/whizbang/signals"
	"github.com/krew-solutions/whizbang-go/whizbang/store"
	"github.com/krew-solutions/whizbang-go/whizbang/transport"
	"github.com/krew-solutions/whizbang-go/whizbang/worker"
)

// DispatchFunc applies one stored event to the service's handlers. The
// strategy is the delivery scope: everything the dispatch queues on it,
// checkpoints included, commits in the same transaction as the inbox
// acknowledgement. A dispatcher view obtained with WithStrategy is the
// usual implementation. Errors wrapped with transport.Permanent
// dead-letter the message; everything else retries.
type DispatchFunc func(ctx context.Context, scope coordinator.Strategy, messageType string, streamID, eventID ident.ID, sequence int64, payload []byte) error

// Config tunes a consumer. Zero values fall back to defaults.
type Config struct {
	// LeaseSeconds mirrors the lease the store grants on claims. The
	// renew ticker runs at a third of it.
	LeaseSeconds int

	// MaxStreamParallelism bounds how many stream groups dispatch
	// concurrently.
	MaxStreamParallelism int

	// DedupCacheSize is how many recently recorded message ids are kept
	// in memory to drop redeliveries without a store round trip. The
	// cache is advisory; the inbox unique key stays the arbiter for
	// anything evicted.
	DedupCacheSize int

	// DedupWindow is how long completed inbox rows are kept before the
	// retention pass removes them. It must cover the transport's
	// longest redelivery window and should match the store's setting.
	DedupWindow time.Duration

	// PurgeInterval is how often the retention pass runs.
	PurgeInterval time.Duration

	Logger *slog.Logger
}

// Consumer feeds transport deliveries into the inbox and runs the
// claimed work. A redelivery of something already recorded inserts
// nothing and is acked straight away.
type Consumer struct {
	serviceName string
	coordinator *coordinator.WorkCoordinator
	scoped      *coordinator.ScopedStrategy
	receiver    transport.Receiver
	dispatch    DispatchFunc
	processor   *processor.OrderedStreamProcessor
	lifecycle   *worker.Lifecycle
	logger      *slog.Logger

	renewInterval time.Duration
	dedupWindow   time.Duration
	purgeInterval time.Duration
	recent        *lru.Cache[ident.ID, struct{}]

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	mu       sync.Mutex
	inFlight map[ident.ID]time.Time
}

func NewConsumer(serviceName string, coord *coordinator.WorkCoordinator, receiver transport.Receiver, dispatch DispatchFunc, cfg Config) *Consumer {
	if cfg.LeaseSeconds == 0 {
		cfg.LeaseSeconds = 300
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 4096
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 7 * 24 * time.Hour
	}
	if cfg.PurgeInterval == 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	// Size is positive here, so New cannot fail.
	recent, _ := lru.New[ident.ID, struct{}](cfg.DedupCacheSize)
	return &Consumer{
		serviceName:   serviceName,
		coordinator:   coord,
		scoped:        coordinator.NewScopedStrategy(coord),
		receiver:      receiver,
		dispatch:      dispatch,
		processor:     processor.NewOrderedStreamProcessor(cfg.MaxStreamParallelism, cfg.Logger),
		lifecycle:     worker.NewLifecycle("consumer", cfg.Logger),
		logger:        cfg.Logger,
		renewInterval: time.Duration(cfg.LeaseSeconds) * time.Second / 3,
		dedupWindow:   cfg.DedupWindow,
		purgeInterval: cfg.PurgeInterval,
		recent:        recent,
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		inFlight:      make(map[ident.ID]time.Time),
	}
}

func (c *Consumer) State() worker.State {
	return c.lifecycle.State()
}

func (c *Consumer) OnStateChanged() signals.Signal[worker.StateChangedEvent] {
	return c.lifecycle.OnStateChanged()
}

// Start opens the receive channel and begins handling deliveries. A
// consumer starts once.
func (c *Consumer) Start() error {
	if !c.lifecycle.Advance(worker.StateRunning) {
		return errors.New("consumer already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	deliveries, err := c.receiver.Receive(ctx)
	if err != nil {
		cancel()
		c.lifecycle.Advance(worker.StateStopped)
		return errors.Wrap(err, "unable to open receive channel")
	}

	c.wg.Add(3)
	go c.run(ctx, deliveries)
	go c.renewLoop(ctx)
	go c.purgeLoop(ctx)
	go func() {
		c.wg.Wait()
		close(c.stopped)
	}()
	return nil
}

// Stop drains: no new deliveries are taken, the one in flight finishes
// and its scope flushes, then the state lands on Stopped. When ctx
// expires first, in-flight work is cut loose and its leases lapse.
func (c *Consumer) Stop(ctx context.Context) error {
	switch c.lifecycle.State() {
	case worker.StateStarting:
		c.lifecycle.Advance(worker.StateStopped)
		return nil
	case worker.StateStopped:
		return nil
	}
	c.lifecycle.Advance(worker.StateDraining)
	c.stopOnce.Do(func() { close(c.stop) })

	select {
	case <-c.stopped:
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
	c.cancel()
	c.lifecycle.Advance(worker.StateStopped)
	return nil
}

func (c *Consumer) run(ctx context.Context, deliveries <-chan transport.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery transport.Delivery) {
	if c.recent.Contains(delivery.MessageID) {
		c.logger.Debug("duplicate delivery dropped",
			"event", "inbox_deduplicated",
			"message_id", delivery.MessageID.String(),
			"message_type", delivery.Envelope.MessageType,
			"source", "cache",
		)
		c.settle(ctx, delivery, nil)
		return
	}

	err := c.scoped.Scope(ctx, func(scope *coordinator.Scope) error {
		return c.consume(ctx, scope, delivery)
	})
	c.settle(ctx, delivery, err)
}

// consume records the delivery and runs whatever inbox work the flush
// claimed. The scope's trailing flush carries the acknowledgements
// queued here; when that flush fails the caller nacks and the
// redelivery starts over against the inbox.
func (c *Consumer) consume(ctx context.Context, scope *coordinator.Scope, delivery transport.Delivery) error {
	if _, err := scope.QueueInbox(ctx, inboxMessage(delivery)); err != nil {
		return err
	}
	result, err := scope.Flush(ctx)
	if err != nil {
		return err
	}

	if len(result.InsertedInbox) == 0 {
		// Already recorded by an earlier delivery. The record is
		// durable, so the redelivery can be dropped for good.
		c.recent.Add(delivery.MessageID, struct{}{})
		c.logger.Debug("duplicate delivery dropped",
			"event", "inbox_deduplicated",
			"message_id", delivery.MessageID.String(),
			"message_type", delivery.Envelope.MessageType,
			"source", "store",
		)
	}
	if len(result.ClaimedInbox) == 0 {
		// Recorded but not claimable right now, typically because the
		// partition belongs to another instance. Ack anyway: the inbox
		// row is the durable hand-off, not the transport delivery.
		return nil
	}

	c.logger.Debug("inbox work claimed",
		"event", "work_claimed",
		"messages", len(result.ClaimedInbox),
		"lease_expiry", result.LeaseExpiry,
	)

	messages := toMessages(result.ClaimedInbox)
	c.track(messages)
	defer c.untrack(messages)
	return c.processor.Process(ctx, messages, c.action(scope), c.reporter(scope))
}

// settle acks or nacks the delivery depending on how the scope went. A
// nacked delivery comes back and re-drives deduplication.
func (c *Consumer) settle(ctx context.Context, delivery transport.Delivery, err error) {
	if err != nil {
		c.logger.Error("delivery handling failed",
			"event", "delivery_failed",
			"message_id", delivery.MessageID.String(),
			"message_type", delivery.Envelope.MessageType,
			"attempt", delivery.Attempt,
			"error", err,
		)
		if nackErr := c.receiver.Nack(ctx, delivery.MessageID); nackErr != nil {
			c.logger.Error("delivery nack failed",
				"event", "nack_failed",
				"message_id", delivery.MessageID.String(),
				"error", nackErr,
			)
		}
		return
	}
	if ackErr := c.receiver.Ack(ctx, delivery.MessageID); ackErr != nil {
		c.logger.Error("delivery ack failed",
			"event", "ack_failed",
			"message_id", delivery.MessageID.String(),
			"error", ackErr,
		)
	}
}

// action adapts the injected dispatch to the processor, with the
// delivery scope carrying its bookkeeping.
func (c *Consumer) action(scope *coordinator.Scope) processor.Action {
	return func(ctx context.Context, msg processor.Message) (processor.Outcome, error) {
		err := c.dispatch(ctx, scope, msg.Envelope.MessageType, msg.StreamID, msg.ID, msg.Sequence, msg.Payload)
		if err == nil {
			return processor.Handled, nil
		}
		if transport.IsPermanent(err) {
			return processor.PermanentFailure, err
		}
		return processor.TransientFailure, err
	}
}

// reporter queues the per-message acknowledgement on the delivery
// scope. Cancelled attempts queue nothing: the lease lapses and the
// message comes back on a later claim.
func (c *Consumer) reporter(scope *coordinator.Scope) processor.ReporterFunc {
	return func(ctx context.Context, msg processor.Message, outcome processor.Outcome, actionErr error) error {
		c.release(msg.ID)
		switch outcome {
		case processor.Handled:
			c.recent.Add(msg.ID, struct{}{})
			return scope.QueueInboxCompletion(ctx, store.Completion{
				MessageID: msg.ID,
				Status:    store.StatusCompleted,
			})
		case processor.Cancelled:
			return nil
		case processor.PermanentFailure:
			c.logger.Warn("inbox message dispatch failed for good",
				"event", "dispatch_failed",
				"message_id", msg.ID.String(),
				"message_type", msg.Envelope.MessageType,
				"error", actionErr,
			)
			return scope.QueueInboxFailure(ctx, store.Failure{
				MessageID: msg.ID,
				Reason:    reasonOf(actionErr),
				Permanent: true,
			})
		default:
			c.logger.Warn("inbox message dispatch failed",
				"event", "dispatch_failed",
				"message_id", msg.ID.String(),
				"message_type", msg.Envelope.MessageType,
				"error", actionErr,
			)
			return scope.QueueInboxFailure(ctx, store.Failure{
				MessageID: msg.ID,
				Reason:    reasonOf(actionErr),
			})
		}
	}
}

// renewLoop keeps leases of slow in-flight work alive. Renewals go
// straight through the coordinator: the delivery scope only flushes
// when it closes, which is exactly too late for a renewal.
func (c *Consumer) renewLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		ids := c.agedInFlight()
		if len(ids) == 0 {
			continue
		}
		_, err := c.coordinator.ProcessWorkBatch(ctx, store.WorkBatch{
			RenewInboxLeases: ids,
			Flags:            store.FlagSkipClaim,
		})
		if err != nil {
			c.logger.Error("lease renewal failed",
				"event", "lease_renew_failed",
				"messages", len(ids),
				"error", err,
			)
			continue
		}
		c.logger.Debug("leases renewed",
			"event", "leases_renewed",
			"messages", len(ids),
		)
	}
}

// purgeLoop removes completed inbox rows that outlived the
// deduplication window.
func (c *Consumer) purgeLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		removed, err := c.coordinator.Store().PurgeInbox(ctx, c.dedupWindow)
		if err != nil {
			c.logger.Error("inbox purge failed",
				"event", "purge_failed",
				"error", err,
			)
			continue
		}
		if removed > 0 {
			c.logger.Info("completed inbox rows purged",
				"event", "inbox_purged",
				"removed", removed,
				"older_than", c.dedupWindow,
			)
		}
	}
}

func (c *Consumer) track(messages []processor.Message) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range messages {
		c.inFlight[msg.ID] = now
	}
}

func (c *Consumer) untrack(messages []processor.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range messages {
		delete(c.inFlight, msg.ID)
	}
}

func (c *Consumer) release(id ident.ID) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

func (c *Consumer) agedInFlight() []ident.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []ident.ID
	for id, claimedAt := range c.inFlight {
		if time.Since(claimedAt) >= c.renewInterval {
			ids = append(ids, id)
		}
	}
	return ids
}

// inboxMessage translates a delivery to its inbox record. The sender's
// message id carries over, which is what makes redeliveries collide on
// the unique key.
func inboxMessage(delivery transport.Delivery) store.NewInboxMessage {
	env := delivery.Envelope
	return store.NewInboxMessage{
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		CausationID:   causationOf(env),
		MessageType:   env.MessageType,
		StreamID:      env.StreamID,
		SourceTopic:   delivery.Topic,
		Payload:       delivery.Payload,
	}
}

func causationOf(env envelope.Envelope) option.Option[ident.ID] {
	if ident.IsZero(env.CausationID) {
		return option.Nothing[ident.ID]()
	}
	return option.Some(env.CausationID)
}

func toMessages(rows []store.InboxRow) []processor.Message {
	messages := make([]processor.Message, len(rows))
	for i, row := range rows {
		messages[i] = processor.Message{
			ID:       row.MessageID,
			StreamID: row.StreamID,
			Sequence: row.SequenceOrder,
			Topic:    row.SourceTopic,
			Payload:  row.Payload,
			Envelope: row.Envelope(),
		}
	}
	return messages
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
