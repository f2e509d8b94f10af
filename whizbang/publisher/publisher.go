package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/krew-solutions/whizbang-go/whizbang/coordinator"
	"github.com/krew-solutions/whizbang-go/whizbang/disposable"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/processor"
	"github.com/krew-solutions/whizbang-go/whizbang/signals"
	"github.com/krew-solutions/whizbang-go/whizbang/store"
	"github.com/krew-solutions/whizbang-go/whizbang/transport"
	"github.com/krew-solutions/whizbang-go/whizbang/worker"
)

// Config tunes a publisher. Zero values fall back to defaults.
type Config struct {
	// IdleBackoff is how long the claim loop sleeps after a flush that
	// returned no work. The store's work-stored signal cuts the sleep
	// short.
	IdleBackoff time.Duration

	// LeaseSeconds mirrors the lease the store grants on claims. The
	// renew ticker runs at a third of it.
	LeaseSeconds int

	// MaxStreamParallelism bounds how many stream groups publish
	// concurrently.
	MaxStreamParallelism int

	Logger *slog.Logger
}

// Publisher drains the outbox: it claims stored messages under
// partition leases, pushes them onto the transport in per-stream order
// and acknowledges every attempt through the strategy.
type Publisher struct {
	serviceName string
	strategy    coordinator.Strategy
	transport   transport.Publisher
	workStored  signals.Signal[store.WorkStoredEvent]
	processor   *processor.OrderedStreamProcessor
	lifecycle   *worker.Lifecycle
	logger      *slog.Logger

	idleBackoff   time.Duration
	renewInterval time.Duration

	wake     chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	watch    disposable.Disposable

	mu       sync.Mutex
	inFlight map[ident.ID]time.Time
}

// NewPublisher wires a publisher. workStored may be nil, which leaves
// the claim loop on pure backoff polling.
func NewPublisher(serviceName string, strategy coordinator.Strategy, tp transport.Publisher, workStored signals.Signal[store.WorkStoredEvent], cfg Config) *Publisher {
	if cfg.IdleBackoff == 0 {
		cfg.IdleBackoff = 100 * time.Millisecond
	}
	if cfg.LeaseSeconds == 0 {
		cfg.LeaseSeconds = 300
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{
		serviceName:   serviceName,
		strategy:      strategy,
		transport:     tp,
		workStored:    workStored,
		processor:     processor.NewOrderedStreamProcessor(cfg.MaxStreamParallelism, cfg.Logger),
		lifecycle:     worker.NewLifecycle("publisher", cfg.Logger),
		logger:        cfg.Logger,
		idleBackoff:   cfg.IdleBackoff,
		renewInterval: time.Duration(cfg.LeaseSeconds) * time.Second / 3,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		inFlight:      make(map[ident.ID]time.Time),
	}
}

func (p *Publisher) State() worker.State {
	return p.lifecycle.State()
}

func (p *Publisher) OnStateChanged() signals.Signal[worker.StateChangedEvent] {
	return p.lifecycle.OnStateChanged()
}

// Start begins claiming and publishing. A publisher starts once.
func (p *Publisher) Start() error {
	if !p.lifecycle.Advance(worker.StateRunning) {
		return errors.New("publisher already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	if p.workStored != nil {
		p.watch = p.workStored.Attach(func(store.WorkStoredEvent) {
			select {
			case p.wake <- struct{}{}:
			default:
			}
		})
	}
	p.wg.Add(2)
	go p.run(ctx)
	go p.renewLoop(ctx)
	go func() {
		p.wg.Wait()
		close(p.stopped)
	}()
	return nil
}

// Stop drains: no new claims, in-flight stream groups finish, the
// remaining acknowledgements are flushed and the state lands on
// Stopped. When ctx expires first, in-flight work is cut loose and its
// leases lapse.
func (p *Publisher) Stop(ctx context.Context) error {
	switch p.lifecycle.State() {
	case worker.StateStarting:
		p.lifecycle.Advance(worker.StateStopped)
		return nil
	case worker.StateStopped:
		return nil
	}
	p.lifecycle.Advance(worker.StateDraining)
	p.stopOnce.Do(func() { close(p.stop) })
	if p.watch != nil {
		p.watch.Dispose()
	}

	select {
	case <-p.stopped:
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
	p.cancel()

	err := p.finalFlush(ctx)
	p.lifecycle.Advance(worker.StateStopped)
	return err
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		result, err := p.strategy.Flush(ctx)
		if err != nil {
			p.logger.Error("work flush failed",
				"event", "flush_failed",
				"error", err,
			)
			p.idle()
			continue
		}
		if len(result.ClaimedOutbox) == 0 {
			p.idle()
			continue
		}

		p.logger.Debug("outbox work claimed",
			"event", "work_claimed",
			"messages", len(result.ClaimedOutbox),
			"lease_expiry", result.LeaseExpiry,
		)

		messages := toMessages(result.ClaimedOutbox)
		p.track(messages)
		if err := p.processor.Process(ctx, messages, p.publish, processor.ReporterFunc(p.report)); err != nil {
			p.logger.Error("publish batch failed",
				"event", "publish_batch_failed",
				"error", err,
			)
		}
		p.untrack(messages)
	}
}

// idle waits out the backoff, or less when new work lands or stop is
// requested.
func (p *Publisher) idle() {
	timer := time.NewTimer(p.idleBackoff)
	defer timer.Stop()
	select {
	case <-p.stop:
	case <-p.wake:
	case <-timer.C:
	}
}

func (p *Publisher) publish(ctx context.Context, msg processor.Message) (processor.Outcome, error) {
	env := msg.Envelope.AppendHop(p.serviceName, msg.Envelope.CreatedAt, time.Now().UTC())
	err := p.transport.Publish(ctx, msg.Topic, msg.ID, msg.Payload, env)
	if err == nil {
		p.logger.Debug("message published",
			"event", "work_published",
			"message_id", msg.ID.String(),
			"topic", msg.Topic,
		)
		return processor.Handled, nil
	}
	if transport.IsPermanent(err) {
		return processor.PermanentFailure, err
	}
	return processor.TransientFailure, err
}

// report turns processor outcomes into queued acknowledgements.
// Cancelled attempts queue nothing: the lease lapses and the message
// comes back on a later claim.
func (p *Publisher) report(ctx context.Context, msg processor.Message, outcome processor.Outcome, actionErr error) error {
	p.settle(msg.ID)
	switch outcome {
	case processor.Handled:
		return p.strategy.QueueOutboxCompletion(ctx, store.Completion{
			MessageID: msg.ID,
			Status:    store.StatusPublished,
		})
	case processor.Cancelled:
		return nil
	case processor.PermanentFailure:
		p.logger.Warn("message publish failed for good",
			"event", "publish_failed",
			"message_id", msg.ID.String(),
			"topic", msg.Topic,
			"error", actionErr,
		)
		return p.strategy.QueueOutboxFailure(ctx, store.Failure{
			MessageID: msg.ID,
			Reason:    reasonOf(actionErr),
			Permanent: true,
		})
	default:
		p.logger.Warn("message publish failed",
			"event", "publish_failed",
			"message_id", msg.ID.String(),
			"topic", msg.Topic,
			"error", actionErr,
		)
		return p.strategy.QueueOutboxFailure(ctx, store.Failure{
			MessageID: msg.ID,
			Reason:    reasonOf(actionErr),
		})
	}
}

// renewLoop keeps leases of slow in-flight work alive. Renewals are
// queued on the strategy and ride along with its next flush.
func (p *Publisher) renewLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		ids := p.agedInFlight()
		if len(ids) == 0 {
			continue
		}
		if err := p.strategy.RenewOutboxLeases(ctx, ids); err != nil {
			p.logger.Error("lease renewal failed",
				"event", "lease_renew_failed",
				"messages", len(ids),
				"error", err,
			)
			continue
		}
		p.logger.Debug("leases renewed",
			"event", "leases_renewed",
			"messages", len(ids),
		)
	}
}

// finalFlush delivers the acknowledgements still buffered. Strategies
// with background work drain without claiming; a plain strategy gets a
// normal flush, and anything that claims is left to its lease.
func (p *Publisher) finalFlush(ctx context.Context) error {
	if stopper, ok := p.strategy.(coordinator.Stopper); ok {
		return stopper.Stop(ctx)
	}
	result, err := p.strategy.Flush(ctx)
	if err != nil {
		return err
	}
	if dropped := len(result.ClaimedOutbox); dropped > 0 {
		p.logger.Warn("shutdown flush claimed work nobody will run",
			"event", "shutdown_claims_abandoned",
			"messages", dropped,
		)
	}
	return nil
}

func (p *Publisher) track(messages []processor.Message) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range messages {
		p.inFlight[msg.ID] = now
	}
}

func (p *Publisher) untrack(messages []processor.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range messages {
		delete(p.inFlight, msg.ID)
	}
}

func (p *Publisher) settle(id ident.ID) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Publisher) agedInFlight() []ident.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []ident.ID
	for id, claimedAt := range p.inFlight {
		if time.Since(claimedAt) >= p.renewInterval {
			ids = append(ids, id)
		}
	}
	return ids
}

func toMessages(rows []store.OutboxRow) []processor.Message {
	messages := make([]processor.Message, len(rows))
	for i, row := range rows {
		messages[i] = processor.Message{
			ID:       row.MessageID,
			StreamID: row.StreamID,
			Sequence: row.SequenceOrder,
			Topic:    row.Topic,
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
