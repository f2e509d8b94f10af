package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/krew-solutions/whizbang-go/whizbang/envelope"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
)

const defaultTopicBuffer = 64

// ChannelTransport is an in-process broker backed by bounded per-topic
// queues that merge into one shared receive channel. Per-topic order is
// preserved until a Nack requeues a delivery at the back of its topic
// queue; topics interleave arbitrarily. Publish blocks while the topic
// queue is full, so a stalled receiver exerts backpressure instead of
// losing messages.
type ChannelTransport struct {
	mu      sync.Mutex
	topics  map[string]chan Delivery
	unacked map[ident.ID]Delivery
	closed  bool

	out  chan Delivery
	done chan struct{}
	wg   sync.WaitGroup

	bufferSize int
	logger     *slog.Logger
}

func NewChannelTransport(bufferSize int, logger *slog.Logger) *ChannelTransport {
	if bufferSize == 0 {
		bufferSize = defaultTopicBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelTransport{
		topics:     make(map[string]chan Delivery),
		unacked:    make(map[ident.ID]Delivery),
		out:        make(chan Delivery, bufferSize),
		done:       make(chan struct{}),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

func (t *ChannelTransport) Publish(ctx context.Context, topic string, id ident.ID, payload []byte, env envelope.Envelope) error {
	queue, err := t.topicQueue(topic)
	if err != nil {
		return err
	}
	d := Delivery{MessageID: id, Topic: topic, Payload: payload, Envelope: env, Attempt: 1}
	if err := t.enqueue(ctx, queue, d); err != nil {
		return err
	}
	t.logger.Debug("message published",
		"event", "transport_published",
		"topic", topic,
		"message_id", id.String(),
	)
	return nil
}

func (t *ChannelTransport) Receive(ctx context.Context) (<-chan Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	return t.out, nil
}

// Ack settles a delivery. Acking an unknown or already settled id is a
// no-op, so redelivered duplicates can be acked freely.
func (t *ChannelTransport) Ack(ctx context.Context, id ident.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.unacked, id)
	return nil
}

// Nack requeues a delivery at the back of its topic queue with Attempt
// bumped. Nacking an unknown id is a no-op.
func (t *ChannelTransport) Nack(ctx context.Context, id ident.ID) error {
	t.mu.Lock()
	d, ok := t.unacked[id]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.unacked, id)
	t.mu.Unlock()

	queue, err := t.topicQueue(d.Topic)
	if err != nil {
		return err
	}
	d.Attempt++
	if err := t.enqueue(ctx, queue, d); err != nil {
		return err
	}
	t.logger.Debug("message requeued",
		"event", "transport_redelivered",
		"topic", d.Topic,
		"message_id", id.String(),
		"attempt", d.Attempt,
	)
	return nil
}

// Close stops the topic pumps and closes the receive channel. Receivers
// may drain what is already buffered there. Deliveries still parked in
// topic queues are dropped; the store hands them out again once their
// leases lapse.
func (t *ChannelTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()
	close(t.out)
}

// topicQueue returns the topic's queue, starting its pump on first use.
func (t *ChannelTransport) topicQueue(topic string) (chan Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, Transient(ErrClosed)
	}
	queue, ok := t.topics[topic]
	if !ok {
		queue = make(chan Delivery, t.bufferSize)
		t.topics[topic] = queue
		t.wg.Add(1)
		go t.pump(queue)
	}
	return queue, nil
}

func (t *ChannelTransport) enqueue(ctx context.Context, queue chan Delivery, d Delivery) error {
	select {
	case queue <- d:
		return nil
	case <-t.done:
		return Transient(ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump moves deliveries from one topic queue to the shared receive
// channel. A delivery counts as unacked from the moment it is handed
// out, so the tracking entry is written before the send.
func (t *ChannelTransport) pump(queue chan Delivery) {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case d := <-queue:
			t.mu.Lock()
			t.unacked[d.MessageID] = d
			t.mu.Unlock()
			select {
			case t.out <- d:
			case <-t.done:
				t.mu.Lock()
				delete(t.unacked, d.MessageID)
				t.mu.Unlock()
				return
			}
		}
	}
}
