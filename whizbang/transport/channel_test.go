package transport

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/whizbang-go/whizbang/envelope"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
)

func newTestTransport(bufferSize int) *ChannelTransport {
	return NewChannelTransport(bufferSize, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func receiveOne(t *testing.T, deliveries <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d := <-deliveries:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery arrived")
		return Delivery{}
	}
}

func TestPublishDeliveryRoundTrip(t *testing.T) {
	tr := newTestTransport(0)
	defer tr.Close()

	env := envelope.New("OrderPlaced")
	id := env.MessageID
	require.NoError(t, tr.Publish(context.Background(), "orders", id, []byte(`{"total":12}`), env))

	deliveries, err := tr.Receive(context.Background())
	require.NoError(t, err)

	d := receiveOne(t, deliveries)
	assert.Equal(t, id, d.MessageID)
	assert.Equal(t, "orders", d.Topic)
	assert.Equal(t, []byte(`{"total":12}`), d.Payload)
	assert.Equal(t, "OrderPlaced", d.Envelope.MessageType)
	assert.Equal(t, 1, d.Attempt)

	require.NoError(t, tr.Ack(context.Background(), d.MessageID))
}

func TestNackRedeliversWithAttemptBumped(t *testing.T) {
	tr := newTestTransport(0)
	defer tr.Close()

	env := envelope.New("OrderPlaced")
	require.NoError(t, tr.Publish(context.Background(), "orders", env.MessageID, []byte("{}"), env))

	deliveries, err := tr.Receive(context.Background())
	require.NoError(t, err)

	first := receiveOne(t, deliveries)
	require.NoError(t, tr.Nack(context.Background(), first.MessageID))

	second := receiveOne(t, deliveries)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, 2, second.Attempt)

	// Once acked the id is settled, so a late Nack must not requeue.
	require.NoError(t, tr.Ack(context.Background(), second.MessageID))
	require.NoError(t, tr.Nack(context.Background(), second.MessageID))
	select {
	case d := <-deliveries:
		t.Fatalf("unexpected redelivery of %s", d.MessageID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAckOfUnknownIDIsANoop(t *testing.T) {
	tr := newTestTransport(0)
	defer tr.Close()

	assert.NoError(t, tr.Ack(context.Background(), ident.New()))
	assert.NoError(t, tr.Nack(context.Background(), ident.New()))
}

func TestTopicsKeepTheirOwnOrder(t *testing.T) {
	tr := newTestTransport(0)
	defer tr.Close()

	invoiceFirst := envelope.New("InvoiceSent")
	invoiceSecond := envelope.New("InvoiceSettled")
	shipment := envelope.New("ShipmentLeft")
	require.NoError(t, tr.Publish(context.Background(), "invoices", invoiceFirst.MessageID, []byte("{}"), invoiceFirst))
	require.NoError(t, tr.Publish(context.Background(), "invoices", invoiceSecond.MessageID, []byte("{}"), invoiceSecond))
	require.NoError(t, tr.Publish(context.Background(), "shipments", shipment.MessageID, []byte("{}"), shipment))

	deliveries, err := tr.Receive(context.Background())
	require.NoError(t, err)

	var invoices []ident.ID
	topics := map[string]int{}
	for i := 0; i < 3; i++ {
		d := receiveOne(t, deliveries)
		topics[d.Topic]++
		if d.Topic == "invoices" {
			invoices = append(invoices, d.MessageID)
		}
	}

	assert.Equal(t, map[string]int{"invoices": 2, "shipments": 1}, topics)
	require.Len(t, invoices, 2)
	assert.Equal(t, invoiceFirst.MessageID, invoices[0])
	assert.Equal(t, invoiceSecond.MessageID, invoices[1])
}

func TestCloseEndsTheReceiveChannel(t *testing.T) {
	tr := newTestTransport(0)

	env := envelope.New("OrderPlaced")
	require.NoError(t, tr.Publish(context.Background(), "orders", env.MessageID, []byte("{}"), env))

	deliveries, err := tr.Receive(context.Background())
	require.NoError(t, err)
	receiveOne(t, deliveries)

	tr.Close()
	tr.Close()

	_, open := <-deliveries
	assert.False(t, open)
}

func TestOperationsOnClosedTransport(t *testing.T) {
	tr := newTestTransport(0)
	tr.Close()

	env := envelope.New("OrderPlaced")
	err := tr.Publish(context.Background(), "orders", env.MessageID, []byte("{}"), env)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = tr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublishBackpressureHonorsContext(t *testing.T) {
	tr := newTestTransport(1)
	defer tr.Close()

	// No receiver: the topic queue, the pump and the shared channel can
	// absorb only a few deliveries before Publish has to block.
	var err error
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		env := envelope.New("OrderPlaced")
		err = tr.Publish(ctx, "orders", env.MessageID, []byte("{}"), env)
		cancel()
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
