package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/whizbang-go/whizbang/envelope"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/signals"
	"github.com/krew-solutions/whizbang-go/whizbang/store"
)

type stubStore struct {
	mu      sync.Mutex
	batches []store.WorkBatch

	result *store.BatchResult
	err    error

	onWorkStored signals.Signal[store.WorkStoredEvent]
}

func newStubStore() *stubStore {
	return &stubStore{
		result:       &store.BatchResult{},
		onWorkStored: signals.NewSignal[store.WorkStoredEvent](),
	}
}

func (s *stubStore) ProcessWorkBatch(_ context.Context, batch store.WorkBatch) (*store.BatchResult, error) {
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubStore) Setup(context.Context) error {
	return nil
}

func (s *stubStore) PurgeInbox(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (s *stubStore) ListDeadLetteredOutbox(context.Context, int) ([]store.OutboxRow, error) {
	return nil, nil
}

func (s *stubStore) ListDeadLetteredInbox(context.Context, int) ([]store.InboxRow, error) {
	return nil, nil
}

func (s *stubStore) RequeueOutbox(context.Context, []ident.ID) (int64, error) {
	return 0, nil
}

func (s *stubStore) RequeueInbox(context.Context, []ident.ID) (int64, error) {
	return 0, nil
}

func (s *stubStore) OnWorkStored() signals.Signal[store.WorkStoredEvent] {
	return s.onWorkStored
}

func (s *stubStore) recordedBatches() []store.WorkBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.WorkBatch(nil), s.batches...)
}

func newOutboxMessage(messageType string) store.NewOutboxMessage {
	id := ident.New()
	return store.NewOutboxMessage{
		MessageID:     id,
		CorrelationID: id,
		MessageType:   messageType,
		StreamID:      ident.New(),
		Topic:         "orders",
		Payload:       []byte(`{}`),
	}
}

func TestCoordinatorStampsInstance(t *testing.T) {
	stub := newStubStore()
	instance := store.NewInstance("orders")
	c := NewWorkCoordinator(stub, instance, nil)

	_, err := c.ProcessWorkBatch(context.Background(), store.WorkBatch{})
	require.NoError(t, err)

	batches := stub.recordedBatches()
	require.Len(t, batches, 1)
	assert.Equal(t, instance.ID, batches[0].Instance.ID)
}

func TestCoordinatorDefaultsZeroInstance(t *testing.T) {
	stub := newStubStore()
	c := NewWorkCoordinator(stub, store.Instance{ServiceName: "orders"}, nil)

	assert.NotEqual(t, ident.InstanceID{}, c.Instance().ID)
	assert.Equal(t, "orders", c.Instance().ServiceName)
}

func TestCoordinatorRejectsInvalidMessages(t *testing.T) {
	stub := newStubStore()
	c := NewWorkCoordinator(stub, store.NewInstance("orders"), nil)

	cases := []struct {
		name  string
		msg   store.NewOutboxMessage
		field string
	}{
		{"missing id", store.NewOutboxMessage{MessageType: "SendInvoice"}, "MessageId"},
		{"missing type", store.NewOutboxMessage{MessageID: ident.New()}, "MessageType"},
		{"event without stream", store.NewOutboxMessage{MessageID: ident.New(), MessageType: "OrderCreatedEvent", IsEvent: true}, "StreamId"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := c.ProcessWorkBatch(context.Background(), store.WorkBatch{
				NewOutboxMessages: []store.NewOutboxMessage{testCase.msg},
			})
			require.Error(t, err)
			var validationErr *envelope.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, testCase.field, validationErr.Field)
		})
	}
	assert.Empty(t, stub.recordedBatches(), "invalid batches must not reach the store")
}

func TestCoordinatorRejectsNegativeTuning(t *testing.T) {
	stub := newStubStore()
	c := NewWorkCoordinator(stub, store.NewInstance("orders"), nil)

	_, err := c.ProcessWorkBatch(context.Background(), store.WorkBatch{PartitionCount: -1})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Empty(t, stub.recordedBatches())
}

func TestCoordinatorWrapsStoreFailure(t *testing.T) {
	stub := newStubStore()
	stub.err = errors.New("connection refused")
	c := NewWorkCoordinator(stub, store.NewInstance("orders"), nil)

	_, err := c.ProcessWorkBatch(context.Background(), store.WorkBatch{})
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCoordinatorPassesConcurrencyErrorThrough(t *testing.T) {
	stub := newStubStore()
	streamID := ident.New()
	stub.err = &store.ConcurrencyError{StreamID: streamID, Err: errors.New("unique violation")}
	c := NewWorkCoordinator(stub, store.NewInstance("orders"), nil)

	_, err := c.ProcessWorkBatch(context.Background(), store.WorkBatch{})
	require.Error(t, err)
	assert.True(t, store.IsConcurrencyError(err))
	assert.False(t, IsStorageError(err))
}
