package envelope

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/whizbang-go/whizbang/ident"
)

func TestNewStartsConversation(t *testing.T) {
	e := New("CreateOrder")

	assert.False(t, ident.IsZero(e.MessageID))
	assert.Equal(t, e.MessageID, e.CorrelationID)
	assert.True(t, ident.IsZero(e.CausationID))
	assert.Equal(t, "CreateOrder", e.MessageType)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestNewChildInheritsCorrelation(t *testing.T) {
	parent := New("CreateOrder")

	child := NewChild(parent, "OrderCreatedEvent")

	assert.Equal(t, parent.CorrelationID, child.CorrelationID)
	assert.Equal(t, parent.MessageID, child.CausationID)
	assert.NotEqual(t, parent.MessageID, child.MessageID)
}

func TestAppendHopDoesNotMutateParent(t *testing.T) {
	now := time.Now().UTC()
	original := New("OrderCreatedEvent")
	original = original.AppendHop("orders", now, now)

	forked := original.AppendHop("billing", now, now)
	forkedAgain := original.AppendHop("shipping", now, now)

	assert.Equal(t, 1, original.HopCount())
	assert.Equal(t, 2, forked.HopCount())
	assert.Equal(t, 2, forkedAgain.HopCount())
	assert.Equal(t, "billing", forked.Hops[1].Service)
	assert.Equal(t, "shipping", forkedAgain.Hops[1].Service)
}

func TestValidate(t *testing.T) {
	valid := New("OrderCreatedEvent")
	valid.StreamID = ident.New()
	require.NoError(t, valid.Validate(true))

	missingStream := New("OrderCreatedEvent")
	err := missingStream.Validate(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "StreamId")

	require.NoError(t, missingStream.Validate(false))

	missingType := New("x")
	missingType.MessageType = ""
	err = missingType.Validate(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MessageType")

	var empty Envelope
	err = empty.Validate(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MessageId")
}

func TestIsValidationError(t *testing.T) {
	err := (&Envelope{}).Validate(false)

	assert.True(t, IsValidationError(err))
	assert.False(t, IsValidationError(nil))
}

func TestIsEventType(t *testing.T) {
	assert.True(t, IsEventType("OrderCreatedEvent", "Event"))
	assert.False(t, IsEventType("CreateOrder", "Event"))
	assert.False(t, IsEventType("Event", "Event"), "bare suffix is not an event name")
}

func TestAggregateType(t *testing.T) {
	assert.Equal(t, "OrderCreated", AggregateType("OrderCreatedEvent", "Event"))
	assert.Equal(t, "CreateOrder", AggregateType("CreateOrder", "Event"))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := New("OrderCreatedEvent")
	e.StreamID = ident.New()
	e.PartitionNumber = 42
	e.SequenceOrder = 7
	e = e.AppendHop("orders", time.Now().UTC(), time.Now().UTC())

	data, err := Encode(e)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e.MessageID, decoded.MessageID)
	assert.Equal(t, e.StreamID, decoded.StreamID)
	assert.Equal(t, e.PartitionNumber, decoded.PartitionNumber)
	assert.Equal(t, e.SequenceOrder, decoded.SequenceOrder)
	assert.Equal(t, 1, decoded.HopCount())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to decode envelope")
}

func TestContextRoundTrip(t *testing.T) {
	e := New("OrderCreatedEvent")

	ctx := WithContext(context.Background(), e)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, e.MessageID, got.MessageID)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
