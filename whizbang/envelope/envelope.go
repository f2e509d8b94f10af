package envelope

import (
	"strings"
	"time"

	"github.com/krew-solutions/whizbang-go/whizbang/ident"
)

// Hop records one service boundary crossing. The hops list is
// append-only: earlier entries never change once written.
type Hop struct {
	Service    string    `json:"service"`
	ReceivedAt time.Time `json:"received_at"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Envelope is the message header shared by every queued message. It
// travels with the payload across service boundaries and carries the
// identifiers the coordinator partitions, orders and correlates by.
type Envelope struct {
	MessageID       ident.ID  `json:"message_id"`
	CorrelationID   ident.ID  `json:"correlation_id"`
	CausationID     ident.ID  `json:"causation_id"`
	MessageType     string    `json:"message_type"`
	StreamID        ident.ID  `json:"stream_id"`
	PartitionNumber int       `json:"partition_number"`
	SequenceOrder   int64     `json:"sequence_order"`
	Hops            []Hop     `json:"hops,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// New creates an envelope for a message that starts a fresh
// conversation: the correlation id equals the message id.
func New(messageType string) Envelope {
	id := ident.New()
	return Envelope{
		MessageID:     id,
		CorrelationID: id,
		MessageType:   messageType,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewChild creates an envelope for a message caused by another one.
// The correlation id is inherited and the causation id points at the
// parent.
func NewChild(parent Envelope, messageType string) Envelope {
	child := New(messageType)
	child.CorrelationID = parent.CorrelationID
	child.CausationID = parent.MessageID
	return child
}

// AppendHop returns a copy of the envelope with one more boundary
// crossing recorded. The receiver's hop list is never mutated.
func (e Envelope) AppendHop(service string, receivedAt, emittedAt time.Time) Envelope {
	hops := make([]Hop, len(e.Hops), len(e.Hops)+1)
	copy(hops, e.Hops)
	e.Hops = append(hops, Hop{
		Service:    service,
		ReceivedAt: receivedAt,
		EmittedAt:  emittedAt,
	})
	return e
}

// HopCount reports how many service boundaries the message crossed.
func (e Envelope) HopCount() int {
	return len(e.Hops)
}

// Validate checks the invariants every queued message must satisfy.
// Events additionally require a stream id; plain commands may pass
// requireStream false and fall back to the message id as their stream.
func (e Envelope) Validate(requireStream bool) error {
	if ident.IsZero(e.MessageID) {
		return &ValidationError{Field: "MessageId", Reason: "must not be empty"}
	}
	if ident.IsZero(e.CorrelationID) {
		return &ValidationError{Field: "CorrelationId", Reason: "must not be empty"}
	}
	if e.MessageType == "" {
		return &ValidationError{Field: "MessageType", Reason: "must not be empty"}
	}
	if requireStream && ident.IsZero(e.StreamID) {
		return &ValidationError{Field: "StreamId", Reason: "required for events"}
	}
	return nil
}

// IsEventType reports whether a message type name follows the event
// naming convention, i.e. carries the given suffix. The name must be
// longer than the bare suffix.
func IsEventType(messageType, suffix string) bool {
	return len(messageType) > len(suffix) && strings.HasSuffix(messageType, suffix)
}

// AggregateType derives the aggregate name from an event type name by
// stripping the event suffix. Non-event names are returned unchanged.
func AggregateType(messageType, suffix string) string {
	if IsEventType(messageType, suffix) {
		return strings.TrimSuffix(messageType, suffix)
	}
	return messageType
}
