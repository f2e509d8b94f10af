package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/krew-solutions/whizbang-go/whizbang/envelope"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/option"
)

// OutboxRow is a stored outgoing message as claimed from the outbox.
type OutboxRow struct {
	MessageID       ident.ID
	CorrelationID   ident.ID
	CausationID     option.Option[ident.ID]
	MessageType     string
	StreamID        ident.ID
	PartitionNumber int
	SequenceOrder   int64
	Topic           string
	Payload         []byte
	IsEvent         bool
	Status          Status
	InstanceID      option.Option[ident.InstanceID]
	LeaseExpiry     option.Option[time.Time]
	RetryCount      int
	NextRetryAt     option.Option[time.Time]
	LastError       option.Option[string]
	CreatedAt       time.Time
}

// Envelope reassembles the wire header from the stored columns.
func (r OutboxRow) Envelope() envelope.Envelope {
	return envelope.Envelope{
		MessageID:       r.MessageID,
		CorrelationID:   r.CorrelationID,
		CausationID:     r.CausationID.UnwrapOrZero(),
		MessageType:     r.MessageType,
		StreamID:        r.StreamID,
		PartitionNumber: r.PartitionNumber,
		SequenceOrder:   r.SequenceOrder,
		CreatedAt:       r.CreatedAt,
	}
}

// InboxRow is a stored received message as claimed from the inbox.
type InboxRow struct {
	MessageID       ident.ID
	CorrelationID   ident.ID
	CausationID     option.Option[ident.ID]
	MessageType     string
	StreamID        ident.ID
	PartitionNumber int
	SequenceOrder   int64
	SourceTopic     string
	Payload         []byte
	Status          Status
	InstanceID      option.Option[ident.InstanceID]
	LeaseExpiry     option.Option[time.Time]
	RetryCount      int
	NextRetryAt     option.Option[time.Time]
	LastError       option.Option[string]
	ReceivedAt      time.Time
}

// Envelope reassembles the wire header from the stored columns.
func (r InboxRow) Envelope() envelope.Envelope {
	return envelope.Envelope{
		MessageID:       r.MessageID,
		CorrelationID:   r.CorrelationID,
		CausationID:     r.CausationID.UnwrapOrZero(),
		MessageType:     r.MessageType,
		StreamID:        r.StreamID,
		PartitionNumber: r.PartitionNumber,
		SequenceOrder:   r.SequenceOrder,
		CreatedAt:       r.ReceivedAt,
	}
}

const outboxColumns = `"message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "sequence_order", "topic", "payload", "is_event", "status", "instance_id", "lease_expiry", "retry_count", "next_retry_at", "last_error", "created_at"`

const inboxColumns = `"message_id", "correlation_id", "causation_id", "message_type", "stream_id", "partition_number", "sequence_order", "source_topic", "payload", "status", "instance_id", "lease_expiry", "retry_count", "next_retry_at", "last_error", "received_at"`

type scanner interface {
	Scan(dest ...any) error
}

func scanOutboxRow(s scanner) (OutboxRow, error) {
	var (
		messageID, correlationID, messageType, streamID, topic string
		causationID, instanceID, lastError                     *string
		partitionNumber, retryCount, status                    int
		sequenceOrder                                          int64
		payload                                                []byte
		isEvent                                                bool
		leaseExpiry, nextRetryAt                               *time.Time
		createdAt                                              time.Time
	)
	err := s.Scan(
		&messageID, &correlationID, &causationID, &messageType, &streamID,
		&partitionNumber, &sequenceOrder, &topic, &payload, &isEvent,
		&status, &instanceID, &leaseExpiry, &retryCount, &nextRetryAt,
		&lastError, &createdAt,
	)
	if err != nil {
		return OutboxRow{}, errors.Wrap(err, "unable to scan outbox row")
	}

	row := OutboxRow{
		MessageType:     messageType,
		PartitionNumber: partitionNumber,
		SequenceOrder:   sequenceOrder,
		Topic:           topic,
		Payload:         payload,
		IsEvent:         isEvent,
		Status:          Status(status),
		LeaseExpiry:     option.FromPtr(leaseExpiry),
		RetryCount:      retryCount,
		NextRetryAt:     option.FromPtr(nextRetryAt),
		LastError:       option.FromPtr(lastError),
		CreatedAt:       createdAt,
	}
	if row.MessageID, err = ident.Parse(messageID); err != nil {
		return OutboxRow{}, err
	}
	if row.CorrelationID, err = ident.Parse(correlationID); err != nil {
		return OutboxRow{}, err
	}
	if row.StreamID, err = ident.Parse(streamID); err != nil {
		return OutboxRow{}, err
	}
	if row.CausationID, err = parseOptionalID(causationID); err != nil {
		return OutboxRow{}, err
	}
	if row.InstanceID, err = parseOptionalInstanceID(instanceID); err != nil {
		return OutboxRow{}, err
	}
	return row, nil
}

func scanInboxRow(s scanner) (InboxRow, error) {
	var (
		messageID, correlationID, messageType, streamID, sourceTopic string
		causationID, instanceID, lastError                           *string
		partitionNumber, retryCount, status                          int
		sequenceOrder                                                int64
		payload                                                      []byte
		leaseExpiry, nextRetryAt                                     *time.Time
		receivedAt                                                   time.Time
	)
	err := s.Scan(
		&messageID, &correlationID, &causationID, &messageType, &streamID,
		&partitionNumber, &sequenceOrder, &sourceTopic, &payload,
		&status, &instanceID, &leaseExpiry, &retryCount, &nextRetryAt,
		&lastError, &receivedAt,
	)
	if err != nil {
		return InboxRow{}, errors.Wrap(err, "unable to scan inbox row")
	}

	row := InboxRow{
		MessageType:     messageType,
		PartitionNumber: partitionNumber,
		SequenceOrder:   sequenceOrder,
		SourceTopic:     sourceTopic,
		Payload:         payload,
		Status:          Status(status),
		LeaseExpiry:     option.FromPtr(leaseExpiry),
		RetryCount:      retryCount,
		NextRetryAt:     option.FromPtr(nextRetryAt),
		LastError:       option.FromPtr(lastError),
		ReceivedAt:      receivedAt,
	}
	if row.MessageID, err = ident.Parse(messageID); err != nil {
		return InboxRow{}, err
	}
	if row.CorrelationID, err = ident.Parse(correlationID); err != nil {
		return InboxRow{}, err
	}
	if row.StreamID, err = ident.Parse(streamID); err != nil {
		return InboxRow{}, err
	}
	if row.CausationID, err = parseOptionalID(causationID); err != nil {
		return InboxRow{}, err
	}
	if row.InstanceID, err = parseOptionalInstanceID(instanceID); err != nil {
		return InboxRow{}, err
	}
	return row, nil
}

func parseOptionalID(value *string) (option.Option[ident.ID], error) {
	if value == nil {
		return option.Nothing[ident.ID](), nil
	}
	id, err := ident.Parse(*value)
	if err != nil {
		return option.Nothing[ident.ID](), err
	}
	return option.Some(id), nil
}

func parseOptionalInstanceID(value *string) (option.Option[ident.InstanceID], error) {
	if value == nil {
		return option.Nothing[ident.InstanceID](), nil
	}
	id, err := uuid.Parse(*value)
	if err != nil {
		return option.Nothing[ident.InstanceID](), errors.Wrap(err, "unable to parse instance id")
	}
	return option.Some(id), nil
}

func idStrings(ids []ident.ID) []string {
	values := make([]string, len(ids))
	for i, id := range ids {
		values[i] = id.String()
	}
	return values
}

func optionalIDString(id option.Option[ident.ID]) *string {
	if id.IsNothing() {
		return nil
	}
	value := id.Unwrap().String()
	return &value
}
