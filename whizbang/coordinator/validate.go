package coordinator

import (
	"github.com/krew-solutions/whizbang-go/whizbang/envelope"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/store"
)

// Queue operations validate at queue time so a bad message fails fast
// on the caller instead of poisoning a later flush. The flush funnel
// validates again because batches can also be built by hand.

func validateOutboxMessage(msg store.NewOutboxMessage) error {
	if msg.MessageID == ident.Zero {
		return &envelope.ValidationError{Field: "MessageId", Reason: "missing"}
	}
	if msg.MessageType == "" {
		return &envelope.ValidationError{Field: "MessageType", Reason: "missing"}
	}
	if msg.IsEvent && msg.StreamID == ident.Zero {
		return &envelope.ValidationError{Field: "StreamId", Reason: "required for events"}
	}
	return nil
}

func validateInboxMessage(msg store.NewInboxMessage) error {
	if msg.MessageID == ident.Zero {
		return &envelope.ValidationError{Field: "MessageId", Reason: "missing"}
	}
	if msg.MessageType == "" {
		return &envelope.ValidationError{Field: "MessageType", Reason: "missing"}
	}
	return nil
}

func validateBatch(batch store.WorkBatch) error {
	if batch.Instance.ID == (ident.InstanceID{}) {
		return &ValidationError{Field: "Instance", Reason: "missing instance id"}
	}
	if batch.PartitionCount < 0 {
		return &ValidationError{Field: "PartitionCount", Reason: "must not be negative"}
	}
	if batch.MaxPartitionsPerInstance < 0 {
		return &ValidationError{Field: "MaxPartitionsPerInstance", Reason: "must not be negative"}
	}
	if batch.LeaseSeconds < 0 {
		return &ValidationError{Field: "LeaseSeconds", Reason: "must not be negative"}
	}
	for _, msg := range batch.NewOutboxMessages {
		if err := validateOutboxMessage(msg); err != nil {
			return err
		}
	}
	for _, msg := range batch.NewInboxMessages {
		if err := validateInboxMessage(msg); err != nil {
			return err
		}
	}
	return nil
}
