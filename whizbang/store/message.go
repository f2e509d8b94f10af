package store

import (
	"os"
	"time"

	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/option"
)

// Instance identifies the running process a batch belongs to. Leases
// and partition assignments are held per instance.
type Instance struct {
	ID          ident.InstanceID
	ServiceName string
	HostName    string
	ProcessID   int
	Metadata    map[string]string
}

// NewInstance builds the identity of this process.
func NewInstance(serviceName string) Instance {
	hostName, _ := os.Hostname()
	return Instance{
		ID:          ident.NewInstanceID(),
		ServiceName: serviceName,
		HostName:    hostName,
		ProcessID:   os.Getpid(),
	}
}

// NewOutboxMessage is an outgoing message to be stored. PartitionKey
// defaults to the stream id, so messages of one stream land on one
// partition and keep their relative order.
type NewOutboxMessage struct {
	MessageID     ident.ID
	CorrelationID ident.ID
	CausationID   option.Option[ident.ID]
	MessageType   string
	StreamID      ident.ID
	PartitionKey  string
	Topic         string
	Payload       []byte
	IsEvent       bool
}

func (m NewOutboxMessage) partitionKey() string {
	if m.PartitionKey != "" {
		return m.PartitionKey
	}
	return m.StreamID.String()
}

// NewInboxMessage is a received message to be recorded for exactly-once
// processing. The message id comes from the sender, which is what
// makes redeliveries detectable.
type NewInboxMessage struct {
	MessageID     ident.ID
	CorrelationID ident.ID
	CausationID   option.Option[ident.ID]
	MessageType   string
	StreamID      ident.ID
	PartitionKey  string
	SourceTopic   string
	Payload       []byte
}

func (m NewInboxMessage) partitionKey() string {
	if m.PartitionKey != "" {
		return m.PartitionKey
	}
	return m.StreamID.String()
}

// Completion acknowledges successfully processed work.
type Completion struct {
	MessageID ident.ID
	Status    Status
}

// Failure reports a failed processing attempt. Permanent failures are
// dead-lettered immediately instead of retried.
type Failure struct {
	MessageID ident.ID
	Reason    string
	Permanent bool
}

// ReceptorCompletion marks a receptor as done with an event.
type ReceptorCompletion struct {
	EventID      ident.ID
	ReceptorName string
}

// ReceptorFailure marks a receptor attempt as failed.
type ReceptorFailure struct {
	EventID      ident.ID
	ReceptorName string
	Reason       string
}

// PerspectiveCompletion advances a perspective checkpoint. Checkpoints
// only ever move forward: a completion carrying an older sequence
// number than the stored one leaves the checkpoint untouched.
type PerspectiveCompletion struct {
	StreamID        ident.ID
	PerspectiveName string
	EventID         ident.ID
	SequenceNumber  int64
}

// PerspectiveFailure records a perspective that could not apply an
// event.
type PerspectiveFailure struct {
	StreamID        ident.ID
	PerspectiveName string
	EventID         ident.ID
	SequenceNumber  int64
	Reason          string
}

// WorkBatch is everything one flush carries: new messages,
// acknowledgements for finished work, lease renewals and the claim
// request. The whole batch commits or rolls back as one transaction.
type WorkBatch struct {
	Instance Instance

	NewOutboxMessages []NewOutboxMessage
	NewInboxMessages  []NewInboxMessage

	OutboxCompletions []Completion
	OutboxFailures    []Failure
	InboxCompletions  []Completion
	InboxFailures     []Failure

	ReceptorCompletions    []ReceptorCompletion
	ReceptorFailures       []ReceptorFailure
	PerspectiveCompletions []PerspectiveCompletion
	PerspectiveFailures    []PerspectiveFailure

	RenewOutboxLeases []ident.ID
	RenewInboxLeases  []ident.ID

	// Per-batch tuning. Zero values fall back to the store defaults.
	PartitionCount           int
	MaxPartitionsPerInstance int
	LeaseSeconds             int
	StaleThresholdSeconds    int

	Flags Flags
}

// Size counts the queued items in the batch. Claim requests and
// tuning do not count: an empty batch is still a meaningful
// heartbeat-and-claim call.
func (b WorkBatch) Size() int {
	return len(b.NewOutboxMessages) + len(b.NewInboxMessages) +
		len(b.OutboxCompletions) + len(b.OutboxFailures) +
		len(b.InboxCompletions) + len(b.InboxFailures) +
		len(b.ReceptorCompletions) + len(b.ReceptorFailures) +
		len(b.PerspectiveCompletions) + len(b.PerspectiveFailures) +
		len(b.RenewOutboxLeases) + len(b.RenewInboxLeases)
}

// IsEmpty reports whether the batch carries no items at all.
func (b WorkBatch) IsEmpty() bool {
	return b.Size() == 0
}

// BatchResult is what a flush returns: the work this instance now
// holds a lease on, plus the bookkeeping callers act on.
type BatchResult struct {
	// ClaimedOutbox and ClaimedInbox are ordered by sequence within
	// the result, ready for per-stream processing.
	ClaimedOutbox []OutboxRow
	ClaimedInbox  []InboxRow

	// AssignedPartitions is the partition set this instance currently
	// owns, lowest first.
	AssignedPartitions []int

	// InsertedInbox lists the inbox messages that were actually
	// inserted. A queued inbox message missing here was a duplicate.
	InsertedInbox []ident.ID

	// StoredOutbox counts the outbox messages actually inserted, and
	// StoredPartitions the distinct partitions they landed on.
	StoredOutbox     int
	StoredPartitions []int

	// LeaseExpiry is the deadline of the leases granted by this call.
	LeaseExpiry time.Time
}

// WorkStoredEvent fires after a batch that stored new outbox work
// committed. Publishers use it to wake up without polling.
type WorkStoredEvent struct {
	Partitions []int
	Count      int
}
