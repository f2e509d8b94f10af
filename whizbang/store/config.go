package store

import (
	"log/slog"
	"time"
)

// DeadLetterPolicy decides what happens to a message that exhausted
// its retries or failed permanently.
type DeadLetterPolicy int

const (
	// MarkTerminal leaves the row in its queue table, terminally
	// failed: retry_count at the maximum and no next retry scheduled.
	MarkTerminal DeadLetterPolicy = iota
	// MoveTable moves the row to the queue's dead letter table.
	MoveTable
)

func (p DeadLetterPolicy) String() string {
	if p == MoveTable {
		return "move-table"
	}
	return "mark-terminal"
}

// TableSet names the tables one store works against. Zero values get
// defaults, so distinct logical coordinators can share a database by
// picking distinct names.
type TableSet struct {
	Outbox           string
	Inbox            string
	Events           string
	Receptors        string
	Checkpoints      string
	OutboxDeadLetter string
	InboxDeadLetter  string
}

func (t TableSet) withDefaults() TableSet {
	if t.Outbox == "" {
		t.Outbox = "outbox"
	}
	if t.Inbox == "" {
		t.Inbox = "inbox"
	}
	if t.Events == "" {
		t.Events = "event_store"
	}
	if t.Receptors == "" {
		t.Receptors = "receptor_processing"
	}
	if t.Checkpoints == "" {
		t.Checkpoints = "perspective_checkpoints"
	}
	if t.OutboxDeadLetter == "" {
		t.OutboxDeadLetter = t.Outbox + "_dead_letter"
	}
	if t.InboxDeadLetter == "" {
		t.InboxDeadLetter = t.Inbox + "_dead_letter"
	}
	return t
}

// Config tunes a store. The zero value is fully usable; every field
// falls back to a production-tested default.
type Config struct {
	// PartitionCount is the fixed size of the hash space streams map
	// onto. Changing it on a live system remaps streams, so pick it
	// once.
	PartitionCount int

	// MaxPartitionsPerInstance caps how many partitions one instance
	// may own at a time.
	MaxPartitionsPerInstance int

	// LeaseSeconds is how long a claim lasts before other instances
	// may steal the work.
	LeaseSeconds int

	// StaleThresholdSeconds is how long after lease expiry a claimed
	// row is swept back to stored and its partition treated as
	// abandoned.
	StaleThresholdSeconds int

	// MaxClaimBatch caps the rows claimed per queue per flush.
	MaxClaimBatch int

	// MaxRetries is the attempt ceiling before dead-lettering.
	MaxRetries int

	// Retry backoff: base * factor^(attempt-1), with proportional
	// jitter applied both ways.
	RetryBackoffBase   time.Duration
	RetryBackoffFactor float64
	RetryBackoffJitter float64

	// EventSuffix is the message type suffix that marks event types.
	EventSuffix string

	DeadLetterPolicy DeadLetterPolicy

	// DedupWindow is how long completed inbox rows are retained for
	// duplicate detection before PurgeInbox may remove them.
	DedupWindow time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PartitionCount == 0 {
		c.PartitionCount = 10000
	}
	if c.MaxPartitionsPerInstance == 0 {
		c.MaxPartitionsPerInstance = 100
	}
	if c.LeaseSeconds == 0 {
		c.LeaseSeconds = 300
	}
	if c.StaleThresholdSeconds == 0 {
		c.StaleThresholdSeconds = 600
	}
	if c.MaxClaimBatch == 0 {
		c.MaxClaimBatch = 100
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 8
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = 500 * time.Millisecond
	}
	if c.RetryBackoffFactor == 0 {
		c.RetryBackoffFactor = 2
	}
	if c.RetryBackoffJitter == 0 {
		c.RetryBackoffJitter = 0.2
	}
	if c.EventSuffix == "" {
		c.EventSuffix = "Event"
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 7 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
