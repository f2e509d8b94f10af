package store

import "fmt"

// Status is the processing state of a queued message. Values are
// powers of two so status filters can combine them, but a row holds
// exactly one at a time.
type Status int

const (
	// StatusStored means the message is durable and waiting for an
	// instance to claim it.
	StatusStored Status = 1
	// StatusPublished means the outbox message reached the transport.
	StatusPublished Status = 2
	// StatusCompleted means every local handler finished. Completed
	// inbox rows stay in place for the deduplication window.
	StatusCompleted Status = 4
	// StatusFailed means the last attempt errored. The row retries
	// when next_retry_at passes, unless it is dead-lettered.
	StatusFailed Status = 8
	// StatusClaimed means an instance holds a lease on the message.
	StatusClaimed Status = 16
)

func (s Status) String() string {
	switch s {
	case StatusStored:
		return "stored"
	case StatusPublished:
		return "published"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusClaimed:
		return "claimed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Flags adjust how a single batch is processed.
type Flags int

const (
	// FlagSkipClaim stores and acknowledges without claiming new work.
	// Timer-driven flushes use it so that only explicit flushes grow
	// the in-flight set.
	FlagSkipClaim Flags = 1 << iota
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}
