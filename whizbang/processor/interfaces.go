package processor

import (
	"context"
	"fmt"

	"github.com/krew-solutions/whizbang-go/whizbang/envelope"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
)

// Message is one claimed unit of work, detached from which queue it
// came from. Sequence carries the storage order used for per-stream
// sequencing.
type Message struct {
	ID       ident.ID
	StreamID ident.ID
	Sequence int64
	Topic    string
	Payload  []byte
	Envelope envelope.Envelope
}

// Outcome classifies one processing attempt.
type Outcome int

const (
	// Handled means the message is done and can be acknowledged.
	Handled Outcome = iota
	// TransientFailure means the attempt failed but a retry may work.
	TransientFailure
	// PermanentFailure means retrying cannot help; the message should
	// be dead-lettered.
	PermanentFailure
	// Cancelled means the attempt was cut short by context
	// cancellation; the message stays retryable.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case TransientFailure:
		return "transient-failure"
	case PermanentFailure:
		return "permanent-failure"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Action runs one message and classifies the attempt.
type Action func(ctx context.Context, msg Message) (Outcome, error)

// Reporter receives every attempt's outcome, in stream order, before
// the next message of the stream runs. Reporters typically queue
// completions and failures on a coordinator strategy.
type Reporter interface {
	Report(ctx context.Context, msg Message, outcome Outcome, err error) error
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, msg Message, outcome Outcome, err error) error

func (f ReporterFunc) Report(ctx context.Context, msg Message, outcome Outcome, err error) error {
	return f(ctx, msg, outcome, err)
}
