package transport

import (
	"context"

	"github.com/krew-solutions/whizbang-go/whizbang/envelope"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
)

// Delivery is one message handed to a receiver. The receiver settles it
// with Ack or Nack; a nacked delivery comes back with Attempt bumped.
type Delivery struct {
	MessageID ident.ID
	Topic     string
	Payload   []byte
	Envelope  envelope.Envelope
	Attempt   int
}

// Publisher hands messages to a broker. A nil return means the message
// was delivered; errors are classified with Transient and Permanent
// wrappers, and unclassified errors count as transient.
type Publisher interface {
	Publish(ctx context.Context, topic string, id ident.ID, payload []byte, env envelope.Envelope) error
}

// Receiver consumes deliveries from a broker. Receive hands out a
// channel shared by competing receivers: each delivery reaches exactly
// one of them. The channel closes when the transport closes.
type Receiver interface {
	Receive(ctx context.Context) (<-chan Delivery, error)
	Ack(ctx context.Context, id ident.ID) error
	Nack(ctx context.Context, id ident.ID) error
}

// Transport is both ends of a broker connection.
type Transport interface {
	Publisher
	Receiver
}
