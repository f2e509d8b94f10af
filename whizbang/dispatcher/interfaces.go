package dispatcher

import (
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
)

// Command is a marker interface that associates a command type with its
// result type. Embed CommandBase[Res] into your command structs to
// implement this interface.
type Command[Res any] interface {
	IsCommand(*Res)
}

// CommandBase is an embeddable struct that implements Command[Res].
type CommandBase[Res any] struct{}

func (CommandBase[Res]) IsCommand(*Res) {}

// Event is implemented by declared event types so the dispatcher can
// read the stream an event belongs to.
type Event interface {
	EventStreamID() ident.ID
}

// Receptor handles a command of type C and returns a result of type
// Res. The session carries whatever ambient state the host wires in.
type Receptor[S, C, Res any] = func(session S, command C) (Res, error)

// Perspective applies an event of type E to a read model.
type Perspective[S, E any] = func(session S, event E) error

// Pipeline wraps receptor invocation with cross-cutting concerns.
type Pipeline[S, C, Res any] = func(session S, command C, next Receptor[S, C, Res]) (Res, error)

// BroadcastPipeline wraps all command types with cross-cutting concerns.
type BroadcastPipeline[S any] = func(session S, command any, next func(S, any) (any, error)) (any, error)
