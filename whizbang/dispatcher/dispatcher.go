package dispatcher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/pkg/errors"

	"github.com/krew-solutions/whizbang-go/whizbang/coordinator"
	"github.com/krew-solutions/whizbang-go/whizbang/disposable"
)

const defaultEventSuffix = "Event"

type receptorEntry[S any] struct {
	name    string
	handler func(S, any) (any, error)
}

type perspectiveEntry[S any] struct {
	name  string
	apply func(S, any) error
}

type eventBinding struct {
	messageType string
	decode      func(payload []byte) (any, error)
}

type internalPipeline[S any] = func(S, any, func(S, any) (any, error)) (any, error)

// Config tunes a dispatcher. Zero values fall back to defaults.
type Config struct {
	// TopicFunc resolves the destination topic for an outgoing message
	// type. Defaults to identity: topic = message type.
	TopicFunc func(messageType string) string

	// EventSuffix is the naming convention event types follow. It must
	// match the store's suffix, or outgoing events will not reach the
	// event store. Defaults to "Event".
	EventSuffix string

	Logger *slog.Logger
}

// Dispatcher routes commands to receptors and events to perspectives.
// Routing tables are built at startup; registration is not synchronized
// with dispatch.
type Dispatcher[S any] struct {
	serviceName string
	strategy    coordinator.Strategy
	topicFunc   func(messageType string) string
	eventSuffix string
	logger      *slog.Logger

	receptors          map[reflect.Type]receptorEntry[S]
	perspectives       map[reflect.Type][]perspectiveEntry[S]
	eventsByType       map[reflect.Type]string
	eventsByName       map[string]eventBinding
	pipelines          map[reflect.Type][]internalPipeline[S]
	broadcastPipelines []internalPipeline[S]
}

// NewDispatcher builds a dispatcher for the given service. The strategy
// receives everything Send and the event fan-out queue; a nil strategy
// makes the dispatcher local-only, where LocalInvoke and Publish work
// but Send fails with ErrNoStrategy.
func NewDispatcher[S any](serviceName string, strategy coordinator.Strategy, cfg Config) *Dispatcher[S] {
	if cfg.TopicFunc == nil {
		cfg.TopicFunc = func(messageType string) string { return messageType }
	}
	if cfg.EventSuffix == "" {
		cfg.EventSuffix = defaultEventSuffix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher[S]{
		serviceName:  serviceName,
		strategy:     strategy,
		topicFunc:    cfg.TopicFunc,
		eventSuffix:  cfg.EventSuffix,
		logger:       cfg.Logger,
		receptors:    make(map[reflect.Type]receptorEntry[S]),
		perspectives: make(map[reflect.Type][]perspectiveEntry[S]),
		eventsByType: make(map[reflect.Type]string),
		eventsByName: make(map[string]eventBinding),
		pipelines:    make(map[reflect.Type][]internalPipeline[S]),
	}
}

// WithStrategy returns a view of this dispatcher that queues through
// the given strategy instead. Routing tables are shared with the
// original. A consumer hands each delivery scope such a view, so the
// checkpoints a dispatch queues land in the scope's transaction.
func (d *Dispatcher[S]) WithStrategy(strategy coordinator.Strategy) *Dispatcher[S] {
	view := *d
	view.strategy = strategy
	return &view
}

func (d *Dispatcher[S]) invoke(session S, command any) (any, error) {
	entry, ok := d.receptors[reflect.TypeOf(command)]
	if !ok {
		return nil, fmt.Errorf("%w for type %v", ErrReceptorNotRegistered, reflect.TypeOf(command))
	}
	return d.executePipelines(session, command, entry.handler)
}

func (d *Dispatcher[S]) executePipelines(session S, command any, handler func(S, any) (any, error)) (any, error) {
	currentHandler := handler
	typedPipelines := d.pipelines[reflect.TypeOf(command)]
	allPipelines := make([]internalPipeline[S], 0, len(d.broadcastPipelines)+len(typedPipelines))
	allPipelines = append(allPipelines, d.broadcastPipelines...)
	allPipelines = append(allPipelines, typedPipelines...)

	for i := len(allPipelines) - 1; i >= 0; i-- {
		currentHandler = wrapPipeline(allPipelines[i], currentHandler)
	}

	return currentHandler(session, command)
}

func wrapPipeline[S any](pipeline internalPipeline[S], next func(S, any) (any, error)) func(S, any) (any, error) {
	return func(session S, command any) (any, error) {
		return pipeline(session, command, next)
	}
}

// --- Typed free functions ---

// LocalInvoke calls the receptor for the command synchronously and
// returns its typed result. No envelope is built and nothing reaches
// the outbox; this is the hot path for in-process calls that need no
// durability.
func LocalInvoke[S, Res any](d *Dispatcher[S], session S, command Command[Res]) (Res, error) {
	result, err := d.invoke(session, command)
	if err != nil {
		var zero Res
		return zero, err
	}
	if result == nil {
		var zero Res
		return zero, nil
	}
	return result.(Res), nil
}

// RegisterReceptor routes commands of type C to the given receptor. A
// command type has at most one receptor; registering again replaces the
// earlier one. Audit rows record the receptor under the command type's
// name.
func RegisterReceptor[S, C, Res any](d *Dispatcher[S], receptor Receptor[S, C, Res]) disposable.Disposable {
	commandType := reflect.TypeFor[C]()
	d.receptors[commandType] = receptorEntry[S]{
		name: commandType.Name(),
		handler: func(session S, command any) (any, error) {
			return receptor(session, command.(C))
		},
	}
	return disposable.NewDisposable(func() {
		UnregisterReceptor[S, C](d)
	})
}

// UnregisterReceptor removes the receptor routed for command type C.
func UnregisterReceptor[S, C any](d *Dispatcher[S]) error {
	commandType := reflect.TypeFor[C]()
	if _, ok := d.receptors[commandType]; !ok {
		return fmt.Errorf("%w for type %v", ErrReceptorNotRegistered, commandType)
	}
	delete(d.receptors, commandType)
	return nil
}

// RegisterPerspective registers a named perspective for events of type
// E. The name keys checkpoint rows, so it must stay stable across
// releases. Registering the same name again replaces the earlier
// registration.
func RegisterPerspective[S, E any](d *Dispatcher[S], name string, perspective Perspective[S, E]) disposable.Disposable {
	eventType := reflect.TypeFor[E]()
	entry := perspectiveEntry[S]{
		name: name,
		apply: func(session S, event any) error {
			return perspective(session, event.(E))
		},
	}
	entries := d.perspectives[eventType]
	replaced := false
	for i, e := range entries {
		if e.name == name {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	d.perspectives[eventType] = entries
	return disposable.NewDisposable(func() {
		UnregisterPerspective[S, E](d, name)
	})
}

// UnregisterPerspective removes the named perspective for events of
// type E. Removing an unknown name is a no-op.
func UnregisterPerspective[S, E any](d *Dispatcher[S], name string) {
	eventType := reflect.TypeFor[E]()
	entries := d.perspectives[eventType]
	for i, e := range entries {
		if e.name == name {
			d.perspectives[eventType] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// BindEvent declares E an event type and binds it to its wire message
// type name, so incoming payloads can be decoded and receptor results
// of type E are recognized as events. The wire name must additionally
// follow the event suffix convention for the store to append the event
// to the event store.
func BindEvent[E Event, S any](d *Dispatcher[S], messageType string) disposable.Disposable {
	eventType := reflect.TypeFor[E]()
	d.eventsByType[eventType] = messageType
	d.eventsByName[messageType] = eventBinding{
		messageType: messageType,
		decode: func(payload []byte) (any, error) {
			var event E
			if err := json.Unmarshal(payload, &event); err != nil {
				return nil, errors.Wrapf(err, "unable to decode event %s", messageType)
			}
			return event, nil
		},
	}
	return disposable.NewDisposable(func() {
		delete(d.eventsByType, eventType)
		delete(d.eventsByName, messageType)
	})
}

// AddPipeline adds a typed pipeline for commands of type C.
func AddPipeline[S, C, Res any](d *Dispatcher[S], pipeline Pipeline[S, C, Res]) {
	commandType := reflect.TypeFor[C]()
	d.pipelines[commandType] = append(d.pipelines[commandType], func(session S, command any, next func(S, any) (any, error)) (any, error) {
		typedNext := func(s S, c C) (Res, error) {
			result, err := next(s, c)
			if err != nil {
				var zero Res
				return zero, err
			}
			if result == nil {
				var zero Res
				return zero, nil
			}
			return result.(Res), nil
		}
		return pipeline(session, command.(C), typedNext)
	})
}

// AddBroadcastPipeline adds a pipeline that wraps all command types.
func AddBroadcastPipeline[S any](d *Dispatcher[S], pipeline BroadcastPipeline[S]) {
	d.broadcastPipelines = append(d.broadcastPipelines, pipeline)
}
