package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/krew-solutions/whizbang-go/whizbang/deferred"
	"github.com/krew-solutions/whizbang-go/whizbang/envelope"
	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/option"
	"github.com/krew-solutions/whizbang-go/whizbang/store"
)

// ReceiptStatus reports how far an outgoing message got by the time
// Send returned.
type ReceiptStatus int

const (
	// ReceiptAccepted means the message is queued with the strategy.
	// Durability arrives with the flush that carries it; await the
	// receipt's Flushed deferred when the caller needs to know.
	ReceiptAccepted ReceiptStatus = iota
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptAccepted:
		return "accepted"
	default:
		return fmt.Sprintf("receipt(%d)", int(s))
	}
}

// DeliveryReceipt is the acknowledgement Send hands back once the
// outgoing message is queued.
type DeliveryReceipt struct {
	MessageID     ident.ID
	CorrelationID ident.ID
	Timestamp     time.Time
	Destination   string
	Status        ReceiptStatus

	// Flushed settles with the result of the flush that carried the
	// message, or rejects when that flush failed. With the Immediate
	// strategy it is already settled when Send returns.
	Flushed deferred.Deferred[*store.BatchResult]
}

// Send invokes the receptor for the command and queues its result as an
// outgoing message. The result is an event when its type is bound via
// BindEvent and its wire name carries the event suffix; everything else
// goes out as a plain command. Correlation and causation come from the
// envelope in ctx when the command was triggered by another message.
//
// Receptor failures come back as HandlerError; queueing failures keep
// their coordinator type so callers can tell a domain error from a
// persistence one.
func Send[S, Res any](d *Dispatcher[S], ctx context.Context, session S, command Command[Res]) (DeliveryReceipt, error) {
	if d.strategy == nil {
		return DeliveryReceipt{}, ErrNoStrategy
	}
	commandType := reflect.TypeOf(command)
	if _, ok := d.receptors[commandType]; !ok {
		return DeliveryReceipt{}, fmt.Errorf("%w for type %v", ErrReceptorNotRegistered, commandType)
	}
	receptorName := typeName(commandType)
	parent, hasParent := envelope.FromContext(ctx)

	result, err := d.invoke(session, command)
	d.auditReceptor(ctx, parent, hasParent, receptorName, err)
	if err != nil {
		return DeliveryReceipt{}, &HandlerError{Handler: receptorName, Err: err}
	}
	if result == nil {
		return DeliveryReceipt{}, errors.Errorf("receptor %s returned no result to queue", receptorName)
	}

	messageType, isEvent := d.outgoingType(result)

	var env envelope.Envelope
	if hasParent {
		env = envelope.NewChild(parent, messageType)
	} else {
		env = envelope.New(messageType)
	}
	if ev, ok := result.(Event); ok {
		env.StreamID = ev.EventStreamID()
	}
	if ident.IsZero(env.StreamID) {
		// Streamless messages use their own id as the stream, so
		// partitioning still spreads them out.
		env.StreamID = env.MessageID
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return DeliveryReceipt{}, errors.Wrapf(err, "unable to encode message %s", messageType)
	}

	topic := d.topicFunc(messageType)
	flushed, err := d.strategy.QueueOutbox(ctx, store.NewOutboxMessage{
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		CausationID:   causationOf(env),
		MessageType:   messageType,
		StreamID:      env.StreamID,
		Topic:         topic,
		Payload:       payload,
		IsEvent:       isEvent,
	})
	if err != nil {
		return DeliveryReceipt{}, err
	}

	d.logger.Debug("message queued",
		"event", "message_queued",
		"message_type", messageType,
		"message_id", env.MessageID.String(),
		"topic", topic,
		"is_event", isEvent,
	)

	return DeliveryReceipt{
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		Timestamp:     env.CreatedAt,
		Destination:   topic,
		Status:        ReceiptAccepted,
		Flushed:       flushed,
	}, nil
}

// Publish applies an event to every registered perspective in parallel.
// Nothing reaches the outbox: the event is applied locally, not sent.
// Failures are aggregated; when a strategy is attached and the event in
// ctx came from a stored message, each failure is also queued so the
// lag shows up in the perspective bookkeeping.
func Publish[S, E any](d *Dispatcher[S], ctx context.Context, session S, event E) error {
	outcomes := d.fanOut(session, reflect.TypeFor[E](), event)
	parent, hasParent := envelope.FromContext(ctx)
	audited := d.strategy != nil && hasParent && d.isEventName(parent.MessageType)

	var failures *multierror.Error
	for _, outcome := range outcomes {
		if outcome.err == nil {
			continue
		}
		failures = multierror.Append(failures, fmt.Errorf("perspective %s: %w", outcome.name, outcome.err))
		if !audited {
			continue
		}
		if qErr := d.strategy.QueuePerspectiveFailure(ctx, store.PerspectiveFailure{
			StreamID:        parent.StreamID,
			PerspectiveName: outcome.name,
			EventID:         parent.MessageID,
			SequenceNumber:  parent.SequenceOrder,
			Reason:          outcome.err.Error(),
		}); qErr != nil {
			d.logger.Error("unable to queue perspective failure",
				"event", "perspective_audit_failed",
				"perspective", outcome.name,
				"error", qErr,
			)
		}
	}
	return failures.ErrorOrNil()
}

// DispatchEvent decodes a stored message and applies it to every
// perspective registered for its type. The consumer drives claimed
// inbox messages through here. Checkpoints advance per perspective, so
// one failing projection does not hold back the rest.
func (d *Dispatcher[S]) DispatchEvent(ctx context.Context, session S, messageType string, streamID, eventID ident.ID, sequence int64, payload []byte) error {
	binding, ok := d.eventsByName[messageType]
	if !ok {
		return fmt.Errorf("%w for message type %s", ErrEventNotBound, messageType)
	}
	event, err := binding.decode(payload)
	if err != nil {
		return err
	}

	outcomes := d.fanOut(session, reflect.TypeOf(event), event)

	var failures *multierror.Error
	failed := 0
	for _, outcome := range outcomes {
		if outcome.err != nil {
			failed++
			failures = multierror.Append(failures, fmt.Errorf("perspective %s: %w", outcome.name, outcome.err))
		}
		d.auditPerspective(ctx, streamID, eventID, sequence, outcome)
	}

	d.logger.Debug("perspectives applied",
		"event", "perspectives_applied",
		"message_type", messageType,
		"stream_id", streamID.String(),
		"perspectives", len(outcomes),
		"failed", failed,
	)

	return failures.ErrorOrNil()
}

type perspectiveOutcome struct {
	name string
	err  error
}

// fanOut runs all perspectives for the event type in parallel and
// reports every outcome. A plain errgroup, not WithContext: one failing
// perspective must not cancel its siblings mid-apply.
func (d *Dispatcher[S]) fanOut(session S, eventType reflect.Type, event any) []perspectiveOutcome {
	entries := d.perspectives[eventType]
	outcomes := make([]perspectiveOutcome, len(entries))
	var g errgroup.Group
	for i, entry := range entries {
		g.Go(func() error {
			err := entry.apply(session, event)
			outcomes[i] = perspectiveOutcome{name: entry.name, err: err}
			return err
		})
	}
	// Individual outcomes carry the errors; Wait only joins.
	_ = g.Wait()
	return outcomes
}

// auditReceptor records the receptor outcome against the event that
// triggered it. Only reactions to events are audited; queue errors are
// logged and swallowed so bookkeeping never fails the domain call.
func (d *Dispatcher[S]) auditReceptor(ctx context.Context, parent envelope.Envelope, hasParent bool, receptorName string, actionErr error) {
	if d.strategy == nil || !hasParent || !d.isEventName(parent.MessageType) {
		return
	}
	var err error
	if actionErr == nil {
		err = d.strategy.QueueReceptorCompletion(ctx, store.ReceptorCompletion{
			EventID:      parent.MessageID,
			ReceptorName: receptorName,
		})
	} else {
		err = d.strategy.QueueReceptorFailure(ctx, store.ReceptorFailure{
			EventID:      parent.MessageID,
			ReceptorName: receptorName,
			Reason:       actionErr.Error(),
		})
	}
	if err != nil {
		d.logger.Error("unable to queue receptor audit",
			"event", "receptor_audit_failed",
			"receptor", receptorName,
			"event_id", parent.MessageID.String(),
			"error", err,
		)
	}
}

func (d *Dispatcher[S]) auditPerspective(ctx context.Context, streamID, eventID ident.ID, sequence int64, outcome perspectiveOutcome) {
	if d.strategy == nil {
		return
	}
	var err error
	if outcome.err == nil {
		err = d.strategy.QueuePerspectiveCompletion(ctx, store.PerspectiveCompletion{
			StreamID:        streamID,
			PerspectiveName: outcome.name,
			EventID:         eventID,
			SequenceNumber:  sequence,
		})
	} else {
		err = d.strategy.QueuePerspectiveFailure(ctx, store.PerspectiveFailure{
			StreamID:        streamID,
			PerspectiveName: outcome.name,
			EventID:         eventID,
			SequenceNumber:  sequence,
			Reason:          outcome.err.Error(),
		})
	}
	if err != nil {
		d.logger.Error("unable to queue perspective checkpoint",
			"event", "perspective_audit_failed",
			"perspective", outcome.name,
			"event_id", eventID.String(),
			"error", err,
		)
	}
}

// outgoingType resolves the wire name for a receptor result. The result
// counts as an event only when its type is bound and the bound name
// follows the suffix convention; either one alone is not enough.
func (d *Dispatcher[S]) outgoingType(result any) (string, bool) {
	resultType := reflect.TypeOf(result)
	if wireName, ok := d.eventsByType[resultType]; ok {
		return wireName, envelope.IsEventType(wireName, d.eventSuffix)
	}
	return typeName(resultType), false
}

// isEventName reports whether a message type names an event, by binding
// or by naming convention. Used for audit decisions about messages that
// may have been produced elsewhere.
func (d *Dispatcher[S]) isEventName(messageType string) bool {
	if _, ok := d.eventsByName[messageType]; ok {
		return true
	}
	return envelope.IsEventType(messageType, d.eventSuffix)
}

func causationOf(env envelope.Envelope) option.Option[ident.ID] {
	if ident.IsZero(env.CausationID) {
		return option.Nothing[ident.ID]()
	}
	return option.Some(env.CausationID)
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
