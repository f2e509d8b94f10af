package envelope

import "context"

type contextKey struct{}

// WithContext attaches the envelope of the message currently being
// handled. Receptors and the dispatcher read it back to correlate
// follow-up messages with their cause.
func WithContext(ctx context.Context, e Envelope) context.Context {
	return context.WithValue(ctx, contextKey{}, e)
}

// FromContext returns the envelope of the message currently being
// handled, if any.
func FromContext(ctx context.Context) (Envelope, bool) {
	e, ok := ctx.Value(contextKey{}).(Envelope)
	return e, ok
}
