package session

import "time"

// SessionScopeStartedEvent fires when a pooled session scope opens.
type SessionScopeStartedEvent struct {
	StartedAt time.Time
}

// SessionScopeEndedEvent fires when a pooled session scope closes,
// whether or not the callback succeeded.
type SessionScopeEndedEvent struct {
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration reports how long the scope was held.
func (e SessionScopeEndedEvent) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}
