package pgx

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/krew-solutions/whizbang-go/whizbang/session"
	"github.com/krew-solutions/whizbang-go/whizbang/signals"
)

// SessionPool hands out sessions bound to pgxpool connections and
// notifies scope lifecycle signals around every checkout.
type SessionPool struct {
	pool             *pgxpool.Pool
	onSessionStarted signals.Signal[session.SessionScopeStartedEvent]
	onSessionEnded   signals.Signal[session.SessionScopeEndedEvent]
}

func NewSessionPool(pool *pgxpool.Pool) *SessionPool {
	return &SessionPool{
		pool:             pool,
		onSessionStarted: signals.NewSignal[session.SessionScopeStartedEvent](),
		onSessionEnded:   signals.NewSignal[session.SessionScopeEndedEvent](),
	}
}

func (p *SessionPool) OnSessionStarted() signals.Signal[session.SessionScopeStartedEvent] {
	return p.onSessionStarted
}

func (p *SessionPool) OnSessionEnded() signals.Signal[session.SessionScopeEndedEvent] {
	return p.onSessionEnded
}

func (p *SessionPool) Session(ctx context.Context, callback session.SessionPoolCallback) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "unable to acquire session")
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to acquire connection")
	}
	defer conn.Release()

	startedAt := time.Now()
	p.onSessionStarted.Notify(session.SessionScopeStartedEvent{StartedAt: startedAt})
	defer func() {
		p.onSessionEnded.Notify(session.SessionScopeEndedEvent{
			StartedAt: startedAt,
			EndedAt:   time.Now(),
		})
	}()

	return callback(NewSession(ctx, conn))
}
