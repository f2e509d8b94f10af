package worker

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/krew-solutions/whizbang-go/whizbang/signals"
)

// State is the lifecycle position of a background worker.
type State int32

const (
	// StateStarting means the worker exists but its loop has not begun.
	StateStarting State = iota
	// StateRunning means the loop is claiming and processing work.
	StateRunning
	// StateDraining means a stop was requested and in-flight work is
	// being finished.
	StateDraining
	// StateStopped means the loop has exited.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StateChangedEvent is published on every lifecycle transition.
type StateChangedEvent struct {
	Worker string
	From   State
	To     State
}

// Lifecycle tracks one worker's state and publishes every transition.
// Hosts observe it through OnStateChanged without the worker knowing
// who is watching.
type Lifecycle struct {
	worker  string
	state   atomic.Int32
	changed *signals.SignalImp[StateChangedEvent]
	logger  *slog.Logger
}

func NewLifecycle(worker string, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lifecycle{
		worker:  worker,
		changed: signals.NewSignal[StateChangedEvent](),
		logger:  logger,
	}
	l.state.Store(int32(StateStarting))
	return l
}

// State returns the current lifecycle position.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// OnStateChanged is the signal notified on every transition, on the
// transitioning goroutine.
func (l *Lifecycle) OnStateChanged() signals.Signal[StateChangedEvent] {
	return l.changed
}

// Advance moves the worker forward to the given state and notifies
// observers. States only move forward; a transition to an earlier or
// equal state is ignored, which makes concurrent stop requests
// idempotent. Reports whether the transition happened.
func (l *Lifecycle) Advance(to State) bool {
	for {
		current := State(l.state.Load())
		if to <= current {
			return false
		}
		if l.state.CompareAndSwap(int32(current), int32(to)) {
			l.logger.Info("worker state changed",
				"event", "state_changed",
				"worker", l.worker,
				"from", current.String(),
				"to", to.String(),
			)
			l.changed.Notify(StateChangedEvent{Worker: l.worker, From: current, To: to})
			return true
		}
	}
}
