package worker

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLifecycle() *Lifecycle {
	return NewLifecycle("publisher", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestAdvanceNotifiesObserversInOrder(t *testing.T) {
	l := newTestLifecycle()
	require.Equal(t, StateStarting, l.State())

	var seen []StateChangedEvent
	l.OnStateChanged().Attach(func(event StateChangedEvent) {
		seen = append(seen, event)
	})

	assert.True(t, l.Advance(StateRunning))
	assert.True(t, l.Advance(StateDraining))
	assert.True(t, l.Advance(StateStopped))

	require.Len(t, seen, 3)
	assert.Equal(t, StateChangedEvent{Worker: "publisher", From: StateStarting, To: StateRunning}, seen[0])
	assert.Equal(t, StateChangedEvent{Worker: "publisher", From: StateRunning, To: StateDraining}, seen[1])
	assert.Equal(t, StateChangedEvent{Worker: "publisher", From: StateDraining, To: StateStopped}, seen[2])
	assert.Equal(t, StateStopped, l.State())
}

func TestAdvanceIgnoresBackwardTransitions(t *testing.T) {
	l := newTestLifecycle()
	l.Advance(StateDraining)

	notified := 0
	l.OnStateChanged().Attach(func(StateChangedEvent) {
		notified++
	})

	assert.False(t, l.Advance(StateRunning))
	assert.False(t, l.Advance(StateDraining))
	assert.Equal(t, 0, notified)
	assert.Equal(t, StateDraining, l.State())
}

func TestConcurrentAdvanceTransitionsOnce(t *testing.T) {
	l := newTestLifecycle()
	l.Advance(StateRunning)

	var mu sync.Mutex
	notified := 0
	l.OnStateChanged().Attach(func(StateChangedEvent) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Advance(StateDraining)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, notified)
	assert.Equal(t, StateDraining, l.State())
}
