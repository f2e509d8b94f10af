package signals

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/krew-solutions/whizbang-go/whizbang/disposable"
)

type entry[E any] struct {
	id       string
	observer Observer[E]
}

// SignalImp is the default Signal implementation. Safe for concurrent
// use: observers may attach and detach while workers notify.
type SignalImp[E any] struct {
	mu      sync.RWMutex
	entries []entry[E]
}

func NewSignal[E any]() *SignalImp[E] {
	return &SignalImp[E]{}
}

func (s *SignalImp[E]) Attach(observer Observer[E], observerID ...string) disposable.Disposable {
	id := resolveID(observer, observerID)

	s.mu.Lock()
	s.removeLocked(id)
	s.entries = append(s.entries, entry[E]{id: id, observer: observer})
	s.mu.Unlock()

	return disposable.NewDisposable(func() {
		s.Detach(id)
	})
}

func (s *SignalImp[E]) Detach(observerID string) {
	s.mu.Lock()
	s.removeLocked(observerID)
	s.mu.Unlock()
}

func (s *SignalImp[E]) Notify(event E) {
	s.mu.RLock()
	observers := make([]Observer[E], len(s.entries))
	for i, e := range s.entries {
		observers[i] = e.observer
	}
	s.mu.RUnlock()

	for _, observer := range observers {
		observer(event)
	}
}

func (s *SignalImp[E]) removeLocked(id string) {
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func resolveID[E any](observer Observer[E], observerID []string) string {
	if len(observerID) > 0 {
		return observerID[0]
	}
	return fmt.Sprintf("%d", reflect.ValueOf(observer).Pointer())
}
