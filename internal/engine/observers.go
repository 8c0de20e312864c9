package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

// ErrSessionReset is returned by Await when the session went back to idle
var ErrSessionReset = errors.New("session was reset")

// Observer receives a snapshot after every session transition.
//
// OnStateChange runs on the goroutine that produced the transition, with
// notifications serialized per session. It must not call Start or Reset on
// the same session synchronously; hand such work to another goroutine.
type Observer interface {
	OnStateChange(state models.SessionState)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(state models.SessionState)

func (f ObserverFunc) OnStateChange(state models.SessionState) { f(state) }

type observerEntry struct {
	id       uint64
	observer Observer
}

// observerList is a copy-on-notify set of observers
type observerList struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []observerEntry
}

func (l *observerList) add(o Observer) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, observerEntry{id: id, observer: o})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *observerList) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *observerList) clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// notify hands every observer its own copy of state, in subscription order
func (l *observerList) notify(state models.SessionState) {
	l.mu.RLock()
	entries := make([]observerEntry, len(l.entries))
	copy(entries, l.entries)
	l.mu.RUnlock()

	for _, e := range entries {
		e.observer.OnStateChange(state.Clone())
	}
}

// Await blocks until the session reaches complete or error and returns that snapshot.
// It returns ErrSessionReset if the session is, or becomes, idle.
func Await(ctx context.Context, s *Session) (models.SessionState, error) {
	ch := make(chan models.SessionState, 1)
	unsubscribe := s.Subscribe(ObserverFunc(func(st models.SessionState) {
		if st.Phase == models.PhaseGenerating {
			return
		}
		select {
		case ch <- st:
		default:
		}
	}))
	defer unsubscribe()

	current := s.Snapshot()
	switch {
	case current.Phase.Terminal():
		return current, nil
	case current.Phase == models.PhaseIdle:
		return current, ErrSessionReset
	}

	select {
	case st := <-ch:
		if st.Phase == models.PhaseIdle {
			return st, ErrSessionReset
		}
		return st, nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}
