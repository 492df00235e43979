package session

import (
	"github.com/teahouse-ops/teaconsole/internal/console/identity"
)

// State is where the controller is in its lifecycle.
type State int

const (
	StateUnknown State = iota
	StateAuthenticating
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "invalid"
	}
}

// Snapshot is a consistent copy of the observable session.
type Snapshot struct {
	State   State
	User    *identity.User
	Loading bool
}

// Authenticated reports whether a verified user is present.
func (s Snapshot) Authenticated() bool {
	return s.State == StateAuthenticated && s.User != nil
}

// watchers fans snapshots out to subscribers.
// Non-blocking: a slow subscriber misses intermediate snapshots.
type watchers struct {
	subscribers map[string]chan Snapshot
	bufferSize  int
}

func newWatchers(bufferSize int) watchers {
	if bufferSize < 1 {
		bufferSize = 16
	}
	return watchers{
		subscribers: make(map[string]chan Snapshot),
		bufferSize:  bufferSize,
	}
}

func (w *watchers) publish(s Snapshot) {
	for _, ch := range w.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
}

func (w *watchers) add(id string, initial Snapshot) <-chan Snapshot {
	if old, ok := w.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan Snapshot, w.bufferSize)
	ch <- initial
	w.subscribers[id] = ch
	return ch
}

func (w *watchers) remove(id string) {
	if ch, ok := w.subscribers[id]; ok {
		close(ch)
		delete(w.subscribers, id)
	}
}

func (w *watchers) closeAll() {
	for id, ch := range w.subscribers {
		close(ch)
		delete(w.subscribers, id)
	}
}
