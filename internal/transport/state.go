package transport

import "sync"

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	// Reconnecting is Connecting for a client that still holds subscriptions
	// from an earlier connection.
	Reconnecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Reconnecting:
		return "reconnecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// StateListener observes state transitions.
type StateListener func(from, to State)

// listeners is an explicit registry; each registration returns the func that
// removes it.
type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]StateListener
}

func (l *listeners) add(fn StateListener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]StateListener)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners) notify(from, to State) {
	if from == to {
		return
	}
	l.mu.Lock()
	fns := make([]StateListener, 0, len(l.fns))
	for i := 0; i < l.next; i++ {
		if fn, ok := l.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(from, to)
	}
}
