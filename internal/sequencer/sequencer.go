// Package sequencer gates subscription events on their sequence numbers.
//
// Each subscription remembers the last sequence number it accepted. An event
// numbered at or below it is stale (duplicate or reordered delivery) and is
// dropped. Accepted events are handed to the subscription's callback while
// its lock is held, so callbacks for one subscription never overlap and run
// in acceptance order. Different subscriptions do not share a lock.
//
// Unregister never takes that lock, so a callback may unregister its own
// subscription.
package sequencer

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Outcome is the result of Accept.
type Outcome int

const (
	Applied Outcome = iota
	RejectedStale
	RejectedUnknown
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case RejectedStale:
		return "rejected_stale"
	default:
		return "rejected_unknown"
	}
}

// Callback receives accepted payloads.
type Callback[T any] func(seq int64, payload T)

type entry[T any] struct {
	mu       sync.Mutex
	callback Callback[T]
	last     int64
	primed   bool // false until the first accept after register/reset
	closed   atomic.Bool
}

// Sequencer tracks the last accepted sequence number per subscription id.
type Sequencer[T any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
}

// New creates an empty sequencer.
func New[T any]() *Sequencer[T] {
	return &Sequencer[T]{entries: make(map[string]*entry[T])}
}

// Register adds a subscription, or replaces the callback of an existing one
// and resets its sequence. There is never more than one callback per id.
func (s *Sequencer[T]) Register(id string, cb Callback[T]) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.entries[id] = &entry[T]{callback: cb}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.callback = cb
	e.primed = false
	e.last = 0
	e.mu.Unlock()
}

// Unregister removes a subscription. Once it returns no new callback starts
// for id. A callback already running is not waited for, so Unregister may be
// called from inside it.
func (s *Sequencer[T]) Unregister(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		e.closed.Store(true)
	}
}

// Accept applies the staleness check and, on success, delivers payload.
func (s *Sequencer[T]) Accept(id string, seq int64, payload T) Outcome {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		slog.Debug("event for unknown subscription dropped", "subscription", id, "seq", seq)
		return RejectedUnknown
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return RejectedUnknown
	}
	if e.primed && seq <= e.last {
		slog.Warn("stale event dropped", "subscription", id, "seq", seq, "last", e.last)
		return RejectedStale
	}
	e.last = seq
	e.primed = true
	if e.callback != nil {
		e.callback(seq, payload)
	}
	return Applied
}

// ResetSequence clears the last accepted number for id; the next event is
// accepted whatever its number.
func (s *Sequencer[T]) ResetSequence(id string) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.primed = false
	e.last = 0
	e.mu.Unlock()
}

// ResetAll resets every subscription (new connection epoch).
func (s *Sequencer[T]) ResetAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.ResetSequence(id)
	}
}

// Last returns the last accepted sequence number and whether one exists.
func (s *Sequencer[T]) Last(id string) (int64, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.primed
}

// Len returns the number of registered subscriptions.
func (s *Sequencer[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
