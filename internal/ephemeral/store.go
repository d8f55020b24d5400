// Package ephemeral holds short-lived, in-memory handoff state keyed by a
// freshly minted reference id. Expiry is checked lazily on access; there is
// no background timer.
package ephemeral

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

type options struct {
	now   func() time.Time
	newID func() string
}

type Option func(*options)

// WithClock overrides time.Now, mainly so tests can advance a virtual clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides the reference id generator.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// Store is a TTL map from reference id to value.
type Store[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	newID   func() string
	entries map[string]entry[T]
}

func NewStore[T any](ttl time.Duration, opts ...Option) *Store[T] {
	o := options{now: time.Now, newID: NewRefID}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		ttl:     ttl,
		now:     o.now,
		newID:   o.newID,
		entries: make(map[string]entry[T]),
	}
}

// Put sweeps expired entries, then stores value under a new reference id.
func (s *Store[T]) Put(value T) (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	id := s.newID()
	expiresAt := now.Add(s.ttl)
	s.entries[id] = entry[T]{value: value, expiresAt: expiresAt}
	return id, expiresAt
}

// Take returns and deletes the entry. Unknown, consumed and expired ids all
// report false.
func (s *Store[T]) Take(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(id)
	if !ok {
		var zero T
		return zero, false
	}
	delete(s.entries, id)
	return e.value, true
}

// Peek returns the entry without consuming it. An expired entry is deleted
// as a side effect.
func (s *Store[T]) Peek(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(id)
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// ExpiresAt reports when id expires, if it is still live.
func (s *Store[T]) ExpiresAt(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(id)
	if !ok {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// Prune removes every expired entry and returns how many were dropped.
// Calling it repeatedly with no clock movement is a no-op.
func (s *Store[T]) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(s.now())
}

func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store[T]) TTL() time.Duration {
	return s.ttl
}

func (s *Store[T]) liveLocked(id string) (entry[T], bool) {
	e, ok := s.entries[id]
	if !ok {
		return e, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, id)
		return e, false
	}
	return e, true
}

func (s *Store[T]) pruneLocked(now time.Time) int {
	count := 0
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
			count++
		}
	}
	return count
}
