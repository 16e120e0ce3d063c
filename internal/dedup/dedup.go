// Package dedup provides a bounded first-in-first-out set of alert keys.
package dedup

import (
	"sync"

	"flowscanner/internal/model"
)

// DefaultCapacity is used when a non-positive capacity is given.
const DefaultCapacity = 10_000

// Set remembers the most recent keys up to a fixed capacity. Keys live in
// a circular buffer for eviction order and a map for lookup; the oldest key
// is evicted first.
//
// Thread-safe. The lock is independent of any per-symbol lock.
type Set struct {
	mu   sync.Mutex
	buf  []model.DedupKey
	seen map[model.DedupKey]struct{}
	cap  int
	pos  int // next write position
	full bool
}

// New creates a set holding at most capacity keys.
func New(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Set{
		buf:  make([]model.DedupKey, capacity),
		seen: make(map[model.DedupKey]struct{}, capacity),
		cap:  capacity,
	}
}

// Add records k and reports whether it was new. A full set evicts its
// oldest key to make room.
func (s *Set) Add(k model.DedupKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[k]; ok {
		return false
	}
	if s.full {
		delete(s.seen, s.buf[s.pos])
	}
	s.buf[s.pos] = k
	s.seen[k] = struct{}{}
	s.pos = (s.pos + 1) % s.cap
	if s.pos == 0 && !s.full {
		s.full = true
	}
	return true
}

// Contains reports whether k is currently remembered.
func (s *Set) Contains(k model.DedupKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[k]
	return ok
}

// Len returns the number of remembered keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Cap returns the capacity.
func (s *Set) Cap() int { return s.cap }
