package samplestore

import (
	"sync"

	"github.com/kalambet/vitalsd/internal/signal"
)

// Store holds the latest observed value for each signal type. Updates are
// last-write-wins; there is no history.
type Store struct {
	mu     sync.RWMutex
	latest map[signal.Type]float64
}

// New creates an empty Store.
func New() *Store {
	return &Store{latest: make(map[signal.Type]float64)}
}

// Update overwrites the current value for t. Undeclared types are ignored.
func (s *Store) Update(t signal.Type, v float64) {
	if !t.Valid() {
		return
	}
	s.mu.Lock()
	s.latest[t] = v
	s.mu.Unlock()
}

// Snapshot returns a copy of every value that has been set. Types that were
// never observed are absent.
func (s *Store) Snapshot() map[signal.Type]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[signal.Type]float64, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// Get returns the current value for t and whether it was ever set.
func (s *Store) Get(t signal.Type) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.latest[t]
	return v, ok
}

// Len returns the number of observed signal types.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}

// UpdateAll applies every value in vals under one lock, so a concurrent
// Snapshot sees either none or all of them.
func (s *Store) UpdateAll(vals map[signal.Type]float64) {
	if len(vals) == 0 {
		return
	}
	s.mu.Lock()
	for t, v := range vals {
		if t.Valid() {
			s.latest[t] = v
		}
	}
	s.mu.Unlock()
}
