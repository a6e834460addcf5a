package config

import (
	"sync"
	"sync/atomic"
)

// Store publishes FarmConfig snapshots. Readers never block; writers are
// serialised and always replace the whole snapshot.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[FarmConfig]
}

func NewStore(initial FarmConfig) *Store {
	s := &Store{}
	snapshot := initial.Clone()
	s.current.Store(&snapshot)
	return s
}

// Get returns the current snapshot. Callers must treat it as read-only.
func (s *Store) Get() *FarmConfig {
	return s.current.Load()
}

func (s *Store) Set(cfg FarmConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := cfg.Clone()
	s.current.Store(&snapshot)
	return nil
}

// Update applies fn to a copy of the current snapshot and publishes it if
// the result is valid.
func (s *Store) Update(fn func(cfg *FarmConfig)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.current.Store(&next)
	return nil
}
