package config

import (
	"reflect"
	"sync"
)

// Store holds the live configuration and persists replacements via a callback.
type Store struct {
	mu      sync.RWMutex
	cfg     AppConfig
	persist func(AppConfig) error
}

// NewStore constructs a store seeded with initial.
func NewStore(initial AppConfig, persist func(AppConfig) error) (*Store, error) {
	clone := initial.Clone()
	clone.normalise()
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &Store{cfg: clone, persist: persist}, nil
}

// Snapshot returns a deep copy of the current configuration.
func (s *Store) Snapshot() AppConfig {
	if s == nil {
		return Default()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Replace validates and persists cfg, then makes it current.
func (s *Store) Replace(cfg AppConfig) error {
	if s == nil {
		return nil
	}
	updated := cfg.Clone()
	updated.normalise()
	if err := updated.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if reflect.DeepEqual(s.cfg, updated) {
		return nil
	}
	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return err
		}
	}
	s.cfg = updated
	return nil
}
