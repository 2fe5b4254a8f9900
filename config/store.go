package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the live configuration snapshot. Reads are lock-free via
// atomic.Value so the pool can consult credentials on every handshake
// without contention; reloads swap in a whole new Config.
type Store struct {
	snap atomic.Value // holds *Config
	wmu  sync.Mutex   // serializes reloads (writes are rare)
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.snap.Store(cfg)
	return s
}

// Current returns the active configuration snapshot. Callers must not
// mutate it.
func (s *Store) Current() *Config {
	return s.snap.Load().(*Config)
}

// Reload validates and installs a new configuration. Transports
// authenticated under the previous snapshot keep their tokens until
// they are recycled.
func (s *Store) Reload(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.snap.Store(cfg)
	return nil
}
