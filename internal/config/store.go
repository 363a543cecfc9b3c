package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Store holds the live tuning snapshot. Readers call Current once per
// computation and never see a partially applied reload; a reload swaps
// the whole *TuningConfig pointer.
//
// Snapshots handed out by Current must be treated as immutable.
type Store struct {
	current atomic.Pointer[TuningConfig]

	mu          sync.Mutex
	subscribers []func(*TuningConfig)
	generation  atomic.Uint64
}

// NewStore creates a Store seeded with cfg. A nil cfg seeds an empty
// config, which reports defaults for every field.
func NewStore(cfg *TuningConfig) *Store {
	if cfg == nil {
		cfg = EmptyTuningConfig()
	}
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Current returns the live snapshot.
func (s *Store) Current() *TuningConfig {
	return s.current.Load()
}

// Generation returns the number of successful swaps since creation.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// Subscribe registers fn to receive every future snapshot. fn is also
// called immediately with the current one so subscribers start in sync.
// Callbacks run under the store lock and must not call back into the Store.
func (s *Store) Subscribe(fn func(*TuningConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
	fn(s.current.Load())
}

// Swap validates cfg and makes it the live snapshot.
func (s *Store) Swap(cfg *TuningConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil tuning config")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(cfg)
	s.generation.Add(1)
	for _, fn := range s.subscribers {
		fn(cfg)
	}
	return nil
}

// Reload loads path and swaps it in. On any error the previous snapshot
// stays live.
func (s *Store) Reload(path string) error {
	cfg, err := LoadTuningConfig(path)
	if err != nil {
		return err
	}
	return s.Swap(cfg)
}
