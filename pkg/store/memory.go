package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/seastack/bosun/pkg/types"
)

// MemoryStore is an in-memory ExecutionsStore for tests. It keeps the
// map serialized so callers cannot alias the stored value, and it can
// be made to fail on demand to exercise fatal-persistence paths.
type MemoryStore struct {
	mu      sync.Mutex
	data    []byte
	FailSet error // when non-nil, Set returns this error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns the stored executions map.
func (s *MemoryStore) Get() (types.ExecutionsMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	executions := types.ExecutionsMap{}
	if s.data == nil {
		return executions, nil
	}
	if err := json.Unmarshal(s.data, &executions); err != nil {
		return nil, fmt.Errorf("failed to read executions: %w", err)
	}
	return executions, nil
}

// Set replaces the stored executions map.
func (s *MemoryStore) Set(executions types.ExecutionsMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSet != nil {
		return s.FailSet
	}
	data, err := json.Marshal(executions)
	if err != nil {
		return fmt.Errorf("failed to serialize executions: %w", err)
	}
	s.data = data
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
