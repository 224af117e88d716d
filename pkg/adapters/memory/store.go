package memory

import (
	"context"
	"sync"

	"github.com/aretw0/arbor/pkg/domain"
)

type row struct {
	state   *domain.ExecutionState
	version int64
}

// Store implements ports.CheckpointStore in memory.
// Safe for concurrent use. Intended for tests and single-process setups.
type Store struct {
	data map[string]*row
	mu   sync.RWMutex
}

// NewStore creates a new in-memory checkpoint store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*row),
	}
}

func storageKey(key domain.IsolationKey, namespace string) string {
	return namespace + "|" + key.String()
}

// Save persists a deep copy of the state so the caller cannot mutate the
// stored snapshot through a retained pointer.
func (s *Store) Save(ctx context.Context, key domain.IsolationKey, namespace string, state *domain.ExecutionState) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := storageKey(key, namespace)
	r, ok := s.data[id]
	if !ok {
		r = &row{}
		s.data[id] = r
	}
	r.version++
	r.state = state.Clone()
	return r.version, nil
}

// Load retrieves a copy of the latest state.
func (s *Store) Load(ctx context.Context, key domain.IsolationKey, namespace string) (*domain.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[storageKey(key, namespace)]
	if !ok {
		return nil, domain.ErrCheckpointNotFound
	}
	return r.state.Clone(), nil
}

// Delete removes the checkpoint row.
func (s *Store) Delete(ctx context.Context, key domain.IsolationKey, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, storageKey(key, namespace))
	return nil
}
