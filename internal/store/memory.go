package store

import (
	"context"
	"sync"
)

// MemoryStore holds the collection in process memory. Used by tests and by
// the "memory" backend.
type MemoryStore struct {
	mu   sync.Mutex
	data *Collection

	// FailSave, when set, is returned by every Save.
	FailSave error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{data: &Collection{}}
}

func (s *MemoryStore) Load(ctx context.Context) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, c *Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	if c.Version != s.data.Version {
		return ErrConflict
	}
	for _, t := range c.Tasks {
		normalize(t)
	}
	c.Version++
	s.data = c.Clone()
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
