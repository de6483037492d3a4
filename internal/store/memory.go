package store

import (
	"context"
	"sync"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	logs      map[string][][]byte
	writes    int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
		logs:      make(map[string][][]byte),
	}
}

func (s *MemoryStore) ReadSnapshot(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.snapshots[key]
	if !ok {
		return nil, ErrMissing
	}
	return clone(blob), nil
}

func (s *MemoryStore) WriteSnapshot(_ context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.snapshots[key] = clone(blob)
	s.writes++
	return nil
}

func (s *MemoryStore) AppendLog(_ context.Context, key string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[key] = append(s.logs[key], clone(line))
	return nil
}

func (s *MemoryStore) ReadLog(_ context.Context, key string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.logs[key]
	out := make([][]byte, 0, len(lines))
	for _, l := range lines {
		out = append(out, clone(l))
	}
	return out, nil
}

// Writes returns the number of snapshot writes, for tests asserting that a
// mutation was persisted.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
