package trace

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. Used by tests and by ephemeral runs
// where durability is not required.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

// AppendEntry stores a copy of the entry.
func (s *MemoryStore) AppendEntry(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.TreeID] = append(s.entries[entry.TreeID], entry)
	return nil
}

// EntriesByTree returns the appended entries for a tree.
func (s *MemoryStore) EntriesByTree(_ context.Context, treeID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries[treeID]...), nil
}
