// Package mock provides an in-memory memory.Store for tests.
package mock

import (
	"context"
	"sync"

	"github.com/arkhamlabs/keeperd/pkg/memory"
)

// Store is a map-backed memory.Store. Set Err to fail every call.
type Store struct {
	mu      sync.Mutex
	Shelves map[string][]memory.Entry
	Err     error
}

var _ memory.Store = (*Store)(nil)

// New returns an empty mock shelf store.
func New() *Store {
	return &Store{Shelves: make(map[string][]memory.Entry)}
}

// Remember implements memory.Store.
func (s *Store) Remember(_ context.Context, npcID string, entry memory.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	shelf := append(s.Shelves[npcID], entry)
	if len(shelf) > memory.ShelfCap {
		shelf = shelf[len(shelf)-memory.ShelfCap:]
	}
	s.Shelves[npcID] = shelf
	return nil
}

// Recall implements memory.Store.
func (s *Store) Recall(_ context.Context, npcID string, limit int) ([]memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	shelf := s.Shelves[npcID]
	if limit > 0 && len(shelf) > limit {
		shelf = shelf[len(shelf)-limit:]
	}
	return append([]memory.Entry(nil), shelf...), nil
}
