// Package memory provides an in-process store.Store backed by a map.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/toolsessions-go/store"
)

// Store is a mutex-guarded map of entries.
type Store struct {
	mu      sync.Mutex
	entries map[string]store.Entry
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{entries: make(map[string]store.Entry)}
}

func (s *Store) Get(ctx context.Context, id string) (*store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return &e, nil
}

func (s *Store) Set(ctx context.Context, e store.Entry) error {
	if e.SessionID == "" {
		return fmt.Errorf("memory store: session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.SessionID] = e
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *Store) UpdateRefCount(ctx context.Context, id string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	n := e.RefCount + delta
	if n < 0 {
		return e.RefCount, store.ErrNegativeRefCount
	}
	e.RefCount = n
	s.entries[id] = e
	return n, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	e.Status = status
	s.entries[id] = e
	return nil
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) Close() error { return nil }
