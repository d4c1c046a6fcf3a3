// Package memory provides in-memory store implementations for development
// and testing. They mirror the semantics of the postgres package.
package memory

import (
	"context"
	"sync"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

type resultKey struct {
	source   string
	resource string
}

// ResultStore keeps the content/result cache in a map.
type ResultStore struct {
	mu      sync.RWMutex
	entries map[resultKey]pipeline.ResultEntry
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{entries: make(map[resultKey]pipeline.ResultEntry)}
}

// Upsert replaces the entry for (source, resource).
func (s *ResultStore) Upsert(_ context.Context, entry pipeline.ResultEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[resultKey{source: entry.Source, resource: entry.Resource}] = entry
	return nil
}

// Get fetches an entry, returning nil on a miss.
func (s *ResultStore) Get(_ context.Context, source, resource string) (*pipeline.ResultEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[resultKey{source: source, resource: resource}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Scan streams every entry to fn.
func (s *ResultStore) Scan(_ context.Context, fn func(pipeline.ResultEntry) error) error {
	s.mu.RLock()
	snapshot := make([]pipeline.ResultEntry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()

	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}
