package memory

import (
	"context"
	"sync"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

// IntakeStore keeps intake records and the failure/history log in memory.
// The checksum index enforces the same uniqueness as the postgres column.
type IntakeStore struct {
	mu         sync.RWMutex
	records    map[string]pipeline.IntakeRecord
	byChecksum map[string]string
	history    []pipeline.IntakeHistoryEntry
}

// NewIntakeStore constructs an IntakeStore.
func NewIntakeStore() *IntakeStore {
	return &IntakeStore{
		records:    make(map[string]pipeline.IntakeRecord),
		byChecksum: make(map[string]string),
	}
}

// Insert adds a record unless one with the same checksum exists, in which
// case the existing record is returned with ErrDuplicateContent.
func (s *IntakeStore) Insert(_ context.Context, rec pipeline.IntakeRecord) (*pipeline.IntakeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byChecksum[rec.Checksum]; ok {
		existing := s.records[id]
		return &existing, pipeline.ErrDuplicateContent
	}
	s.records[rec.ID] = rec
	s.byChecksum[rec.Checksum] = rec.ID
	stored := rec
	return &stored, nil
}

// Get fetches a record by ID.
func (s *IntakeStore) Get(_ context.Context, id string) (pipeline.IntakeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return pipeline.IntakeRecord{}, pipeline.ErrNotFound
	}
	return rec, nil
}

// GetByChecksum fetches a record by content checksum, nil on miss.
func (s *IntakeStore) GetByChecksum(_ context.Context, checksum string) (*pipeline.IntakeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byChecksum[checksum]
	if !ok {
		return nil, nil
	}
	rec := s.records[id]
	return &rec, nil
}

// UpdateStatus updates the record's state machine fields.
func (s *IntakeStore) UpdateStatus(
	_ context.Context,
	id string,
	status pipeline.JobStatus,
	attempts int,
	errText string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	rec.Status = status
	rec.Attempts = attempts
	rec.ErrorText = errText
	s.records[id] = rec
	return nil
}

// AppendHistory records one processing attempt for triage.
func (s *IntakeStore) AppendHistory(_ context.Context, entry pipeline.IntakeHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

// History returns a copy of the failure/history log.
func (s *IntakeStore) History() []pipeline.IntakeHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.IntakeHistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}
