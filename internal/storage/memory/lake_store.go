package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

// LakeStore holds the bronze/silver layers and watermarks in memory.
type LakeStore struct {
	mu         sync.RWMutex
	raw        []pipeline.RawEvent
	normalized map[string]pipeline.NormalizedRecord
	watermarks map[string]pipeline.Watermark
	audits     []pipeline.RefreshAudit
}

// NewLakeStore constructs a LakeStore.
func NewLakeStore() *LakeStore {
	return &LakeStore{
		normalized: make(map[string]pipeline.NormalizedRecord),
		watermarks: make(map[string]pipeline.Watermark),
	}
}

// AppendRaw lands a bronze event. The layer is append-only.
func (s *LakeStore) AppendRaw(_ context.Context, ev pipeline.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append(s.raw, ev)
	return nil
}

// UnprocessedRaw returns raw events without a successful watermark, oldest
// ingest first.
func (s *LakeStore) UnprocessedRaw(_ context.Context, limit int) ([]pipeline.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.RawEvent, 0, limit)
	for _, ev := range s.raw {
		wm, ok := s.watermarks[ev.ID]
		if ok && wm.Success {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].IngestedAt.Before(out[b].IngestedAt) })
	return out, nil
}

// UpsertNormalized applies last-write-wins ordered by event time: an
// incoming record older than the stored one is dropped.
func (s *LakeStore) UpsertNormalized(_ context.Context, rec pipeline.NormalizedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.normalized[rec.NaturalKey]
	if ok && cur.EventTime.After(rec.EventTime) {
		return nil
	}
	s.normalized[rec.NaturalKey] = rec
	return nil
}

// GetNormalized fetches a silver row by natural key, nil on miss.
func (s *LakeStore) GetNormalized(_ context.Context, naturalKey string) (*pipeline.NormalizedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.normalized[naturalKey]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// CountNormalizedBySource counts silver rows promoted from a source file.
func (s *LakeStore) CountNormalizedBySource(_ context.Context, sourceFile string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.normalized {
		if rec.SourceFile == sourceFile {
			n++
		}
	}
	return n, nil
}

// SetWatermark records processing state for an object. A successful mark is
// never downgraded by a later failed one (monotonic per object).
func (s *LakeStore) SetWatermark(_ context.Context, wm pipeline.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.watermarks[wm.ObjectID]; ok && cur.Success && !wm.Success {
		return nil
	}
	s.watermarks[wm.ObjectID] = wm
	return nil
}

// GetWatermark fetches a watermark, nil when the object was never seen.
func (s *LakeStore) GetWatermark(_ context.Context, objectID string) (*pipeline.Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wm, ok := s.watermarks[objectID]
	if !ok {
		return nil, nil
	}
	return &wm, nil
}

// AppendRefreshAudit logs one successful gold refresh.
func (s *LakeStore) AppendRefreshAudit(_ context.Context, audit pipeline.RefreshAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, audit)
	return nil
}

// RefreshAudits returns a copy of the audit log.
func (s *LakeStore) RefreshAudits() []pipeline.RefreshAudit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.RefreshAudit, len(s.audits))
	copy(out, s.audits)
	return out
}
