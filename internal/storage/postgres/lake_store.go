package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

// LakeStore persists raw events, normalized records, watermarks, and the
// refresh audit log.
type LakeStore struct {
	pool dbPool
}

// NewLakeStore constructs a store over an existing pool.
func NewLakeStore(pool dbPool) (*LakeStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &LakeStore{pool: pool}, nil
}

// AppendRaw lands one bronze event. The table is append-only; duplicate IDs
// are ignored so a retried landing is harmless.
func (s *LakeStore) AppendRaw(ctx context.Context, ev pipeline.RawEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal raw payload: %w", err)
	}
	query := `
INSERT INTO raw_events (id, source_file, entry_id, payload, event_time, ingested_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query,
		ev.ID, ev.SourceFile, ev.EntryID, payload, ev.EventTime, ev.IngestedAt,
	); err != nil {
		return fmt.Errorf("insert raw event: %w", err)
	}
	return nil
}

// UnprocessedRaw returns raw events lacking a successful watermark.
func (s *LakeStore) UnprocessedRaw(ctx context.Context, limit int) ([]pipeline.RawEvent, error) {
	query := `
SELECT r.id, r.source_file, r.entry_id, r.payload, r.event_time, r.ingested_at
FROM raw_events r
LEFT JOIN watermarks w ON w.object_id = r.id AND w.success
WHERE w.object_id IS NULL
ORDER BY r.ingested_at
LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select unprocessed raw events: %w", err)
	}
	defer rows.Close()

	var out []pipeline.RawEvent
	for rows.Next() {
		var ev pipeline.RawEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.SourceFile, &ev.EntryID, &payload, &ev.EventTime, &ev.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan raw event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal raw payload %s: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw events: %w", err)
	}
	return out, nil
}

// UpsertNormalized applies last-write-wins by event time: the WHERE clause
// on the conflict update drops rows older than what is stored.
func (s *LakeStore) UpsertNormalized(ctx context.Context, rec pipeline.NormalizedRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal normalized fields: %w", err)
	}
	query := `
INSERT INTO normalized_records (natural_key, source_file, fields, event_time, promoted_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (natural_key) DO UPDATE SET
	source_file = EXCLUDED.source_file,
	fields = EXCLUDED.fields,
	event_time = EXCLUDED.event_time,
	promoted_at = EXCLUDED.promoted_at
WHERE normalized_records.event_time <= EXCLUDED.event_time`

	if _, err := s.pool.Exec(ctx, query,
		rec.NaturalKey, rec.SourceFile, fields, rec.EventTime, rec.PromotedAt,
	); err != nil {
		return fmt.Errorf("upsert normalized record: %w", err)
	}
	return nil
}

// GetNormalized fetches a silver row by natural key, nil on miss.
func (s *LakeStore) GetNormalized(ctx context.Context, naturalKey string) (*pipeline.NormalizedRecord, error) {
	query := `
SELECT natural_key, source_file, fields, event_time, promoted_at
FROM normalized_records WHERE natural_key=$1`

	var rec pipeline.NormalizedRecord
	var fields []byte
	err := s.pool.QueryRow(ctx, query, naturalKey).Scan(
		&rec.NaturalKey, &rec.SourceFile, &fields, &rec.EventTime, &rec.PromotedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get normalized record: %w", err)
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal normalized fields: %w", err)
		}
	}
	return &rec, nil
}

// CountNormalizedBySource counts silver rows promoted from one source file.
func (s *LakeStore) CountNormalizedBySource(ctx context.Context, sourceFile string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM normalized_records WHERE source_file=$1`, sourceFile,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count normalized records: %w", err)
	}
	return n, nil
}

// SetWatermark upserts processing state for one object. A successful mark
// is never downgraded.
func (s *LakeStore) SetWatermark(ctx context.Context, wm pipeline.Watermark) error {
	query := `
INSERT INTO watermarks (object_id, processed_at, success, message)
VALUES ($1,$2,$3,$4)
ON CONFLICT (object_id) DO UPDATE SET
	processed_at = EXCLUDED.processed_at,
	success = EXCLUDED.success,
	message = EXCLUDED.message
WHERE NOT (watermarks.success AND NOT EXCLUDED.success)`

	if _, err := s.pool.Exec(ctx, query, wm.ObjectID, wm.ProcessedAt, wm.Success, wm.Message); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// GetWatermark fetches a watermark, nil when the object was never seen.
func (s *LakeStore) GetWatermark(ctx context.Context, objectID string) (*pipeline.Watermark, error) {
	var wm pipeline.Watermark
	err := s.pool.QueryRow(ctx,
		`SELECT object_id, processed_at, success, message FROM watermarks WHERE object_id=$1`,
		objectID,
	).Scan(&wm.ObjectID, &wm.ProcessedAt, &wm.Success, &wm.Message)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark: %w", err)
	}
	return &wm, nil
}

// RefreshMaterializedView recomputes one gold aggregate view. The view name
// is validated because identifiers cannot be bound as parameters.
func (s *LakeStore) RefreshMaterializedView(ctx context.Context, view string) error {
	if !validTableName.MatchString(view) {
		return fmt.Errorf("invalid view name %q", view)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`REFRESH MATERIALIZED VIEW %s`, view)); err != nil {
		return fmt.Errorf("refresh view %s: %w", view, err)
	}
	return nil
}

// AppendRefreshAudit logs one successful gold refresh.
func (s *LakeStore) AppendRefreshAudit(ctx context.Context, audit pipeline.RefreshAudit) error {
	query := `
INSERT INTO refresh_audit (aggregate, refreshed_at, duration_ms)
VALUES ($1,$2,$3)`

	if _, err := s.pool.Exec(ctx, query,
		audit.Aggregate, audit.RefreshedAt, audit.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("append refresh audit: %w", err)
	}
	return nil
}
