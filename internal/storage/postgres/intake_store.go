package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

// IntakeStore writes intake records and the failure/history log.
type IntakeStore struct {
	pool         dbPool
	table        string
	historyTable string
}

// NewIntakeStore constructs a store over an existing pool.
func NewIntakeStore(pool dbPool, table, historyTable string) (*IntakeStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "intake_records"
	}
	if historyTable == "" {
		historyTable = "intake_history"
	}
	for _, t := range []string{table, historyTable} {
		if !validTableName.MatchString(t) {
			return nil, fmt.Errorf("invalid table name %q", t)
		}
	}
	return &IntakeStore{pool: pool, table: table, historyTable: historyTable}, nil
}

const intakeColumns = `id, file_name, file_type, size_bytes, checksum, source_kind,
content_ref, status, attempts, error_text, created_at, updated_at`

func scanIntake(row pgx.Row) (pipeline.IntakeRecord, error) {
	var r pipeline.IntakeRecord
	err := row.Scan(
		&r.ID, &r.FileName, &r.FileType, &r.SizeBytes, &r.Checksum, &r.SourceKind,
		&r.ContentRef, &r.Status, &r.Attempts, &r.ErrorText, &r.Created, &r.Updated,
	)
	return r, err
}

// Insert adds a record. The unique checksum column turns a byte-identical
// resubmission into ErrDuplicateContent carrying the existing record.
func (s *IntakeStore) Insert(ctx context.Context, rec pipeline.IntakeRecord) (*pipeline.IntakeRecord, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (checksum) DO NOTHING
RETURNING %s`, s.table, intakeColumns, intakeColumns)

	stored, err := scanIntake(s.pool.QueryRow(ctx, query,
		rec.ID, rec.FileName, rec.FileType, rec.SizeBytes, rec.Checksum, rec.SourceKind,
		rec.ContentRef, rec.Status, rec.Attempts, rec.ErrorText, rec.Created, rec.Updated,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := s.GetByChecksum(ctx, rec.Checksum)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return existing, pipeline.ErrDuplicateContent
	}
	if err != nil {
		return nil, fmt.Errorf("insert intake record: %w", err)
	}
	return &stored, nil
}

// Get fetches a record by ID.
func (s *IntakeStore) Get(ctx context.Context, id string) (pipeline.IntakeRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, intakeColumns, s.table)
	rec, err := scanIntake(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.IntakeRecord{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.IntakeRecord{}, fmt.Errorf("get intake record: %w", err)
	}
	return rec, nil
}

// GetByChecksum fetches a record by checksum, nil on miss.
func (s *IntakeStore) GetByChecksum(ctx context.Context, checksum string) (*pipeline.IntakeRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE checksum=$1`, intakeColumns, s.table)
	rec, err := scanIntake(s.pool.QueryRow(ctx, query, checksum))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get intake record by checksum: %w", err)
	}
	return &rec, nil
}

// UpdateStatus updates the record's state machine fields.
func (s *IntakeStore) UpdateStatus(
	ctx context.Context,
	id string,
	status pipeline.JobStatus,
	attempts int,
	errText string,
) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status=$2, attempts=$3, error_text=$4, updated_at=NOW() WHERE id=$1`,
		s.table,
	)
	tag, err := s.pool.Exec(ctx, query, id, string(status), attempts, errText)
	if err != nil {
		return fmt.Errorf("update intake status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// AppendHistory records one processing attempt.
func (s *IntakeStore) AppendHistory(ctx context.Context, entry pipeline.IntakeHistoryEntry) error {
	query := fmt.Sprintf(`
INSERT INTO %s (file_name, file_type, attempt, error_text, elapsed_ms, at)
VALUES ($1,$2,$3,$4,$5,$6)`, s.historyTable)

	_, err := s.pool.Exec(ctx, query,
		entry.FileName, entry.FileType, entry.Attempt, entry.ErrorText, entry.ElapsedMs, entry.At,
	)
	if err != nil {
		return fmt.Errorf("append intake history: %w", err)
	}
	return nil
}
