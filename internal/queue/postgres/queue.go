// Package postgres provides the Postgres-backed durable job queue.
//
// Claims use a SKIP LOCKED candidate select plus a status compare-and-set,
// so concurrent workers skip contested rows instead of blocking on them.
// The admission check happens between the select and the CAS without any
// lock spanning the fetch; a domain can therefore briefly exceed its
// configured spacing under concurrent claims. That is the documented
// soft-limit behavior, not a bug to fix here.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scoutdata/pipeline/internal/admission"
	"github.com/scoutdata/pipeline/internal/metrics"
	"github.com/scoutdata/pipeline/internal/pipeline"
	"github.com/scoutdata/pipeline/internal/policy"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Schema is the DDL the queue expects. The partial unique index is what
// makes Enqueue idempotent on (source, resource) while a row is active.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id UUID PRIMARY KEY,
	kind TEXT NOT NULL,
	source TEXT NOT NULL,
	resource TEXT NOT NULL,
	depth INT NOT NULL DEFAULT 0,
	priority INT NOT NULL DEFAULT 10,
	status TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	next_eligible_at TIMESTAMPTZ NOT NULL,
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_at TIMESTAMPTZ,
	parent_id UUID,
	note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_active_pair
	ON jobs (source, resource) WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS jobs_claim_order
	ON jobs (priority, created_at) WHERE status = 'queued';
`

// QueueConfig controls the Postgres connection pool.
type QueueConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// ClaimBatch bounds how many candidates one claim pass inspects before
	// giving up on admission-blocked domains.
	ClaimBatch int
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Queue is the production JobQueue over pgxpool.
type Queue struct {
	pool       dbPool
	table      string
	admission  *admission.Controller
	retry      *policy.RetryPolicy
	clock      pipeline.Clock
	idGen      pipeline.IDGenerator
	claimBatch int
}

// NewQueue creates a Postgres-backed queue using the provided config.
func NewQueue(
	ctx context.Context,
	cfg QueueConfig,
	adm *admission.Controller,
	retry *policy.RetryPolicy,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newQueue(pool, cfg, adm, retry, clock, idGen)
}

// NewQueueWithPool constructs a queue from an existing pool (primarily for
// testing with pgxmock).
func NewQueueWithPool(
	pool dbPool,
	cfg QueueConfig,
	adm *admission.Controller,
	retry *policy.RetryPolicy,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newQueue(pool, cfg, adm, retry, clock, idGen)
}

func newQueue(
	pool dbPool,
	cfg QueueConfig,
	adm *admission.Controller,
	retry *policy.RetryPolicy,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
) (*Queue, error) {
	table := cfg.Table
	if table == "" {
		table = "jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	batch := cfg.ClaimBatch
	if batch <= 0 {
		batch = 16
	}
	return &Queue{
		pool:       pool,
		table:      table,
		admission:  adm,
		retry:      retry,
		clock:      clock,
		idGen:      idGen,
		claimBatch: batch,
	}, nil
}

// Admission exposes the controller for operational commands.
func (q *Queue) Admission() *admission.Controller { return q.admission }

// Close releases the underlying pool resources.
func (q *Queue) Close() {
	if q == nil || q.pool == nil {
		return
	}
	q.pool.Close()
}

const jobColumns = `id, kind, source, resource, depth, priority, status, attempts,
next_eligible_at, lease_owner, lease_at, parent_id, note, created_at, updated_at`

func scanJob(row pgx.Row) (pipeline.Job, error) {
	var j pipeline.Job
	var parent *string
	err := row.Scan(
		&j.ID, &j.Kind, &j.Source, &j.Resource, &j.Depth, &j.Priority, &j.Status,
		&j.Attempts, &j.NextEligible, &j.LeaseOwner, &j.LeaseTime, &parent,
		&j.Note, &j.Created, &j.Updated,
	)
	if err != nil {
		return pipeline.Job{}, err
	}
	if parent != nil {
		j.ParentID = *parent
	}
	return j, nil
}

// Enqueue inserts a queued row. The partial unique index turns a concurrent
// duplicate into a no-op resolved by looking up the existing active row.
func (q *Queue) Enqueue(ctx context.Context, job pipeline.Job) (string, error) {
	if job.ID == "" {
		id, err := q.idGen.NewID()
		if err != nil {
			return "", fmt.Errorf("generate job id: %w", err)
		}
		job.ID = id
	}
	now := q.clock.Now()
	if job.Created.IsZero() {
		job.Created = now
	}
	if job.NextEligible.IsZero() {
		job.NextEligible = now
	}
	var parent any
	if job.ParentID != "" {
		parent = job.ParentID
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,'queued',0,$7,'',NULL,$8,$9,$10,$10)
ON CONFLICT (source, resource) WHERE status IN ('queued','running') DO NOTHING
RETURNING id`, q.table, jobColumns)

	var id string
	err := q.pool.QueryRow(ctx, query,
		job.ID, job.Kind, job.Source, job.Resource, job.Depth, job.Priority,
		job.NextEligible, parent, job.Note, now,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return q.activeID(ctx, job.Source, job.Resource)
	}
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

func (q *Queue) activeID(ctx context.Context, source, resource string) (string, error) {
	query := fmt.Sprintf(
		`SELECT id FROM %s WHERE source=$1 AND resource=$2 AND status IN ('queued','running')`,
		q.table,
	)
	var id string
	if err := q.pool.QueryRow(ctx, query, source, resource).Scan(&id); err != nil {
		return "", fmt.Errorf("lookup active job: %w", err)
	}
	return id, pipeline.ErrDuplicateJob
}

// ClaimNext selects a batch of eligible candidates with SKIP LOCKED ordering
// by (priority, created_at), then takes the first one that passes admission
// via a status CAS. Rows grabbed by another worker between the two
// statements simply fail the CAS and are skipped.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*pipeline.Job, error) {
	now := q.clock.Now()
	sel := fmt.Sprintf(`
SELECT id, source FROM %s
WHERE status='queued' AND next_eligible_at <= $1
ORDER BY priority, created_at
LIMIT $2
FOR UPDATE SKIP LOCKED`, q.table)

	rows, err := q.pool.Query(ctx, sel, now, q.claimBatch)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	type candidate struct{ id, source string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.source); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim candidates: %w", err)
	}

	upd := fmt.Sprintf(`
UPDATE %s SET status='running', lease_owner=$2, lease_at=$3, updated_at=$3
WHERE id=$1 AND status='queued'
RETURNING %s`, q.table, jobColumns)

	for _, c := range candidates {
		if !q.admission.Admit(c.source, now) {
			continue
		}
		job, err := scanJob(q.pool.QueryRow(ctx, upd, c.id, workerID, now))
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the CAS to another worker; benign skip.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", c.id, err)
		}
		q.admission.OnClaim(job.Source, now)
		return &job, nil
	}
	return nil, nil
}

// Complete marks a running job done.
func (q *Queue) Complete(ctx context.Context, jobID string, note string) error {
	now := q.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET status='done', note=$2, lease_owner='', lease_at=NULL, updated_at=$3
WHERE id=$1 AND status='running'
RETURNING source`, q.table)

	var source string
	err := q.pool.QueryRow(ctx, query, jobID, note, now).Scan(&source)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("complete %s: job not running: %w", jobID, pipeline.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	q.admission.OnRelease(source, now)
	return nil
}

// Fail applies the retry policy to a running job.
func (q *Queue) Fail(ctx context.Context, jobID string, reason string, permanent bool) error {
	now := q.clock.Now()
	var cur struct {
		source   string
		attempts int
	}
	sel := fmt.Sprintf(`SELECT source, attempts FROM %s WHERE id=$1 AND status='running'`, q.table)
	err := q.pool.QueryRow(ctx, sel, jobID).Scan(&cur.source, &cur.attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("fail %s: job not running: %w", jobID, pipeline.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load failing job: %w", err)
	}

	attempts := cur.attempts + 1
	status, delay := q.retry.Disposition(attempts, permanent)
	eligible := now.Add(delay)

	upd := fmt.Sprintf(`
UPDATE %s SET status=$2, attempts=$3, note=$4, next_eligible_at=$5,
lease_owner='', lease_at=NULL, updated_at=$6
WHERE id=$1 AND status='running'`, q.table)

	tag, err := q.pool.Exec(ctx, upd, jobID, string(status), attempts, reason, eligible, now)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail %s: job not running: %w", jobID, pipeline.ErrNotFound)
	}
	q.admission.OnRelease(cur.source, now)
	if status == pipeline.JobStatusQueued {
		metrics.ObserveBackoff(delay)
	}
	return nil
}

// Quarantine forces every queued or running row for the source into
// quarantine.
func (q *Queue) Quarantine(ctx context.Context, source, reason string) (int, error) {
	now := q.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET status='quarantined', note=$2, lease_owner='', lease_at=NULL,
updated_at=$3
WHERE source=$1 AND status IN ('queued','running')`, q.table)

	tag, err := q.pool.Exec(ctx, query, source, reason, now)
	if err != nil {
		return 0, fmt.Errorf("quarantine source: %w", err)
	}
	q.admission.OnRelease(source, now)
	return int(tag.RowsAffected()), nil
}

// Release clears quarantine for a job ID or a source/domain.
func (q *Queue) Release(ctx context.Context, selector string) (int, error) {
	now := q.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET status='queued', attempts=0, next_eligible_at=$2, updated_at=$2
WHERE status='quarantined' AND (id::text=$1 OR source=$1)
AND NOT EXISTS (
	SELECT 1 FROM %s b
	WHERE b.source=%s.source AND b.resource=%s.resource
	AND b.status IN ('queued','running')
)`, q.table, q.table, q.table, q.table)

	tag, err := q.pool.Exec(ctx, query, selector, now)
	if err != nil {
		return 0, fmt.Errorf("release quarantine: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Nudge pulls a queued row's eligibility earlier, never later.
func (q *Queue) Nudge(ctx context.Context, source, resource string, eligible time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET next_eligible_at=$3, updated_at=$4
WHERE source=$1 AND resource=$2 AND status='queued' AND next_eligible_at > $3`, q.table)

	if _, err := q.pool.Exec(ctx, query, source, resource, eligible, q.clock.Now()); err != nil {
		return fmt.Errorf("nudge job: %w", err)
	}
	return nil
}

// RequeueStale returns running rows with leases older than cutoff to queued.
func (q *Queue) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	now := q.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET status='queued', lease_owner='', lease_at=NULL,
next_eligible_at=$2, updated_at=$2
WHERE status='running' AND lease_at < $1`, q.table)

	tag, err := q.pool.Exec(ctx, query, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueRunning resets every running row to queued (emergency stop).
func (q *Queue) RequeueRunning(ctx context.Context) (int, error) {
	now := q.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET status='queued', lease_owner='', lease_at=NULL,
next_eligible_at=$1, updated_at=$1
WHERE status='running'`, q.table)

	tag, err := q.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("requeue running: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RetryFailed returns failed rows to queued with attempts reset.
func (q *Queue) RetryFailed(ctx context.Context, resource string) (int, error) {
	now := q.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET status='queued', attempts=0, next_eligible_at=$1, updated_at=$1
WHERE status='failed' AND ($2='' OR resource=$2)
AND NOT EXISTS (
	SELECT 1 FROM %s b
	WHERE b.source=%s.source AND b.resource=%s.resource
	AND b.status IN ('queued','running')
)`, q.table, q.table, q.table, q.table)

	tag, err := q.pool.Exec(ctx, query, now, resource)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteTerminalBefore removes done/failed rows last updated before cutoff.
func (q *Queue) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE status IN ('done','failed') AND updated_at < $1`,
		q.table,
	)
	tag, err := q.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetJob fetches a job by ID.
func (q *Queue) GetJob(ctx context.Context, jobID string) (pipeline.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, jobColumns, q.table)
	job, err := scanJob(q.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindJob returns the most relevant row for the pair: the active one if any,
// otherwise the most recently updated.
func (q *Queue) FindJob(ctx context.Context, source, resource string) (*pipeline.Job, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s WHERE source=$1 AND resource=$2
ORDER BY (status IN ('queued','running')) DESC, updated_at DESC
LIMIT 1`, jobColumns, q.table)

	job, err := scanJob(q.pool.QueryRow(ctx, query, source, resource))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	return &job, nil
}

// Stats computes the health snapshot in one pass.
func (q *Queue) Stats(ctx context.Context, since time.Time) (pipeline.Health, error) {
	query := fmt.Sprintf(`
SELECT
	COUNT(*) FILTER (WHERE status='queued'),
	COUNT(*) FILTER (WHERE status='running'),
	COUNT(*) FILTER (WHERE status IN ('failed','quarantined') AND updated_at >= $1),
	COUNT(*) FILTER (WHERE status='done' AND updated_at >= $1)
FROM %s`, q.table)

	var h pipeline.Health
	err := q.pool.QueryRow(ctx, query, since).Scan(
		&h.QueueDepth, &h.Running, &h.FailedLast24h, &h.PagesProcessedLast24h,
	)
	if err != nil {
		return pipeline.Health{}, fmt.Errorf("queue stats: %w", err)
	}
	return h, nil
}
