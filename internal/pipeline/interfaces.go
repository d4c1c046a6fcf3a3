package pipeline

import (
	"context"
	"time"
)

// JobQueue persists jobs and implements the claim/complete/fail cycle.
// Claim is atomic and contention-skipping: concurrent workers never
// double-claim a row, and nobody blocks waiting on another worker's lease.
type JobQueue interface {
	// Enqueue inserts a queued job. It is idempotent on (source, resource):
	// if a queued or running row already exists it returns the existing ID
	// and ErrDuplicateJob.
	Enqueue(ctx context.Context, job Job) (string, error)

	// ClaimNext transitions the highest-priority eligible queued row to
	// running, stamping the lease. Returns nil when nothing is eligible.
	ClaimNext(ctx context.Context, workerID string) (*Job, error)

	// Complete marks a running job done.
	Complete(ctx context.Context, jobID string, note string) error

	// Fail reports a failure. Retryable failures reschedule with backoff and
	// may escalate to quarantine; permanent ones go straight to failed.
	Fail(ctx context.Context, jobID string, reason string, permanent bool) error

	// Quarantine forces every queued or running row for a source into
	// quarantine. Returns the number of rows affected.
	Quarantine(ctx context.Context, source, reason string) (int, error)

	// Release clears quarantine for a job ID, source, or domain and resets
	// attempt-driven scheduling. Returns the number of rows released.
	Release(ctx context.Context, selector string) (int, error)

	// Nudge pulls an existing queued row's next_eligible_time earlier,
	// never later. Used by the recrawl scheduler.
	Nudge(ctx context.Context, source, resource string, eligible time.Time) error

	// RequeueStale returns running rows whose lease is older than cutoff to
	// queued, clearing lease ownership.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)

	// RequeueRunning resets every running row to queued (emergency stop).
	RequeueRunning(ctx context.Context) (int, error)

	// RetryFailed returns failed rows (optionally filtered by resource) to
	// queued with attempts reset.
	RetryFailed(ctx context.Context, resource string) (int, error)

	// DeleteTerminalBefore removes done/failed rows older than cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	GetJob(ctx context.Context, jobID string) (Job, error)
	FindJob(ctx context.Context, source, resource string) (*Job, error)
	Stats(ctx context.Context, since time.Time) (Health, error)
}

// ResultStore is the content/result cache keyed by (source, resource).
type ResultStore interface {
	Upsert(ctx context.Context, entry ResultEntry) error
	Get(ctx context.Context, source, resource string) (*ResultEntry, error)
	// Scan streams entries to fn; used by the recrawl scheduler.
	Scan(ctx context.Context, fn func(ResultEntry) error) error
}

// IntakeStore persists intake records and the failure/history log.
type IntakeStore interface {
	// Insert adds a record. ErrDuplicateContent is returned when a record
	// with the same checksum already exists; the existing record is returned
	// alongside it.
	Insert(ctx context.Context, rec IntakeRecord) (*IntakeRecord, error)
	Get(ctx context.Context, id string) (IntakeRecord, error)
	GetByChecksum(ctx context.Context, checksum string) (*IntakeRecord, error)
	UpdateStatus(ctx context.Context, id string, status JobStatus, attempts int, errText string) error
	AppendHistory(ctx context.Context, entry IntakeHistoryEntry) error
}

// LakeStore persists the bronze and silver layers plus watermarks.
type LakeStore interface {
	AppendRaw(ctx context.Context, ev RawEvent) error
	// UnprocessedRaw returns raw events without a successful watermark.
	UnprocessedRaw(ctx context.Context, limit int) ([]RawEvent, error)
	// UpsertNormalized applies last-write-wins by event time on NaturalKey.
	UpsertNormalized(ctx context.Context, rec NormalizedRecord) error
	GetNormalized(ctx context.Context, naturalKey string) (*NormalizedRecord, error)
	CountNormalizedBySource(ctx context.Context, sourceFile string) (int, error)
	SetWatermark(ctx context.Context, wm Watermark) error
	GetWatermark(ctx context.Context, objectID string) (*Watermark, error)
	AppendRefreshAudit(ctx context.Context, audit RefreshAudit) error
}

// Locker is a named mutex with a TTL. TryLock never blocks: acquisition
// failure means "skip this cycle".
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error
}

// Executor is the external fetch/parse collaborator. The core never performs
// network I/O or format parsing itself.
type Executor interface {
	Execute(ctx context.Context, job Job, prior *ResultEntry) (FetchResult, error)
}

// FormatHandler processes the content of one intake record.
type FormatHandler interface {
	Handle(ctx context.Context, rec IntakeRecord, content []byte) (HandlerResult, error)
}

// ContentFetcher reads the bytes behind an intake record's content ref.
type ContentFetcher interface {
	Fetch(ctx context.Context, contentRef string) ([]byte, error)
}

// BlobStore writes raw file content and returns a content ref the fetcher
// side can resolve later.
type BlobStore interface {
	PutObject(ctx context.Context, path string, data []byte) (string, error)
	ContentFetcher
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for checksum dedup.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces job and event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
