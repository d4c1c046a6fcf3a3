// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// JobStatus represents the lifecycle state of a pipeline job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusRunning     JobStatus = "running"
	JobStatusDone        JobStatus = "done"
	JobStatusFailed      JobStatus = "failed"
	JobStatusQuarantined JobStatus = "quarantined"
)

// JobKind distinguishes crawl work from file ingestion work sharing the queue.
type JobKind string

const (
	JobKindFetch  JobKind = "fetch"
	JobKindIntake JobKind = "intake"
)

// Priority classes. Lower values are claimed first.
const (
	PriorityInteractive = 0
	PriorityDefault     = 10
	PriorityDiscovered  = 20
)

// Job is the unit of schedulable work. At most one row may be running for a
// given (Source, Resource) pair at any instant.
type Job struct {
	ID           string     `json:"id"`
	Kind         JobKind    `json:"kind"`
	Source       string     `json:"source"`
	Resource     string     `json:"resource"`
	Depth        int        `json:"depth"`
	Priority     int        `json:"priority"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	NextEligible time.Time  `json:"next_eligible_at"`
	LeaseOwner   string     `json:"lease_owner,omitempty"`
	LeaseTime    *time.Time `json:"lease_at,omitempty"`
	ParentID     string     `json:"parent_id,omitempty"`
	Note         string     `json:"note,omitempty"`
	Created      time.Time  `json:"created_at"`
	Updated      time.Time  `json:"updated_at"`
}

// Terminal reports whether the status admits no further transitions short of
// operator action or retention.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusQuarantined:
		return true
	default:
		return false
	}
}

// DomainState is the advisory per-source admission record. Updates tolerate
// lost writes; it is a hint, never authoritative.
type DomainState struct {
	Domain      string        `json:"domain"`
	InFlight    int           `json:"in_flight"`
	LastFetchAt time.Time     `json:"last_fetch_at"`
	MinSpacing  time.Duration `json:"min_spacing"`
}

// ParseStatus summarizes the outcome of the external parse step.
type ParseStatus string

const (
	ParseStatusOK      ParseStatus = "ok"
	ParseStatusFailed  ParseStatus = "failed"
	ParseStatusUnknown ParseStatus = "unknown"
)

// ResultEntry records the last observed outcome for a resource, keyed by
// (Source, Resource). Upserted on every completion; read by the recrawl
// scheduler.
type ResultEntry struct {
	Source       string      `json:"source"`
	Resource     string      `json:"resource"`
	HTTPStatus   int         `json:"http_status"`
	ETag         string      `json:"etag,omitempty"`
	LastModified string      `json:"last_modified,omitempty"`
	Fingerprint  string      `json:"fingerprint"`
	ParseStatus  ParseStatus `json:"parse_status"`
	ParseNote    string      `json:"parse_note,omitempty"`
	FetchedAt    time.Time   `json:"fetched_at"`
}

// FetchResult is what the external executor hands back for a claimed job.
type FetchResult struct {
	HTTPStatus   int
	ETag         string
	LastModified string
	Fingerprint  string
	ParseStatus  ParseStatus
	ParseNote    string
	Discovered   []string
}

// IntakeSourceKind marks how a file arrived.
type IntakeSourceKind string

const (
	IntakeSourceUpload  IntakeSourceKind = "upload"
	IntakeSourceTrigger IntakeSourceKind = "trigger"
)

// IntakeRecord tracks an externally delivered file through the queue. The
// Checksum column is unique; byte-identical resubmission after terminal
// success is a no-op.
type IntakeRecord struct {
	ID         string           `json:"id"`
	FileName   string           `json:"file_name"`
	FileType   string           `json:"file_type"`
	SizeBytes  int64            `json:"size_bytes"`
	Checksum   string           `json:"checksum"`
	SourceKind IntakeSourceKind `json:"source_kind"`
	ContentRef string           `json:"content_ref"`
	Status     JobStatus        `json:"status"`
	Attempts   int              `json:"attempts"`
	ErrorText  string           `json:"error_text,omitempty"`
	Created    time.Time        `json:"created_at"`
	Updated    time.Time        `json:"updated_at"`
}

// IntakeHistoryEntry is the per-attempt failure/history log row used for
// operator triage.
type IntakeHistoryEntry struct {
	FileName  string    `json:"file_name"`
	FileType  string    `json:"file_type"`
	Attempt   int       `json:"attempt"`
	ErrorText string    `json:"error_text"`
	ElapsedMs int64     `json:"elapsed_ms"`
	At        time.Time `json:"at"`
}

// HandlerResult is returned by a format handler for a processed file.
type HandlerResult struct {
	RecordsProcessed int
	RecordsFailed    int
	ErrorDetail      string
}

// Watermark marks an external object as processed. Monotonic per object.
type Watermark struct {
	ObjectID    string    `json:"object_id"`
	ProcessedAt time.Time `json:"processed_at"`
	Success     bool      `json:"success"`
	Message     string    `json:"message,omitempty"`
}

// RawEvent is the append-only bronze landing record.
type RawEvent struct {
	ID         string         `json:"id"`
	SourceFile string         `json:"source_file"`
	EntryID    string         `json:"entry_id"`
	Payload    map[string]any `json:"payload"`
	EventTime  time.Time      `json:"event_time"`
	IngestedAt time.Time      `json:"ingested_at"`
}

// NormalizedRecord is the silver row keyed by deterministic natural key.
// Promotion is a last-write-wins upsert ordered by EventTime.
type NormalizedRecord struct {
	NaturalKey string         `json:"natural_key"`
	SourceFile string         `json:"source_file"`
	Fields     map[string]any `json:"fields"`
	EventTime  time.Time      `json:"event_time"`
	PromotedAt time.Time      `json:"promoted_at"`
}

// RefreshAudit records one successful gold-layer refresh.
type RefreshAudit struct {
	Aggregate   string        `json:"aggregate"`
	RefreshedAt time.Time     `json:"refreshed_at"`
	Duration    time.Duration `json:"duration"`
}

// Health is the operator-facing status snapshot.
type Health struct {
	QueueDepth            int `json:"queue_depth"`
	Running               int `json:"running"`
	FailedLast24h         int `json:"failed_last_24h"`
	PagesProcessedLast24h int `json:"pages_processed_last_24h"`
}

// ResourceInspection is the per-resource triage view.
type ResourceInspection struct {
	Job             *Job         `json:"job,omitempty"`
	Result          *ResultEntry `json:"result,omitempty"`
	DownstreamCount int          `json:"downstream_count"`
}
