// Package memory provides an in-memory JobQueue for development and tests.
// It implements the same claim semantics as the Postgres queue: idempotent
// enqueue on (source, resource), atomic contention-skipping claims, and
// backoff/quarantine dispositions on failure.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scoutdata/pipeline/internal/admission"
	"github.com/scoutdata/pipeline/internal/metrics"
	"github.com/scoutdata/pipeline/internal/pipeline"
	"github.com/scoutdata/pipeline/internal/policy"
)

type jobKey struct {
	source   string
	resource string
}

// Queue keeps all job state behind one mutex. Claims are a check-and-set
// under the lock, so two workers can never take the same row.
type Queue struct {
	mu        sync.Mutex
	jobs      map[string]*pipeline.Job
	active    map[jobKey]string
	admission *admission.Controller
	retry     *policy.RetryPolicy
	clock     pipeline.Clock
	idGen     pipeline.IDGenerator
}

// NewQueue constructs a Queue.
func NewQueue(
	adm *admission.Controller,
	retry *policy.RetryPolicy,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
) *Queue {
	return &Queue{
		jobs:      make(map[string]*pipeline.Job),
		active:    make(map[jobKey]string),
		admission: adm,
		retry:     retry,
		clock:     clock,
		idGen:     idGen,
	}
}

// Admission exposes the controller for operational commands.
func (q *Queue) Admission() *admission.Controller { return q.admission }

// Enqueue inserts a queued job, or returns the existing active job's ID with
// ErrDuplicateJob when one is already queued or running for the pair.
func (q *Queue) Enqueue(_ context.Context, job pipeline.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := jobKey{source: job.Source, resource: job.Resource}
	if existing, ok := q.active[key]; ok {
		return existing, pipeline.ErrDuplicateJob
	}

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
	job.Updated = now
	job.Status = pipeline.JobStatusQueued
	if job.NextEligible.IsZero() {
		job.NextEligible = now
	}
	j := job
	q.jobs[j.ID] = &j
	q.active[key] = j.ID
	return j.ID, nil
}

// ClaimNext picks the eligible queued row with the lowest priority value,
// breaking ties by creation time, skipping rows whose domain fails
// admission. The transition to running and the lease stamp happen under the
// queue lock, so the claim is exclusive.
func (q *Queue) ClaimNext(_ context.Context, workerID string) (*pipeline.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	candidates := make([]*pipeline.Job, 0, 8)
	for _, j := range q.jobs {
		if j.Status == pipeline.JobStatusQueued && !j.NextEligible.After(now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority < candidates[b].Priority
		}
		return candidates[a].Created.Before(candidates[b].Created)
	})

	for _, j := range candidates {
		if !q.admission.Admit(j.Source, now) {
			continue
		}
		j.Status = pipeline.JobStatusRunning
		j.LeaseOwner = workerID
		lease := now
		j.LeaseTime = &lease
		j.Updated = now
		q.admission.OnClaim(j.Source, now)
		claimed := *j
		return &claimed, nil
	}
	return nil, nil
}

// Complete marks a running job done and releases its domain slot.
func (q *Queue) Complete(_ context.Context, jobID string, note string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if j.Status != pipeline.JobStatusRunning {
		return fmt.Errorf("complete %s: job is %s, not running", jobID, j.Status)
	}
	now := q.clock.Now()
	j.Status = pipeline.JobStatusDone
	j.Note = note
	q.clearLease(j, now)
	delete(q.active, jobKey{source: j.Source, resource: j.Resource})
	q.admission.OnRelease(j.Source, now)
	return nil
}

// Fail increments the attempt count and applies the retry policy: requeue
// with backoff, quarantine at the threshold, or terminal failure when
// permanent.
func (q *Queue) Fail(_ context.Context, jobID string, reason string, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if j.Status != pipeline.JobStatusRunning {
		return fmt.Errorf("fail %s: job is %s, not running", jobID, j.Status)
	}
	now := q.clock.Now()
	j.Attempts++
	j.Note = reason
	q.clearLease(j, now)
	q.admission.OnRelease(j.Source, now)

	status, delay := q.retry.Disposition(j.Attempts, permanent)
	j.Status = status
	if status == pipeline.JobStatusQueued {
		j.NextEligible = now.Add(delay)
		metrics.ObserveBackoff(delay)
		return nil
	}
	delete(q.active, jobKey{source: j.Source, resource: j.Resource})
	return nil
}

func (q *Queue) clearLease(j *pipeline.Job, now time.Time) {
	j.LeaseOwner = ""
	j.LeaseTime = nil
	j.Updated = now
}

// Quarantine forces every queued or running row for the source into
// quarantine, releasing any held domain slots.
func (q *Queue) Quarantine(_ context.Context, source, reason string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	affected := 0
	for _, j := range q.jobs {
		if j.Source != source {
			continue
		}
		switch j.Status {
		case pipeline.JobStatusRunning:
			q.admission.OnRelease(j.Source, now)
		case pipeline.JobStatusQueued:
		default:
			continue
		}
		j.Status = pipeline.JobStatusQuarantined
		j.Note = reason
		q.clearLease(j, now)
		delete(q.active, jobKey{source: j.Source, resource: j.Resource})
		affected++
	}
	return affected, nil
}

// Release clears quarantine for all jobs matching selector (job ID or
// source/domain) and resets attempt-driven scheduling.
func (q *Queue) Release(_ context.Context, selector string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	released := 0
	for _, j := range q.jobs {
		if j.Status != pipeline.JobStatusQuarantined {
			continue
		}
		if j.ID != selector && j.Source != selector {
			continue
		}
		key := jobKey{source: j.Source, resource: j.Resource}
		if _, busy := q.active[key]; busy {
			// A newer row took the pair; leave this one quarantined.
			continue
		}
		j.Status = pipeline.JobStatusQueued
		j.Attempts = 0
		j.NextEligible = now
		j.Updated = now
		q.active[key] = j.ID
		released++
	}
	return released, nil
}

// Nudge pulls a queued row's eligibility earlier. It never pushes it later
// and ignores pairs without a queued row.
func (q *Queue) Nudge(_ context.Context, source, resource string, eligible time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.active[jobKey{source: source, resource: resource}]
	if !ok {
		return nil
	}
	j := q.jobs[id]
	if j.Status == pipeline.JobStatusQueued && eligible.Before(j.NextEligible) {
		j.NextEligible = eligible
		j.Updated = q.clock.Now()
	}
	return nil
}

// RequeueStale returns running rows whose lease started before cutoff to
// queued. The attempt count is untouched: a crashed worker is not the job's
// fault.
func (q *Queue) RequeueStale(_ context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	n := 0
	for _, j := range q.jobs {
		if j.Status != pipeline.JobStatusRunning || j.LeaseTime == nil || !j.LeaseTime.Before(cutoff) {
			continue
		}
		j.Status = pipeline.JobStatusQueued
		j.NextEligible = now
		q.clearLease(j, now)
		q.admission.OnRelease(j.Source, now)
		n++
	}
	return n, nil
}

// RequeueRunning resets every running row to queued (emergency stop).
func (q *Queue) RequeueRunning(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	n := 0
	for _, j := range q.jobs {
		if j.Status != pipeline.JobStatusRunning {
			continue
		}
		j.Status = pipeline.JobStatusQueued
		j.NextEligible = now
		q.clearLease(j, now)
		q.admission.OnRelease(j.Source, now)
		n++
	}
	return n, nil
}

// RetryFailed returns failed rows to queued with attempts reset, optionally
// filtered by resource.
func (q *Queue) RetryFailed(_ context.Context, resource string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	n := 0
	for _, j := range q.jobs {
		if j.Status != pipeline.JobStatusFailed {
			continue
		}
		if resource != "" && j.Resource != resource {
			continue
		}
		key := jobKey{source: j.Source, resource: j.Resource}
		if _, busy := q.active[key]; busy {
			continue
		}
		j.Status = pipeline.JobStatusQueued
		j.Attempts = 0
		j.NextEligible = now
		j.Updated = now
		q.active[key] = j.ID
		n++
	}
	return n, nil
}

// DeleteTerminalBefore removes done and failed rows last updated before
// cutoff. Quarantined rows persist until an operator releases them.
func (q *Queue) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, j := range q.jobs {
		switch j.Status {
		case pipeline.JobStatusDone, pipeline.JobStatusFailed:
			if j.Updated.Before(cutoff) {
				delete(q.jobs, id)
				n++
			}
		}
	}
	return n, nil
}

// GetJob fetches a job by ID.
func (q *Queue) GetJob(_ context.Context, jobID string) (pipeline.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	return *j, nil
}

// FindJob returns the active row for the pair, or the most recently updated
// row of any status, or nil.
func (q *Queue) FindJob(_ context.Context, source, resource string) (*pipeline.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.active[jobKey{source: source, resource: resource}]; ok {
		j := *q.jobs[id]
		return &j, nil
	}
	var latest *pipeline.Job
	for _, j := range q.jobs {
		if j.Source != source || j.Resource != resource {
			continue
		}
		if latest == nil || j.Updated.After(latest.Updated) {
			latest = j
		}
	}
	if latest == nil {
		return nil, nil
	}
	j := *latest
	return &j, nil
}

// Stats computes the health snapshot.
func (q *Queue) Stats(_ context.Context, since time.Time) (pipeline.Health, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var h pipeline.Health
	for _, j := range q.jobs {
		switch j.Status {
		case pipeline.JobStatusQueued:
			h.QueueDepth++
		case pipeline.JobStatusRunning:
			h.Running++
		case pipeline.JobStatusFailed, pipeline.JobStatusQuarantined:
			if !j.Updated.Before(since) {
				h.FailedLast24h++
			}
		case pipeline.JobStatusDone:
			if !j.Updated.Before(since) {
				h.PagesProcessedLast24h++
			}
		}
	}
	return h, nil
}

// DumpByStatus lists jobs in a status ordered by creation time; a triage
// aid also used by tests.
func (q *Queue) DumpByStatus(status pipeline.JobStatus) []pipeline.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]pipeline.Job, 0, 8)
	for _, j := range q.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].Created.Equal(out[b].Created) {
			return out[a].Created.Before(out[b].Created)
		}
		return strings.Compare(out[a].ID, out[b].ID) < 0
	})
	return out
}
