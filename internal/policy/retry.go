// Package policy computes retry backoff and quarantine escalation.
package policy

import (
	"time"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

// RetryPolicy decides rescheduling for failed jobs.
type RetryPolicy struct {
	baseDelay           time.Duration
	maxDoublings        int
	quarantineThreshold int
}

// Option mutates a RetryPolicy under construction.
type Option func(*RetryPolicy)

// WithBaseDelay overrides the backoff base.
func WithBaseDelay(d time.Duration) Option {
	return func(p *RetryPolicy) { p.baseDelay = d }
}

// WithMaxDoublings caps the exponent.
func WithMaxDoublings(n int) Option {
	return func(p *RetryPolicy) { p.maxDoublings = n }
}

// WithQuarantineThreshold sets the attempt count at which a job is
// quarantined instead of rescheduled.
func WithQuarantineThreshold(n int) Option {
	return func(p *RetryPolicy) { p.quarantineThreshold = n }
}

// NewRetryPolicy builds a policy with sane defaults.
func NewRetryPolicy(opts ...Option) *RetryPolicy {
	p := &RetryPolicy{
		baseDelay:           30 * time.Second,
		maxDoublings:        6,
		quarantineThreshold: 6,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Backoff returns the delay before the next attempt given the attempt count
// after the failure being handled. Delays grow as base * 2^attempts, capped
// at base * 2^maxDoublings, so consecutive delays are monotonically
// non-decreasing.
func (p *RetryPolicy) Backoff(attempts int) time.Duration {
	n := attempts
	if n > p.maxDoublings {
		n = p.maxDoublings
	}
	if n < 0 {
		n = 0
	}
	return p.baseDelay * (1 << uint(n))
}

// ShouldQuarantine reports whether a job with the given attempt count has
// exhausted its retry budget.
func (p *RetryPolicy) ShouldQuarantine(attempts int) bool {
	return attempts >= p.quarantineThreshold
}

// Disposition maps a failure to the job's next state.
func (p *RetryPolicy) Disposition(attempts int, permanent bool) (pipeline.JobStatus, time.Duration) {
	if permanent {
		return pipeline.JobStatusFailed, 0
	}
	if p.ShouldQuarantine(attempts) {
		return pipeline.JobStatusQuarantined, 0
	}
	return pipeline.JobStatusQueued, p.Backoff(attempts)
}
