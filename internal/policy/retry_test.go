package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

func TestBackoffMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(WithBaseDelay(100*time.Millisecond), WithMaxDoublings(6))

	prev := time.Duration(0)
	for attempts := 0; attempts < 12; attempts++ {
		d := p.Backoff(attempts)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempts)
		prev = d
	}
	require.Equal(t, 100*time.Millisecond*64, p.Backoff(6))
	require.Equal(t, p.Backoff(6), p.Backoff(20), "cap must hold past maxDoublings")
}

func TestQuarantineExactlyAtThreshold(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(WithQuarantineThreshold(6))

	require.False(t, p.ShouldQuarantine(5))
	require.True(t, p.ShouldQuarantine(6))

	status, _ := p.Disposition(5, false)
	require.Equal(t, pipeline.JobStatusQueued, status)
	status, delay := p.Disposition(6, false)
	require.Equal(t, pipeline.JobStatusQuarantined, status)
	require.Zero(t, delay)
}

func TestPermanentFailureBypassesRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy()
	status, delay := p.Disposition(1, true)
	require.Equal(t, pipeline.JobStatusFailed, status)
	require.Zero(t, delay)
}
