package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdmitEnforcesSpacingSequentially(t *testing.T) {
	t.Parallel()

	c := NewController(1500 * time.Millisecond)
	base := time.Unix(1700000000, 0)

	require.True(t, c.Admit("sari.example", base))
	c.OnClaim("sari.example", base)

	require.False(t, c.Admit("sari.example", base.Add(1400*time.Millisecond)))
	require.True(t, c.Admit("sari.example", base.Add(1500*time.Millisecond)))
}

func TestThrottleOverridesDefault(t *testing.T) {
	t.Parallel()

	c := NewController(time.Second)
	base := time.Unix(1700000000, 0)
	c.OnClaim("slow.example", base)

	c.Throttle("slow.example", 10*time.Second)
	require.False(t, c.Admit("slow.example", base.Add(5*time.Second)))
	require.True(t, c.Admit("slow.example", base.Add(10*time.Second)))
}

func TestRaiseAllLiftsEveryDomain(t *testing.T) {
	t.Parallel()

	c := NewController(time.Second)
	base := time.Unix(1700000000, 0)
	c.OnClaim("a.example", base)
	c.OnClaim("b.example", base)

	c.RaiseAll(time.Hour)
	require.False(t, c.Admit("a.example", base.Add(time.Minute)))
	require.False(t, c.Admit("b.example", base.Add(time.Minute)))
	// Domains first seen after the raise inherit the elevated default.
	require.Equal(t, time.Hour, c.State("c.example").MinSpacing)
}

func TestInFlightNeverNegative(t *testing.T) {
	t.Parallel()

	c := NewController(0)
	now := time.Now()
	c.OnRelease("x.example", now)
	require.Equal(t, 0, c.State("x.example").InFlight)

	c.OnClaim("x.example", now)
	c.OnRelease("x.example", now)
	c.OnRelease("x.example", now)
	require.Equal(t, 0, c.State("x.example").InFlight)
}
