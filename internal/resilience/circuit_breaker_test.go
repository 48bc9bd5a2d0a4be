package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calev/orchid/pkg/schema"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  0.5,
		MinimumThroughput: 4,
		Window:            30 * time.Second,
		BreakDuration:     30 * time.Second,
		SuccessThreshold:  2,
		HalfOpenMax:       2,
	}
}

// registryAt returns a registry whose clock is controlled by the test.
func registryAt(start time.Time) (*BreakerRegistry, *time.Time) {
	now := start
	r := NewBreakerRegistry(testBreakerConfig())
	r.now = func() time.Time { return now }
	return r, &now
}

func TestBreakerStaysClosedBelowMinimumThroughput(t *testing.T) {
	r, _ := registryAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	// Three failures in a row, but throughput is below the minimum.
	for i := 0; i < 3; i++ {
		r.RecordFailure("svc")
	}
	assert.Equal(t, CircuitClosed, r.State("svc"))
	assert.NoError(t, r.Allow("svc"))
}

func TestBreakerOpensAtFailureRatio(t *testing.T) {
	r, _ := registryAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	r.RecordSuccess("svc")
	r.RecordSuccess("svc")
	r.RecordFailure("svc")
	state := r.RecordFailure("svc") // 2/4 = 0.5 >= threshold

	assert.Equal(t, CircuitOpen, state)
	err := r.Allow("svc")
	require.Error(t, err)
	var oerr *schema.OrchidError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, oerr.Code)
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	r, _ := registryAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 4; i++ {
		r.RecordFailure("flaky")
	}
	assert.Equal(t, CircuitOpen, r.State("flaky"))
	assert.Equal(t, CircuitClosed, r.State("healthy"))
	assert.NoError(t, r.Allow("healthy"))
}

func TestBreakerHalfOpenAfterBreakDuration(t *testing.T) {
	r, now := registryAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 4; i++ {
		r.RecordFailure("svc")
	}
	require.Equal(t, CircuitOpen, r.State("svc"))

	*now = now.Add(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, r.State("svc"))

	// Probes are admitted up to HalfOpenMax, then rejected.
	assert.NoError(t, r.Allow("svc"))
	assert.NoError(t, r.Allow("svc"))
	assert.Error(t, r.Allow("svc"))
}

func TestBreakerClosesAfterProbeSuccesses(t *testing.T) {
	r, now := registryAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 4; i++ {
		r.RecordFailure("svc")
	}
	*now = now.Add(31 * time.Second)
	require.Equal(t, CircuitHalfOpen, r.State("svc"))

	require.NoError(t, r.Allow("svc"))
	r.RecordSuccess("svc")
	require.NoError(t, r.Allow("svc"))
	r.RecordSuccess("svc")

	assert.Equal(t, CircuitClosed, r.State("svc"))
	// The failure window was reset on close.
	stats := r.Stats("svc")
	assert.Equal(t, 0, stats["window_failures"])
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	r, now := registryAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 4; i++ {
		r.RecordFailure("svc")
	}
	*now = now.Add(31 * time.Second)
	require.Equal(t, CircuitHalfOpen, r.State("svc"))
	require.NoError(t, r.Allow("svc"))

	state := r.RecordFailure("svc")
	assert.Equal(t, CircuitOpen, state)
	assert.Error(t, r.Allow("svc"))
}

func TestBreakerRollingWindowForgetsOldOutcomes(t *testing.T) {
	r, now := registryAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	r.RecordFailure("svc")
	r.RecordFailure("svc")
	r.RecordFailure("svc")

	// Old failures age out of the window. The fourth failure alone does not
	// meet the minimum throughput.
	*now = now.Add(time.Minute)
	state := r.RecordFailure("svc")
	assert.Equal(t, CircuitClosed, state)
}

func TestBreakerStats(t *testing.T) {
	r, _ := registryAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	r.RecordSuccess("svc")
	r.RecordFailure("svc")

	stats := r.Stats("svc")
	assert.Equal(t, "svc", stats["key"])
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 2, stats["window_total"])
	assert.Equal(t, 1, stats["window_failures"])
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}
