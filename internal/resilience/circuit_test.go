package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
	})
	cb.nowFunc = func() time.Time { return now }
	return cb, &now
}

func failCall(context.Context) error { return eris.New("embedder down") }

func okCall(context.Context) error { return nil }

func TestCircuit_OpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for range 2 {
		_ = cb.Execute(ctx, failCall)
	}
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(ctx, failCall)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(ctx, okCall)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuit_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, failCall)
	_ = cb.Execute(ctx, failCall)
	require.NoError(t, cb.Execute(ctx, okCall))

	_ = cb.Execute(ctx, failCall)
	_ = cb.Execute(ctx, failCall)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuit_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, failCall)
	assert.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, okCall))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuit_HalfOpenProbeFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, failCall)
	*now = now.Add(2 * time.Minute)

	_ = cb.Execute(ctx, failCall)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(ctx, okCall)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuit_ShouldTripFilter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsTransient,
	})
	ctx := context.Background()

	// Permanent errors pass through without tripping.
	_ = cb.Execute(ctx, func(context.Context) error { return eris.New("bad request") })
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(ctx, func(context.Context) error {
		return NewTransientError(eris.New("service unavailable"), 503)
	})
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuit_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), failCall)
	cb.Reset()

	assert.Equal(t, []string{"closed>open", "open>closed"}, transitions)
}

func TestCircuit_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.Equal(t, 5, cb.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.cfg.ResetTimeout)
	assert.Equal(t, 1, cb.cfg.HalfOpenMaxProbes)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
