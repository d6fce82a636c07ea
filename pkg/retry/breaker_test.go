package retry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trippedCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := fastCoordinator(Config{MaxRetries: 0}, nil)
	// Two straight failures: ratio 1.0 with a fresh last-attempt stamp.
	for i := 0; i < 2; i++ {
		err := c.Execute(context.Background(), func(context.Context) error {
			return &classedError{msg: "500", class: ClassServerError}
		})
		require.Error(t, err)
	}
	return c
}

func TestBreakerShortCircuitsWithoutInvoking(t *testing.T) {
	c := trippedCoordinator(t)
	settings := BreakerSettings{
		FailureThreshold: 0.5,
		ResetTimeout:     time.Minute,
		MonitoringPeriod: time.Hour,
	}

	var calls atomic.Int32
	_, err := DoWithBreaker(context.Background(), c, settings, func(context.Context) (string, error) {
		calls.Add(1)
		return "nope", nil
	})

	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, int32(0), calls.Load(), "operation must not be invoked while the circuit is open")
	assert.Greater(t, open.Ratio, open.Threshold)
	assert.Greater(t, open.RetryAfter, time.Duration(0))

	// The refused call is not an attempt; stats are untouched.
	assert.Equal(t, uint64(2), c.Stats().TotalAttempts)
}

func TestBreakerClosesAfterResetTimeout(t *testing.T) {
	c := trippedCoordinator(t)
	settings := BreakerSettings{
		FailureThreshold: 0.5,
		ResetTimeout:     20 * time.Millisecond,
		MonitoringPeriod: time.Hour,
	}

	c.mu.Lock()
	c.stats.LastAttempt = time.Now().Add(-50 * time.Millisecond)
	c.mu.Unlock()

	var calls atomic.Int32
	got, err := DoWithBreaker(context.Background(), c, settings, func(context.Context) (string, error) {
		calls.Add(1)
		return "probe", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "probe", got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerIgnoresStaleStats(t *testing.T) {
	c := trippedCoordinator(t)
	settings := BreakerSettings{
		FailureThreshold: 0.5,
		ResetTimeout:     time.Hour,
		MonitoringPeriod: time.Minute,
	}

	c.mu.Lock()
	c.stats.LastAttempt = time.Now().Add(-2 * time.Minute)
	c.mu.Unlock()

	_, err := DoWithBreaker(context.Background(), c, settings, func(context.Context) (string, error) {
		return "fresh start", nil
	})
	require.NoError(t, err)
}

func TestBreakerStaysClosedUnderThreshold(t *testing.T) {
	c := fastCoordinator(Config{MaxRetries: 0}, nil)
	ctx := context.Background()

	// One failure, two successes: ratio 1/3 under a 0.5 threshold.
	_ = c.Execute(ctx, func(context.Context) error {
		return &classedError{msg: "500", class: ClassServerError}
	})
	require.NoError(t, c.Execute(ctx, func(context.Context) error { return nil }))
	require.NoError(t, c.Execute(ctx, func(context.Context) error { return nil }))

	var calls atomic.Int32
	_, err := DoWithBreaker(ctx, c, BreakerSettings{
		FailureThreshold: 0.5,
		ResetTimeout:     time.Minute,
		MonitoringPeriod: time.Hour,
	}, func(context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerDefaults(t *testing.T) {
	s := BreakerSettings{}.withDefaults()
	assert.Equal(t, DefaultFailureThreshold, s.FailureThreshold)
	assert.Equal(t, DefaultResetTimeout, s.ResetTimeout)
	assert.Equal(t, DefaultMonitoringPeriod, s.MonitoringPeriod)
}
