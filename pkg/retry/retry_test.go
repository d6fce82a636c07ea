package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classedError struct {
	msg   string
	class Class
}

func (e *classedError) Error() string    { return e.msg }
func (e *classedError) RetryClass() Class { return e.class }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastCoordinator records would-be backoffs instead of sleeping.
func fastCoordinator(cfg Config, delays *[]time.Duration) *Coordinator {
	c := NewCoordinator(cfg, testLogger())
	c.sleep = func(_ context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	}
	return c
}

func TestDoSucceedsFirstTry(t *testing.T) {
	c := fastCoordinator(Config{MaxRetries: 3}, nil)

	got, err := Do(context.Background(), c, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.TotalAttempts)
	assert.Equal(t, uint64(1), stats.Successes)
	assert.Equal(t, uint64(0), stats.Failures)
	assert.Equal(t, 1.0, stats.AvgAttempts)
	assert.False(t, stats.LastAttempt.IsZero())
}

func TestAuthErrorNeverRetried(t *testing.T) {
	c := fastCoordinator(Config{MaxRetries: 5}, nil)
	authErr := &classedError{msg: "invalid api key", class: ClassAuth}

	var calls atomic.Int32
	_, err := Do(context.Background(), c, func(context.Context) (string, error) {
		calls.Add(1)
		return "", authErr
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.Equal(t, int32(1), calls.Load())

	var classed *classedError
	require.ErrorAs(t, err, &classed)
	assert.Equal(t, ClassAuth, classed.class)
}

func TestInvalidRequestNotRetried(t *testing.T) {
	c := fastCoordinator(Config{MaxRetries: 5}, nil)

	var calls atomic.Int32
	_, err := Do(context.Background(), c, func(context.Context) (string, error) {
		calls.Add(1)
		return "", &classedError{msg: "bad prompt", class: ClassInvalidRequest}
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorsRetriedUntilSuccess(t *testing.T) {
	var delays []time.Duration
	c := fastCoordinator(Config{
		MaxRetries:      5,
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        time.Second,
		ExponentialBase: 2,
		JitterFactor:    0, // deterministic backoff for the assertion
	}, &delays)

	const failures = 3
	var calls atomic.Int32
	got, err := Do(context.Background(), c, func(context.Context) (int, error) {
		if n := calls.Add(1); int(n) <= failures {
			return 0, &classedError{msg: "upstream 503", class: ClassServerError}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, int32(failures+1), calls.Load())

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	assert.Equal(t, want, delays)

	stats := c.Stats()
	assert.Equal(t, uint64(failures+1), stats.TotalAttempts)
	assert.Equal(t, uint64(1), stats.Successes)
}

func TestUnknownErrorsGetTwoAttemptsOfGrace(t *testing.T) {
	c := fastCoordinator(Config{MaxRetries: 10}, nil)

	var calls atomic.Int32
	_, err := Do(context.Background(), c, func(context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("something odd")
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	// Attempts 0 and 1 pass the predicate, attempt index 2 does not.
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestRetriesExhausted(t *testing.T) {
	c := fastCoordinator(Config{MaxRetries: 2}, nil)

	var calls atomic.Int32
	_, err := Do(context.Background(), c, func(context.Context) (string, error) {
		calls.Add(1)
		return "", &classedError{msg: "upstream 500", class: ClassServerError}
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, int32(3), calls.Load())

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.TotalAttempts)
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Equal(t, 3.0, stats.AvgAttempts)
}

func TestDelayClampedAtMax(t *testing.T) {
	var delays []time.Duration
	c := fastCoordinator(Config{
		MaxRetries:      3,
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        50 * time.Millisecond,
		ExponentialBase: 10,
		JitterFactor:    0,
	}, &delays)

	_, _ = Do(context.Background(), c, func(context.Context) (string, error) {
		return "", &classedError{msg: "upstream 500", class: ClassServerError}
	})

	want := []time.Duration{10 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}
	assert.Equal(t, want, delays)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	cfg := Config{
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        time.Second,
		ExponentialBase: 2,
		JitterFactor:    0.25,
	}.withDefaults()

	for attempt := 0; attempt < 4; attempt++ {
		center := float64(100*time.Millisecond) * float64(int(1)<<attempt)
		lo := time.Duration(center * 0.75)
		hi := time.Duration(center * 1.25)
		for i := 0; i < 200; i++ {
			d := cfg.delay(attempt)
			assert.GreaterOrEqual(t, d, lo)
			assert.LessOrEqual(t, d, hi)
		}
	}
}

func TestStatsRunningAverage(t *testing.T) {
	c := fastCoordinator(Config{MaxRetries: 3}, nil)
	ctx := context.Background()

	_, err := Do(ctx, c, func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	var calls int
	_, err = Do(ctx, c, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &classedError{msg: "503", class: ClassServerError}
		}
		return 2, nil
	})
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, uint64(4), stats.TotalAttempts)
	assert.Equal(t, uint64(2), stats.Successes)
	assert.Equal(t, 2.0, stats.AvgAttempts)
}

func TestDoWithTimeoutConvertsToRetryable(t *testing.T) {
	c := fastCoordinator(Config{MaxRetries: 1}, nil)

	var calls atomic.Int32
	_, err := DoWithTimeout(context.Background(), c, 10*time.Millisecond,
		func(ctx context.Context) (string, error) {
			calls.Add(1)
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 10*time.Millisecond, timeout.Timeout)
	// The timeout is retryable, so both budgeted attempts ran.
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoWithTimeoutRecovers(t *testing.T) {
	c := fastCoordinator(Config{MaxRetries: 2}, nil)

	var calls atomic.Int32
	got, err := DoWithTimeout(context.Background(), c, 50*time.Millisecond,
		func(ctx context.Context) (string, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "recovered", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoWithTimeoutHonorsCallerCancel(t *testing.T) {
	c := fastCoordinator(Config{MaxRetries: 5}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, err := DoWithTimeout(ctx, c, time.Minute, func(ctx context.Context) (string, error) {
			calls.Add(1)
			<-ctx.Done()
			return "", ctx.Err()
		})
		done <- err
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load(), "cancellation must not trigger another attempt")
}

func TestExecute(t *testing.T) {
	c := fastCoordinator(Config{MaxRetries: 2}, nil)

	var calls int
	err := c.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &classedError{msg: "429", class: ClassRateLimit}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"tagged auth", &classedError{class: ClassAuth}, ClassAuth},
		{"wrapped tag", &ExhaustedError{Err: &classedError{class: ClassRateLimit}}, ClassRateLimit},
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"plain", errors.New("dunno"), ClassUnknown},
		{"nil-ish wrapped plain", &ExhaustedError{Err: errors.New("x")}, ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}
