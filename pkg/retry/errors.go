package retry

import (
	"fmt"
	"time"
)

// ExhaustedError wraps the last underlying failure once retries run out or
// the predicate vetoes another attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// TimeoutError replaces an attempt that lost the race against its
// per-attempt timeout. It is timeout-class, hence retryable.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("attempt timed out after %s", e.Timeout)
}

func (e *TimeoutError) RetryClass() Class { return ClassTimeout }

// CircuitOpenError reports a call refused by the circuit breaker before the
// operation was ever invoked.
type CircuitOpenError struct {
	Ratio      float64
	Threshold  float64
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open: failure ratio %.2f over threshold %.2f, retry in %s",
		e.Ratio, e.Threshold, e.RetryAfter.Round(time.Millisecond))
}
