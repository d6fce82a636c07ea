package retry

import (
	"context"
	"time"
)

const (
	DefaultFailureThreshold = 0.5
	DefaultResetTimeout     = 30 * time.Second
	DefaultMonitoringPeriod = 5 * time.Minute
)

// BreakerSettings tune the stats-driven circuit breaker. The breaker trips
// when the coordinator's aggregate failure ratio exceeds FailureThreshold;
// it stays open until ResetTimeout has elapsed since the last terminal
// outcome. Stats older than MonitoringPeriod no longer count against the
// caller at all.
type BreakerSettings struct {
	FailureThreshold float64
	ResetTimeout     time.Duration
	MonitoringPeriod time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	if s.MonitoringPeriod <= 0 {
		s.MonitoringPeriod = DefaultMonitoringPeriod
	}
	return s
}

// DoWithBreaker consults the breaker before delegating to Do. When the
// circuit is open the operation is never invoked and the caller gets a
// CircuitOpenError immediately.
func DoWithBreaker[T any](ctx context.Context, c *Coordinator, settings BreakerSettings, op func(context.Context) (T, error)) (T, error) {
	if err := c.breakerCheck(settings.withDefaults()); err != nil {
		var zero T
		return zero, err
	}
	return Do(ctx, c, op)
}

// ExecuteWithBreaker is the untyped convenience form of DoWithBreaker.
func (c *Coordinator) ExecuteWithBreaker(ctx context.Context, settings BreakerSettings, op func(context.Context) error) error {
	_, err := DoWithBreaker(ctx, c, settings, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Allow reports whether the breaker would admit a call right now, without
// running anything. Callers that cannot replay side effects gate on this
// and then run their operation outside DoWithBreaker.
func (c *Coordinator) Allow(settings BreakerSettings) error {
	return c.breakerCheck(settings.withDefaults())
}

func (c *Coordinator) breakerCheck(s BreakerSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ops := c.stats.Successes + c.stats.Failures
	if ops == 0 {
		return nil
	}
	since := time.Since(c.stats.LastAttempt)
	if since > s.MonitoringPeriod {
		// Everything on record is stale; let traffic probe again.
		return nil
	}
	ratio := float64(c.stats.Failures) / float64(ops)
	if ratio > s.FailureThreshold && since < s.ResetTimeout {
		return &CircuitOpenError{
			Ratio:      ratio,
			Threshold:  s.FailureThreshold,
			RetryAfter: s.ResetTimeout - since,
		}
	}
	return nil
}
