// Package retry wraps fallible operations with bounded retries, exponential
// backoff with jitter, per-attempt timeouts, and a stats-driven circuit
// breaker. The coordinator holds no references to what it runs; it is safe
// to share one across an agent's outbound calls.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 30 * time.Second
	DefaultExponentialBase = 2.0
	DefaultJitterFactor    = 0.1
)

// Config shapes the retry loop. It is immutable per coordinator; per-call
// overrides pass a replacement Config to DoWithConfig.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterFactor    float64

	// ShouldRetry is consulted after each failure with the error and the
	// zero-based attempt index. Nil means DefaultShouldRetry.
	ShouldRetry func(err error, attempt int) bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.ExponentialBase <= 0 {
		c.ExponentialBase = DefaultExponentialBase
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = DefaultShouldRetry
	}
	return c
}

// delay computes the backoff before the attempt after attemptIndex:
// exponential growth clamped to MaxDelay, then perturbed by up to
// ±JitterFactor, floored at zero.
func (c Config) delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.ExponentialBase, float64(attempt))
	if limit := float64(c.MaxDelay); d > limit {
		d = limit
	}
	if c.JitterFactor > 0 {
		d += (rand.Float64()*2 - 1) * c.JitterFactor * d
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(math.Round(d))
}

// Stats are cumulative across a coordinator's lifetime and update only on
// terminal outcomes, never between attempts.
type Stats struct {
	TotalAttempts uint64    `json:"total_attempts"`
	Successes     uint64    `json:"successes"`
	Failures      uint64    `json:"failures"`
	AvgAttempts   float64   `json:"avg_attempts"`
	LastAttempt   time.Time `json:"last_attempt"`
}

// Coordinator runs operations under one retry policy and accumulates stats
// over everything it ran.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats

	sleep func(context.Context, time.Duration) error
}

func NewCoordinator(cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Config returns the coordinator's effective configuration, defaults
// applied. Callers use it as the base for per-call overrides.
func (c *Coordinator) Config() Config {
	return c.cfg
}

func (c *Coordinator) recordOutcome(attempts int, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalAttempts += uint64(attempts)
	if success {
		c.stats.Successes++
	} else {
		c.stats.Failures++
	}
	ops := c.stats.Successes + c.stats.Failures
	c.stats.AvgAttempts = float64(c.stats.TotalAttempts) / float64(ops)
	c.stats.LastAttempt = time.Now().UTC()
}

// Do runs op with the coordinator's own config. See DoWithConfig.
func Do[T any](ctx context.Context, c *Coordinator, op func(context.Context) (T, error)) (T, error) {
	return DoWithConfig(ctx, c, nil, op)
}

// DoWithConfig attempts op up to MaxRetries+1 times, consulting the
// predicate after each failure. The terminal error is always an
// ExhaustedError wrapping the last underlying failure, whether the loop ran
// out of budget or the predicate vetoed another attempt.
func DoWithConfig[T any](ctx context.Context, c *Coordinator, override *Config, op func(context.Context) (T, error)) (T, error) {
	cfg := c.cfg
	if override != nil {
		cfg = override.withDefaults()
	}

	var zero T
	attempts := 0
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		attempts++
		if err == nil {
			c.recordOutcome(attempts, true)
			return result, nil
		}

		if attempt >= cfg.MaxRetries || !cfg.ShouldRetry(err, attempt) {
			c.recordOutcome(attempts, false)
			return zero, &ExhaustedError{Attempts: attempts, Err: err}
		}

		d := cfg.delay(attempt)
		c.logger.Debug("retrying after failure",
			slog.Int("attempt", attempt),
			slog.String("class", Classify(err).String()),
			slog.Duration("backoff", d),
			slog.Any("err", err))
		if serr := c.sleep(ctx, d); serr != nil {
			c.recordOutcome(attempts, false)
			return zero, &ExhaustedError{Attempts: attempts, Err: errors.Join(err, serr)}
		}
	}
}

// Execute is the untyped convenience form of Do.
func (c *Coordinator) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := Do(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoWithTimeout races every individual attempt against the given timeout.
// An attempt that loses is reported as a retryable TimeoutError; the losing
// operation keeps running until its context unwinds it, but its result is
// discarded.
func DoWithTimeout[T any](ctx context.Context, c *Coordinator, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	return Do(ctx, c, func(ctx context.Context) (T, error) {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type outcome struct {
			v   T
			err error
		}
		ch := make(chan outcome, 1)
		go func() {
			v, err := op(actx)
			ch <- outcome{v, err}
		}()

		select {
		case o := <-ch:
			return o.v, o.err
		case <-actx.Done():
			var zero T
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, &TimeoutError{Timeout: timeout}
		}
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
