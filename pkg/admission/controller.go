// Package admission enforces request and token budgets over two independent
// rolling windows (per minute, per hour). Callers are admitted immediately
// when both windows have room, queued FIFO until the nearer window resets,
// or rejected when their deadline elapses first.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	windowMinute = time.Minute
	windowHour   = time.Hour
)

const (
	DefaultRequestsPerMinute = 60
	DefaultRequestsPerHour   = 3600
	DefaultTokensPerMinute   = 90_000
	DefaultTokensPerHour     = 5_400_000

	DefaultMaxWait       = 30 * time.Second
	DefaultGracePeriod   = 500 * time.Millisecond
	DefaultStaleAfter    = 2 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Limits configures a Controller. Zero values fall back to the package
// defaults.
type Limits struct {
	RequestsPerMinute int64
	RequestsPerHour   int64
	TokensPerMinute   int64
	TokensPerHour     int64

	// MaxWait is the absolute cap on how long Admit may queue a caller.
	MaxWait time.Duration
	// GracePeriod is slack added to the nearer window reset when
	// computing a queued caller's deadline.
	GracePeriod time.Duration
	// StaleAfter is the age at which the sweeper force-rejects a queued
	// entry regardless of its deadline timer.
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

func (l *Limits) withDefaults() Limits {
	out := *l
	if out.RequestsPerMinute <= 0 {
		out.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if out.RequestsPerHour <= 0 {
		out.RequestsPerHour = DefaultRequestsPerHour
	}
	if out.TokensPerMinute <= 0 {
		out.TokensPerMinute = DefaultTokensPerMinute
	}
	if out.TokensPerHour <= 0 {
		out.TokensPerHour = DefaultTokensPerHour
	}
	if out.MaxWait <= 0 {
		out.MaxWait = DefaultMaxWait
	}
	if out.GracePeriod <= 0 {
		out.GracePeriod = DefaultGracePeriod
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	return out
}

// WindowStats is a point-in-time view of one window's consumption.
type WindowStats struct {
	Requests int64     `json:"requests"`
	Tokens   int64     `json:"tokens"`
	ResetsAt time.Time `json:"resets_at"`
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Minute     WindowStats `json:"minute"`
	Hour       WindowStats `json:"hour"`
	QueueDepth int         `json:"queue_depth"`

	Admitted      uint64 `json:"admitted"`
	Recorded      uint64 `json:"recorded"`
	Queued        uint64 `json:"queued"`
	Granted       uint64 `json:"granted"`
	TimedOut      uint64 `json:"timed_out"`
	Swept         uint64 `json:"swept"`
	ForceRejected uint64 `json:"force_rejected"`
}

// Capacity is the remaining headroom in both windows.
type Capacity struct {
	MinuteRequests int64 `json:"minute_requests"`
	MinuteTokens   int64 `json:"minute_tokens"`
	HourRequests   int64 `json:"hour_requests"`
	HourTokens     int64 `json:"hour_tokens"`
}

// waiter is one queued admission. It is resolved exactly once, by grant,
// deadline expiry, sweep, or forced reset.
type waiter struct {
	units    int64
	enqueued time.Time
	done     chan error
	resolved bool
	expiry   *time.Timer
}

func (w *waiter) resolveLocked(err error) {
	if w.resolved {
		return
	}
	w.resolved = true
	if w.expiry != nil {
		w.expiry.Stop()
	}
	w.done <- err
}

// Controller grants, queues, or rejects calls against the configured
// budgets. A background sweeper bounds queue growth; Close stops it.
type Controller struct {
	limits Limits
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	minute *window
	hour   *window
	queue  []*waiter
	drain  *time.Timer
	closed bool

	admitted      uint64
	recorded      uint64
	queued        uint64
	granted       uint64
	timedOut      uint64
	swept         uint64
	forceRejected uint64

	stop      chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// New builds a controller and starts its sweep loop.
func New(limits Limits, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	l := limits.withDefaults()
	c := &Controller{
		limits:    l,
		logger:    logger,
		now:       time.Now,
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	now := c.now()
	c.minute = newWindow(windowMinute, l.RequestsPerMinute, l.TokensPerMinute, now)
	c.hour = newWindow(windowHour, l.RequestsPerHour, l.TokensPerHour, now)
	go c.sweepLoop()
	return c
}

// Close stops the sweeper and force-rejects everything still queued.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.sweepDone

		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		if c.drain != nil {
			c.drain.Stop()
			c.drain = nil
		}
		for _, w := range c.queue {
			w.resolveLocked(ErrClosed)
		}
		c.queue = nil
	})
}

// refreshLocked rolls both windows over if due and grants queued waiters
// the freed capacity.
func (c *Controller) refreshLocked() time.Time {
	now := c.now()
	c.minute.rollover(now)
	c.hour.rollover(now)
	c.drainLocked(now)
	return now
}

// drainLocked grants waiters strictly FIFO: the head blocks everyone behind
// it even if a later, smaller request would fit.
func (c *Controller) drainLocked(now time.Time) {
	for len(c.queue) > 0 {
		w := c.queue[0]
		if w.resolved {
			c.queue = c.queue[1:]
			continue
		}
		if !c.minute.fits(w.units) || !c.hour.fits(w.units) {
			break
		}
		c.minute.add(w.units)
		c.hour.add(w.units)
		c.granted++
		w.resolveLocked(nil)
		c.queue = c.queue[1:]
	}
	c.scheduleDrainLocked(now)
}

// scheduleDrainLocked arms a timer for the nearer window boundary so queued
// waiters are granted promptly, not just when the next caller shows up.
func (c *Controller) scheduleDrainLocked(now time.Time) {
	if len(c.queue) == 0 || c.closed {
		if c.drain != nil {
			c.drain.Stop()
			c.drain = nil
		}
		return
	}
	d := c.minute.untilReset(now)
	if h := c.hour.untilReset(now); h < d {
		d = h
	}
	if d < 0 {
		d = 0
	}
	d += time.Millisecond
	if c.drain == nil {
		c.drain = time.AfterFunc(d, c.onDrainTimer)
	} else {
		c.drain.Reset(d)
	}
}

func (c *Controller) onDrainTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.refreshLocked()
}

// CanAdmit reports whether both windows currently have room for one more
// request of the given size. It does not reserve anything.
func (c *Controller) CanAdmit(units int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked()
	return c.minute.fits(units) && c.hour.fits(units)
}

// Admit reserves capacity for one request of the given size. If both
// windows have room and nobody is queued ahead, it reserves and returns
// immediately. Otherwise the caller queues FIFO with a deadline of
// min(time-to-nearer-reset + grace, max-wait) and is granted or rejected by
// the time it elapses.
//
// Cancelling ctx abandons the wait but not the queue slot: the entry keeps
// its position until granted or expired, so a granted-but-gone caller still
// consumes budget. Callers needing faster release should size MaxWait
// accordingly.
func (c *Controller) Admit(ctx context.Context, units int64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	now := c.refreshLocked()
	if len(c.queue) == 0 && c.minute.fits(units) && c.hour.fits(units) {
		c.minute.add(units)
		c.hour.add(units)
		c.admitted++
		c.mu.Unlock()
		return nil
	}

	wait := c.minute.untilReset(now)
	if h := c.hour.untilReset(now); h < wait {
		wait = h
	}
	wait += c.limits.GracePeriod
	if wait > c.limits.MaxWait {
		wait = c.limits.MaxWait
	}

	w := &waiter{
		units:    units,
		enqueued: now,
		done:     make(chan error, 1),
	}
	w.expiry = time.AfterFunc(wait, func() { c.expire(w) })
	c.queue = append(c.queue, w)
	c.queued++
	c.scheduleDrainLocked(now)
	depth := len(c.queue)
	c.mu.Unlock()

	c.logger.Debug("admission queued",
		slog.Int64("units", units),
		slog.Duration("deadline", wait),
		slog.Int("depth", depth))

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) expire(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.resolved {
		return
	}
	c.removeLocked(w)
	c.timedOut++
	w.resolveLocked(&TimeoutError{Units: w.units, Waited: c.now().Sub(w.enqueued)})
}

func (c *Controller) removeLocked(target *waiter) {
	for i, w := range c.queue {
		if w == target {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// RecordRequest accounts for a call made outside the queueing path. The
// check and the increment happen atomically; a call that would breach
// either budget is refused with ErrOverBudget rather than recorded.
func (c *Controller) RecordRequest(units int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.refreshLocked()
	if !c.minute.fits(units) || !c.hour.fits(units) {
		return ErrOverBudget
	}
	c.minute.add(units)
	c.hour.add(units)
	c.recorded++
	return nil
}

// Stats returns a consistent snapshot, reflecting any lazy reset that just
// became due.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.refreshLocked()
	return Stats{
		Minute: WindowStats{
			Requests: c.minute.requests,
			Tokens:   c.minute.units,
			ResetsAt: now.Add(c.minute.untilReset(now)),
		},
		Hour: WindowStats{
			Requests: c.hour.requests,
			Tokens:   c.hour.units,
			ResetsAt: now.Add(c.hour.untilReset(now)),
		},
		QueueDepth:    len(c.queue),
		Admitted:      c.admitted,
		Recorded:      c.recorded,
		Queued:        c.queued,
		Granted:       c.granted,
		TimedOut:      c.timedOut,
		Swept:         c.swept,
		ForceRejected: c.forceRejected,
	}
}

// RemainingCapacity reports the headroom left in both windows.
func (c *Controller) RemainingCapacity() Capacity {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked()
	return Capacity{
		MinuteRequests: c.minute.remainingRequests(),
		MinuteTokens:   c.minute.remainingUnits(),
		HourRequests:   c.hour.remainingRequests(),
		HourTokens:     c.hour.remainingUnits(),
	}
}

// Reset zeroes both windows, re-anchors their boundaries to now, and
// force-rejects everything currently queued.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.minute.reanchor(now)
	c.hour.reanchor(now)
	for _, w := range c.queue {
		if !w.resolved {
			c.forceRejected++
			w.resolveLocked(&ResetError{})
		}
	}
	c.queue = nil
	c.scheduleDrainLocked(now)
	c.logger.Info("admission budgets reset")
}

func (c *Controller) sweepLoop() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(c.limits.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep force-rejects queue entries older than the staleness threshold. It
// backstops the per-entry deadline timers.
func (c *Controller) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cutoff := now.Add(-c.limits.StaleAfter)

	kept := c.queue[:0]
	var dropped int
	for _, w := range c.queue {
		if !w.resolved && w.enqueued.Before(cutoff) {
			c.swept++
			dropped++
			w.resolveLocked(&TimeoutError{Units: w.units, Waited: now.Sub(w.enqueued)})
			continue
		}
		kept = append(kept, w)
	}
	c.queue = kept
	if dropped > 0 {
		c.logger.Warn("admission sweep dropped stale waiters", slog.Int("dropped", dropped))
	}
	c.refreshLocked()
}
