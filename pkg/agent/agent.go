// Package agent implements the lifecycle state machine at the heart of the
// runtime: a single long-lived agent with bounded restarts, heartbeat
// liveness, capability bookkeeping, health checks, and typed event streams.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/agentcore/agentcore/pkg/events"
	"github.com/agentcore/agentcore/pkg/ident"
)

// Core is one agent instance. All state is owned by the core and mutated
// only through its methods; getters hand out copies.
//
// Event handlers run synchronously on the goroutine that caused the event.
// They may read the core freely but must not invoke its lifecycle
// operations, which would self-deadlock.
type Core struct {
	cfg    Config
	logger *slog.Logger

	streams *Streams

	// pubMu serializes mutate-then-announce segments so events leave in
	// the order their mutations happened. Lock order: pubMu before mu.
	pubMu sync.Mutex
	mu    sync.Mutex

	id            ident.ID
	meta          Metadata
	state         State
	history       []Transition
	health        map[string]HealthCheckResult
	lastFault     string
	restartCount  int
	detached      bool
	lastHeartbeat time.Time
	heartbeatSeq  uint64
	heartbeatStop chan struct{}

	initFlight     singleflight.Group
	shutdownFlight singleflight.Group
	restartMu      sync.Mutex
}

// New validates cfg and constructs an agent in StateInitializing. The
// identifier is assigned here, once.
func New(cfg Config) (*Core, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	id := ident.New(cfg.Network)
	if cfg.Identity != nil {
		id = *cfg.Identity
	}
	now := time.Now().UTC()
	c := &Core{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("agent", cfg.Name)),
		id:     id,
		meta: Metadata{
			Name:         cfg.Name,
			Capabilities: dedupe(cfg.Capabilities),
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		state:  StateInitializing,
		health: make(map[string]HealthCheckResult),
	}
	c.streams = newStreams(cfg.Tap)
	return c, nil
}

// UniqueIdentifier implements ident.Identity. The identifier never changes
// after construction (or restore).
func (c *Core) UniqueIdentifier() ident.ID { return c.id }

func (c *Core) Name() string { return c.meta.Name }

// Events exposes the agent's typed streams for subscription.
func (c *Core) Events() *Streams { return c.streams }

func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Core) Capabilities() []Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Capability(nil), c.meta.Capabilities...)
}

func (c *Core) Metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.meta
	m.Capabilities = append([]Capability(nil), c.meta.Capabilities...)
	return m
}

// History returns the recorded transitions, oldest first.
func (c *Core) History() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transition(nil), c.history...)
}

func (c *Core) RestartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartCount
}

func (c *Core) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// LastFault returns the message recorded when the agent last entered
// StateError, or "" if it never has.
func (c *Core) LastFault() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFault
}

// transitionLocked moves the machine through the table and records history.
// Heartbeat scheduling follows StateActive membership. Callers hold mu.
func (c *Core) transitionLocked(to State, action string) (Transition, error) {
	from := c.state
	if !from.CanTransitionTo(to) {
		return Transition{}, NewLifecycleError(from, action)
	}
	t := Transition{From: from, To: to, Action: action, Timestamp: time.Now().UTC()}
	c.state = to
	c.recordLocked(t)
	if to == StateActive && from != StateActive {
		c.startHeartbeatLocked()
	}
	if from == StateActive && to != StateActive {
		c.stopHeartbeatLocked()
	}
	c.logger.Debug("state transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("action", action))
	return t, nil
}

func (c *Core) recordLocked(t Transition) {
	c.history = append(c.history, t)
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
}

func (c *Core) transitionEvent(eventType string, t Transition, p events.Priority) events.Event[Transition] {
	return events.New(eventType, c.id.UUID, t,
		events.WithSource(eventSource), events.WithPriority(p))
}

// transitionOp is the shared body of the simple single-hop operations.
func (c *Core) transitionOp(to State, action string) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	t, err := c.transitionLocked(to, action)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	ev := c.transitionEvent(EventStateChanged, t, events.PriorityNormal)
	c.mu.Unlock()

	c.streams.Lifecycle.Publish(ev)
	return nil
}

// Activate moves the agent to StateActive and starts the heartbeat ticker.
func (c *Core) Activate() error { return c.transitionOp(StateActive, "activate") }

// Deactivate returns an agent to StateIdle.
func (c *Core) Deactivate() error { return c.transitionOp(StateIdle, "deactivate") }

// Suspend parks the agent; the heartbeat ticker stops until it resumes.
func (c *Core) Suspend() error { return c.transitionOp(StateSuspended, "suspend") }

// Resume brings a suspended agent back to StateActive.
func (c *Core) Resume() error { return c.transitionOp(StateActive, "resume") }

// Initialize runs the initialize hook and moves the agent to StateIdle.
// Concurrent callers share a single execution and observe the same outcome.
// A failed hook leaves the agent in StateError with an InitializationError.
func (c *Core) Initialize(ctx context.Context) error {
	_, err, _ := c.initFlight.Do("initialize", func() (any, error) {
		return nil, c.doInitialize(ctx)
	})
	return err
}

func (c *Core) doInitialize(ctx context.Context) error {
	c.pubMu.Lock()
	c.mu.Lock()
	switch c.state {
	case StateInitializing:
		c.mu.Unlock()
	case StateError:
		// Re-initialization after a fault rewinds through the table.
		t, err := c.transitionLocked(StateInitializing, "initialize")
		if err != nil {
			c.mu.Unlock()
			c.pubMu.Unlock()
			return err
		}
		ev := c.transitionEvent(EventStateChanged, t, events.PriorityNormal)
		c.mu.Unlock()
		c.streams.Lifecycle.Publish(ev)
	default:
		st := c.state
		c.mu.Unlock()
		c.pubMu.Unlock()
		return NewLifecycleError(st, "initialize")
	}
	c.pubMu.Unlock()

	if hook := c.cfg.OnInitialize; hook != nil {
		if err := hook(ctx); err != nil {
			initErr := &InitializationError{Err: err}
			// The agent may have been shut down while the hook ran;
			// then the fault transition loses and that is fine.
			_ = c.toError("initialize", initErr)
			return initErr
		}
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.mu.Lock()
	t, err := c.transitionLocked(StateIdle, "initialize")
	if err != nil {
		c.mu.Unlock()
		return err
	}
	// A freshly initialized agent counts as live until the first tick.
	c.lastHeartbeat = time.Now().UTC()
	ev := c.transitionEvent(EventInitialized, t, events.PriorityHigh)
	c.mu.Unlock()

	c.streams.Lifecycle.Publish(ev)
	c.logger.Info("agent initialized", slog.String("id", c.id.UUID))
	return nil
}

// Fail forces the agent into StateError, recording the cause and publishing
// a fault event. Legal only where the table permits entering StateError.
func (c *Core) Fail(cause error) error {
	return c.toError("fail", cause)
}

func (c *Core) toError(action string, cause error) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	t, err := c.transitionLocked(StateError, action)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.lastFault = cause.Error()
	evT := c.transitionEvent(EventStateChanged, t, events.PriorityNormal)
	evF := events.New(EventError, c.id.UUID, Fault{Message: cause.Error()},
		events.WithSource(eventSource), events.WithPriority(events.PriorityCritical))
	c.mu.Unlock()

	c.streams.Lifecycle.Publish(evT)
	c.streams.Faults.Publish(evF)
	c.logger.Error("agent entered error state",
		slog.String("action", action), slog.Any("err", cause))
	return nil
}

// Shutdown terminates the agent. Calls on an already terminating or
// terminated agent succeed as no-ops; concurrent callers share a single
// execution, so cleanup runs at most once. When graceful, the cleanup hook
// races the configured timeout and is abandoned if it loses.
func (c *Core) Shutdown(ctx context.Context, graceful bool) error {
	return c.sharedShutdown(ctx, graceful, true)
}

func (c *Core) sharedShutdown(ctx context.Context, graceful, detach bool) error {
	_, err, _ := c.shutdownFlight.Do("shutdown", func() (any, error) {
		return nil, c.doShutdown(ctx, graceful, detach)
	})
	return err
}

func (c *Core) doShutdown(ctx context.Context, graceful, detach bool) error {
	c.pubMu.Lock()
	c.mu.Lock()
	switch {
	case c.state.Terminal():
		c.mu.Unlock()
		c.pubMu.Unlock()
		return nil
	case c.state == StateInitializing:
		// Aborting before initialization finished: nothing to clean
		// up, and the table sends this straight to Terminated.
		return c.finishShutdownLocked(detach)
	}

	t, err := c.transitionLocked(StateTerminating, "shutdown")
	if err != nil {
		c.mu.Unlock()
		c.pubMu.Unlock()
		return err
	}
	ev := c.transitionEvent(EventStateChanged, t, events.PriorityNormal)
	c.mu.Unlock()
	c.streams.Lifecycle.Publish(ev)
	c.pubMu.Unlock()

	if graceful {
		c.runCleanup(ctx)
	}

	c.pubMu.Lock()
	c.mu.Lock()
	return c.finishShutdownLocked(detach)
}

// finishShutdownLocked completes the hop to Terminated and, for external
// shutdowns, detaches every subscription. Both locks are held on entry and
// released on return.
func (c *Core) finishShutdownLocked(detach bool) error {
	defer c.pubMu.Unlock()

	t, err := c.transitionLocked(StateTerminated, "shutdown")
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if detach {
		c.detached = true
	}
	ev := c.transitionEvent(EventTerminated, t, events.PriorityHigh)
	c.mu.Unlock()

	c.streams.Lifecycle.Publish(ev)
	if detach {
		c.streams.close()
	}
	c.logger.Info("agent terminated")
	return nil
}

func (c *Core) runCleanup(ctx context.Context) {
	if c.cfg.OnCleanup == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.cfg.OnCleanup(cctx) }()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Warn("cleanup finished with error", slog.Any("err", err))
		}
	case <-cctx.Done():
		c.logger.Warn("cleanup abandoned, terminating anyway",
			slog.Duration("timeout", c.cfg.GracefulShutdownTimeout))
	}
}

// Restart tears the agent down and brings it back up as one compound
// operation: graceful shutdown, settle delay, re-initialization,
// re-activation. The restart counter increments only when the whole
// sequence succeeds. An exhausted budget is fatal for the instance and
// reported as SystemError before anything is torn down.
func (c *Core) Restart(ctx context.Context) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	c.mu.Lock()
	switch {
	case c.restartCount >= c.cfg.MaxRestarts:
		n := c.restartCount
		c.mu.Unlock()
		return &SystemError{Msg: fmt.Sprintf("restart budget exhausted (%d of %d used)", n, c.cfg.MaxRestarts)}
	case c.state.Terminal() || c.detached:
		st := c.state
		c.mu.Unlock()
		return NewLifecycleError(st, "restart")
	}
	c.mu.Unlock()

	if err := c.sharedShutdown(ctx, true, false); err != nil {
		return err
	}

	c.mu.Lock()
	lost := c.detached
	c.mu.Unlock()
	if lost {
		// An external shutdown raced us and won; its teardown is final.
		return NewLifecycleError(StateTerminated, "restart")
	}

	select {
	case <-time.After(c.cfg.RestartSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	// Terminated is absorbing for callers; the restart path alone may
	// rewind the machine to Initializing.
	c.pubMu.Lock()
	c.mu.Lock()
	t := Transition{From: c.state, To: StateInitializing, Action: "restart", Timestamp: time.Now().UTC()}
	c.state = StateInitializing
	c.recordLocked(t)
	ev := c.transitionEvent(EventStateChanged, t, events.PriorityNormal)
	c.mu.Unlock()
	c.streams.Lifecycle.Publish(ev)
	c.pubMu.Unlock()

	if err := c.Initialize(ctx); err != nil {
		return err
	}
	if err := c.Activate(); err != nil {
		return err
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.mu.Lock()
	c.restartCount++
	n := c.restartCount
	ev2 := events.New(EventRestarted, c.id.UUID, Restarted{Count: n},
		events.WithSource(eventSource), events.WithPriority(events.PriorityHigh))
	c.mu.Unlock()

	c.streams.Restarts.Publish(ev2)
	c.logger.Info("agent restarted", slog.Int("restart_count", n))
	return nil
}

// CheckHealth recomputes every component check, stores the results, and
// returns them. The aggregate is exposed separately through Health.
func (c *Core) CheckHealth() []HealthCheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()

	state := HealthCheckResult{Component: healthComponentState, Status: HealthHealthy, Timestamp: now}
	if c.state != StateIdle && c.state != StateActive {
		state.Status = HealthUnhealthy
		state.Message = fmt.Sprintf("agent is %s", c.state)
	}

	hb := HealthCheckResult{Component: healthComponentHeartbeat, Status: HealthHealthy, Timestamp: now}
	if age := now.Sub(c.lastHeartbeat); age >= c.cfg.HeartbeatFreshness {
		hb.Status = HealthDegraded
		hb.Message = fmt.Sprintf("last heartbeat %s ago", age.Round(time.Millisecond))
	}

	caps := HealthCheckResult{Component: healthComponentCapabilities, Status: HealthHealthy, Timestamp: now}
	if len(c.meta.Capabilities) == 0 {
		caps.Status = HealthDegraded
		caps.Message = "capability set is empty"
	}

	results := []HealthCheckResult{state, hb, caps}
	for _, r := range results {
		c.health[r.Component] = r
	}
	return results
}

// Health aggregates the most recent check results: the worst individual
// status wins. An agent that has never been checked reports healthy.
func (c *Core) Health() HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	agg := HealthHealthy
	for _, r := range c.health {
		agg = worse(agg, r.Status)
	}
	return agg
}

// HealthResults returns a copy of the stored per-component results.
func (c *Core) HealthResults() map[string]HealthCheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]HealthCheckResult, len(c.health))
	for k, v := range c.health {
		out[k] = v
	}
	return out
}

// AddCapability grows the capability set. Adding a capability the agent
// already has is a no-op; mutation on a terminal agent is a CapabilityError.
func (c *Core) AddCapability(capability Capability) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if c.state.Terminal() {
		st := c.state
		c.mu.Unlock()
		return &CapabilityError{State: st, Capability: capability, Op: "add"}
	}
	if lo.Contains(c.meta.Capabilities, capability) {
		c.mu.Unlock()
		return nil
	}
	c.meta.Capabilities = append(c.meta.Capabilities, capability)
	c.meta.UpdatedAt = time.Now().UTC()
	change := CapabilityChange{
		Capability: capability,
		Added:      true,
		All:        append([]Capability(nil), c.meta.Capabilities...),
	}
	ev := events.New(EventCapabilityAdded, c.id.UUID, change,
		events.WithSource(eventSource), events.WithPriority(events.PriorityNormal))
	c.mu.Unlock()

	c.streams.Capabilities.Publish(ev)
	return nil
}

// RemoveCapability shrinks the capability set; same rules as AddCapability.
func (c *Core) RemoveCapability(capability Capability) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if c.state.Terminal() {
		st := c.state
		c.mu.Unlock()
		return &CapabilityError{State: st, Capability: capability, Op: "remove"}
	}
	if !lo.Contains(c.meta.Capabilities, capability) {
		c.mu.Unlock()
		return nil
	}
	c.meta.Capabilities = lo.Without(c.meta.Capabilities, capability)
	c.meta.UpdatedAt = time.Now().UTC()
	change := CapabilityChange{
		Capability: capability,
		Added:      false,
		All:        append([]Capability(nil), c.meta.Capabilities...),
	}
	ev := events.New(EventCapabilityRemoved, c.id.UUID, change,
		events.WithSource(eventSource), events.WithPriority(events.PriorityNormal))
	c.mu.Unlock()

	c.streams.Capabilities.Publish(ev)
	return nil
}

func (c *Core) startHeartbeatLocked() {
	if c.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.lastHeartbeat = time.Now().UTC()
	go c.heartbeatLoop(stop)
}

func (c *Core) stopHeartbeatLocked() {
	if c.heartbeatStop == nil {
		return
	}
	close(c.heartbeatStop)
	c.heartbeatStop = nil
}

func (c *Core) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.beat(stop)
		}
	}
}

// beat refreshes liveness on a tick. The stop channel identity guards
// against a stale ticker refreshing a newer incarnation's timestamp.
func (c *Core) beat(stop chan struct{}) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if c.heartbeatStop != stop || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	c.lastHeartbeat = now
	c.heartbeatSeq++
	ev := events.New(EventHeartbeat, c.id.UUID, Heartbeat{At: now, Sequence: c.heartbeatSeq},
		events.WithSource(eventSource))
	c.mu.Unlock()

	c.streams.Heartbeats.Publish(ev)
}
