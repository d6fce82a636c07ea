package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentcore/agentcore/pkg/events"
	"github.com/agentcore/agentcore/pkg/ident"
)

// Capability is a named unit of functionality an agent may use.
type Capability string

// Metadata describes an agent. The updated timestamp advances only through
// controlled mutation (capability add/remove), never directly by callers.
type Metadata struct {
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

const (
	DefaultHeartbeatInterval       = 10 * time.Second
	DefaultHeartbeatFreshness      = 30 * time.Second
	DefaultGracefulShutdownTimeout = 5 * time.Second
	DefaultRestartSettleDelay      = 250 * time.Millisecond
)

// Config is consumed once, at construction. Validation failures surface as
// ValidationError before any agent state exists.
type Config struct {
	// Name must be non-empty.
	Name string
	// Network tags the agent's identifier with its environment.
	Network string
	// Identity, when set, replaces the freshly minted identifier. Used
	// for agents whose identity must outlive the process (the daemon's
	// default agent derives one from the host).
	Identity *ident.ID
	// Capabilities seeds the agent's capability set.
	Capabilities []Capability

	// MaxRestarts bounds the restart budget; exhausting it is fatal for
	// the instance.
	MaxRestarts int

	GracefulShutdownTimeout time.Duration
	HeartbeatInterval       time.Duration
	HeartbeatFreshness      time.Duration
	RestartSettleDelay      time.Duration

	// OnInitialize runs inside Initialize; a failure moves the agent to
	// StateError.
	OnInitialize func(context.Context) error
	// OnCleanup is raced against GracefulShutdownTimeout during graceful
	// shutdown.
	OnCleanup func(context.Context) error

	// Tap, when set, receives every published event type-erased.
	Tap *events.Tap

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if c.MaxRestarts < 0 {
		return &ValidationError{Field: "max_restarts", Reason: "must not be negative"}
	}
	if c.GracefulShutdownTimeout < 0 {
		return &ValidationError{Field: "graceful_shutdown_timeout", Reason: "must not be negative"}
	}
	if c.HeartbeatInterval < 0 {
		return &ValidationError{Field: "heartbeat_interval", Reason: "must not be negative"}
	}
	if c.HeartbeatFreshness < 0 {
		return &ValidationError{Field: "heartbeat_freshness", Reason: "must not be negative"}
	}
	if c.RestartSettleDelay < 0 {
		return &ValidationError{Field: "restart_settle_delay", Reason: "must not be negative"}
	}

	if c.GracefulShutdownTimeout == 0 {
		c.GracefulShutdownTimeout = DefaultGracefulShutdownTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatFreshness == 0 {
		c.HeartbeatFreshness = DefaultHeartbeatFreshness
	}
	if c.RestartSettleDelay == 0 {
		c.RestartSettleDelay = DefaultRestartSettleDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// dedupe keeps the first occurrence of each capability, preserving order.
func dedupe(caps []Capability) []Capability {
	seen := make(map[Capability]struct{}, len(caps))
	out := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
