package agent

import (
	"time"

	"github.com/agentcore/agentcore/pkg/ident"
)

// Snapshot is the structural, JSON-stable form of an agent used by
// persistence collaborators. It round-trips through FromSnapshot.
type Snapshot struct {
	ID            ident.ID                     `json:"id"`
	Meta          Metadata                     `json:"metadata"`
	State         State                        `json:"state"`
	History       []Transition                 `json:"history"`
	RestartCount  int                          `json:"restart_count"`
	LastHeartbeat time.Time                    `json:"last_heartbeat"`
	HeartbeatSeq  uint64                       `json:"heartbeat_seq"`
	Health        map[string]HealthCheckResult `json:"health,omitempty"`
	LastFault     string                       `json:"last_fault,omitempty"`
	TakenAt       time.Time                    `json:"taken_at"`
}

// Snapshot captures the agent's current structural state.
func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta := c.meta
	meta.Capabilities = append([]Capability(nil), c.meta.Capabilities...)
	health := make(map[string]HealthCheckResult, len(c.health))
	for k, v := range c.health {
		health[k] = v
	}
	return Snapshot{
		ID:            c.id,
		Meta:          meta,
		State:         c.state,
		History:       append([]Transition(nil), c.history...),
		RestartCount:  c.restartCount,
		LastHeartbeat: c.lastHeartbeat,
		HeartbeatSeq:  c.heartbeatSeq,
		Health:        health,
		LastFault:     c.lastFault,
		TakenAt:       time.Now().UTC(),
	}
}

// FromSnapshot rebuilds an agent from a stored snapshot. The persisted
// identifier wins over the freshly generated one, so a restored agent keeps
// its identity across process restarts. An agent stored as StateActive
// comes back with its heartbeat ticker running.
func FromSnapshot(cfg Config, snap Snapshot) (*Core, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.id = snap.ID
	c.meta = snap.Meta
	c.meta.Capabilities = dedupe(snap.Meta.Capabilities)
	c.state = snap.State
	c.history = append([]Transition(nil), snap.History...)
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
	c.restartCount = snap.RestartCount
	c.lastHeartbeat = snap.LastHeartbeat
	c.heartbeatSeq = snap.HeartbeatSeq
	c.health = make(map[string]HealthCheckResult, len(snap.Health))
	for k, v := range snap.Health {
		c.health[k] = v
	}
	c.lastFault = snap.LastFault
	if c.state == StateActive {
		c.startHeartbeatLocked()
	}
	c.mu.Unlock()
	return c, nil
}
