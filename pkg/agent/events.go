package agent

import (
	"time"

	"github.com/agentcore/agentcore/pkg/events"
)

// Event types published by the core. Each type has its own stream; delivery
// within a stream follows publish order.
const (
	EventInitialized       = "agent.initialized"
	EventStateChanged      = "agent.state_changed"
	EventTerminated        = "agent.terminated"
	EventHeartbeat         = "agent.heartbeat"
	EventError             = "agent.error"
	EventRestarted         = "agent.restarted"
	EventCapabilityAdded   = "agent.capability_added"
	EventCapabilityRemoved = "agent.capability_removed"
)

const eventSource = "agent-core"

// CapabilityChange reports a capability set mutation.
type CapabilityChange struct {
	Capability Capability   `json:"capability"`
	Added      bool         `json:"added"`
	All        []Capability `json:"all"`
}

// Heartbeat is emitted on every liveness tick while the agent is active.
type Heartbeat struct {
	At       time.Time `json:"at"`
	Sequence uint64    `json:"sequence"`
}

// Fault reports entry into the error state.
type Fault struct {
	Message string `json:"message"`
}

// Restarted reports a completed restart cycle.
type Restarted struct {
	Count int `json:"count"`
}

// Streams groups the core's typed event streams. Subscribe to the ones you
// care about; handlers run synchronously on the publishing goroutine.
type Streams struct {
	Lifecycle    *events.Stream[Transition]
	Capabilities *events.Stream[CapabilityChange]
	Heartbeats   *events.Stream[Heartbeat]
	Faults       *events.Stream[Fault]
	Restarts     *events.Stream[Restarted]
}

func newStreams(tap *events.Tap) *Streams {
	return &Streams{
		Lifecycle:    events.NewStream[Transition](tap),
		Capabilities: events.NewStream[CapabilityChange](tap),
		Heartbeats:   events.NewStream[Heartbeat](tap),
		Faults:       events.NewStream[Fault](tap),
		Restarts:     events.NewStream[Restarted](tap),
	}
}

func (s *Streams) close() {
	s.Lifecycle.Close()
	s.Capabilities.Close()
	s.Heartbeats.Close()
	s.Faults.Close()
	s.Restarts.Close()
}
