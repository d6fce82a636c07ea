// Package events provides the typed publish-subscribe streams agents emit
// their lifecycle, capability, heartbeat, and fault signals on. Delivery is
// synchronous and in registration order per stream; nothing here survives a
// crash unless a subscriber persists the stream itself.
package events

import (
	"time"

	"github.com/agentcore/agentcore/pkg/util"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "unknown"
}

// Metadata rides along with every event. Persistent marks events that
// downstream consumers must not silently drop; it is forced on for any
// event at PriorityHigh or above.
type Metadata struct {
	Source     string   `json:"source"`
	Priority   Priority `json:"priority"`
	Persistent bool     `json:"persistent"`
}

// Event is one published occurrence with a typed payload.
type Event[T any] struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      T         `json:"data"`
	Meta      Metadata  `json:"metadata"`
}

type Option func(*Metadata)

func WithSource(source string) Option {
	return func(m *Metadata) { m.Source = source }
}

func WithPriority(p Priority) Option {
	return func(m *Metadata) { m.Priority = p }
}

func WithPersistent() Option {
	return func(m *Metadata) { m.Persistent = true }
}

// New builds an event with a fresh ID and UTC timestamp.
func New[T any](eventType, agentID string, data T, opts ...Option) Event[T] {
	meta := Metadata{Priority: PriorityNormal}
	for _, opt := range opts {
		opt(&meta)
	}
	if meta.Priority >= PriorityHigh {
		meta.Persistent = true
	}
	return Event[T]{
		ID:        util.NewUUID(),
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Meta:      meta,
	}
}

// Envelope is the type-erased form forwarded to process-level taps, e.g.
// the archive service.
type Envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Meta      Metadata  `json:"metadata"`
}

func envelope[T any](ev Event[T]) Envelope {
	return Envelope{
		ID:        ev.ID,
		Type:      ev.Type,
		AgentID:   ev.AgentID,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
		Meta:      ev.Meta,
	}
}
