package agent

import (
	"fmt"
	"time"
)

// State is the current position of an agent in its lifecycle.
type State int

const (
	StateInitializing State = iota
	StateIdle
	StateActive
	StateSuspended
	StateTerminating
	StateTerminated
	StateError
)

var stateNames = map[State]string{
	StateInitializing: "initializing",
	StateIdle:         "idle",
	StateActive:       "active",
	StateSuspended:    "suspended",
	StateTerminating:  "terminating",
	StateTerminated:   "terminated",
	StateError:        "error",
}

var statesByName = func() map[string]State {
	m := make(map[string]State, len(stateNames))
	for s, n := range stateNames {
		m[n] = s
	}
	return m
}()

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MarshalText makes states render as their names in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	n, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown agent state %d", int(s))
	}
	return []byte(n), nil
}

func (s *State) UnmarshalText(text []byte) error {
	v, ok := statesByName[string(text)]
	if !ok {
		return fmt.Errorf("unknown agent state %q", string(text))
	}
	*s = v
	return nil
}

// transitions is the lifecycle table. Any (from, to) pair absent here is
// illegal; StateTerminated is absorbing.
var transitions = map[State][]State{
	StateInitializing: {StateIdle, StateError, StateTerminated},
	StateIdle:         {StateActive, StateSuspended, StateTerminating},
	StateActive:       {StateIdle, StateSuspended, StateTerminating, StateError},
	StateSuspended:    {StateActive, StateIdle, StateTerminating},
	StateError:        {StateInitializing, StateTerminating, StateTerminated},
	StateTerminating:  {StateTerminated},
	StateTerminated:   {},
}

// CanTransitionTo reports whether the table permits moving from s to next.
func (s State) CanTransitionTo(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the agent is shutting down or gone.
func (s State) Terminal() bool {
	return s == StateTerminating || s == StateTerminated
}

// Transition is one recorded hop through the table. History is append-only
// and bounded; the oldest entries are evicted first.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// historyLimit bounds the in-memory transition history.
const historyLimit = 100
