package agent

import (
	"errors"
	"fmt"
)

// LifecycleError reports an action attempted from a state the transition
// table does not permit. The state is left unchanged.
type LifecycleError struct {
	From   State
	Action string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("illegal lifecycle action %q from state %q", e.Action, e.From)
}

// NewLifecycleError builds the error returned for any (state, action) pair
// outside the transition table.
func NewLifecycleError(from State, action string) error {
	return &LifecycleError{From: from, Action: action}
}

// InitializationError wraps a failure of the initialize hook. The agent is
// left in StateError.
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("agent initialization failed: %v", e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// CapabilityError reports a capability mutation attempted after the agent
// entered a terminal state.
type CapabilityError struct {
	State      State
	Capability Capability
	Op         string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("cannot %s capability %q: agent is %q", e.Op, e.Capability, e.State)
}

// ValidationError reports bad construction-time configuration, surfaced
// before any agent state exists.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid agent config: %s %s", e.Field, e.Reason)
}

// SystemError reports a fault the caller cannot recover by retrying the
// same instance, most prominently an exhausted restart budget.
type SystemError struct {
	Msg string
	Err error
}

func (e *SystemError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *SystemError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err ends the instance for good. Restart budget
// exhaustion is fatal; every other error kind is recoverable by the caller.
func IsFatal(err error) bool {
	var sysErr *SystemError
	return errors.As(err, &sysErr)
}
