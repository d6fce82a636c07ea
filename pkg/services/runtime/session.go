package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentcore/agentcore/pkg/agent"
	"github.com/agentcore/agentcore/pkg/fault"
	"github.com/agentcore/agentcore/pkg/provider"
	"github.com/agentcore/agentcore/pkg/retry"
)

var (
	ErrNameTaken    = errors.New("runtime: agent name already registered")
	ErrUnknownAgent = errors.New("runtime: no such agent")
	// ErrNoStreaming is returned when a streaming generation is requested
	// from a backend that only implements unary calls.
	ErrNoStreaming = errors.New("runtime: provider does not support streaming")
)

// NotActiveError rejects work sent to an agent outside the Active state.
type NotActiveError struct {
	State agent.State
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("agent is %s, only active agents accept work", e.State)
}

// GenerateRequest is one unit of work for an agent. Zero option fields defer
// to the backend's defaults.
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

func (r GenerateRequest) options() provider.Options {
	return provider.Options{
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		Stop:        r.Stop,
	}
}

// reserve computes the admission units for the request: the prompt estimate
// plus whatever completion budget the caller asked for.
func (r GenerateRequest) reserve() int64 {
	units := provider.EstimateTokens(r.Prompt)
	if r.MaxTokens > 0 {
		units += int64(r.MaxTokens)
	}
	return units
}

// Session binds one agent core to the provider and the shared guards. All
// work enters through it; the core itself never talks to the backend.
type Session struct {
	logger *slog.Logger
	core   *agent.Core
	prov   provider.Provider
	guards Guards

	faults     *fault.Supervisor
	scope      string
	unregister func()

	mu     sync.Mutex
	lastFP string
}

func (s *Session) ID() string { return s.core.UniqueIdentifier().String() }

// Core exposes the underlying lifecycle state machine.
func (s *Session) Core() *agent.Core { return s.core }

func (s *Session) snapshotDirty(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFP != fp
}

func (s *Session) markPersisted(fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFP = fp
}

func (s *Session) gate() error {
	if st := s.core.State(); st != agent.StateActive {
		return &NotActiveError{State: st}
	}
	return nil
}

// trapFault converts a provider panic into a routed fault: the supervisor
// drives the core to its error state and the caller gets a SystemError
// instead of an unwinding goroutine.
func (s *Session) trapFault(err *error) {
	r := recover()
	if r == nil {
		return
	}
	cause := fmt.Errorf("provider panic: %v", r)
	s.faults.Report(s.scope, cause)
	*err = &agent.SystemError{Msg: cause.Error()}
}

// Generate runs one guarded generation: state gate, admission reservation,
// then the provider call under the retry coordinator and circuit breaker.
// Expected provider failures come back as error returns; a panicking
// provider faults the agent.
func (s *Session) Generate(ctx context.Context, req GenerateRequest) (result *provider.Result, err error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	if err := s.guards.Admission.Admit(ctx, req.reserve()); err != nil {
		return nil, err
	}
	defer s.trapFault(&err)

	opts := req.options()
	result, err = retry.DoWithBreaker(ctx, s.guards.Retries, s.guards.Breaker, func(ctx context.Context) (*provider.Result, error) {
		return s.prov.Generate(ctx, req.Prompt, opts)
	})
	if err != nil {
		s.logger.With("error", err).Debug("generation failed")
		return nil, err
	}
	return result, nil
}

// Stream is the incremental form of Generate. Once any chunk has been
// delivered the attempt is not retried; replaying chunks at the caller is
// worse than surfacing the error.
func (s *Session) Stream(ctx context.Context, req GenerateRequest, fn func(provider.Chunk) error) (err error) {
	streamer, ok := s.prov.(provider.Streamer)
	if !ok {
		return ErrNoStreaming
	}
	if err := s.gate(); err != nil {
		return err
	}
	if err := s.guards.Admission.Admit(ctx, req.reserve()); err != nil {
		return err
	}
	if err := s.guards.Retries.Allow(s.guards.Breaker); err != nil {
		return err
	}
	defer s.trapFault(&err)

	opts := req.options()
	delivered := false
	cfg := s.guards.Retries.Config()
	base := cfg.ShouldRetry
	cfg.ShouldRetry = func(err error, attempt int) bool {
		return !delivered && base(err, attempt)
	}

	_, err = retry.DoWithConfig(ctx, s.guards.Retries, &cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, streamer.Stream(ctx, req.Prompt, opts, func(ch provider.Chunk) error {
			delivered = true
			return fn(ch)
		})
	})
	return err
}
