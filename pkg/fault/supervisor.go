// Package fault provides the process-wide fault supervisor. Agents register
// once under a name; anything in the process that catches an unexpected
// fault reports it here, and the supervisor drives the named agent (or, for
// process-level faults, every registered agent) into its error state. One
// supervisor serves any number of agents, so per-instance process-global
// hooks are unnecessary.
package fault

import (
	"fmt"
	"log/slog"
	"sync"
)

// Sink receives faults. An agent core satisfies this with its Fail method.
type Sink interface {
	Fail(cause error) error
}

// Supervisor fans faults out to registered sinks in registration order.
type Supervisor struct {
	logger *slog.Logger

	mu    sync.Mutex
	sinks []*entry
}

type entry struct {
	name string
	sink Sink
}

func NewSupervisor(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger}
}

// Register adds a sink under a name that Report uses for routing. The
// returned function removes it again; calling it more than once is
// harmless.
func (s *Supervisor) Register(name string, sink Sink) (unregister func()) {
	e := &entry{name: name, sink: sink}
	s.mu.Lock()
	s.sinks = append(s.sinks, e)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, cur := range s.sinks {
				if cur == e {
					s.sinks = append(s.sinks[:i], s.sinks[i+1:]...)
					return
				}
			}
		})
	}
}

// Report delivers cause to the sinks registered under name. A fault for a
// name nobody holds anymore is logged, not spread to unrelated agents; a
// sink that cannot take the fault (say, an agent already terminating) is
// logged and skipped. Either way the fault is never silently swallowed.
func (s *Supervisor) Report(name string, cause error) {
	s.mu.Lock()
	var matched []*entry
	for _, e := range s.sinks {
		if e.name == name {
			matched = append(matched, e)
		}
	}
	s.mu.Unlock()

	s.logger.Error("fault reported",
		slog.String("sink", name), slog.Any("err", cause), slog.Int("matched", len(matched)))
	if len(matched) == 0 {
		return
	}
	s.deliver(matched, cause)
}

// Broadcast delivers a process-level fault to every registered sink.
func (s *Supervisor) Broadcast(cause error) {
	s.mu.Lock()
	snapshot := make([]*entry, len(s.sinks))
	copy(snapshot, s.sinks)
	s.mu.Unlock()

	s.logger.Error("fault broadcast", slog.Any("err", cause), slog.Int("sinks", len(snapshot)))
	s.deliver(snapshot, cause)
}

func (s *Supervisor) deliver(sinks []*entry, cause error) {
	for _, e := range sinks {
		if err := e.sink.Fail(cause); err != nil {
			s.logger.Warn("sink did not accept fault",
				slog.String("sink", e.name), slog.Any("err", err))
		}
	}
}

// Protect runs fn, converting a panic into a broadcast fault instead of
// letting it unwind the process. Use it at the top of long-lived
// goroutines; label only marks the origin in the fault message.
func (s *Supervisor) Protect(label string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.Broadcast(fmt.Errorf("panic in %s: %v", label, r))
		}
	}()
	fn()
}

// Go runs fn on a new goroutine under Protect.
func (s *Supervisor) Go(label string, fn func()) {
	go s.Protect(label, fn)
}
