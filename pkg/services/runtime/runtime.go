// Package runtime hosts the agent registry: it creates and restores agent
// cores, persists their snapshots, and serves the HTTP surface that drives
// them. Every generation call leaves through the admission controller and
// retry coordinator wired in at construction.
package runtime

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/natefinch/atomic"
	"github.com/samber/lo"

	"github.com/agentcore/agentcore/pkg/admission"
	"github.com/agentcore/agentcore/pkg/agent"
	"github.com/agentcore/agentcore/pkg/events"
	"github.com/agentcore/agentcore/pkg/fault"
	"github.com/agentcore/agentcore/pkg/ident"
	"github.com/agentcore/agentcore/pkg/provider"
	"github.com/agentcore/agentcore/pkg/retry"
	"github.com/agentcore/agentcore/pkg/storage"
	"github.com/agentcore/agentcore/pkg/util"
)

const (
	snapshotPrefix = "agents/snapshots"
	specPrefix     = "agents/specs"

	DefaultSnapshotInterval = 15 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
)

type Config struct {
	// ManifestPath, when set, receives an atomically-rewritten JSON summary
	// of the registry after every change.
	ManifestPath     string
	SnapshotInterval time.Duration
	// ShutdownTimeout bounds the graceful teardown of each agent when the
	// service stops or an agent is removed.
	ShutdownTimeout time.Duration
	// Default, when set, is provisioned at startup unless an agent with
	// that name was restored. Its identifier derives from the host's
	// hardware addresses so it survives data-directory loss.
	Default *CreateSpec
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Guards bundles the call-path protection shared by every session.
type Guards struct {
	Admission *admission.Controller
	Retries   *retry.Coordinator
	Breaker   retry.BreakerSettings
}

// CreateSpec is the caller-facing description of a new agent. Zero policy
// fields fall back to the core's defaults.
type CreateSpec struct {
	Name                    string        `json:"name"`
	Network                 string        `json:"network,omitempty"`
	Capabilities            []string      `json:"capabilities,omitempty"`
	MaxRestarts             int           `json:"max_restarts,omitempty"`
	HeartbeatInterval       time.Duration `json:"heartbeat_interval,omitempty"`
	HeartbeatFreshness      time.Duration `json:"heartbeat_freshness,omitempty"`
	GracefulShutdownTimeout time.Duration `json:"graceful_shutdown_timeout,omitempty"`
	RestartSettleDelay      time.Duration `json:"restart_settle_delay,omitempty"`
}

// Manager owns the live sessions and their persistence. It is a dskit
// service: starting restores persisted agents, running drives the periodic
// snapshot loop, stopping tears every agent down gracefully.
type Manager struct {
	logger *slog.Logger
	cfg    Config

	provider   provider.Provider
	guards     Guards
	supervisor *fault.Supervisor
	tap        *events.Tap

	snapshots storage.KeyValue[agent.Snapshot]
	specs     storage.KeyValue[CreateSpec]

	mu       sync.RWMutex
	sessions map[string]*Session

	services.Service
}

func NewManager(
	logger *slog.Logger,
	cfg Config,
	prov provider.Provider,
	guards Guards,
	supervisor *fault.Supervisor,
	tap *events.Tap,
	store storage.KVBroker,
) *Manager {
	m := &Manager{
		logger:     logger,
		cfg:        cfg.withDefaults(),
		provider:   prov,
		guards:     guards,
		supervisor: supervisor,
		tap:        tap,
		snapshots:  storage.NewJSONKV[agent.Snapshot](logger, store.KeyValue(snapshotPrefix)),
		specs:      storage.NewJSONKV[CreateSpec](logger, store.KeyValue(specPrefix)),
		sessions:   map[string]*Session{},
	}
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m
}

func (m *Manager) starting(ctx context.Context) error {
	if err := m.restore(ctx); err != nil {
		return err
	}
	m.ensureDefault(ctx)
	m.writeManifest()
	return nil
}

// ensureDefault provisions the configured default agent when no restored
// agent carries its name. The identifier is derived from the host rather
// than minted, so the default agent keeps its identity even when the data
// directory is wiped.
func (m *Manager) ensureDefault(ctx context.Context) {
	spec := m.cfg.Default
	if spec == nil || spec.Name == "" {
		return
	}
	if _, ok := m.GetByName(spec.Name); ok {
		return
	}

	var stable *ident.ID
	if hw, err := ident.FromHardware(sha256.New(), spec.Name, spec.Network); err != nil {
		m.logger.With("error", err).Warn("hardware identity unavailable, minting one")
	} else {
		id := hw.UniqueIdentifier()
		stable = &id
	}
	if _, err := m.create(ctx, *spec, stable); err != nil {
		m.logger.With("agent", spec.Name, "error", err).Error("failed to provision default agent")
		return
	}
	m.logger.With("agent", spec.Name).Info("provisioned default agent")
}

func (m *Manager) running(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.persistSnapshots(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) stopping(_ error) error {
	ctx := context.Background()
	// Snapshots go down first so a restart resumes from live state rather
	// than a registry full of terminated agents.
	m.persistSnapshots(ctx)

	m.mu.Lock()
	sessions := lo.Values(m.sessions)
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, s := range sessions {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		if err := s.core.Shutdown(sctx, true); err != nil {
			m.logger.With("agent", s.core.Name(), "error", err).Warn("shutdown during stop failed")
		}
		cancel()
		s.unregister()
	}
	return nil
}

// Create validates the creation parameters, builds a core, initializes it,
// and registers the session. Initialization failure still registers the
// agent; it stays inspectable in its error state and can be recovered with
// restart.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*Session, error) {
	return m.create(ctx, spec, nil)
}

func (m *Manager) create(ctx context.Context, spec CreateSpec, id *ident.ID) (*Session, error) {
	cfg := m.agentConfig(spec)
	cfg.Identity = id
	core, err := agent.New(cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, taken := m.byNameLocked(spec.Name); taken {
		m.mu.Unlock()
		return nil, ErrNameTaken
	}
	s := m.newSession(core)
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	if err := core.Initialize(ctx); err != nil {
		m.logger.With("agent", spec.Name, "error", err).Warn("agent created in error state")
	}

	if err := m.specs.Put(ctx, s.ID(), spec); err != nil {
		m.logger.With("agent", spec.Name, "error", err).Warn("failed to persist agent spec")
	}
	m.persistOne(ctx, s)
	m.writeManifest()
	return s, nil
}

// Get looks a session up by identifier.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetByName looks a session up by its unique name.
func (m *Manager) GetByName(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byNameLocked(name)
}

func (m *Manager) byNameLocked(name string) (*Session, bool) {
	for _, s := range m.sessions {
		if s.core.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// List returns all sessions ordered by name.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Values(m.sessions)
	slices.SortFunc(out, func(a, b *Session) int {
		return strings.Compare(a.core.Name(), b.core.Name())
	})
	return out
}

// Remove shuts an agent down and drops it from the registry and the
// stores. Graceful removal runs the cleanup race; hard removal skips it.
func (m *Manager) Remove(ctx context.Context, id string, graceful bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownAgent
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.core.Shutdown(sctx, graceful); err != nil {
		return err
	}
	s.unregister()

	if err := m.snapshots.Delete(ctx, id); err != nil {
		m.logger.With("agent", id, "error", err).Warn("failed to delete snapshot")
	}
	if err := m.specs.Delete(ctx, id); err != nil {
		m.logger.With("agent", id, "error", err).Warn("failed to delete spec")
	}
	m.writeManifest()
	return nil
}

func (m *Manager) newSession(core *agent.Core) *Session {
	scope := "agent/" + core.Name()
	s := &Session{
		logger: m.logger.With("agent", core.Name()),
		core:   core,
		prov:   m.provider,
		guards: m.guards,
		faults: m.supervisor,
		scope:  scope,
	}
	s.unregister = m.supervisor.Register(scope, core)
	return s
}

func (m *Manager) agentConfig(spec CreateSpec) agent.Config {
	return agent.Config{
		Name:    spec.Name,
		Network: spec.Network,
		Capabilities: lo.Map(spec.Capabilities, func(c string, _ int) agent.Capability {
			return agent.Capability(c)
		}),
		MaxRestarts:             spec.MaxRestarts,
		HeartbeatInterval:       spec.HeartbeatInterval,
		HeartbeatFreshness:      spec.HeartbeatFreshness,
		GracefulShutdownTimeout: spec.GracefulShutdownTimeout,
		RestartSettleDelay:      spec.RestartSettleDelay,
		Tap:                     m.tap,
		Logger:                  m.logger,
	}
}

func (m *Manager) restore(ctx context.Context) error {
	ids, err := m.snapshots.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	for _, id := range ids {
		snap, err := m.snapshots.Get(ctx, id)
		if err != nil {
			m.logger.With("agent", id, "error", err).Warn("skipping unreadable snapshot")
			continue
		}
		spec, err := m.specs.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				m.logger.With("agent", id, "error", err).Warn("skipping unreadable spec")
				continue
			}
			spec = CreateSpec{Name: snap.Meta.Name}
		}
		core, err := agent.FromSnapshot(m.agentConfig(spec), snap)
		if err != nil {
			m.logger.With("agent", id, "error", err).Warn("failed to restore agent")
			continue
		}
		s := m.newSession(core)
		m.mu.Lock()
		m.sessions[s.ID()] = s
		m.mu.Unlock()
		m.logger.With("agent", core.Name(), "state", core.State().String()).Info("restored agent")
	}
	return nil
}

func (m *Manager) persistSnapshots(ctx context.Context) {
	for _, s := range m.List() {
		m.persistOne(ctx, s)
	}
	m.writeManifest()
}

// persistOne writes the session's snapshot when it differs from the last
// persisted one. TakenAt is excluded from the comparison so an otherwise
// unchanged agent does not churn the store.
func (m *Manager) persistOne(ctx context.Context, s *Session) {
	snap := s.core.Snapshot()
	probe := snap
	probe.TakenAt = time.Time{}
	fp, err := util.Fingerprint(probe)
	if err != nil {
		m.logger.With("agent", s.core.Name(), "error", err).Warn("failed to fingerprint snapshot")
		return
	}
	if !s.snapshotDirty(fp) {
		return
	}
	if err := m.snapshots.Put(ctx, s.ID(), snap); err != nil {
		m.logger.With("agent", s.core.Name(), "error", err).Warn("failed to persist snapshot")
		return
	}
	s.markPersisted(fp)
}

type manifestEntry struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Network      string    `json:"network,omitempty"`
	State        string    `json:"state"`
	Capabilities []string  `json:"capabilities"`
	RestartCount int       `json:"restart_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type manifest struct {
	WrittenAt time.Time       `json:"written_at"`
	Agents    []manifestEntry `json:"agents"`
}

// writeManifest rewrites the registry summary in one rename so observers
// never see a torn file.
func (m *Manager) writeManifest() {
	if m.cfg.ManifestPath == "" {
		return
	}
	doc := manifest{WrittenAt: time.Now().UTC()}
	for _, s := range m.List() {
		meta := s.core.Metadata()
		doc.Agents = append(doc.Agents, manifestEntry{
			ID:      s.ID(),
			Name:    meta.Name,
			Network: s.core.UniqueIdentifier().Network,
			State:   s.core.State().String(),
			Capabilities: lo.Map(meta.Capabilities, func(c agent.Capability, _ int) string {
				return string(c)
			}),
			RestartCount: s.core.RestartCount(),
			UpdatedAt:    meta.UpdatedAt,
		})
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		m.logger.With("error", err).Warn("failed to encode manifest")
		return
	}
	if err := atomic.WriteFile(m.cfg.ManifestPath, bytes.NewReader(data)); err != nil {
		m.logger.With("error", err).Warn("failed to write manifest")
	}
}
