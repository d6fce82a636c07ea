package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentcore/agentcore/pkg/admission"
	"github.com/agentcore/agentcore/pkg/agent"
	"github.com/agentcore/agentcore/pkg/provider"
	"github.com/agentcore/agentcore/pkg/retry"
)

// ConfigureHTTP mounts the registry API. Agents are addressable by
// identifier or by name.
func (m *Manager) ConfigureHTTP(r *mux.Router) {
	m.logger.Info("configuring routes")
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/agents", m.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/agents", m.handleList).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}", m.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}", m.handleRemove).Methods(http.MethodDelete)

	api.HandleFunc("/agents/{id}/activate", m.lifecycleHandler(func(_ *http.Request, s *Session) error {
		return s.Core().Activate()
	})).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/deactivate", m.lifecycleHandler(func(_ *http.Request, s *Session) error {
		return s.Core().Deactivate()
	})).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/suspend", m.lifecycleHandler(func(_ *http.Request, s *Session) error {
		return s.Core().Suspend()
	})).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/resume", m.lifecycleHandler(func(_ *http.Request, s *Session) error {
		return s.Core().Resume()
	})).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/restart", m.lifecycleHandler(func(r *http.Request, s *Session) error {
		return s.Core().Restart(r.Context())
	})).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/shutdown", m.handleShutdown).Methods(http.MethodPost)

	api.HandleFunc("/agents/{id}/health", m.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/history", m.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/capabilities", m.handleAddCapability).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/capabilities/{capability}", m.handleRemoveCapability).Methods(http.MethodDelete)
	api.HandleFunc("/agents/{id}/generate", m.handleGenerate).Methods(http.MethodPost)

	api.HandleFunc("/admission", m.handleAdmission).Methods(http.MethodGet)
	api.HandleFunc("/admission/reset", m.handleAdmissionReset).Methods(http.MethodPost)
	api.HandleFunc("/retries", m.handleRetryStats).Methods(http.MethodGet)
}

type agentView struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Network       string              `json:"network,omitempty"`
	State         agent.State         `json:"state"`
	Health        agent.HealthStatus  `json:"health"`
	Capabilities  []agent.Capability  `json:"capabilities"`
	RestartCount  int                 `json:"restart_count"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	LastFault     string              `json:"last_fault,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func renderAgent(s *Session) agentView {
	core := s.Core()
	meta := core.Metadata()
	return agentView{
		ID:            s.ID(),
		Name:          meta.Name,
		Network:       core.UniqueIdentifier().Network,
		State:         core.State(),
		Health:        core.Health(),
		Capabilities:  meta.Capabilities,
		RestartCount:  core.RestartCount(),
		LastHeartbeat: core.LastHeartbeat(),
		LastFault:     core.LastFault(),
		CreatedAt:     meta.CreatedAt,
		UpdatedAt:     meta.UpdatedAt,
	}
}

// lookup resolves an agent by identifier first, then by name.
func (m *Manager) lookup(idOrName string) (*Session, bool) {
	if s, ok := m.Get(idOrName); ok {
		return s, true
	}
	return m.GetByName(idOrName)
}

func (m *Manager) handleCreate(w http.ResponseWriter, r *http.Request) {
	var spec CreateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		m.writeError(w, &agent.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	s, err := m.Create(r.Context(), spec)
	if err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderAgent(s))
}

func (m *Manager) handleList(w http.ResponseWriter, _ *http.Request) {
	sessions := m.List()
	views := make([]agentView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, renderAgent(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (m *Manager) handleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := m.lookup(mux.Vars(r)["id"])
	if !ok {
		m.writeError(w, ErrUnknownAgent)
		return
	}
	writeJSON(w, http.StatusOK, renderAgent(s))
}

func (m *Manager) handleRemove(w http.ResponseWriter, r *http.Request) {
	s, ok := m.lookup(mux.Vars(r)["id"])
	if !ok {
		m.writeError(w, ErrUnknownAgent)
		return
	}
	graceful := true
	if raw := r.URL.Query().Get("graceful"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			m.writeError(w, &agent.ValidationError{Field: "graceful", Reason: err.Error()})
			return
		}
		graceful = parsed
	}
	if err := m.Remove(r.Context(), s.ID(), graceful); err != nil {
		m.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Manager) lifecycleHandler(op func(*http.Request, *Session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := m.lookup(mux.Vars(r)["id"])
		if !ok {
			m.writeError(w, ErrUnknownAgent)
			return
		}
		if err := op(r, s); err != nil {
			m.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, renderAgent(s))
	}
}

func (m *Manager) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s, ok := m.lookup(mux.Vars(r)["id"])
	if !ok {
		m.writeError(w, ErrUnknownAgent)
		return
	}
	body := struct {
		Graceful *bool `json:"graceful"`
	}{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			m.writeError(w, &agent.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
	}
	graceful := body.Graceful == nil || *body.Graceful
	if err := s.Core().Shutdown(r.Context(), graceful); err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderAgent(s))
}

func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	s, ok := m.lookup(mux.Vars(r)["id"])
	if !ok {
		m.writeError(w, ErrUnknownAgent)
		return
	}
	components := s.Core().CheckHealth()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     s.Core().Health(),
		"components": components,
	})
}

func (m *Manager) handleHistory(w http.ResponseWriter, r *http.Request) {
	s, ok := m.lookup(mux.Vars(r)["id"])
	if !ok {
		m.writeError(w, ErrUnknownAgent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": s.Core().History()})
}

func (m *Manager) handleAddCapability(w http.ResponseWriter, r *http.Request) {
	s, ok := m.lookup(mux.Vars(r)["id"])
	if !ok {
		m.writeError(w, ErrUnknownAgent)
		return
	}
	body := struct {
		Capability string `json:"capability"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		m.writeError(w, &agent.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if body.Capability == "" {
		m.writeError(w, &agent.ValidationError{Field: "capability", Reason: "must not be empty"})
		return
	}
	if err := s.Core().AddCapability(agent.Capability(body.Capability)); err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderAgent(s))
}

func (m *Manager) handleRemoveCapability(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s, ok := m.lookup(vars["id"])
	if !ok {
		m.writeError(w, ErrUnknownAgent)
		return
	}
	if err := s.Core().RemoveCapability(agent.Capability(vars["capability"])); err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderAgent(s))
}

func (m *Manager) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s, ok := m.lookup(mux.Vars(r)["id"])
	if !ok {
		m.writeError(w, ErrUnknownAgent)
		return
	}
	var body struct {
		GenerateRequest
		Stream bool `json:"stream,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		m.writeError(w, &agent.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if body.Prompt == "" {
		m.writeError(w, &agent.ValidationError{Field: "prompt", Reason: "must not be empty"})
		return
	}

	if body.Stream {
		m.streamGenerate(w, r, s, body.GenerateRequest)
		return
	}

	result, err := s.Generate(r.Context(), body.GenerateRequest)
	if err != nil {
		m.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// streamGenerate relays provider chunks as server-sent events. Errors after
// the first chunk arrive as an "error" event; the HTTP status is already on
// the wire by then.
func (m *Manager) streamGenerate(w http.ResponseWriter, r *http.Request, s *Session, req GenerateRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		m.writeError(w, errors.New("streaming unsupported by connection"))
		return
	}

	started := false
	err := s.Stream(r.Context(), req, func(ch provider.Chunk) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !started {
			m.writeError(w, err)
			return
		}
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

func (m *Manager) handleAdmission(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":    m.guards.Admission.Stats(),
		"capacity": m.guards.Admission.RemainingCapacity(),
	})
}

func (m *Manager) handleAdmissionReset(w http.ResponseWriter, _ *http.Request) {
	m.guards.Admission.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Manager) handleRetryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.guards.Retries.Stats())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Everything unknown is a
// 500.
func (m *Manager) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	var (
		validation *agent.ValidationError
		lifecycle  *agent.LifecycleError
		capability *agent.CapabilityError
		notActive  *NotActiveError
		admTimeout *admission.TimeoutError
		admReset   *admission.ResetError
		open       *retry.CircuitOpenError
		apiErr     *provider.APIError
		exhausted  *retry.ExhaustedError
	)
	switch {
	case errors.As(err, &validation):
		code = http.StatusBadRequest
	case errors.Is(err, ErrUnknownAgent):
		code = http.StatusNotFound
	case errors.Is(err, ErrNameTaken):
		code = http.StatusConflict
	case errors.As(err, &lifecycle), errors.As(err, &capability), errors.As(err, &notActive):
		code = http.StatusConflict
	case errors.As(err, &admTimeout), errors.As(err, &admReset), errors.Is(err, admission.ErrOverBudget):
		code = http.StatusTooManyRequests
	case errors.As(err, &open):
		code = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", strconv.Itoa(int(open.RetryAfter/time.Second)+1))
	case errors.Is(err, ErrNoStreaming):
		code = http.StatusNotImplemented
	case errors.As(err, &apiErr), errors.As(err, &exhausted):
		code = http.StatusBadGateway
	}

	if code == http.StatusInternalServerError {
		m.logger.With("error", err).Error("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
