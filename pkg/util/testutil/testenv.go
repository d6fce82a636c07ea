package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/agentcore/pkg/admission"
	"github.com/agentcore/agentcore/pkg/events"
	"github.com/agentcore/agentcore/pkg/fault"
	"github.com/agentcore/agentcore/pkg/retry"
	"github.com/agentcore/agentcore/pkg/services/archive"
	"github.com/agentcore/agentcore/pkg/services/runtime"
	"github.com/agentcore/agentcore/pkg/storage"
	corepebble "github.com/agentcore/agentcore/pkg/storage/pebble"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// EnvOptions override pieces of the default test environment. Nil fields
// keep the test-friendly defaults.
type EnvOptions struct {
	Limits  *admission.Limits
	Retry   *retry.Config
	Breaker *retry.BreakerSettings
	Runtime *runtime.Config
}

// TestEnv boots the full server wiring against in-memory storage and a mock
// provider: runtime and archive services running, HTTP routes mounted on an
// httptest server.
type TestEnv struct {
	db     *pebble.DB
	Broker storage.KVBroker

	Tap        *events.Tap
	Supervisor *fault.Supervisor
	Admission  *admission.Controller
	Retries    *retry.Coordinator
	Provider   *MockProvider

	Runtime *runtime.Manager
	Archive *archive.Service

	HTTPServer *httptest.Server
	BaseURL    string

	Logger *slog.Logger
	t      *testing.T
}

func NewTestEnv(t *testing.T) *TestEnv {
	return NewTestEnvWith(t, EnvOptions{})
}

func NewTestEnvWith(t *testing.T, opts EnvOptions) *TestEnv {
	t.Helper()

	db, err := pebble.Open("", &pebble.Options{
		FS: vfs.NewMem(),
	})
	require.NoError(t, err)

	logger := slog.Default()
	broker := corepebble.NewKVBroker(db)
	tap := events.NewTap()

	limits := admission.Limits{
		RequestsPerMinute: 10_000,
		RequestsPerHour:   100_000,
		TokensPerMinute:   10_000_000,
		TokensPerHour:     100_000_000,
		MaxWait:           200 * time.Millisecond,
	}
	if opts.Limits != nil {
		limits = *opts.Limits
	}
	retryCfg := retry.Config{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}
	breaker := retry.BreakerSettings{}
	if opts.Breaker != nil {
		breaker = *opts.Breaker
	}
	runtimeCfg := runtime.Config{
		SnapshotInterval: 50 * time.Millisecond,
		ShutdownTimeout:  2 * time.Second,
	}
	if opts.Runtime != nil {
		runtimeCfg = *opts.Runtime
	}

	env := &TestEnv{
		db:         db,
		Broker:     broker,
		Tap:        tap,
		Supervisor: fault.NewSupervisor(logger),
		Admission:  admission.New(limits, logger),
		Retries:    retry.NewCoordinator(retryCfg, logger),
		Provider:   NewMockProvider("mock response"),
		Logger:     logger,
		t:          t,
	}

	env.Runtime = runtime.NewManager(
		logger.With("service", "runtime"),
		runtimeCfg,
		env.Provider,
		runtime.Guards{Admission: env.Admission, Retries: env.Retries, Breaker: breaker},
		env.Supervisor,
		tap,
		broker,
	)
	env.Archive = archive.New(
		logger.With("service", "archive"),
		archive.Config{FlushInterval: 20 * time.Millisecond},
		tap,
		broker,
	)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, env.Runtime))
	require.NoError(t, services.StartAndAwaitRunning(ctx, env.Archive))

	router := mux.NewRouter()
	env.Runtime.ConfigureHTTP(router)
	env.Archive.ConfigureHTTP(router)
	env.HTTPServer = httptest.NewServer(router)
	env.BaseURL = env.HTTPServer.URL

	t.Cleanup(func() {
		env.Close()
	})
	return env
}

// Close tears the environment down in dependency order: HTTP first, then
// the services (the runtime persists snapshots on stop, so the database
// must still be open), then the guards and the database.
func (e *TestEnv) Close() {
	if e.HTTPServer != nil {
		e.HTTPServer.Close()
	}
	ctx := context.Background()
	_ = services.StopAndAwaitTerminated(ctx, e.Archive)
	_ = services.StopAndAwaitTerminated(ctx, e.Runtime)
	e.Admission.Close()
	if e.db != nil {
		_ = e.db.Close()
	}
}

// CreateAgent provisions an agent over the HTTP API and returns its
// identifier. The heartbeat is fast so tests can observe liveness quickly.
func (e *TestEnv) CreateAgent(name string, capabilities ...string) string {
	e.t.Helper()
	resp := e.Post("/api/v1/agents", map[string]any{
		"name":               name,
		"capabilities":       capabilities,
		"max_restarts":       3,
		"heartbeat_interval": 10 * time.Millisecond,
	})
	defer resp.Body.Close()
	require.Equal(e.t, http.StatusCreated, resp.StatusCode)
	body := DecodeJSON[map[string]any](e.t, resp)
	id, _ := body["id"].(string)
	require.NotEmpty(e.t, id)
	return id
}

func (e *TestEnv) Post(path string, body any) *http.Response {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(e.BaseURL+path, "application/json", &buf)
	require.NoError(e.t, err)
	return resp
}

func (e *TestEnv) Get(path string) *http.Response {
	e.t.Helper()
	resp, err := http.Get(e.BaseURL + path)
	require.NoError(e.t, err)
	return resp
}

func (e *TestEnv) Delete(path string) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(http.MethodDelete, e.BaseURL+path, nil)
	require.NoError(e.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	return resp
}

// DecodeJSON reads and decodes a response body. The body is left closed.
func DecodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}
