package integration_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/agentcore/pkg/admission"
	"github.com/agentcore/agentcore/pkg/agent"
	"github.com/agentcore/agentcore/pkg/events"
	"github.com/agentcore/agentcore/pkg/provider"
	"github.com/agentcore/agentcore/pkg/retry"
	"github.com/agentcore/agentcore/pkg/util/testutil"
)

type guardsView struct {
	Stats    admission.Stats    `json:"stats"`
	Capacity admission.Capacity `json:"capacity"`
}

type eventPage struct {
	Events []events.Envelope `json:"events"`
	Count  int               `json:"count"`
}

// TestAgentWorkflowEndToEnd drives one agent through its whole life over the
// HTTP API and checks that every collaborating service observed it: the
// admission controller recorded the call, the retry coordinator recorded the
// outcome, and the archive kept the persistent events.
func TestAgentWorkflowEndToEnd(t *testing.T) {
	env := testutil.NewTestEnv(t)

	id := env.CreateAgent("pipeline-1", "summarize")

	resp := env.Post("/api/v1/agents/"+id+"/activate", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.Post("/api/v1/agents/"+id+"/generate", map[string]any{
		"prompt":     "summarize the incident report",
		"max_tokens": 64,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := testutil.DecodeJSON[provider.Result](t, resp)
	assert.Equal(t, "mock response", result.Content)

	// Admission accounted for exactly one request in the current windows.
	resp = env.Get("/api/v1/admission")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	guards := testutil.DecodeJSON[guardsView](t, resp)
	assert.Equal(t, int64(1), guards.Stats.Minute.Requests)
	assert.Equal(t, int64(1), guards.Stats.Hour.Requests)
	assert.Positive(t, guards.Stats.Minute.Tokens)

	// The retry coordinator saw one successful operation.
	resp = env.Get("/api/v1/retries")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := testutil.DecodeJSON[retry.Stats](t, resp)
	assert.Equal(t, uint64(1), stats.Successes)
	assert.Zero(t, stats.Failures)

	resp = env.Post("/api/v1/agents/"+id+"/shutdown", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Initialization and termination are persistent events; both must
	// reach the archive.
	require.Eventually(t, func() bool {
		resp := env.Get("/api/v1/events?agent=" + id)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		page := testutil.DecodeJSON[eventPage](t, resp)
		types := make(map[string]bool, page.Count)
		for _, ev := range page.Events {
			types[ev.Type] = true
		}
		return types[agent.EventInitialized] && types[agent.EventTerminated]
	}, 5*time.Second, 20*time.Millisecond)
}

// TestBreakerOpensAndRecovers forces enough failures to trip the circuit,
// checks that the provider is not invoked while it is open, and that a probe
// goes through once the reset window has passed.
func TestBreakerOpensAndRecovers(t *testing.T) {
	env := testutil.NewTestEnvWith(t, testutil.EnvOptions{
		Retry: &retry.Config{MaxRetries: 0, BaseDelay: time.Millisecond},
		Breaker: &retry.BreakerSettings{
			FailureThreshold: 0.5,
			ResetTimeout:     150 * time.Millisecond,
			MonitoringPeriod: time.Minute,
		},
	})
	id := env.CreateAgent("pipeline-1")

	resp := env.Post("/api/v1/agents/"+id+"/activate", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.Provider.FailNext = 2
	for i := 0; i < 2; i++ {
		resp := env.Post("/api/v1/agents/"+id+"/generate", map[string]any{"prompt": "hi"})
		resp.Body.Close()
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}
	require.Equal(t, 2, env.Provider.Calls())

	// Failure ratio is 1.0 and the last attempt was just now: the breaker
	// must fail fast without touching the provider.
	resp = env.Post("/api/v1/agents/"+id+"/generate", map[string]any{"prompt": "hi"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	resp.Body.Close()
	assert.Equal(t, 2, env.Provider.Calls())

	// After the reset window one probe is let through; the provider is
	// healthy again so it succeeds.
	time.Sleep(200 * time.Millisecond)
	resp = env.Post("/api/v1/agents/"+id+"/generate", map[string]any{"prompt": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := testutil.DecodeJSON[provider.Result](t, resp)
	assert.Equal(t, "mock response", result.Content)
	assert.Equal(t, 3, env.Provider.Calls())
}

// TestRestartBudgetOverHTTP exhausts an agent's restart budget through the
// API and checks the terminal behavior: the counter freezes and further
// restarts are refused without tearing the agent down.
func TestRestartBudgetOverHTTP(t *testing.T) {
	env := testutil.NewTestEnv(t)

	resp := env.Post("/api/v1/agents", map[string]any{
		"name":               "fragile-1",
		"max_restarts":       1,
		"heartbeat_interval": 10 * time.Millisecond,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := testutil.DecodeJSON[map[string]any](t, resp)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	resp = env.Post("/api/v1/agents/"+id+"/activate", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.Post("/api/v1/agents/"+id+"/restart", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := testutil.DecodeJSON[map[string]any](t, resp)
	assert.Equal(t, float64(1), doc["restart_count"])

	resp = env.Post("/api/v1/agents/"+id+"/restart", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// The failed restart attempt must not have torn the agent down.
	resp = env.Get("/api/v1/agents/" + id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	after := testutil.DecodeJSON[map[string]any](t, resp)
	assert.Equal(t, "active", after["state"])
	assert.Equal(t, float64(1), after["restart_count"])
}
