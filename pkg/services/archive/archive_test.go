package archive_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/agentcore/pkg/agent"
	"github.com/agentcore/agentcore/pkg/events"
	"github.com/agentcore/agentcore/pkg/services/archive"
	"github.com/agentcore/agentcore/pkg/storage"
	"github.com/agentcore/agentcore/pkg/util/testutil"
)

type eventPage struct {
	Events []events.Envelope `json:"events"`
	Count  int               `json:"count"`
}

func listEvents(t *testing.T, env *testutil.TestEnv, query string) eventPage {
	t.Helper()
	resp := env.Get("/api/v1/events" + query)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return testutil.DecodeJSON[eventPage](t, resp)
}

func TestArchivesPersistentEvents(t *testing.T) {
	env := testutil.NewTestEnv(t)
	id := env.CreateAgent("worker-1")

	var page eventPage
	require.Eventually(t, func() bool {
		page = listEvents(t, env, "?type="+agent.EventInitialized)
		return page.Count >= 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, agent.EventInitialized, page.Events[0].Type)
	assert.Equal(t, id, page.Events[0].AgentID)
	assert.True(t, page.Events[0].Meta.Persistent)
}

func TestTransientEventsAreNotArchived(t *testing.T) {
	env := testutil.NewTestEnv(t)
	stream := events.NewStream[string](env.Tap)

	stream.Publish(events.New("job.progress", "agent-1", "halfway"))
	stream.Publish(events.New("job.finished", "agent-1", "done", events.WithPriority(events.PriorityHigh)))

	require.Eventually(t, func() bool {
		return listEvents(t, env, "").Count >= 1
	}, 5*time.Second, 20*time.Millisecond)

	// Give a straggling flush a chance before asserting the transient
	// event stayed out.
	time.Sleep(50 * time.Millisecond)
	page := listEvents(t, env, "")
	require.Equal(t, 1, page.Count)
	assert.Equal(t, "job.finished", page.Events[0].Type)
}

func TestEventFiltersByAgent(t *testing.T) {
	env := testutil.NewTestEnv(t)
	alpha := env.CreateAgent("alpha")
	beta := env.CreateAgent("beta")

	require.Eventually(t, func() bool {
		return listEvents(t, env, "?type="+agent.EventInitialized).Count == 2
	}, 5*time.Second, 20*time.Millisecond)

	page := listEvents(t, env, "?agent="+alpha)
	require.Equal(t, 1, page.Count)
	assert.Equal(t, alpha, page.Events[0].AgentID)

	page = listEvents(t, env, "?agent="+beta+"&type="+agent.EventInitialized)
	require.Equal(t, 1, page.Count)
	assert.Equal(t, beta, page.Events[0].AgentID)
}

func TestLimitReturnsNewestEvents(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.CreateAgent("alpha")
	time.Sleep(2 * time.Millisecond)
	beta := env.CreateAgent("beta")

	require.Eventually(t, func() bool {
		return listEvents(t, env, "?type="+agent.EventInitialized).Count == 2
	}, 5*time.Second, 20*time.Millisecond)

	page := listEvents(t, env, "?type="+agent.EventInitialized+"&limit=1")
	require.Equal(t, 1, page.Count)
	assert.Equal(t, beta, page.Events[0].AgentID)
}

func TestBadLimitRejected(t *testing.T) {
	env := testutil.NewTestEnv(t)

	for _, q := range []string{"?limit=-1", "?limit=abc"} {
		resp := env.Get("/api/v1/events" + q)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

// flakyBroker hands out KVs whose first few writes fail.
type flakyBroker struct {
	kv *flakyKV
}

func (b *flakyBroker) KeyValue(string) storage.KV { return b.kv }

type flakyKV struct {
	mu       sync.Mutex
	failures int
	puts     int
	data     map[string][]byte
}

func (k *flakyKV) Put(_ context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.puts++
	if k.failures > 0 {
		k.failures--
		return assert.AnError
	}
	if k.data == nil {
		k.data = map[string][]byte{}
	}
	k.data[key] = append([]byte(nil), value...)
	return nil
}

func (k *flakyKV) Get(_ context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (k *flakyKV) ListKeys(context.Context) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := make([]string, 0, len(k.data))
	for key := range k.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (k *flakyKV) List(ctx context.Context) ([][]byte, error) {
	keys, err := k.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([][]byte, 0, len(keys))
	for _, key := range keys {
		out = append(out, k.data[key])
	}
	return out, nil
}

func (k *flakyKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}

func TestFlushRetriesFailedWrites(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tap := events.NewTap()
	kv := &flakyKV{failures: 2}
	svc := archive.New(logger, archive.Config{FlushInterval: 10 * time.Millisecond}, tap, &flakyBroker{kv: kv})

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, svc))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(ctx, svc)
	})

	stream := events.NewStream[string](tap)
	stream.Publish(events.New("job.finished", "agent-1", "done", events.WithPriority(events.PriorityHigh)))

	require.Eventually(t, func() bool {
		evs, err := svc.Events(ctx, "", "job.finished", 0)
		return err == nil && len(evs) == 1
	}, 10*time.Second, 20*time.Millisecond)

	kv.mu.Lock()
	puts := kv.puts
	kv.mu.Unlock()
	assert.GreaterOrEqual(t, puts, 3)
}

func TestRetentionPrunesOldest(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tap := events.NewTap()
	kv := &flakyKV{}
	svc := archive.New(logger, archive.Config{
		FlushInterval: 10 * time.Millisecond,
		Retention:     3,
	}, tap, &flakyBroker{kv: kv})

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, svc))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(ctx, svc)
	})

	stream := events.NewStream[int](tap)
	for i := 0; i < 5; i++ {
		stream.Publish(events.New("job.finished", "agent-1", i, events.WithPriority(events.PriorityHigh)))
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool {
		keys, err := kv.ListKeys(ctx)
		return err == nil && len(keys) == 3
	}, 10*time.Second, 20*time.Millisecond)

	evs, err := svc.Events(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	// The two oldest entries were pruned.
	assert.InDelta(t, 2, evs[0].Data, 0.01)
	assert.InDelta(t, 4, evs[2].Data, 0.01)
}
