package storage_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corestorage "github.com/agentcore/agentcore/pkg/services/storage"
	"github.com/agentcore/agentcore/pkg/storage"
)

func TestStorageServiceLifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := corestorage.NewStorageService(logger, "")
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(t.Context(), svc))

	kv := svc.KeyValue("sessions")
	require.NoError(t, kv.Put(t.Context(), "s1", []byte("hello")))

	got, err := kv.Get(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, services.StopAndAwaitTerminated(t.Context(), svc))
}

func TestStorageServiceOnDisk(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir() + "/kv"

	svc, err := corestorage.NewStorageService(logger, dir)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(t.Context(), svc))

	require.NoError(t, svc.KeyValue("sessions").Put(t.Context(), "s1", []byte("persisted")))
	require.NoError(t, services.StopAndAwaitTerminated(t.Context(), svc))

	// Reopen the same path; the value survives the restart.
	svc, err = corestorage.NewStorageService(logger, dir)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(t.Context(), svc))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), svc))
	})

	got, err := svc.KeyValue("sessions").Get(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)

	_, err = svc.KeyValue("sessions").Get(t.Context(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
