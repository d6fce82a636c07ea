package storage_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/agentcore/pkg/storage"
	corepebble "github.com/agentcore/agentcore/pkg/storage/pebble"
)

type manifest struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func newMemBroker(t *testing.T) storage.KVBroker {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{
		FS: vfs.NewMem(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return corepebble.NewKVBroker(db)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJSONStorage(t *testing.T) {
	broker := newMemBroker(t)
	kv := broker.KeyValue("manifests")
	jsonKv := storage.NewJSONKV[manifest](discardLogger(), kv)

	m := manifest{
		ID:        "m1",
		Name:      "worker",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	require.NoError(t, jsonKv.Put(t.Context(), "m1", m))

	ret, err := jsonKv.Get(t.Context(), "m1")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(ret, m))

	keys, err := jsonKv.ListKeys(t.Context())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1"}, keys)

	vals, err := jsonKv.List(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, len(vals))

	require.NoError(t, jsonKv.Delete(t.Context(), "m1"))
	_, err = jsonKv.Get(t.Context(), "m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJSONListSkipsCorruptEntries(t *testing.T) {
	broker := newMemBroker(t)
	raw := broker.KeyValue("manifests")
	jsonKv := storage.NewJSONKV[manifest](discardLogger(), raw)

	require.NoError(t, jsonKv.Put(t.Context(), "good", manifest{ID: "g"}))
	require.NoError(t, raw.Put(t.Context(), "bad", []byte("{not json")))

	vals, err := jsonKv.List(t.Context())
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "g", vals[0].ID)

	_, err = jsonKv.Get(t.Context(), "bad")
	assert.Error(t, err)
}

func TestJSONBroker(t *testing.T) {
	broker := storage.NewJSONBroker[manifest](discardLogger(), newMemBroker(t))

	a := broker.KeyValue("a")
	b := broker.KeyValue("b")

	require.NoError(t, a.Put(t.Context(), "k", manifest{ID: "in-a"}))
	require.NoError(t, b.Put(t.Context(), "k", manifest{ID: "in-b"}))

	got, err := a.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.Equal(t, "in-a", got.ID)

	keys, err := b.ListKeys(t.Context())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k"}, keys)
}
