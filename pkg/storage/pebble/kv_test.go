package pebble_test

import (
	"errors"
	"testing"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/agentcore/pkg/storage"
	corepebble "github.com/agentcore/agentcore/pkg/storage/pebble"
)

func newMemDB(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{
		FS: vfs.NewMem(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func TestRoundTrip(t *testing.T) {
	broker := corepebble.NewKVBroker(newMemDB(t))
	kv := broker.KeyValue("sessions")

	require.NoError(t, kv.Put(t.Context(), "s1", []byte("alpha")))
	require.NoError(t, kv.Put(t.Context(), "s2", []byte("beta")))

	got, err := kv.Get(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), got)

	require.NoError(t, kv.Delete(t.Context(), "s1"))
	_, err = kv.Get(t.Context(), "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetMissingKey(t *testing.T) {
	broker := corepebble.NewKVBroker(newMemDB(t))
	kv := broker.KeyValue("sessions")

	_, err := kv.Get(t.Context(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListKeysStripsPrefix(t *testing.T) {
	broker := corepebble.NewKVBroker(newMemDB(t))
	kv := broker.KeyValue("sessions")

	require.NoError(t, kv.Put(t.Context(), "a", []byte("1")))
	require.NoError(t, kv.Put(t.Context(), "b", []byte("2")))

	keys, err := kv.ListKeys(t.Context())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestPrefixIsolation(t *testing.T) {
	broker := corepebble.NewKVBroker(newMemDB(t))
	sessions := broker.KeyValue("sessions")
	snapshots := broker.KeyValue("snapshots")

	require.NoError(t, sessions.Put(t.Context(), "x", []byte("s")))
	require.NoError(t, snapshots.Put(t.Context(), "x", []byte("n")))

	keys, err := sessions.ListKeys(t.Context())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x"}, keys)

	got, err := snapshots.Get(t.Context(), "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("n"), got)

	// "sessions" must not swallow the sibling prefix "sessionsz".
	other := broker.KeyValue("sessionsz")
	require.NoError(t, other.Put(t.Context(), "y", []byte("z")))
	keys, err = sessions.ListKeys(t.Context())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x"}, keys)
}

func TestListCopiesValues(t *testing.T) {
	broker := corepebble.NewKVBroker(newMemDB(t))
	kv := broker.KeyValue("events")

	require.NoError(t, kv.Put(t.Context(), "e1", []byte("one")))
	require.NoError(t, kv.Put(t.Context(), "e2", []byte("two")))

	vals, err := kv.List(t.Context())
	require.NoError(t, err)
	require.Len(t, vals, 2)

	// Overwrite after listing; the returned slices must be stable.
	require.NoError(t, kv.Put(t.Context(), "e1", []byte("ONE")))
	require.NoError(t, kv.Put(t.Context(), "e2", []byte("TWO")))
	assert.ElementsMatch(t, [][]byte{[]byte("one"), []byte("two")}, vals)
}

func TestBatchCommits(t *testing.T) {
	broker := corepebble.NewKVBroker(newMemDB(t))
	kv := broker.KeyValue("events")
	batcher, ok := kv.(storage.BatchKV)
	require.True(t, ok)

	err := batcher.Batch(t.Context(), func(w storage.BatchWriter) error {
		if err := w.Put("e1", []byte("one")); err != nil {
			return err
		}
		return w.Put("e2", []byte("two"))
	})
	require.NoError(t, err)

	keys, err := kv.ListKeys(t.Context())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e1", "e2"}, keys)
}

func TestBatchDiscardsOnError(t *testing.T) {
	broker := corepebble.NewKVBroker(newMemDB(t))
	kv := broker.KeyValue("events")
	batcher, ok := kv.(storage.BatchKV)
	require.True(t, ok)

	boom := errors.New("boom")
	err := batcher.Batch(t.Context(), func(w storage.BatchWriter) error {
		if err := w.Put("e1", []byte("one")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	keys, err := kv.ListKeys(t.Context())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBatchDelete(t *testing.T) {
	broker := corepebble.NewKVBroker(newMemDB(t))
	kv := broker.KeyValue("events")

	require.NoError(t, kv.Put(t.Context(), "e1", []byte("one")))
	require.NoError(t, kv.Put(t.Context(), "e2", []byte("two")))

	batcher := kv.(storage.BatchKV)
	err := batcher.Batch(t.Context(), func(w storage.BatchWriter) error {
		if err := w.Delete("e1"); err != nil {
			return err
		}
		return w.Put("e3", []byte("three"))
	})
	require.NoError(t, err)

	keys, err := kv.ListKeys(t.Context())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e2", "e3"}, keys)
}
