package pebble

import (
	"context"

	"github.com/agentcore/agentcore/pkg/storage"
	"github.com/cockroachdb/pebble/v2"
)

type batchWriter struct {
	kv    *prefixedKV
	batch *pebble.Batch
}

func (w *batchWriter) Put(key string, value []byte) error {
	return w.batch.Set(w.kv.key(key), value, nil)
}

func (w *batchWriter) Delete(key string) error {
	return w.batch.Delete(w.kv.key(key), nil)
}

// Batch stages writes in a pebble batch and commits them in one atomic
// apply. When fn fails the batch is discarded untouched.
func (k *prefixedKV) Batch(ctx context.Context, fn func(w storage.BatchWriter) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := k.db.NewBatch()
	defer batch.Close()
	if err := fn(&batchWriter{kv: k, batch: batch}); err != nil {
		return err
	}
	return batch.Commit(&pebble.WriteOptions{})
}

var _ storage.BatchWriter = (*batchWriter)(nil)
