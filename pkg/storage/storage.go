package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value. Backends map
// their own not-found sentinel onto this one.
var ErrNotFound = errors.New("storage: key not found")

// KV is a byte-level key/value view scoped to a single prefix.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	ListKeys(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([][]byte, error)
	Delete(ctx context.Context, key string) error
}

// BatchWriter accumulates writes that commit atomically.
type BatchWriter interface {
	Put(key string, value []byte) error
	Delete(key string) error
}

// BatchKV is a KV whose backend supports atomic multi-key writes.
type BatchKV interface {
	KV
	// Batch runs fn against a write batch. The batch commits only when fn
	// returns nil; on error nothing is applied.
	Batch(ctx context.Context, fn func(w BatchWriter) error) error
}

type KVBroker interface {
	KeyValue(prefix string) KV
}

type KeyValue[T any] interface {
	Put(ctx context.Context, key string, obj T) error
	Get(ctx context.Context, key string) (T, error)
	ListKeys(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]T, error)
	Delete(ctx context.Context, key string) error
}

type KeyValueBroker[T any] interface {
	KeyValue(prefix string) KeyValue[T]
}

type KVStorageFactory[T any] func() KeyValue[T]
