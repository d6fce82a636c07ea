package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
)

// NewJSONKV layers a typed view over a byte-level KV, encoding values as
// JSON. Entries that fail to decode during List are logged and skipped
// rather than failing the whole listing.
func NewJSONKV[T any](
	logger *slog.Logger,
	kv KV,
) KeyValue[T] {
	return &jsonKeyValue[T]{
		underlying: kv,
		logger:     logger,
	}
}

// NewJSONBroker lifts a byte-level broker into a typed one. Every prefix
// handed out shares the same underlying store.
func NewJSONBroker[T any](logger *slog.Logger, broker KVBroker) KeyValueBroker[T] {
	return &jsonBroker[T]{logger: logger, underlying: broker}
}

type jsonBroker[T any] struct {
	logger     *slog.Logger
	underlying KVBroker
}

func (b *jsonBroker[T]) KeyValue(prefix string) KeyValue[T] {
	return NewJSONKV[T](b.logger, b.underlying.KeyValue(prefix))
}

type jsonKeyValue[T any] struct {
	logger     *slog.Logger
	underlying KV
}

func (kv *jsonKeyValue[T]) Put(ctx context.Context, key string, obj T) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	return kv.underlying.Put(ctx, key, data)
}

func (kv *jsonKeyValue[T]) Get(ctx context.Context, key string) (T, error) {
	var t T
	raw, err := kv.underlying.Get(ctx, key)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("decode %q: %w", key, err)
	}
	return t, nil
}

func (kv *jsonKeyValue[T]) ListKeys(ctx context.Context) ([]string, error) {
	return kv.underlying.ListKeys(ctx)
}

func (kv *jsonKeyValue[T]) List(ctx context.Context) ([]T, error) {
	raw, err := kv.underlying.List(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]T, 0, len(raw))
	for _, el := range raw {
		var t T
		if err := json.Unmarshal(el, &t); err != nil {
			kv.logger.With("type", reflect.TypeFor[T]()).With("error", err).Error("failed to unmarshal stored value")
			continue
		}
		ret = append(ret, t)
	}
	return ret, nil
}

func (kv *jsonKeyValue[T]) Delete(ctx context.Context, key string) error {
	return kv.underlying.Delete(ctx, key)
}

var _ KeyValue[any] = (*jsonKeyValue[any])(nil)
var _ KeyValueBroker[any] = (*jsonBroker[any])(nil)
