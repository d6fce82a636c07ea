package storage

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/grafana/dskit/services"

	"github.com/agentcore/agentcore/pkg/storage"
	corepebble "github.com/agentcore/agentcore/pkg/storage/pebble"
)

// StorageService owns the pebble database for the process and hands out
// prefixed key/value views. An empty storage path opens an in-memory
// store, used by tests and ephemeral runs.
type StorageService struct {
	logger *slog.Logger
	db     *pebble.DB
	broker storage.KVBroker

	services.Service
	storagePath string
}

var _ services.Service = (*StorageService)(nil)
var _ storage.KVBroker = (*StorageService)(nil)

func NewStorageService(
	logger *slog.Logger,
	storagePath string,
) (*StorageService, error) {
	opts := &pebble.Options{}
	if storagePath == "" {
		opts.FS = vfs.NewMem()
	}
	kvDb, err := pebble.Open(storagePath, opts)
	if err != nil {
		logger.Error("failed to start KV store")
		return nil, err
	}
	broker := corepebble.NewKVBroker(kvDb)
	s := &StorageService{
		logger:      logger,
		storagePath: storagePath,
		db:          kvDb,
		broker:      broker,
		Service:     nil,
	}

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

func (s *StorageService) starting(_ context.Context) error {
	return nil
}

func (s *StorageService) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *StorageService) stopping(_ error) error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *StorageService) KeyValue(prefix string) storage.KV {
	return s.broker.KeyValue(prefix)
}
