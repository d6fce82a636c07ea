// Package archive persists the durable slice of the event firehose. It
// subscribes to the process tap, buffers events flagged persistent, and
// flushes them to the store in atomic batches, retrying with exponential
// backoff so a slow disk never loses a high-priority event.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grafana/dskit/services"

	"github.com/agentcore/agentcore/pkg/events"
	"github.com/agentcore/agentcore/pkg/storage"
)

const (
	eventsPrefix = "events"

	DefaultFlushInterval = 2 * time.Second
	DefaultMaxBuffer     = 1024
	DefaultRetention     = 10_000
	defaultFlushRetries  = 5
)

type Config struct {
	FlushInterval time.Duration
	// MaxBuffer forces a flush when this many events are waiting.
	MaxBuffer int
	// Retention caps the number of stored events; the oldest are pruned
	// after each flush.
	Retention int
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = DefaultMaxBuffer
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

type Service struct {
	logger *slog.Logger
	cfg    Config
	tap    *events.Tap
	kv     storage.KV

	sub  *events.Subscription
	kick chan struct{}

	mu      sync.Mutex
	pending []events.Envelope

	services.Service
}

func New(logger *slog.Logger, cfg Config, tap *events.Tap, store storage.KVBroker) *Service {
	s := &Service{
		logger: logger,
		cfg:    cfg.withDefaults(),
		tap:    tap,
		kv:     store.KeyValue(eventsPrefix),
		kick:   make(chan struct{}, 1),
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *Service) starting(_ context.Context) error {
	s.sub = s.tap.Attach(s.observe)
	return nil
}

func (s *Service) running(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush(ctx)
		case <-s.kick:
			s.flush(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) stopping(_ error) error {
	// Detach before the final flush so nothing lands in the buffer after
	// it drains.
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	s.flush(context.Background())
	return nil
}

// observe runs on the publisher's goroutine; it must only buffer.
func (s *Service) observe(env events.Envelope) {
	if !env.Meta.Persistent {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, env)
	full := len(s.pending) >= s.cfg.MaxBuffer
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// key orders events chronologically under lexicographic iteration.
func key(env events.Envelope) string {
	return fmt.Sprintf("%020d-%s", env.Timestamp.UnixNano(), env.ID)
}

func (s *Service) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	write := func() error {
		return s.writeBatch(ctx, batch)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultFlushRetries), ctx)
	if err := backoff.Retry(write, policy); err != nil {
		// Persistent events must survive; put them back at the front.
		s.logger.With("error", err, "events", len(batch)).Error("failed to archive events, requeueing")
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return
	}
	s.prune(ctx)
}

func (s *Service) writeBatch(ctx context.Context, batch []events.Envelope) error {
	if bkv, ok := s.kv.(storage.BatchKV); ok {
		return bkv.Batch(ctx, func(w storage.BatchWriter) error {
			for _, env := range batch {
				data, err := json.Marshal(env)
				if err != nil {
					return backoff.Permanent(err)
				}
				if err := w.Put(key(env), data); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for _, env := range batch {
		data, err := json.Marshal(env)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := s.kv.Put(ctx, key(env), data); err != nil {
			return err
		}
	}
	return nil
}

// prune trims the archive to the retention cap, oldest first.
func (s *Service) prune(ctx context.Context) {
	keys, err := s.kv.ListKeys(ctx)
	if err != nil {
		s.logger.With("error", err).Warn("failed to list archive for pruning")
		return
	}
	excess := len(keys) - s.cfg.Retention
	if excess <= 0 {
		return
	}
	doomed := keys[:excess]
	if bkv, ok := s.kv.(storage.BatchKV); ok {
		err = bkv.Batch(ctx, func(w storage.BatchWriter) error {
			for _, k := range doomed {
				if err := w.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	} else {
		for _, k := range doomed {
			if err = s.kv.Delete(ctx, k); err != nil {
				break
			}
		}
	}
	if err != nil {
		s.logger.With("error", err).Warn("failed to prune archive")
	}
}

// Events returns stored events in chronological order, filtered by agent
// and type when set, limited to the most recent limit entries.
func (s *Service) Events(ctx context.Context, agentID, eventType string, limit int) ([]events.Envelope, error) {
	raw, err := s.kv.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]events.Envelope, 0, len(raw))
	for _, data := range raw {
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.With("error", err).Warn("skipping undecodable archived event")
			continue
		}
		if agentID != "" && env.AgentID != agentID {
			continue
		}
		if eventType != "" && env.Type != eventType {
			continue
		}
		out = append(out, env)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
