// Package store keeps the coordinator's short-lived state in Redis: the deferred sync queue,
// processed event ids, idempotent sync results and the latest health snapshot.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// Options configures a RedisStore.
type Options struct {
	Addr      string
	DB        int
	Password  string
	Prefix    string
	DedupeTTL time.Duration
}

// RedisStore is the Redis-backed store.
type RedisStore struct {
	redis     *redis.Client
	logger    *zap.Logger
	prefix    string
	dedupeTTL time.Duration
}

// New connects and pings Redis.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(rdb, opts, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, opts Options, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Prefix == "" {
		opts.Prefix = "sync"
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 24 * time.Hour
	}
	return &RedisStore{redis: rdb, logger: logger, prefix: opts.Prefix, dedupeTTL: opts.DedupeTTL}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// ClaimEvent records eventID as processed. It returns false when the id was already claimed.
func (s *RedisStore) ClaimEvent(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.redis.SetNX(ctx, s.key("event", eventID), time.Now().UTC().Format(time.RFC3339Nano), s.dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	return ok, nil
}

// EnqueueSync appends deferred syncs to the queue.
func (s *RedisStore) EnqueueSync(ctx context.Context, items ...model.QueuedSync) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]any, 0, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return err
		}
		values = append(values, data)
	}
	if err := s.redis.RPush(ctx, s.key("queue"), values...).Err(); err != nil {
		s.logger.Error("store.redis.enqueue_failed", zap.Int("count", len(items)), zap.Error(err))
		return err
	}
	return nil
}

// DequeueSync pops up to n syncs in FIFO order. Entries that no longer decode are dropped.
func (s *RedisStore) DequeueSync(ctx context.Context, n int) ([]model.QueuedSync, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.redis.LPopCount(ctx, s.key("queue"), n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]model.QueuedSync, 0, len(raw))
	for _, r := range raw {
		var q model.QueuedSync
		if err := json.Unmarshal([]byte(r), &q); err != nil {
			s.logger.Warn("store.redis.queue_entry_dropped", zap.String("raw", r), zap.Error(err))
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// QueueLength returns the number of deferred syncs.
func (s *RedisStore) QueueLength(ctx context.Context) (int64, error) {
	return s.redis.LLen(ctx, s.key("queue")).Result()
}

// GetSyncResult returns a cached result for an idempotency key.
func (s *RedisStore) GetSyncResult(ctx context.Context, key string) (*model.SyncResult, bool, error) {
	var r model.SyncResult
	err := s.GetJSON(ctx, s.key("idem", key), &r)
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

// PutSyncResult caches r under an idempotency key.
func (s *RedisStore) PutSyncResult(ctx context.Context, key string, r *model.SyncResult, ttl time.Duration) error {
	return s.SetJSON(ctx, s.key("idem", key), r, ttl)
}

// SaveHealthSnapshot stores the latest snapshot without expiry.
func (s *RedisStore) SaveHealthSnapshot(ctx context.Context, snap model.HealthSnapshot) error {
	return s.SetJSON(ctx, s.key("health", "latest"), snap, 0)
}

// LoadHealthSnapshot returns the stored snapshot, if any.
func (s *RedisStore) LoadHealthSnapshot(ctx context.Context) (model.HealthSnapshot, bool, error) {
	var snap model.HealthSnapshot
	err := s.GetJSON(ctx, s.key("health", "latest"), &snap)
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

func (s *RedisStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *RedisStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
