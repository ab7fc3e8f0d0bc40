package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(rdb, Options{DedupeTTL: time.Hour}, zap.NewNop()), mr
}

func TestClaimEvent_OnceOnly(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	ok, err := s.ClaimEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, time.Hour, mr.TTL("sync:event:evt-1"))

	mr.FastForward(2 * time.Hour)
	ok, err = s.ClaimEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok, "claim expires with the dedupe TTL")
}

func TestSyncQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.EnqueueSync(ctx,
		model.QueuedSync{UserID: "u1", Source: model.PlatformPortal, BatchID: "b1"},
		model.QueuedSync{UserID: "u2"},
		model.QueuedSync{UserID: "u3", Attempts: 2},
	))

	n, err := s.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	first, err := s.DequeueSync(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "u1", first[0].UserID)
	assert.Equal(t, "b1", first[0].BatchID)
	assert.Equal(t, "u2", first[1].UserID)

	rest, err := s.DequeueSync(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, 2, rest[0].Attempts)

	empty, err := s.DequeueSync(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDequeueSync_DropsUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, err := mr.RPush("sync:queue", "not-json", `{"userId":"u1","attempts":0}`)
	require.NoError(t, err)

	got, err := s.DequeueSync(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
}

func TestSyncResultCache(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, ok, err := s.GetSyncResult(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := &model.SyncResult{UserID: "u1", Tier: model.TierVoid, AnonymousID: "X"}
	require.NoError(t, s.PutSyncResult(ctx, "key-1", want, 15*time.Minute))

	got, ok, err := s.GetSyncResult(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, 15*time.Minute, mr.TTL("sync:idem:key-1"))
}

func TestHealthSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, ok, err := s.LoadHealthSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := model.HealthSnapshot{model.PlatformPortal: model.DownStatus(model.PlatformPortal, at)}
	require.NoError(t, s.SaveHealthSnapshot(ctx, snap))

	got, ok, err := s.LoadHealthSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, got)
}

func TestHealthCheck(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), Options{}, nil)
	require.NoError(t, s.HealthCheck(context.Background()))

	mr.Close()
	err = s.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestHealthCheck_RedisNil(t *testing.T) {
	s := &RedisStore{}
	err := s.HealthCheck(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis not initialized")
	assert.NoError(t, s.Close())
}
