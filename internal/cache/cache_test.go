package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/config"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

// 需要可用的 redis，通过 TEST_REDIS_ADDR 指定，例如 localhost:6379
func newTestCache(t *testing.T) *Cache {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("没有设置 TEST_REDIS_ADDR，跳过 redis 测试")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("TEST_REDIS_PASSWORD"),
	})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	cfg := &config.Config{}
	cfg.Redis.OperationExpiration = 5
	cfg.Redis.ProgressTTL = 60
	return New(cfg, rdb)
}

func TestProgressSnapshot(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	sessionID := uuid.NewString()

	_, err := c.Progress(ctx, sessionID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	update := domain.GenerationUpdate{
		SessionID:   sessionID,
		Status:      domain.SessionOptimizingGlobally,
		Generation:  13,
		Epoch:       1,
		BestFitness: 71.5,
		Reseeded:    true,
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, c.ReportGeneration(ctx, update))

	got, err := c.Progress(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, update.Generation, got.Generation)
	assert.Equal(t, update.Epoch, got.Epoch)
	assert.True(t, update.Timestamp.Equal(got.Timestamp))

	ttl, err := c.rdb.TTL(ctx, progressKey(sessionID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestSolutionsSnapshot(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	sessionID := uuid.NewString()

	solutions := []domain.ParetoSolution{
		{ID: "a", SessionID: sessionID, Aggregate: 80, Tier: domain.TierHighlyRecommended},
		{ID: "b", SessionID: sessionID, Aggregate: 62, Tier: domain.TierRecommended},
	}
	require.NoError(t, c.ReportSolutions(ctx, sessionID, solutions))

	got, err := c.Solutions(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, domain.TierRecommended, got[1].Tier)
}

func TestTryLockIsExclusive(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := "test-" + uuid.NewString()

	acquired, err := c.TryLock(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = c.TryLock(ctx, key, time.Second)
	require.NoError(t, err)
	assert.False(t, acquired, "锁未过期时不能再次获取")

	require.Eventually(t, func() bool {
		ok, err := c.TryLock(ctx, key, time.Second)
		return err == nil && ok
	}, 3*time.Second, 100*time.Millisecond)
}
