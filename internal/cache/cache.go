package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/config"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

// Cache 保存会话的最新进度供看板读取，同时提供多实例之间的互斥锁
type Cache struct {
	cfg *config.Config
	rdb *redis.Client
}

func New(cfg *config.Config, rdb *redis.Client) *Cache {
	return &Cache{cfg: cfg, rdb: rdb}
}

func progressKey(sessionID string) string {
	return fmt.Sprintf("session_progress_%s", sessionID)
}

func solutionsKey(sessionID string) string {
	return fmt.Sprintf("session_solutions_%s", sessionID)
}

func lockKey(key string) string {
	return fmt.Sprintf("lock_%s", key)
}

func (c *Cache) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(c.cfg.Redis.OperationExpiration)*time.Second)
}

func (c *Cache) ttl() time.Duration {
	return time.Duration(c.cfg.Redis.ProgressTTL) * time.Second
}

// ReportGeneration 覆盖会话的进度快照
func (c *Cache) ReportGeneration(ctx context.Context, update domain.GenerationUpdate) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, progressKey(update.SessionID), data, c.ttl()).Err()
}

func (c *Cache) ReportSolutions(ctx context.Context, sessionID string, solutions []domain.ParetoSolution) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	data, err := json.Marshal(solutions)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, solutionsKey(sessionID), data, c.ttl()).Err()
}

// Progress 读取进度快照，快照不存在或已过期时返回 domain.ErrNotFound
func (c *Cache) Progress(ctx context.Context, sessionID string) (domain.GenerationUpdate, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	var update domain.GenerationUpdate
	data, err := c.rdb.Get(ctx, progressKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return update, domain.ErrNotFound
		}
		return update, err
	}

	if err := json.Unmarshal(data, &update); err != nil {
		return update, err
	}
	return update, nil
}

func (c *Cache) Solutions(ctx context.Context, sessionID string) ([]domain.ParetoSolution, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	data, err := c.rdb.Get(ctx, solutionsKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	var solutions []domain.ParetoSolution
	if err := json.Unmarshal(data, &solutions); err != nil {
		return nil, err
	}
	return solutions, nil
}

// TryLock 尝试获取锁，锁在 ttl 后自动释放，获取失败时返回 false
// 锁不会被主动释放，巡检间隔应不小于 ttl
func (c *Cache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	return c.rdb.SetNX(ctx, lockKey(key), time.Now().Format(time.RFC3339Nano), ttl).Result()
}
