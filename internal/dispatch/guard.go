package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "THA-AgentHub/internal/errors"
)

// Guard 保证同一任务在任意时刻最多被一个工作协程调度。
type Guard interface {
	// Acquire 尝试占用任务，返回 false 表示已被其他协程或进程占用。
	Acquire(ctx context.Context, jobID string) (bool, error)
	Release(ctx context.Context, jobID string) error
	Close() error
}

// MemoryGuard 是进程内的调度锁，条目在 TTL 后自动失效。
type MemoryGuard struct {
	ttl     time.Duration
	now     func() time.Time
	entries sync.Map
}

var _ Guard = (*MemoryGuard)(nil)

// NewMemoryGuard 创建进程内调度锁。
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryGuard{ttl: ttl, now: time.Now}
}

// Acquire 实现 Guard。
func (g *MemoryGuard) Acquire(_ context.Context, jobID string) (bool, error) {
	expires := g.now().Add(g.ttl)
	for {
		current, loaded := g.entries.LoadOrStore(jobID, expires)
		if !loaded {
			return true, nil
		}
		if g.now().Before(current.(time.Time)) {
			return false, nil
		}
		if g.entries.CompareAndSwap(jobID, current, expires) {
			return true, nil
		}
	}
}

// Release 实现 Guard。
func (g *MemoryGuard) Release(_ context.Context, jobID string) error {
	g.entries.Delete(jobID)
	return nil
}

// Close 实现 Guard。
func (g *MemoryGuard) Close() error { return nil }

// RedisGuard 使用 SETNX 在多个进程之间互斥调度。
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Guard = (*RedisGuard)(nil)

// NewRedisGuard 创建基于 Redis 的调度锁并检查连通性。
func NewRedisGuard(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*RedisGuard, error) {
	client, err := cfg.client()
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	prefix := cfg.Key
	if prefix == "" {
		prefix = "agenthub:dispatched"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}, nil
}

func (g *RedisGuard) key(jobID string) string {
	return g.prefix + ":" + jobID
}

// Acquire 实现 Guard。
func (g *RedisGuard) Acquire(ctx context.Context, jobID string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(jobID), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取调度锁失败")
	}
	return ok, nil
}

// Release 实现 Guard。
func (g *RedisGuard) Release(ctx context.Context, jobID string) error {
	if err := g.client.Del(ctx, g.key(jobID)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放调度锁失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (g *RedisGuard) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}
