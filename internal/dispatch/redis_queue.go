package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "THA-AgentHub/internal/errors"
	"THA-AgentHub/pkg/logger"
)

// RedisConfig 描述 Redis 连接参数，队列与调度锁共用。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

func (c RedisConfig) client() (*redis.Client, error) {
	if c.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Address,
		Password: c.Password,
		DB:       c.DB,
	}), nil
}

// RedisQueue 使用 Redis list 实现调度队列：LPUSH 投递，BRPOP 消费。
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue 创建 Redis 队列并检查连通性。
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	client, err := cfg.client()
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg.Key), nil
}

func newRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "agenthub:dispatch"
	}
	return &RedisQueue{client: client, key: key, wait: 5 * time.Second}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 通过 BRPOP 获取任务，处理失败时重新投递到队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				jobID := values[1]
				if handlerErr := handler(ctx, jobID); handlerErr != nil {
					logger.L().Warn("任务处理失败，重新入队", "job_id", jobID, "error", handlerErr)
					if err := q.client.RPush(context.WithoutCancel(ctx), q.key, jobID).Err(); err != nil {
						errCh <- fmt.Errorf("Redis 重新入队失败: %w", err)
						return
					}
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
