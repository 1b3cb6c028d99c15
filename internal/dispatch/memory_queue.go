package dispatch

import (
	"context"
	"sync"
	"time"

	xerrors "THA-AgentHub/internal/errors"
	"THA-AgentHub/pkg/logger"
)

// requeueDelay 避免存储故障期间的忙循环。
var requeueDelay = time.Second

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = xerrors.New(CodeQueueClosed, "dispatch queue closed")

// MemoryQueue 使用 channel 实现的进程内队列。ch 从不关闭，关闭信号走 done。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将任务投递到队列，缓冲区满时阻塞到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- jobID:
		return nil
	}
}

// Consume 启动指定数量的工作协程，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					q.drain(ctx, handler)
					return
				case jobID := <-q.ch:
					if err := handler(ctx, jobID); err != nil {
						q.requeue(ctx, jobID, err)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) requeue(ctx context.Context, jobID string, cause error) {
	timer := time.NewTimer(requeueDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if err := q.Publish(ctx, jobID); err != nil {
		logger.L().Warn("任务重新入队失败", "job_id", jobID, "cause", cause, "error", err)
	}
}

// drain 处理关闭前已缓冲的消息，失败的消息不再重新入队。
func (q *MemoryQueue) drain(ctx context.Context, handler Handler) {
	for {
		select {
		case jobID := <-q.ch:
			if err := handler(ctx, jobID); err != nil {
				logger.L().Warn("队列已关闭，丢弃处理失败的任务", "job_id", jobID, "error", err)
			}
		default:
			return
		}
	}
}

// Close 关闭内存队列，消费协程在排空后退出。阻塞中的 Publish 立即返回 ErrQueueClosed。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
