package orchestrator

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"THA-AgentHub/internal/dispatch"
	xerrors "THA-AgentHub/internal/errors"
	"THA-AgentHub/internal/job"
	"THA-AgentHub/internal/observability/alerting"
	"THA-AgentHub/internal/observability/metrics"
	"THA-AgentHub/pkg/logger"
)

// Executor 调用 Agent 后端执行任务。
type Executor interface {
	Execute(ctx context.Context, endpoint, jobID string, input map[string]any) (json.RawMessage, error)
}

// Processor 从调度队列消费已付款的任务并调用 Agent 后端。
type Processor struct {
	store       job.Store
	agents      Agents
	executor    Executor
	consumer    dispatch.Consumer
	guard       dispatch.Guard
	alerter     alerting.Dispatcher
	workerCount int
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMaxAttempts 设置每个任务的调度尝试上限。
func WithMaxAttempts(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBackoff 设置指数退避的初始值与上限。
func WithBackoff(base, ceiling time.Duration) ProcessorOption {
	return func(p *Processor) {
		if base > 0 {
			p.backoffBase = base
		}
		if ceiling > 0 {
			p.backoffMax = ceiling
		}
	}
}

// WithGuard 替换调度锁。
func WithGuard(g dispatch.Guard) ProcessorOption {
	return func(p *Processor) {
		if g != nil {
			p.guard = g
		}
	}
}

// WithProcessorAlerts 配置告警派发器。
func WithProcessorAlerts(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = d
	}
}

// WithProcessorClock 替换时间来源。
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor 构造 Processor，未指定调度锁时使用进程内实现。
func NewProcessor(store job.Store, agents Agents, executor Executor, consumer dispatch.Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		agents:      agents,
		executor:    executor,
		consumer:    consumer,
		workerCount: 1,
		maxAttempts: 3,
		backoffBase: 2 * time.Second,
		backoffMax:  30 * time.Second,
		now:         time.Now,
		log:         logger.Named("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.guard == nil {
		p.guard = dispatch.NewMemoryGuard(0)
	}
	if p.backoffMax < p.backoffBase {
		p.backoffMax = p.backoffBase
	}
	return p
}

// Start 启动调度循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置调度队列消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 处理一条调度消息。返回错误表示基础设施故障，消息会被重新投递。
func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil || p.agents == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}
	acquired, err := p.guard.Acquire(ctx, jobID)
	if err != nil {
		return err
	}
	if !acquired {
		p.log.Debug("任务正在由其他协程调度，跳过", slog.String("job_id", jobID))
		return nil
	}
	defer func() {
		if err := p.guard.Release(context.WithoutCancel(ctx), jobID); err != nil {
			p.log.Warn("释放调度锁失败", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}()

	current, err := p.store.Get(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, job.ErrJobNotFound) {
			p.log.Warn("调度的任务不存在", slog.String("job_id", jobID))
			return nil
		}
		return err
	}
	if current.Status != job.StatusRunning {
		p.log.Debug("任务不处于 running，跳过调度",
			slog.String("job_id", jobID),
			slog.String("status", string(current.Status)))
		return nil
	}

	agent, err := p.agents.Lookup(current.AgentID)
	if err != nil {
		return p.fail(ctx, current, xerrors.CodeOf(err), fmt.Sprintf("agent %s 不可用: %v", current.AgentID, err))
	}

	var lastErr error
	for {
		if current.DispatchAttempts >= p.maxAttempts {
			message := fmt.Sprintf("dispatch failed after %d attempts", current.DispatchAttempts)
			if lastErr != nil {
				message = fmt.Sprintf("%s: %v", message, lastErr)
			}
			return p.fail(ctx, current, dispatch.CodeDispatchTimeout, message)
		}

		next, applied, err := applyTransition(ctx, p.store, p.log, current, job.RecordAttempt().At(p.now()))
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		current = next

		started := time.Now()
		result, execErr := p.executor.Execute(ctx, agent.Endpoint, current.ID, current.Input)
		metrics.DispatchLatency.WithLabelValues(agent.ID).Observe(time.Since(started).Seconds())

		if execErr == nil {
			metrics.DispatchAttempts.WithLabelValues(agent.ID, "success").Inc()
			_, _, err := applyTransition(ctx, p.store, p.log, current, job.Complete(result).At(p.now()))
			return err
		}
		if ctx.Err() != nil {
			// 停机时保持 running，重启后的 Resume 会重新投递。
			return nil
		}
		if !dispatch.IsRetryable(execErr) {
			metrics.DispatchAttempts.WithLabelValues(agent.ID, "rejected").Inc()
			code := xerrors.CodeOf(execErr)
			if code == xerrors.CodeUnknown {
				code = dispatch.CodeDispatchRejected
			}
			return p.fail(ctx, current, code, execErr.Error())
		}

		metrics.DispatchAttempts.WithLabelValues(agent.ID, "retryable").Inc()
		lastErr = execErr
		p.log.Warn("调用 Agent 失败，准备重试",
			slog.String("job_id", current.ID),
			slog.Int("attempt", current.DispatchAttempts),
			slog.Int("max_attempts", p.maxAttempts),
			slog.Any("error", execErr))
		if current.DispatchAttempts >= p.maxAttempts {
			continue
		}
		if !sleepContext(ctx, p.backoff(current.DispatchAttempts)) {
			return nil
		}
	}
}

func (p *Processor) fail(ctx context.Context, current *job.Job, code xerrors.Code, message string) error {
	updated, applied, err := applyTransition(ctx, p.store, p.log, current, job.FailDispatch(code, message).At(p.now()))
	if err != nil || !applied {
		return err
	}
	emitAlert(ctx, p.alerter, p.log, xerrors.New(code, message), alerting.Event{
		Message:     message,
		JobID:       updated.ID,
		AgentID:     updated.AgentID,
		Stage:       "dispatch",
		Attempts:    updated.DispatchAttempts,
		MaxAttempts: p.maxAttempts,
		Metadata: map[string]string{
			"transaction_id": updated.TransactionID,
		},
	})
	return nil
}

// backoff 返回第 attempt 次失败后的等待时间：base * 2^(attempt-1)，不超过上限。
func (p *Processor) backoff(attempt int) time.Duration {
	delay := p.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.backoffMax {
			return p.backoffMax
		}
	}
	if delay > p.backoffMax {
		return p.backoffMax
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
