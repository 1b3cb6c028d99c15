package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"THA-AgentHub/internal/observability/metrics"
	"THA-AgentHub/pkg/logger"
)

// OutcomeKind 描述一次付款等待的最终结果。
type OutcomeKind string

const (
	OutcomeConfirmed OutcomeKind = "confirmed"
	OutcomeMismatch  OutcomeKind = "mismatch"
	OutcomeExpired   OutcomeKind = "expired"
)

// Outcome 是 Verifier 回调给调用方的结果。
type Outcome struct {
	JobID         string
	Kind          OutcomeKind
	TransactionID string
	Reason        string
}

// Verifier 为每个等待付款的任务启动一个轮询协程。
type Verifier struct {
	lookup           Lookup
	interval         time.Duration
	timeout          time.Duration
	minConfirmations int
	limiter          *rate.Limiter
	now              func() time.Time
	log              *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// Option 定义 Verifier 的可选配置。
type Option func(*Verifier)

// WithPollInterval 设置轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.interval = d
		}
	}
}

// WithLookupTimeout 设置单次查询的超时时间。
func WithLookupTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithMinConfirmations 设置付款被接受前需要的最少确认数。
func WithMinConfirmations(n int) Option {
	return func(v *Verifier) {
		if n >= 0 {
			v.minConfirmations = n
		}
	}
}

// WithRateLimit 限制所有任务合计的每秒查询次数，0 表示不限制。
func WithRateLimit(perSecond float64) Option {
	return func(v *Verifier) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			v.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock 替换时间来源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier 创建 Verifier。
func NewVerifier(lookup Lookup, opts ...Option) *Verifier {
	ctx, cancel := context.WithCancel(context.Background())
	v := &Verifier{
		lookup:           lookup,
		interval:         15 * time.Second,
		timeout:          10 * time.Second,
		minConfirmations: 1,
		now:              time.Now,
		log:              logger.Named("payment"),
		ctx:              ctx,
		cancel:           cancel,
		active:           make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Watch 开始轮询指定任务的付款，直到匹配、金额不符或超过 payByTime。
// 同一任务重复调用时返回 false。onOutcome 只会被调用一次，且不会在 Stop 之后调用。
func (v *Verifier) Watch(req Request, onOutcome func(Outcome)) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ctx.Err() != nil {
		return false
	}
	if _, exists := v.active[req.JobID]; exists {
		return false
	}
	ctx, cancel := context.WithCancel(v.ctx)
	v.active[req.JobID] = cancel
	metrics.PaymentWatches.Inc()

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		v.run(ctx, req, onOutcome)
	}()
	return true
}

// Stop 取消指定任务的轮询。
func (v *Verifier) Stop(jobID string) {
	v.mu.Lock()
	cancel, ok := v.active[jobID]
	if ok {
		delete(v.active, jobID)
		metrics.PaymentWatches.Dec()
	}
	v.mu.Unlock()
	if ok {
		cancel()
	}
}

// Watching 判断任务是否仍在轮询中。
func (v *Verifier) Watching(jobID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.active[jobID]
	return ok
}

// Close 停止所有轮询并等待协程退出。
func (v *Verifier) Close() {
	v.cancel()
	v.wg.Wait()
	v.mu.Lock()
	for id := range v.active {
		delete(v.active, id)
		metrics.PaymentWatches.Dec()
	}
	v.mu.Unlock()
}

func (v *Verifier) run(ctx context.Context, req Request, onOutcome func(Outcome)) {
	for {
		result, err := v.query(ctx, req.Identifier)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			metrics.PaymentLookups.WithLabelValues("error").Inc()
			v.log.Debug("付款查询失败，稍后重试",
				slog.String("job_id", req.JobID),
				slog.Any("error", err))
		} else if outcome, done := v.evaluate(req, result); done {
			metrics.PaymentLookups.WithLabelValues(string(outcome.Kind)).Inc()
			v.finish(ctx, req.JobID, outcome, onOutcome)
			return
		} else {
			metrics.PaymentLookups.WithLabelValues("pending").Inc()
		}

		remaining := req.PayByTime.Sub(v.now())
		if remaining <= 0 {
			v.finish(ctx, req.JobID, Outcome{
				JobID:  req.JobID,
				Kind:   OutcomeExpired,
				Reason: "payment not received before payByTime",
			}, onOutcome)
			return
		}
		wait := v.interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (v *Verifier) query(ctx context.Context, identifier string) (LookupResult, error) {
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return LookupResult{}, err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return v.lookup.Query(callCtx, identifier)
}

// evaluate 判断查询结果是否终结本次等待。未找到、标识不符或确认数不足时继续轮询。
func (v *Verifier) evaluate(req Request, result LookupResult) (Outcome, bool) {
	if !result.Found {
		return Outcome{}, false
	}
	if result.Identifier != "" && !strings.EqualFold(result.Identifier, req.Identifier) {
		return Outcome{}, false
	}
	if result.Confirmations < v.minConfirmations {
		return Outcome{}, false
	}
	unitMatches := result.Unit == "" || strings.EqualFold(result.Unit, req.Amount.Unit)
	if result.Amount == req.Amount.Amount && unitMatches {
		return Outcome{JobID: req.JobID, Kind: OutcomeConfirmed, TransactionID: result.TransactionID}, true
	}
	unit := result.Unit
	if unit == "" {
		unit = req.Amount.Unit
	}
	return Outcome{
		JobID:         req.JobID,
		Kind:          OutcomeMismatch,
		TransactionID: result.TransactionID,
		Reason: fmt.Sprintf("received %d %s, expected %d %s",
			result.Amount, unit, req.Amount.Amount, req.Amount.Unit),
	}, true
}

// finish 在回调前移除登记，Stop 与结果回调之间只有一方生效。
func (v *Verifier) finish(ctx context.Context, jobID string, outcome Outcome, onOutcome func(Outcome)) {
	v.mu.Lock()
	_, ok := v.active[jobID]
	if ok && ctx.Err() == nil {
		delete(v.active, jobID)
		metrics.PaymentWatches.Dec()
	} else {
		ok = false
	}
	v.mu.Unlock()
	if !ok {
		return
	}
	v.log.Info("付款等待结束",
		slog.String("job_id", jobID),
		slog.String("outcome", string(outcome.Kind)),
		slog.String("transaction_id", outcome.TransactionID))
	if onOutcome != nil {
		onOutcome(outcome)
	}
}
