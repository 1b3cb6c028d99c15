package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"THA-AgentHub/internal/dispatch"
	xerrors "THA-AgentHub/internal/errors"
	"THA-AgentHub/internal/job"
	"THA-AgentHub/internal/observability/alerting"
	"THA-AgentHub/internal/observability/metrics"
	"THA-AgentHub/internal/payment"
	"THA-AgentHub/internal/registry"
	"THA-AgentHub/pkg/logger"
)

// ReasonExpired 是 OnPaymentRejectedOrExpired 表示超时的原因值，其余原因视为金额不符。
const ReasonExpired = "expired"

// Agents 是编排器所需的注册表能力。
type Agents interface {
	Lookup(id string) (registry.Agent, error)
	LookupActive(id string) (registry.Agent, error)
}

// Watcher 是编排器所需的付款校验能力。
type Watcher interface {
	Watch(req payment.Request, onOutcome func(payment.Outcome)) bool
	Stop(jobID string)
}

// EscrowWindows 决定新任务的三个托管时间点。
type EscrowWindows struct {
	GracePeriod   time.Duration
	ExecutionSLA  time.Duration
	DisputeWindow time.Duration
}

// DefaultEscrowWindows 返回默认托管时间窗口。
func DefaultEscrowWindows() EscrowWindows {
	return EscrowWindows{
		GracePeriod:   20 * time.Minute,
		ExecutionSLA:  60 * time.Minute,
		DisputeWindow: 6 * time.Hour,
	}
}

// PublishPolicy 控制付款确认后投递调度消息的重试。
type PublishPolicy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// SubmitRequest 是创建任务的输入。
type SubmitRequest struct {
	AgentID             string         `json:"agentId"`
	Input               map[string]any `json:"inputData"`
	PurchaserIdentifier string         `json:"purchaserIdentifier,omitempty"`
}

// PaymentRequest 告知买方如何向托管合约付款。
type PaymentRequest struct {
	JobID                     string       `json:"jobId"`
	BlockchainIdentifier      string       `json:"blockchainIdentifier"`
	Amounts                   []job.Amount `json:"amounts"`
	PayByTime                 time.Time    `json:"payByTime"`
	UnlockTime                time.Time    `json:"unlockTime"`
	ExternalDisputeUnlockTime time.Time    `json:"externalDisputeUnlockTime"`
	SellerVKey                string       `json:"sellerVKey,omitempty"`
	InputHash                 string       `json:"inputHash"`
}

// Submission 是 Submit 的返回值。
type Submission struct {
	Job     *job.Job
	Payment PaymentRequest
}

// Service 负责任务的创建、付款结果处理与查询。
type Service struct {
	store    job.Store
	agents   Agents
	verifier Watcher
	producer dispatch.Producer
	alerter  alerting.Dispatcher
	windows  EscrowWindows
	publish  PublishPolicy
	now      func() time.Time
	newID    func() string
	log      *slog.Logger
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithEscrowWindows 覆盖默认托管时间窗口，非正值保持默认。
func WithEscrowWindows(w EscrowWindows) Option {
	return func(s *Service) {
		if w.GracePeriod > 0 {
			s.windows.GracePeriod = w.GracePeriod
		}
		if w.ExecutionSLA > 0 {
			s.windows.ExecutionSLA = w.ExecutionSLA
		}
		if w.DisputeWindow > 0 {
			s.windows.DisputeWindow = w.DisputeWindow
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator 替换任务 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithPublishPolicy 覆盖投递重试策略，非正值保持默认。
func WithPublishPolicy(p PublishPolicy) Option {
	return func(s *Service) {
		if p.Attempts > 0 {
			s.publish.Attempts = p.Attempts
		}
		if p.Backoff > 0 {
			s.publish.Backoff = p.Backoff
		}
		if p.Timeout > 0 {
			s.publish.Timeout = p.Timeout
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(s *Service) {
		s.alerter = d
	}
}

// NewService 构造编排服务。
func NewService(store job.Store, agents Agents, verifier Watcher, producer dispatch.Producer, opts ...Option) *Service {
	s := &Service{
		store:    store,
		agents:   agents,
		verifier: verifier,
		producer: producer,
		windows:  DefaultEscrowWindows(),
		publish:  PublishPolicy{Attempts: 5, Backoff: 200 * time.Millisecond, Timeout: 5 * time.Second},
		now:      time.Now,
		newID:    uuid.NewString,
		log:      logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 校验输入并创建等待付款的任务，随后开始轮询付款。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if s.store == nil || s.agents == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排服务未初始化")
	}
	agent, err := s.agents.LookupActive(req.AgentID)
	if err != nil {
		return nil, err
	}
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	if err := agent.Schema.Validate(input); err != nil {
		return nil, err
	}
	inputHash, err := hashInput(input)
	if err != nil {
		return nil, xerrors.Wrap(registry.CodeInputValidation, err, "输入无法序列化")
	}

	id := s.newID()
	identifier, err := payment.NewIdentifier(id, req.PurchaserIdentifier)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "生成链上标识失败")
	}
	now := s.now().UTC()
	payBy := now.Add(s.windows.GracePeriod)
	unlock := payBy.Add(s.windows.ExecutionSLA)
	j := &job.Job{
		ID:                        id,
		AgentID:                   agent.ID,
		Input:                     input,
		InputHash:                 inputHash,
		Price:                     job.Amount{Amount: agent.Price.Amount, Unit: agent.Price.Unit},
		PurchaserIdentifier:       req.PurchaserIdentifier,
		SellerVKey:                agent.SellerVKey,
		Status:                    job.StatusAwaitingPayment,
		PaymentStatus:             job.PaymentPending,
		BlockchainIdentifier:      identifier,
		CreatedAt:                 now,
		UpdatedAt:                 now,
		PayByTime:                 payBy,
		UnlockTime:                unlock,
		ExternalDisputeUnlockTime: unlock.Add(s.windows.DisputeWindow),
	}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}
	metrics.JobsSubmitted.WithLabelValues(agent.ID).Inc()
	logger.Audit().Info("任务已创建，等待付款",
		slog.String("job_id", j.ID),
		slog.String("agent_id", j.AgentID),
		slog.String("blockchain_identifier", identifier),
		slog.Int64("amount", j.Price.Amount),
		slog.String("unit", j.Price.Unit),
		slog.Time("pay_by_time", payBy),
	)
	s.watch(j)

	return &Submission{Job: j.Clone(), Payment: paymentRequestFor(j)}, nil
}

// OnPaymentConfirmed 将已付款的任务推进到 running 并投递一次调度。
// 对已离开 awaiting_payment 的任务重复调用不产生任何效果。
// 投递失败不会让已付款的任务失败：任务保持 running，由 Resume 重新投递。
func (s *Service) OnPaymentConfirmed(ctx context.Context, jobID, transactionID string) error {
	current, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Status != job.StatusAwaitingPayment {
		s.log.Debug("忽略重复的付款确认",
			slog.String("job_id", jobID),
			slog.String("status", string(current.Status)))
		return nil
	}
	updated, applied, err := s.apply(ctx, current, job.Confirm(transactionID).At(s.now()))
	if err != nil || !applied {
		return err
	}
	if s.verifier != nil {
		s.verifier.Stop(jobID)
	}
	if err := s.enqueue(ctx, jobID); err != nil {
		s.log.Error("调度任务入队失败，任务保持 running 等待恢复",
			slog.String("job_id", jobID),
			slog.Int("attempts", s.publish.Attempts),
			slog.Any("error", err))
		if !stdErrors.Is(err, dispatch.ErrQueueClosed) {
			s.alert(context.WithoutCancel(ctx), updated, xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递调度任务失败"), "enqueue")
		}
	}
	return nil
}

// enqueue 不受调用方取消影响，失败时按 PublishPolicy 退避重试；队列已关闭时立即放弃。
func (s *Service) enqueue(ctx context.Context, jobID string) error {
	ctx = context.WithoutCancel(ctx)
	delay := s.publish.Backoff
	for attempt := 1; ; attempt++ {
		publishCtx, cancel := context.WithTimeout(ctx, s.publish.Timeout)
		err := s.producer.Publish(publishCtx, jobID)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= s.publish.Attempts || stdErrors.Is(err, dispatch.ErrQueueClosed) {
			return err
		}
		s.log.Warn("调度任务入队失败，稍后重试",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		time.Sleep(delay)
		delay *= 2
	}
}

// OnPaymentRejectedOrExpired 结束等待付款的任务：reason 为 ReasonExpired 时标记 expired，
// 否则视为金额不符并标记 failed。不会触发调度，终态任务保持不变。
func (s *Service) OnPaymentRejectedOrExpired(ctx context.Context, jobID, reason string) error {
	current, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Status != job.StatusAwaitingPayment {
		return nil
	}
	t := job.Expire()
	if reason != ReasonExpired {
		t = job.RejectPayment(reason)
	}
	updated, applied, err := s.apply(ctx, current, t.At(s.now()))
	if err != nil || !applied {
		return err
	}
	if s.verifier != nil {
		s.verifier.Stop(jobID)
	}
	if reason != ReasonExpired {
		s.alert(ctx, updated, xerrors.New(job.CodePaymentMismatch, updated.Error), "payment")
	}
	return nil
}

// Cancel 取消尚未付款的任务，其他状态返回 ErrInvalidState。
func (s *Service) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	current, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current.Status != job.StatusAwaitingPayment {
		return nil, invalidState(current)
	}
	updated, applied, err := s.apply(ctx, current, job.Cancel().At(s.now()))
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, invalidState(updated)
	}
	if s.verifier != nil {
		s.verifier.Stop(jobID)
	}
	return updated, nil
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, jobID string) (*job.Job, error) {
	return s.store.Get(ctx, jobID)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...job.ListOption) ([]*job.Job, error) {
	return s.store.List(ctx, job.BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计。
func (s *Service) Stats(ctx context.Context, opts ...job.ListOption) (job.Stats, error) {
	return s.store.Stats(ctx, job.BuildListOptions(opts...))
}

// ResumeReport 汇总启动恢复的结果。
type ResumeReport struct {
	Watching int `json:"watching"`
	Requeued int `json:"requeued"`
}

// Resume 在启动时恢复未完成的任务：重新轮询等待付款的任务，重新投递运行中的任务。
func (s *Service) Resume(ctx context.Context) (ResumeReport, error) {
	var report ResumeReport
	awaiting, err := s.collect(ctx, job.StatusAwaitingPayment)
	if err != nil {
		return report, err
	}
	running, err := s.collect(ctx, job.StatusRunning)
	if err != nil {
		return report, err
	}
	for _, j := range awaiting {
		if s.watch(j) {
			report.Watching++
		}
	}
	for _, j := range running {
		if err := s.enqueue(ctx, j.ID); err != nil {
			return report, xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("任务 %s 重新投递失败", j.ID))
		}
		report.Requeued++
	}
	logger.Audit().Info("任务恢复完成",
		slog.Int("watching", report.Watching),
		slog.Int("requeued", report.Requeued))
	return report, nil
}

// collect 先完整读取再处理，避免处理过程中的状态变化影响分页。
func (s *Service) collect(ctx context.Context, status job.Status) ([]*job.Job, error) {
	const page = 100
	var out []*job.Job
	for offset := 0; ; offset += page {
		batch, err := s.store.List(ctx, job.BuildListOptions(
			job.WithStatuses(status),
			job.WithSortOrder(job.SortByCreatedAsc),
			job.WithLimit(page),
			job.WithOffset(offset),
		))
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			return out, nil
		}
	}
}

func (s *Service) watch(j *job.Job) bool {
	if s.verifier == nil {
		return false
	}
	return s.verifier.Watch(payment.RequestFor(j), s.handleOutcome)
}

func (s *Service) handleOutcome(outcome payment.Outcome) {
	ctx := context.Background()
	var err error
	switch outcome.Kind {
	case payment.OutcomeConfirmed:
		err = s.OnPaymentConfirmed(ctx, outcome.JobID, outcome.TransactionID)
	case payment.OutcomeExpired:
		err = s.OnPaymentRejectedOrExpired(ctx, outcome.JobID, ReasonExpired)
	case payment.OutcomeMismatch:
		err = s.OnPaymentRejectedOrExpired(ctx, outcome.JobID, outcome.Reason)
	}
	if err != nil {
		s.log.Error("处理付款结果失败",
			slog.String("job_id", outcome.JobID),
			slog.String("outcome", string(outcome.Kind)),
			slog.Any("error", err))
	}
}

// apply 提交状态转换。CAS 冲突说明其他协程已处理该任务，返回 applied=false 且不报错。
func (s *Service) apply(ctx context.Context, current *job.Job, t job.Transition) (*job.Job, bool, error) {
	return applyTransition(ctx, s.store, s.log, current, t)
}

func (s *Service) alert(ctx context.Context, j *job.Job, cause error, stage string) {
	emitAlert(ctx, s.alerter, s.log, cause, alerting.Event{
		JobID:    j.ID,
		AgentID:  j.AgentID,
		Stage:    stage,
		Attempts: j.DispatchAttempts,
		Metadata: map[string]string{
			"blockchain_identifier": j.BlockchainIdentifier,
			"transaction_id":        j.TransactionID,
		},
	})
}

func applyTransition(ctx context.Context, store job.Store, log *slog.Logger, current *job.Job, t job.Transition) (*job.Job, bool, error) {
	updated, err := store.Apply(ctx, current.ID, t)
	if err != nil {
		if stdErrors.Is(err, job.ErrConcurrencyConflict) {
			metrics.TransitionConflicts.WithLabelValues(t.Name()).Inc()
			log.Debug("状态转换已被其他协程处理",
				slog.String("job_id", current.ID),
				slog.String("transition", t.Name()),
				slog.String("current_status", xerrors.MetadataValue(err, "current_status")))
			if updated == nil {
				updated = current
			}
			return updated, false, nil
		}
		return nil, false, err
	}
	metrics.JobTransitions.WithLabelValues(t.Name(), string(t.To())).Inc()
	logger.Audit().Info("任务状态变更",
		slog.String("job_id", updated.ID),
		slog.String("agent_id", updated.AgentID),
		slog.String("transition", t.Name()),
		slog.String("from", string(t.From())),
		slog.String("to", string(updated.Status)),
		slog.String("payment_status", string(updated.PaymentStatus)),
	)
	return updated, true, nil
}

// emitAlert 只为登记了 Alert 的错误码发送告警，严重程度取自错误码。
func emitAlert(ctx context.Context, d alerting.Dispatcher, log *slog.Logger, cause error, event alerting.Event) {
	if d == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event.Code = xerrors.CodeOf(cause)
	event.Severity = xerrors.SeverityOf(cause)
	if event.Message == "" {
		event.Message = strings.TrimPrefix(cause.Error(), "["+string(event.Code)+"] ")
	}
	if err := d.Notify(ctx, event); err != nil {
		log.Warn("发送告警失败", slog.String("job_id", event.JobID), slog.Any("error", err))
	}
}

func invalidState(j *job.Job) error {
	return xerrors.New(job.CodeInvalidState,
		fmt.Sprintf("任务处于 %s 状态，无法取消", j.Status),
		xerrors.WithMetadata("job_id", j.ID),
		xerrors.WithMetadata("current_status", string(j.Status)))
}

func paymentRequestFor(j *job.Job) PaymentRequest {
	return PaymentRequest{
		JobID:                     j.ID,
		BlockchainIdentifier:      j.BlockchainIdentifier,
		Amounts:                   []job.Amount{j.Price},
		PayByTime:                 j.PayByTime,
		UnlockTime:                j.UnlockTime,
		ExternalDisputeUnlockTime: j.ExternalDisputeUnlockTime,
		SellerVKey:                j.SellerVKey,
		InputHash:                 j.InputHash,
	}
}

// hashInput 计算输入的 sha256，encoding/json 对 map 键排序，结果与字段顺序无关。
func hashInput(input map[string]any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
