package job

import (
	"encoding/json"
	"time"

	xerrors "THA-AgentHub/internal/errors"
)

// Status 表示任务在托管流程中的状态。
type Status string

const (
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
)

// Terminal 判断状态是否为终态，终态任务不可再修改。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusAwaitingPayment, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// PaymentStatus 表示链上付款的确认状态。
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentExpired   PaymentStatus = "expired"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Amount 是一次付款的金额与单位。
type Amount struct {
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
}

// Job 描述一次付费的 agent 调用。
type Job struct {
	ID                        string          `json:"jobId"`
	AgentID                   string          `json:"agentId"`
	Input                     map[string]any  `json:"inputData"`
	InputHash                 string          `json:"inputHash"`
	Price                     Amount          `json:"price"`
	PurchaserIdentifier       string          `json:"purchaserIdentifier,omitempty"`
	SellerVKey                string          `json:"sellerVKey,omitempty"`
	Status                    Status          `json:"status"`
	PaymentStatus             PaymentStatus   `json:"paymentStatus"`
	BlockchainIdentifier      string          `json:"blockchainIdentifier"`
	TransactionID             string          `json:"transactionId,omitempty"`
	DispatchAttempts          int             `json:"dispatchAttempts"`
	Result                    json.RawMessage `json:"result,omitempty"`
	Error                     string          `json:"error,omitempty"`
	ErrorCode                 string          `json:"errorCode,omitempty"`
	CreatedAt                 time.Time       `json:"createdAt"`
	UpdatedAt                 time.Time       `json:"updatedAt"`
	PayByTime                 time.Time       `json:"payByTime"`
	UnlockTime                time.Time       `json:"unlockTime"`
	ExternalDisputeUnlockTime time.Time       `json:"externalDisputeUnlockTime"`
	SubmitResultTime          *time.Time      `json:"submitResultTime,omitempty"`
}

// Clone 返回任务的深拷贝。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Input != nil {
		clone.Input = copyValue(j.Input).(map[string]any)
	}
	if j.Result != nil {
		clone.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.SubmitResultTime != nil {
		ts := *j.SubmitResultTime
		clone.SubmitResultTime = &ts
	}
	return &clone
}

// copyValue 深拷贝 JSON 解码得到的嵌套对象与数组，其余值按值复制。
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// validateNew 检查新建任务的字段与时间约束。
func validateNew(j *Job) error {
	if j == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if j.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if j.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	if j.BlockchainIdentifier == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "blockchainIdentifier 不能为空")
	}
	if j.Status != StatusAwaitingPayment || j.PaymentStatus != PaymentPending {
		return xerrors.New(xerrors.CodeInvalidArgument, "新任务必须处于 awaiting_payment/pending 状态")
	}
	if !j.PayByTime.Before(j.UnlockTime) || !j.UnlockTime.Before(j.ExternalDisputeUnlockTime) {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务时间窗口必须满足 payByTime < unlockTime < externalDisputeUnlockTime")
	}
	return nil
}

const (
	CodeJobNotFound         xerrors.Code = "JOB_NOT_FOUND"
	CodeConcurrencyConflict xerrors.Code = "CONCURRENCY_CONFLICT"
	CodeInvalidState        xerrors.Code = "INVALID_STATE"
	CodePaymentTimeout      xerrors.Code = "PAYMENT_TIMEOUT"
	CodePaymentMismatch     xerrors.Code = "PAYMENT_MISMATCH"
)

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrConcurrencyConflict 表示提交的状态转换基于过期的状态。
	ErrConcurrencyConflict = xerrors.New(CodeConcurrencyConflict, "job status changed concurrently")
	// ErrInvalidState 表示当前状态不允许请求的操作。
	ErrInvalidState = xerrors.New(CodeInvalidState, "operation not allowed in current job status")
	// ErrJobExists 表示任务 ID 或链上标识重复。
	ErrJobExists = xerrors.New(xerrors.CodeConflict, "job already exists")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeConcurrencyConflict, xerrors.Attributes{
		Message:  "job status changed concurrently",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{
		Message:  "operation not allowed in current job status",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePaymentTimeout, xerrors.Attributes{
		Message:  "payment not received before payByTime",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePaymentMismatch, xerrors.Attributes{
		Message:  "payment does not match the requested amount",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

func conflict(id string, current Status, t Transition) error {
	return xerrors.New(CodeConcurrencyConflict,
		"任务状态已变化: 期望 "+string(t.from)+"，实际 "+string(current),
		xerrors.WithMetadata("job_id", id),
		xerrors.WithMetadata("transition", t.name),
		xerrors.WithMetadata("current_status", string(current)))
}
