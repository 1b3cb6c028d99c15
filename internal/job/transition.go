package job

import (
	"encoding/json"
	"time"

	xerrors "THA-AgentHub/internal/errors"
)

// Transition 是一次提交给 Store 的状态转换。
// 只能通过本包的构造函数创建，源状态与目标状态在构造时即已确定。
type Transition struct {
	name          string
	from          Status
	to            Status
	payment       PaymentStatus
	transactionID string
	result        json.RawMessage
	errCode       string
	errMessage    string
	attempt       bool
	submitted     bool
	at            time.Time
}

// Confirm 在付款确认后将任务从 awaiting_payment 推进到 running。
func Confirm(transactionID string) Transition {
	return Transition{
		name:          "confirm",
		from:          StatusAwaitingPayment,
		to:            StatusRunning,
		payment:       PaymentConfirmed,
		transactionID: transactionID,
	}
}

// Expire 表示 payByTime 前未收到付款。
func Expire() Transition {
	return Transition{
		name:       "expire",
		from:       StatusAwaitingPayment,
		to:         StatusExpired,
		payment:    PaymentExpired,
		errCode:    string(CodePaymentTimeout),
		errMessage: "payment not received before payByTime",
	}
}

// RejectPayment 表示链上付款与报价不一致。
func RejectPayment(reason string) Transition {
	if reason == "" {
		reason = "payment does not match the requested amount"
	}
	return Transition{
		name:       "reject_payment",
		from:       StatusAwaitingPayment,
		to:         StatusFailed,
		payment:    PaymentFailed,
		errCode:    string(CodePaymentMismatch),
		errMessage: reason,
	}
}

// Cancel 取消尚未付款的任务。
func Cancel() Transition {
	return Transition{
		name:    "cancel",
		from:    StatusAwaitingPayment,
		to:      StatusCancelled,
		payment: PaymentCancelled,
	}
}

// RecordAttempt 记录一次派发尝试，状态保持 running。
func RecordAttempt() Transition {
	return Transition{
		name:    "record_attempt",
		from:    StatusRunning,
		to:      StatusRunning,
		attempt: true,
	}
}

// Complete 保存 agent 返回的结果。
func Complete(result json.RawMessage) Transition {
	return Transition{
		name:      "complete",
		from:      StatusRunning,
		to:        StatusCompleted,
		result:    append(json.RawMessage(nil), result...),
		submitted: true,
	}
}

// FailDispatch 在派发最终失败后标记任务失败。
func FailDispatch(code xerrors.Code, message string) Transition {
	return Transition{
		name:       "fail_dispatch",
		from:       StatusRunning,
		to:         StatusFailed,
		errCode:    string(code),
		errMessage: message,
	}
}

// At 指定转换发生的时间，未指定时由 Store 使用当前时间。
func (t Transition) At(ts time.Time) Transition {
	t.at = ts
	return t
}

// Name 返回转换名称。
func (t Transition) Name() string { return t.name }

// From 返回期望的当前状态。
func (t Transition) From() Status { return t.from }

// To 返回目标状态。
func (t Transition) To() Status { return t.to }

func (t Transition) timestamp() time.Time {
	if t.at.IsZero() {
		return time.Now().UTC()
	}
	return t.at.UTC()
}

// applyTo 在调用方已确认 CAS 条件后修改任务。
func (t Transition) applyTo(j *Job) {
	now := t.timestamp()
	j.Status = t.to
	if t.payment != "" {
		j.PaymentStatus = t.payment
	}
	if t.transactionID != "" {
		j.TransactionID = t.transactionID
	}
	if t.attempt {
		j.DispatchAttempts++
	}
	if t.result != nil {
		j.Result = append(json.RawMessage(nil), t.result...)
	}
	if t.submitted {
		j.SubmitResultTime = &now
	}
	if t.errCode != "" {
		j.ErrorCode = t.errCode
		j.Error = t.errMessage
	}
	j.UpdatedAt = now
}
