package dispatch

import (
	xerrors "THA-AgentHub/internal/errors"
)

const (
	// CodeDispatchTimeout 表示后端超时、连接失败或返回 5xx，可重试。
	CodeDispatchTimeout xerrors.Code = "DISPATCH_TIMEOUT"
	// CodeDispatchRejected 表示后端明确拒绝请求，不可重试。
	CodeDispatchRejected xerrors.Code = "DISPATCH_REJECTED"
	// CodeQueueClosed 表示队列已关闭，重试没有意义。
	CodeQueueClosed xerrors.Code = "QUEUE_CLOSED"
)

var (
	// ErrDispatchTimeout 用于 errors.Is 比较。
	ErrDispatchTimeout = xerrors.New(CodeDispatchTimeout, "agent backend unavailable")
	// ErrDispatchRejected 用于 errors.Is 比较。
	ErrDispatchRejected = xerrors.New(CodeDispatchRejected, "agent backend rejected the job")
)

func init() {
	xerrors.Register(CodeDispatchTimeout, xerrors.Attributes{
		Message:   "agent backend timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeDispatchRejected, xerrors.Attributes{
		Message:  "agent backend rejected the request",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeQueueClosed, xerrors.Attributes{
		Message:  "dispatch queue closed",
		Severity: xerrors.SeverityInfo,
	})
}
