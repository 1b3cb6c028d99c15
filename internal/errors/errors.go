package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 是跨包共享的错误码，HTTP 层与告警都以它为准。
type Code string

// Severity 描述错误的严重程度。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的注册信息：默认描述、严重程度，以及是否可重试、是否告警。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 通用错误码，业务错误码由各自的包在 init 中注册。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeUpstreamFailure       Code = "UPSTREAM_FAILURE"
)

type catalog struct {
	mu    sync.RWMutex
	codes map[Code]Attributes
}

var codes = &catalog{codes: map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
	CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
	CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
	CodeUpstreamFailure:       {Message: "upstream collaborator failure", Severity: SeverityWarning, Retryable: true},
}}

// Register 登记错误码，重复登记覆盖旧值。
func Register(code Code, attr Attributes) {
	codes.mu.Lock()
	codes.codes[code] = attr
	codes.mu.Unlock()
}

// AttributesOf 返回错误码的注册信息，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	codes.mu.RLock()
	defer codes.mu.RUnlock()
	if attr, ok := codes.codes[code]; ok {
		return attr
	}
	return codes.codes[CodeUnknown]
}

// Error 携带错误码、描述、原因与附加信息。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加一项键值信息，例如出错的字段名。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// New 创建错误，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以 code 包裹 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使哨兵错误可以配合 errors.Is 使用。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码前缀的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// From 返回错误链上的第一个 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链上的错误码，没有时为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// MetadataValue 读取错误链上第一个 *Error 的附加信息。
func MetadataValue(err error, key string) string {
	if e, ok := From(err); ok {
		return e.metadata[key]
	}
	return ""
}

// Retryable 报告错误是否可重试，不带错误码的错误一律不可重试。
func Retryable(err error) bool {
	if _, ok := From(err); !ok {
		return false
	}
	return AttributesOf(CodeOf(err)).Retryable
}

// ShouldAlert 报告错误码是否登记为需要告警。
func ShouldAlert(err error) bool {
	if err == nil {
		return false
	}
	return AttributesOf(CodeOf(err)).Alert
}

// SeverityOf 返回错误码登记的严重程度。
func SeverityOf(err error) Severity {
	return AttributesOf(CodeOf(err)).Severity
}
