// Package auth 为管理接口提供静态 Bearer Token 认证。
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "THA-AgentHub/internal/errors"
	loggerpkg "THA-AgentHub/pkg/logger"
)

// CodeUnauthorized 表示缺少或错误的管理凭证。
const CodeUnauthorized xerrors.Code = "UNAUTHORIZED"

// AdminSubject 是静态令牌认证通过后写入上下文的主体名。
const AdminSubject = "admin"

var (
	// ErrMissingToken 表示请求未携带 Bearer Token。
	ErrMissingToken = xerrors.New(CodeUnauthorized, "missing bearer token")
	// ErrInvalidToken 表示令牌不匹配。
	ErrInvalidToken = xerrors.New(CodeUnauthorized, "invalid token")
	// ErrDisabled 表示未配置管理令牌，管理接口整体关闭。
	ErrDisabled = xerrors.New(CodeUnauthorized, "admin api disabled")
)

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:  "unauthorized",
		Severity: xerrors.SeverityWarning,
	})
}

// StaticToken 用一个共享令牌保护管理接口。
type StaticToken struct {
	token []byte
	audit *slog.Logger
}

// NewStaticToken 创建静态令牌认证器。token 为空时所有请求都会被拒绝。
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: []byte(strings.TrimSpace(token))}
}

// Enabled 判断是否配置了管理令牌。
func (s *StaticToken) Enabled() bool {
	return s != nil && len(s.token) > 0
}

// Authenticate 校验 Authorization 头。
func (s *StaticToken) Authenticate(authorization string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), s.token) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Middleware 返回认证中间件，并为通过认证的请求记录审计日志。
func (s *StaticToken) Middleware(auditEvent string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := s.logger()
			if err := s.Authenticate(r.Header.Get("Authorization")); err != nil {
				writeUnauthorized(w, err)
				logger.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", http.StatusUnauthorized,
					"error", err.Error(),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), AdminSubject)
			next.ServeHTTP(aw, r.WithContext(ctx))
			event := auditEvent
			if event == "" {
				event = r.URL.Path
			}
			logger.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", AdminSubject,
			)
		})
	}
}

func (s *StaticToken) logger() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="agenthub-admin"`)
	w.WriteHeader(http.StatusUnauthorized)
	message := err.Error()
	if coded, ok := xerrors.From(err); ok {
		message = coded.Message()
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(CodeUnauthorized),
		"message": message,
	})
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
