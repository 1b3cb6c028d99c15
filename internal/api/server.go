package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"THA-AgentHub/internal/auth"
	"THA-AgentHub/internal/dispatch"
	xerrors "THA-AgentHub/internal/errors"
	"THA-AgentHub/internal/job"
	"THA-AgentHub/internal/observability/metrics"
	"THA-AgentHub/internal/orchestrator"
	"THA-AgentHub/internal/registry"
	"THA-AgentHub/pkg/logger"
)

const maxBodyBytes = 1 << 20

// JobService 是 HTTP 层依赖的任务编排能力，由 orchestrator.Service 实现。
type JobService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.Submission, error)
	Get(ctx context.Context, jobID string) (*job.Job, error)
	Cancel(ctx context.Context, jobID string) (*job.Job, error)
	List(ctx context.Context, opts ...job.ListOption) ([]*job.Job, error)
	Stats(ctx context.Context, opts ...job.ListOption) (job.Stats, error)
	OnPaymentConfirmed(ctx context.Context, jobID, transactionID string) error
}

// AvailabilityChecker 探测 agent 后端是否可用。
type AvailabilityChecker interface {
	Availability(ctx context.Context, endpoint string) (dispatch.Availability, error)
}

var _ JobService = (*orchestrator.Service)(nil)

// Server 负责暴露 REST 接口，供购买方提交任务、查询状态。
type Server struct {
	addr            string
	jobs            JobService
	agents          *registry.Registry
	availability    AvailabilityChecker
	admin           *auth.StaticToken
	metricsPath     string
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// ServerOption 定义 Server 的可选配置。
type ServerOption func(*Server)

// WithAvailabilityChecker 启用 /agents/{id}/availability 的后端探测。
func WithAvailabilityChecker(c AvailabilityChecker) ServerOption {
	return func(s *Server) {
		s.availability = c
	}
}

// WithAdminToken 启用管理接口。
func WithAdminToken(token *auth.StaticToken) ServerOption {
	return func(s *Server) {
		s.admin = token
	}
}

// WithMetricsPath 在指定路径暴露 Prometheus 指标，空字符串表示关闭。
func WithMetricsPath(path string) ServerOption {
	return func(s *Server) {
		s.metricsPath = path
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, jobs JobService, agents *registry.Registry, opts ...ServerOption) *Server {
	s := &Server{
		addr:            addr,
		jobs:            jobs,
		agents:          agents,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由树。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metricsPath != "" {
		r.Handle(s.metricsPath, metrics.Handler())
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Get("/stats", s.handleJobStats)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Get("/categories", s.handleAgentCategories)
		r.Get("/{id}", s.handleGetAgent)
		r.Get("/{id}/availability", s.handleAgentAvailability)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.admin.Middleware("admin"))
		r.Post("/agents", s.handleRegisterAgent)
		r.Put("/agents/{id}/status", s.handleSetAgentStatus)
		r.Post("/jobs/{id}/payment", s.handleConfirmPayment)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// instrument 以路由模板为标签记录请求指标。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	body := errorBody{
		Code:    string(code),
		Message: http.StatusText(status),
		Field:   xerrors.MetadataValue(err, registry.MetaField),
	}
	if coded, ok := xerrors.From(err); ok && coded.Message() != "" {
		body.Message = coded.Message()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

func statusFor(code xerrors.Code) int {
	switch code {
	case registry.CodeInputValidation, registry.CodeAgentInvalid, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case registry.CodeAgentUnavailable:
		return http.StatusUnprocessableEntity
	case job.CodeJobNotFound, registry.CodeAgentNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case job.CodeInvalidState, registry.CodeAgentDuplicate, xerrors.CodeConflict:
		return http.StatusConflict
	case auth.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid JSON body")
	}
	return nil
}

func invalidParam(field, message string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, message, xerrors.WithMetadata(registry.MetaField, field))
}
