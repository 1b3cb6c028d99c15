package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	xerrors "THA-AgentHub/internal/errors"
	"THA-AgentHub/internal/observability/metrics"
)

// IdempotencyHeader 携带任务 ID，后端据此识别重复请求。
const IdempotencyHeader = "Idempotency-Key"

const maxErrorBody = 2048

// ExecuteRequest 是发送给 Agent 后端的请求体。
type ExecuteRequest struct {
	InputData      map[string]any `json:"inputData"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

type executeResponse struct {
	Status  string          `json:"status,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Availability 是 Agent 后端 /availability 的响应。
type Availability struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Client 调用 Agent 后端，并限制同时进行的出站请求数量。
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	sem        *semaphore.Weighted
}

// ClientOption 定义 Client 的可选配置。
type ClientOption func(*Client)

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithCallTimeout 设置单次调用的超时时间。
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConcurrency 限制并发出站请求数。
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewClient 创建调度客户端。
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{},
		timeout:    60 * time.Second,
		sem:        semaphore.NewWeighted(8),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Execute 将任务输入发送到 {endpoint}/execute 并返回结果。
// 超时、连接失败和 5xx 返回 ErrDispatchTimeout 类错误；4xx 或 status=rejected 返回 ErrDispatchRejected 类错误。
func (c *Client) Execute(ctx context.Context, endpoint, jobID string, input map[string]any) (json.RawMessage, error) {
	target, err := joinEndpoint(endpoint, "execute")
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(ExecuteRequest{InputData: input, IdempotencyKey: jobID})
	if err != nil {
		return nil, xerrors.Wrap(CodeDispatchRejected, err, "编码任务输入失败")
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, xerrors.Wrap(CodeDispatchTimeout, err, "等待调度配额时被取消")
	}
	defer c.sem.Release(1)
	metrics.DispatchInFlight.Inc()
	defer metrics.DispatchInFlight.Dec()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(CodeDispatchRejected, err, "创建请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, jobID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeDispatchTimeout, err, "调用 Agent 后端失败",
			xerrors.WithMetadata("job_id", jobID))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(CodeDispatchTimeout, err, "读取 Agent 响应失败",
			xerrors.WithMetadata("job_id", jobID))
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, statusError(CodeDispatchTimeout, jobID, resp.StatusCode, data)
	case resp.StatusCode >= 400:
		return nil, statusError(CodeDispatchRejected, jobID, resp.StatusCode, data)
	case resp.StatusCode >= 300:
		return nil, statusError(CodeDispatchRejected, jobID, resp.StatusCode, data)
	}

	var parsed executeResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			// 非 JSON 对象的响应按原样作为结果。
			if !json.Valid(data) {
				return nil, xerrors.Wrap(CodeDispatchRejected, err, "Agent 响应不是合法 JSON",
					xerrors.WithMetadata("job_id", jobID))
			}
			return json.RawMessage(data), nil
		}
	}
	if strings.EqualFold(parsed.Status, "rejected") {
		reason := firstNonEmpty(parsed.Error, parsed.Message, "rejected by agent backend")
		return nil, xerrors.New(CodeDispatchRejected, reason, xerrors.WithMetadata("job_id", jobID))
	}
	if len(parsed.Result) > 0 {
		return parsed.Result, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(data), nil
}

// Availability 查询 {endpoint}/availability。
func (c *Client) Availability(ctx context.Context, endpoint string) (Availability, error) {
	target, err := joinEndpoint(endpoint, "availability")
	if err != nil {
		return Availability{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, target, nil)
	if err != nil {
		return Availability{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Availability{}, xerrors.Wrap(CodeDispatchTimeout, err, "查询 Agent 可用性失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		code := CodeDispatchRejected
		if resp.StatusCode >= 500 {
			code = CodeDispatchTimeout
		}
		return Availability{Available: false}, statusError(code, "", resp.StatusCode, data)
	}
	var out Availability
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Availability{}, xerrors.Wrap(CodeDispatchTimeout, err, "解析 Agent 可用性响应失败")
	}
	return out, nil
}

func joinEndpoint(endpoint, action string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", xerrors.New(CodeDispatchRejected, fmt.Sprintf("Agent 端点无效: %q", endpoint))
	}
	return base.JoinPath(action).String(), nil
}

func statusError(code xerrors.Code, jobID string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorBody {
		detail = detail[:maxErrorBody]
	}
	var parsed executeResponse
	if json.Unmarshal(body, &parsed) == nil {
		detail = firstNonEmpty(parsed.Error, parsed.Message, detail)
	}
	message := fmt.Sprintf("agent backend returned %d", status)
	if detail != "" {
		message = fmt.Sprintf("%s: %s", message, detail)
	}
	opts := []xerrors.Option{xerrors.WithMetadata("status", fmt.Sprint(status))}
	if jobID != "" {
		opts = append(opts, xerrors.WithMetadata("job_id", jobID))
	}
	return xerrors.New(code, message, opts...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsRetryable 判断调度错误是否应当重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDispatchRejected) {
		return false
	}
	return xerrors.Retryable(err)
}
