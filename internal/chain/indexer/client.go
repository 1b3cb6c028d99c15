package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "THA-AgentHub/internal/errors"
	"THA-AgentHub/internal/payment"
)

// DefaultTimeout 是未提供 http.Client 时使用的超时时间。
const DefaultTimeout = 10 * time.Second

// Config 描述索引服务的连接参数。
type Config struct {
	BaseURL string
	APIKey  string
}

// Client 通过 HTTP 查询索引服务中的托管付款。
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
}

var _ payment.Lookup = (*Client)(nil)

// NewClient 创建索引服务客户端，httpClient 为空时使用默认客户端。
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置索引服务地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("索引服务地址无效: %s", raw))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{baseURL: parsed, apiKey: cfg.APIKey, httpClient: httpClient}, nil
}

// Query 查询指定标识的付款情况。索引服务返回 404 时视为尚未付款。
func (c *Client) Query(ctx context.Context, identifier string) (payment.LookupResult, error) {
	endpoint := c.baseURL.JoinPath("payments", identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return payment.LookupResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return payment.LookupResult{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询索引服务失败")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return payment.LookupResult{Found: false, Identifier: identifier}, nil
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return payment.LookupResult{}, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("索引服务返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}

	var result payment.LookupResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return payment.LookupResult{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析索引服务响应失败")
	}
	if result.Identifier == "" {
		result.Identifier = identifier
	}
	return result, nil
}
