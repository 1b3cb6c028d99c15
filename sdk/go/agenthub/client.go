// Package agenthub is a small Go client for the Agent Hub REST API.
package agenthub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultPollInterval is used by WaitForJob when no interval is given.
const DefaultPollInterval = 2 * time.Second

// Job statuses reported by the hub.
const (
	StatusAwaitingPayment = "awaiting_payment"
	StatusRunning         = "running"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
	StatusExpired         = "expired"
)

// Client wraps the HTTP interactions with the Agent Hub REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu         sync.RWMutex
	adminToken string
}

// Amount is a price in the smallest unit of a currency.
type Amount struct {
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
}

// JobSubmission is the payload required to create a job.
type JobSubmission struct {
	AgentID             string         `json:"agentId"`
	InputData           map[string]any `json:"inputData"`
	PurchaserIdentifier string         `json:"purchaserIdentifier,omitempty"`
}

// PaymentRequest tells the purchaser how to lock funds for a submitted job.
type PaymentRequest struct {
	JobID                     string    `json:"jobId"`
	BlockchainIdentifier      string    `json:"blockchainIdentifier"`
	Amounts                   []Amount  `json:"amounts"`
	PayByTime                 time.Time `json:"payByTime"`
	UnlockTime                time.Time `json:"unlockTime"`
	ExternalDisputeUnlockTime time.Time `json:"externalDisputeUnlockTime"`
	SellerVKey                string    `json:"sellerVKey,omitempty"`
	InputHash                 string    `json:"inputHash"`
	Status                    string    `json:"status"`
	PaymentStatus             string    `json:"paymentStatus"`
}

// Job is the public view of a job.
type Job struct {
	JobID                string          `json:"jobId"`
	AgentID              string          `json:"agentId"`
	Status               string          `json:"status"`
	PaymentStatus        string          `json:"paymentStatus"`
	BlockchainIdentifier string          `json:"blockchainIdentifier"`
	TransactionID        string          `json:"transactionId,omitempty"`
	DispatchAttempts     int             `json:"dispatchAttempts"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	ErrorCode            string          `json:"errorCode,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
	PayByTime            time.Time       `json:"payByTime"`
	SubmitResultTime     *time.Time      `json:"submitResultTime,omitempty"`
}

// Terminal reports whether the job can no longer change.
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// SchemaField describes one input field accepted by an agent.
type SchemaField struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Agent is a catalogue entry.
type Agent struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Category    string        `json:"category,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Price       Amount        `json:"price"`
	Schema      []SchemaField `json:"schema"`
	Status      string        `json:"status"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agenthub api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agenthub api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Agent Hub API. When httpClient is
// nil, a default client with a short timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAdminToken stores the bearer token used by admin calls.
func (c *Client) SetAdminToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adminToken = token
}

// SubmitJob creates a job and returns the payment the purchaser must make.
func (c *Client) SubmitJob(ctx context.Context, submission JobSubmission) (PaymentRequest, error) {
	var out PaymentRequest
	if err := c.send(ctx, http.MethodPost, "/jobs", submission, &out, false); err != nil {
		return PaymentRequest{}, err
	}
	return out, nil
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var out Job
	if err := c.send(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &out, false); err != nil {
		return Job{}, err
	}
	return out, nil
}

// CancelJob cancels a job that has not been paid yet.
func (c *Client) CancelJob(ctx context.Context, jobID string) (Job, error) {
	var out Job
	if err := c.send(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out, false); err != nil {
		return Job{}, err
	}
	return out, nil
}

// ListAgents returns the active agents in registration order.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.send(ctx, http.MethodGet, "/agents", nil, &out, false); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// ConfirmPayment pushes a payment confirmation for a job. Requires an admin token.
func (c *Client) ConfirmPayment(ctx context.Context, jobID, transactionID string) (Job, error) {
	var out Job
	body := map[string]string{"transactionId": transactionID}
	if err := c.send(ctx, http.MethodPost, "/admin/jobs/"+url.PathEscape(jobID)+"/payment", body, &out, true); err != nil {
		return Job{}, err
	}
	return out, nil
}

// WaitForJob polls the job until it reaches a terminal status or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		j, err := c.GetJob(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if j.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, body, withAuth)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		c.mu.RLock()
		token := c.adminToken
		c.mu.RUnlock()
		if token == "" {
			return nil, errors.New("agenthub: admin token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
