package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"THA-AgentHub/internal/job"
	"THA-AgentHub/internal/orchestrator"
)

// jobView 是对外暴露的任务状态，不包含原始输入。
type jobView struct {
	JobID                string            `json:"jobId"`
	AgentID              string            `json:"agentId"`
	Status               job.Status        `json:"status"`
	PaymentStatus        job.PaymentStatus `json:"paymentStatus"`
	BlockchainIdentifier string            `json:"blockchainIdentifier"`
	TransactionID        string            `json:"transactionId,omitempty"`
	DispatchAttempts     int               `json:"dispatchAttempts"`
	Result               any               `json:"result,omitempty"`
	Error                string            `json:"error,omitempty"`
	ErrorCode            string            `json:"errorCode,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	PayByTime            time.Time         `json:"payByTime"`
	SubmitResultTime     *time.Time        `json:"submitResultTime,omitempty"`
}

func viewOf(j *job.Job) jobView {
	v := jobView{
		JobID:                j.ID,
		AgentID:              j.AgentID,
		Status:               j.Status,
		PaymentStatus:        j.PaymentStatus,
		BlockchainIdentifier: j.BlockchainIdentifier,
		TransactionID:        j.TransactionID,
		DispatchAttempts:     j.DispatchAttempts,
		Error:                j.Error,
		ErrorCode:            j.ErrorCode,
		CreatedAt:            j.CreatedAt,
		UpdatedAt:            j.UpdatedAt,
		PayByTime:            j.PayByTime,
		SubmitResultTime:     j.SubmitResultTime,
	}
	if len(j.Result) > 0 {
		v.Result = j.Result
	}
	return v
}

type submitResponse struct {
	orchestrator.PaymentRequest
	Status        job.Status        `json:"status"`
	PaymentStatus job.PaymentStatus `json:"paymentStatus"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{
		PaymentRequest: sub.Payment,
		Status:         sub.Job.Status,
		PaymentStatus:  sub.Job.PaymentStatus,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListQuery(r.URL.Query(), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListQuery(r.URL.Query(), false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type paymentPush struct {
	TransactionID string `json:"transactionId"`
}

// handleConfirmPayment 接收外部索引服务推送的付款确认。
func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var body paymentPush
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.TransactionID) == "" {
		s.writeError(w, r, invalidParam("transactionId", "transactionId is required"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.jobs.OnPaymentConfirmed(r.Context(), id, body.TransactionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	j, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

// parseListQuery 将查询参数转换为列表选项，pagination 为 false 时忽略分页与排序。
func parseListQuery(q url.Values, pagination bool) ([]job.ListOption, error) {
	var opts []job.ListOption
	if agent := strings.TrimSpace(q.Get("agentId")); agent != "" {
		opts = append(opts, job.WithAgent(agent))
	}
	if purchaser := strings.TrimSpace(q.Get("purchaser")); purchaser != "" {
		opts = append(opts, job.WithPurchaser(purchaser))
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(part))
			if !job.IsValidStatus(status) {
				return nil, invalidParam("status", "unknown status: "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	for _, bound := range []struct {
		name  string
		apply func(time.Time) job.ListOption
	}{
		{name: "from", apply: job.WithCreatedSince},
		{name: "to", apply: job.WithCreatedUntil},
	} {
		raw := strings.TrimSpace(q.Get(bound.name))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, invalidParam(bound.name, bound.name+" must be an RFC3339 timestamp")
		}
		opts = append(opts, bound.apply(ts))
	}
	if !pagination {
		return opts, nil
	}

	for _, param := range []struct {
		name  string
		apply func(int) job.ListOption
	}{
		{name: "limit", apply: job.WithLimit},
		{name: "offset", apply: job.WithOffset},
	} {
		raw := strings.TrimSpace(q.Get(param.name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, invalidParam(param.name, param.name+" must be a non-negative integer")
		}
		opts = append(opts, param.apply(n))
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "desc":
	case "asc":
		opts = append(opts, job.WithSortOrder(job.SortByCreatedAsc))
	default:
		return nil, invalidParam("order", "order must be asc or desc")
	}
	return opts, nil
}
