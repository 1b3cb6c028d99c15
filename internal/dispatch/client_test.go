package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "THA-AgentHub/internal/errors"
)

func TestClientExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agent/execute" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get(IdempotencyHeader); got != "job-1" {
			t.Errorf("unexpected idempotency header %q", got)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.IdempotencyKey != "job-1" || req.InputData["topic"] != "go" {
			t.Errorf("unexpected payload %+v", req)
		}
		_, _ = w.Write([]byte(`{"status":"completed","result":{"summary":"done"}}`))
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	result, err := client.Execute(context.Background(), srv.URL+"/agent", "job-1", map[string]any{"topic": "go"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(result) != `{"summary":"done"}` {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestClientExecuteClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		code      xerrors.Code
		retryable bool
	}{
		{name: "server error", status: http.StatusServiceUnavailable, body: `{"error":"busy"}`, code: CodeDispatchTimeout, retryable: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"bad input"}`, code: CodeDispatchRejected},
		{name: "explicit rejection", status: http.StatusOK, body: `{"status":"rejected","message":"unsupported language"}`, code: CodeDispatchRejected},
		{name: "invalid json", status: http.StatusOK, body: `{oops`, code: CodeDispatchRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewClient(WithHTTPClient(srv.Client())).Execute(context.Background(), srv.URL, "job-1", nil)
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if IsRetryable(err) != tc.retryable {
				t.Fatalf("retryable mismatch for %v", err)
			}
		})
	}
}

func TestClientExecuteTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(WithHTTPClient(srv.Client()), WithCallTimeout(20*time.Millisecond))
	_, err := client.Execute(context.Background(), srv.URL, "job-1", nil)
	if !errors.Is(err, ErrDispatchTimeout) || !IsRetryable(err) {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
}

func TestClientExecuteConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient().Execute(context.Background(), url, "job-1", nil)
	if !errors.Is(err, ErrDispatchTimeout) {
		t.Fatalf("expected dispatch timeout, got %v", err)
	}
}

func TestClientExecuteRespectsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write([]byte(`{"result":1}`))
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()), WithConcurrency(2))
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Execute(context.Background(), srv.URL, "job", nil); err != nil {
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", peak.Load())
	}
}

func TestClientAvailability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/availability" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"available":true,"version":"1.2.0"}`))
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	avail, err := client.Availability(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if !avail.Available || avail.Version != "1.2.0" {
		t.Fatalf("unexpected availability %+v", avail)
	}
	if _, err := client.Availability(context.Background(), "://bad"); err == nil {
		t.Fatalf("expected invalid endpoint error")
	}
}
