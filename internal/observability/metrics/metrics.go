// Package metrics exposes the Agent Hub Prometheus collectors: HTTP traffic,
// job transitions, payment lookups and agent dispatch.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agenthub"

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

// JobsSubmitted counts accepted job submissions per agent.
var JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "jobs_submitted_total",
	Help:      "Jobs accepted and waiting for payment.",
}, []string{"agent"})

// JobTransitions counts applied state transitions by target status.
var JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "job_transitions_total",
	Help:      "Job state transitions applied, by transition and target status.",
}, []string{"transition", "status"})

// TransitionConflicts counts transitions dropped because the job had already moved on.
var TransitionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "job_transition_conflicts_total",
	Help:      "Transitions rejected by compare-and-set.",
}, []string{"transition"})

// PaymentLookups counts lookup collaborator queries by outcome.
var PaymentLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "payment_lookups_total",
	Help:      "Payment lookups by outcome (pending, confirmed, mismatch, error).",
}, []string{"outcome"})

// PaymentWatches tracks jobs currently being polled for payment.
var PaymentWatches = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "payment_watches",
	Help:      "Jobs currently awaiting payment confirmation.",
})

// DispatchAttempts counts calls to agent backends by outcome.
var DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "dispatch_attempts_total",
	Help:      "Agent dispatch attempts by outcome (success, retryable, rejected).",
}, []string{"agent", "outcome"})

// DispatchInFlight tracks outbound agent calls in progress.
var DispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "dispatch_in_flight",
	Help:      "Agent calls currently in flight.",
})

// DispatchLatency tracks agent call duration.
var DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "dispatch_latency_seconds",
	Help:      "Agent call duration in seconds.",
	Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
}, []string{"agent"})

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
