package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "THA-AgentHub/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutFillsDefaultsAndJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: "a"}
	failing := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(ok, failing, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure, JobID: "job-1"})
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("expected joined error naming channel b, got %v", err)
	}
	if len(ok.events) != 1 {
		t.Fatalf("healthy notifier should still receive the event")
	}
	got := ok.events[0]
	if got.OccurredAt.IsZero() || got.Severity != xerrors.SeverityCritical {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if chans := d.Channels(); len(chans) != 2 || chans[0] != "a" {
		t.Fatalf("unexpected channels %v", chans)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	if err := n.Notify(context.Background(), Event{Code: "PAYMENT_MISMATCH", JobID: "job-9", Stage: "payment"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.JobID != "job-9" || received.Code != "PAYMENT_MISMATCH" {
		t.Fatalf("unexpected payload %+v", received)
	}
}

func TestWebhookNotifierReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	if err := n.Notify(context.Background(), Event{Code: "X"}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
	var empty *WebhookNotifier
	if err := empty.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured notifier should skip, got %v", err)
	}
}

func TestLogNotifier(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), Event{Code: "X", Metadata: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
