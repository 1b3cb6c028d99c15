package indexer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "THA-AgentHub/internal/errors"
)

func TestClientQueryFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/0xabc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "secret" {
			t.Errorf("unexpected api key %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"found":true,"amount":10000000,"unit":"lovelace","confirmations":4,"transactionId":"tx-1"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL + "/v1", APIKey: "secret"}, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	res, err := client.Query(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !res.Found || res.Amount != 10_000_000 || res.Unit != "lovelace" || res.Confirmations != 4 || res.TransactionID != "tx-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Identifier != "0xabc" {
		t.Fatalf("identifier should default to the queried one, got %q", res.Identifier)
	}
}

func TestClientQueryNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL}, srv.Client())
	res, err := client.Query(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Found {
		t.Fatalf("404 should map to not found")
	}
}

func TestClientQueryUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL}, srv.Client())
	_, err := client.Query(context.Background(), "0xabc")
	if !errors.Is(err, xerrors.New(xerrors.CodeUpstreamFailure, "")) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if got := xerrors.MetadataValue(err, "status"); got != "502" {
		t.Fatalf("unexpected status metadata %q", got)
	}
}

func TestClientQueryMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL}, srv.Client())
	if _, err := client.Query(context.Background(), "0xabc"); xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative"} {
		if _, err := NewClient(Config{BaseURL: raw}, nil); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
