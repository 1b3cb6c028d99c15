package logger

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestBuildAuditLoggerRequiresPath(t *testing.T) {
	if _, err := buildAuditLogger(AuditConfig{Enabled: true}); err == nil {
		t.Fatal("expected error for empty audit path")
	}
}

func TestNamedNeverNil(t *testing.T) {
	if Named("verifier") == nil {
		t.Fatal("expected a logger")
	}
	if Audit() == nil {
		t.Fatal("expected an audit logger")
	}
}
