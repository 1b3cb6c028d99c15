package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"THA-AgentHub/internal/config"
	"THA-AgentHub/internal/registry"
)

const seedYAML = `agents:
  - id: text-summarizer
    name: Text Summarizer
    category: text
    endpoint: http://127.0.0.1:9001
    price: {amount: 10000000, unit: lovelace}
    schema:
      - {name: text, type: string, required: true}
  - id: image-tagger
    name: Image Tagger
    category: vision
    endpoint: http://127.0.0.1:9002
    status: maintenance
    price: {amount: 10000000, unit: lovelace}
    schema:
      - {name: url, type: string, required: true}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestPrintAgents(t *testing.T) {
	reg := registry.New()
	if _, err := reg.LoadSeed(strings.NewReader(seedYAML)); err != nil {
		t.Fatalf("load seed: %v", err)
	}
	var out bytes.Buffer
	if err := printAgents(&out, reg.List()); err != nil {
		t.Fatalf("print: %v", err)
	}
	text := out.String()
	for _, want := range []string{"ID", "text-summarizer", "10000000 lovelace", "maintenance"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}

	out.Reset()
	_ = printAgents(&out, nil)
	if !strings.Contains(out.String(), "No agents") {
		t.Fatalf("unexpected empty output %q", out.String())
	}
}

func TestRedactHidesSecrets(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Server.AdminToken = "secret-token"
	cfg.Storage.JobStore.DSN = "user:pass@tcp(db)/hub"
	cfg.Dispatch.Queue.RabbitMQ.URL = "amqp://guest:guest@mq/"

	masked := redact(*cfg)
	if masked.Server.AdminToken != redacted || masked.Storage.JobStore.DSN != redacted || masked.Dispatch.Queue.RabbitMQ.URL != redacted {
		t.Fatalf("secrets not redacted: %+v", masked.Server)
	}
	if cfg.Server.AdminToken != "secret-token" {
		t.Fatalf("redact must not modify the original config")
	}
	if masked.Verifier.Indexer.APIKey != "" {
		t.Fatalf("empty values should stay empty")
	}
}

func TestBuildWiresInMemoryStack(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agents.yaml", seedYAML)
	path := writeFile(t, dir, "config.yaml", `server:
  address: 127.0.0.1:0
  admin_token: token
registry:
  seed_file: agents.yaml
verifier:
  lookup: none
metrics:
  enabled: true
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	h, err := build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer h.Close()

	if h.verifier != nil {
		t.Fatalf("lookup none must not start a verifier")
	}
	if got := len(h.registry.List()); got != 2 {
		t.Fatalf("expected 2 seeded agents, got %d", got)
	}
	if _, err := h.registry.LookupActive("image-tagger"); err == nil {
		t.Fatalf("maintenance agent should not accept jobs")
	}
	if h.service == nil || h.processor == nil || h.server == nil {
		t.Fatalf("components not wired: %+v", h)
	}
}

func TestOpenersRejectUnknownDrivers(t *testing.T) {
	ctx := context.Background()
	if _, err := openStore(ctx, config.JobStoreConfig{Driver: "postgres"}); err == nil {
		t.Fatalf("expected unknown store driver error")
	}
	if _, _, err := openLookup(ctx, config.VerifierConfig{Lookup: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unknown lookup error")
	}
	if _, err := openQueue(ctx, config.QueueConfig{Driver: "kafka"}); err == nil {
		t.Fatalf("expected unknown queue error")
	}
	if _, err := openGuard(ctx, config.DispatchConfig{Guard: config.GuardConfig{Driver: "etcd"}}); err == nil {
		t.Fatalf("expected unknown guard error")
	}
}

func TestResolveConfigPath(t *testing.T) {
	configPath = ""
	t.Setenv(ConfigEnv, "/etc/thad/config.toml")
	if got := resolveConfigPath(); got != "/etc/thad/config.toml" {
		t.Fatalf("env path not used: %s", got)
	}
	configPath = "flag.yaml"
	defer func() { configPath = "" }()
	if got := resolveConfigPath(); got != "flag.yaml" {
		t.Fatalf("flag should win over env: %s", got)
	}
}
