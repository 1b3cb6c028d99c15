package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"verifier": {"indexer": {"base_url": "http://indexer.local"}},
		"registry": {"seed_file": "agents.yaml"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Escrow.GracePeriod.Std() != 20*time.Minute {
		t.Fatalf("unexpected grace period %s", cfg.Escrow.GracePeriod.Std())
	}
	if cfg.Escrow.ExecutionSLA.Std() != time.Hour || cfg.Escrow.DisputeWindow.Std() != 6*time.Hour {
		t.Fatalf("unexpected escrow windows %+v", cfg.Escrow)
	}
	if cfg.Escrow.MinConfirmations != 1 {
		t.Fatalf("unexpected min confirmations %d", cfg.Escrow.MinConfirmations)
	}
	if cfg.Verifier.PollInterval.Std() != 15*time.Second || cfg.Verifier.LookupTimeout.Std() != 10*time.Second {
		t.Fatalf("unexpected verifier timings %+v", cfg.Verifier)
	}
	d := cfg.Dispatch
	if d.MaxAttempts != 3 || d.Concurrency != 8 || d.CallTimeout.Std() != time.Minute {
		t.Fatalf("unexpected dispatch defaults %+v", d)
	}
	if d.Workers != 32 {
		t.Fatalf("workers should default above concurrency, got %d", d.Workers)
	}
	if d.BackoffBase.Std() != 2*time.Second || d.BackoffMax.Std() != 30*time.Second {
		t.Fatalf("unexpected backoff %s/%s", d.BackoffBase.Std(), d.BackoffMax.Std())
	}
	if d.GuardTTL.Std() != 24*time.Hour {
		t.Fatalf("unexpected guard ttl %s", d.GuardTTL.Std())
	}
	if d.Queue.Driver != "memory" || d.Guard.Driver != "memory" {
		t.Fatalf("unexpected drivers %s/%s", d.Queue.Driver, d.Guard.Driver)
	}
	if cfg.Storage.JobStore.Driver != "memory" {
		t.Fatalf("unexpected store driver %s", cfg.Storage.JobStore.Driver)
	}
	if want := filepath.Join(filepath.Dir(path), "agents.yaml"); cfg.Registry.SeedFile != want {
		t.Fatalf("seed file should resolve relative to config, got %s", cfg.Registry.SeedFile)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
[escrow]
grace_period = "5m"
min_confirmations = 3

[verifier]
lookup = "evm"
poll_interval = "2s"

[verifier.evm]
rpc_url = "http://localhost:8545"
contract_address = "0x0000000000000000000000000000000000000001"
unit = "wei"

[storage.job_store]
driver = "sqlite"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Escrow.GracePeriod.Std() != 5*time.Minute || cfg.Escrow.MinConfirmations != 3 {
		t.Fatalf("unexpected escrow %+v", cfg.Escrow)
	}
	if cfg.Verifier.PollInterval.Std() != 2*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.Verifier.PollInterval.Std())
	}
	if cfg.Verifier.EVM.Unit != "wei" {
		t.Fatalf("unexpected evm unit %q", cfg.Verifier.EVM.Unit)
	}
	if !strings.HasSuffix(cfg.Storage.JobStore.DSN, "agenthub.db") {
		t.Fatalf("sqlite dsn should default into data dir, got %s", cfg.Storage.JobStore.DSN)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
verifier:
  lookup: none
dispatch:
  max_attempts: 5
  backoff_base: 100ms
  backoff_max: 1s
  queue:
    driver: redis
    redis:
      address: localhost:6379
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatch.MaxAttempts != 5 {
		t.Fatalf("unexpected attempts %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Dispatch.BackoffBase.Std() != 100*time.Millisecond {
		t.Fatalf("unexpected backoff %s", cfg.Dispatch.BackoffBase.Std())
	}
	if cfg.Dispatch.Queue.Redis.Key != "agenthub:dispatch" {
		t.Fatalf("unexpected redis key %s", cfg.Dispatch.Queue.Redis.Key)
	}
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	cases := map[string]string{
		"missing indexer url": `{}`,
		"unknown store":       `{"verifier":{"lookup":"none"},"storage":{"job_store":{"driver":"postgres"}}}`,
		"mysql without dsn":   `{"verifier":{"lookup":"none"},"storage":{"job_store":{"driver":"mysql"}}}`,
		"redis guard no addr": `{"verifier":{"lookup":"none"},"dispatch":{"guard":{"driver":"redis"}}}`,
		"backoff inverted":    `{"verifier":{"lookup":"none"},"dispatch":{"backoff_base":"10s","backoff_max":"1s"}}`,
		"bad duration":        `{"verifier":{"lookup":"none","poll_interval":"soon"}}`,
		"unknown field":       `{"verifier":{"lookup":"none"},"unexpected":true}`,
		"evm without unit":    `{"verifier":{"lookup":"evm","evm":{"rpc_url":"http://localhost:8545","contract_address":"0x01"}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "config.json", body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	if _, err := Load(writeFile(t, "config.ini", "x=1")); err == nil {
		t.Fatalf("expected unsupported format error")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected empty path error")
	}
}
