package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/colldesk/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8787" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.LeaseSeconds != 300 {
		t.Fatalf("LeaseSeconds = %d", cfg.LeaseSeconds)
	}
	if cfg.ReapIntervalSeconds != 15 {
		t.Fatalf("ReapIntervalSeconds = %d", cfg.ReapIntervalSeconds)
	}
	if cfg.DBPath != filepath.Join(home, "colldesk.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	yaml := `bind_addr: "0.0.0.0:9000"
log_level: debug
lease_seconds: 60
allow_origins:
  - https://desk.example.com
rate_limit:
  enabled: true
  requests_per_minute: 120
  burst_size: 20
retention:
  schedule: "0 3 * * *"
  claim_events_days: 30
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.LeaseSeconds != 60 {
		t.Fatalf("LeaseSeconds = %d", cfg.LeaseSeconds)
	}
	if len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "https://desk.example.com" {
		t.Fatalf("AllowOrigins = %v", cfg.AllowOrigins)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute != 120 {
		t.Fatalf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.Retention.Schedule != "0 3 * * *" || cfg.Retention.ClaimEventsDays != 30 {
		t.Fatalf("Retention = %+v", cfg.Retention)
	}
}

func TestEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("COLLDESK_AUTH_TOKEN", "env-token")
	t.Setenv("COLLDESK_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("COLLDESK_LEASE_SECONDS", "0")

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "env-token" {
		t.Fatalf("AuthToken = %q", cfg.AuthToken)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.LeaseSeconds != 0 {
		t.Fatalf("LeaseSeconds = %d, want 0 (expiry disabled)", cfg.LeaseSeconds)
	}
	if cfg.LeaseDuration() != 0 {
		t.Fatalf("LeaseDuration = %v", cfg.LeaseDuration())
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.LogLevel = "warn"
	cfg.LeaseSeconds = 120
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := config.Load(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.LogLevel != "warn" || loaded.LeaseSeconds != 120 {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := cfg.Fingerprint()
	cfg.LeaseSeconds = 42
	after := cfg.Fingerprint()
	if before == after {
		t.Fatal("fingerprint did not change with lease_seconds")
	}
}

func TestLoadSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	data := `accounts:
  - id: acct-100
    debtor_name: "J. Smith"
    balance_cents: 125000
    group_id: grp-east
    bucket_id: bucket-30d
agents:
  - agent_id: agent-1
    display_name: "Dana"
    group_id: grp-east
    bucket_ids: [bucket-30d, bucket-60d]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	seed, err := config.LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(seed.Accounts) != 1 || seed.Accounts[0].ID != "acct-100" {
		t.Fatalf("accounts = %+v", seed.Accounts)
	}
	if len(seed.Agents) != 1 || len(seed.Agents[0].BucketIDs) != 2 {
		t.Fatalf("agents = %+v", seed.Agents)
	}
}

func TestLoadSeedRejectsEmptyID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(path, []byte("accounts:\n  - debtor_name: x\n"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := config.LoadSeed(path); err == nil {
		t.Fatal("expected error for empty account id")
	}
}
