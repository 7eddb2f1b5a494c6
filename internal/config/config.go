package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/colldesk/internal/otel"
)

// RateLimitConfig bounds request rates per client IP.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// RetentionConfig controls the scheduled purge of historical rows.
// Zero days means "keep forever" for that category.
type RetentionConfig struct {
	// Schedule is a standard 5-field cron expression. Empty disables the job.
	Schedule         string `yaml:"schedule"`
	ClaimEventsDays  int    `yaml:"claim_events_days"`
	AuditLogDays     int    `yaml:"audit_log_days"`
	DispositionsDays int    `yaml:"dispositions_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AuthToken guards every API and WS endpoint. Env COLLDESK_AUTH_TOKEN
	// overrides the file value.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS/SSE connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// LeaseSeconds bounds how long a claim survives without renewal.
	// 0 disables lease expiry: a crashed session's claim stays put until an
	// operator intervenes.
	LeaseSeconds        int `yaml:"lease_seconds"`
	ReapIntervalSeconds int `yaml:"reap_interval_seconds"`

	// MaxBodyBytes caps request body size. 0 uses the default.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// SeedFile points at a YAML bootstrap of accounts/agents for fresh
	// databases. Empty skips seeding.
	SeedFile string `yaml:"seed_file"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retention RetentionConfig `yaml:"retention"`
	Otel      otel.Config     `yaml:"otel"`
}

// DefaultHomeDir returns ~/.colldesk, falling back to the working directory.
func DefaultHomeDir() string {
	if env := os.Getenv("COLLDESK_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".colldesk")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from homeDir, applies defaults and env overrides.
// A missing file yields the defaults, not an error.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{
		HomeDir:             homeDir,
		BindAddr:            "127.0.0.1:8787",
		LogLevel:            "info",
		LeaseSeconds:        300,
		ReapIntervalSeconds: 15,
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	if v := os.Getenv("COLLDESK_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("COLLDESK_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("COLLDESK_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.LeaseSeconds = n
		}
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(homeDir, "colldesk.db")
	}
	if cfg.ReapIntervalSeconds <= 0 {
		cfg.ReapIntervalSeconds = 15
	}
	return cfg, nil
}

// Save writes the config back to config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(c.HomeDir), out, 0o644)
}

// LeaseDuration returns the configured claim lease as a duration.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// ReapInterval returns the lease reaper tick interval.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, exposed on
// /healthz so drift between replicas is visible.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|lease=%d|reap=%d|origins=%v|retention=%+v",
		c.BindAddr, c.LogLevel, c.LeaseSeconds, c.ReapIntervalSeconds, c.AllowOrigins, c.Retention)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
