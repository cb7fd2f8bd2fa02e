// Package config loads the daemon configuration from <home>/config.yaml,
// layered with SKILLBUS_* environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/skillbus/internal/shared"
)

// OTelConfig controls trace and metric export.
type OTelConfig struct {
	// Enabled turns the OpenTelemetry pipeline on. Off by default.
	Enabled bool `yaml:"enabled"`
	// Exporter is "stdout" or "otlp".
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP HTTP endpoint, e.g. "localhost:4318".
	Endpoint string `yaml:"endpoint"`
	// SampleRatio in [0,1]; 0 defaults to 1 (sample everything).
	SampleRatio float64 `yaml:"sample_ratio"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken protects the HTTP gateway. The gateway is fail-closed: an
	// empty token denies every authenticated endpoint, so the daemon
	// generates and persists an auth.token file on first run when neither
	// this field nor SKILLBUS_AUTH_TOKEN provides one.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists browser Origins accepted on the websocket feed.
	// Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DefaultQuota is the delegation budget of a root request.
	DefaultQuota int `yaml:"default_quota"`

	// RequestTTLSeconds expires non-terminal requests after this long.
	RequestTTLSeconds int `yaml:"request_ttl_seconds"`

	// DispatchTimeoutSeconds bounds a single handler invocation.
	DispatchTimeoutSeconds int `yaml:"dispatch_timeout_seconds"`

	// DrainTimeoutSeconds bounds shutdown waiting on in-flight handlers.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// SweepSchedule is a cron expression for the expiry/retention sweeper.
	SweepSchedule string `yaml:"sweep_schedule"`

	// Retention windows in days. 0 keeps records forever. Audit rows are
	// never deleted either way; retention only stamps them archived.
	RetentionRequestsDays int `yaml:"retention_requests_days"`
	RetentionAuditDays    int `yaml:"retention_audit_days"`

	// ArchiveDir receives safe-deleted files. Defaults under HomeDir.
	ArchiveDir string `yaml:"archive_dir"`

	// RubricPath points at the severity rubric file. Defaults under HomeDir.
	RubricPath string `yaml:"rubric_path"`

	OTel OTelConfig `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:18791",
		LogLevel:               "info",
		DefaultQuota:           10,
		RequestTTLSeconds:      int((24 * time.Hour).Seconds()),
		DispatchTimeoutSeconds: int((2 * time.Minute).Seconds()),
		DrainTimeoutSeconds:    5,
		SweepSchedule:          "*/5 * * * *",
	}
}

// HomeDir resolves the daemon home, honoring the SKILLBUS_HOME override.
func HomeDir() string {
	if override := os.Getenv("SKILLBUS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".skillbus")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under the given home. A missing file yields the
// defaults; environment overrides apply either way.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create skillbus home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Override values are logged with secret-looking keys redacted so the
	// auth token never lands in the startup log.
	override := func(key string, apply func(string)) {
		raw := os.Getenv(key)
		if raw == "" {
			return
		}
		apply(raw)
		slog.Debug("config override from environment",
			"key", key, "value", shared.RedactEnvValue(key, raw))
	}
	overrideInt := func(key string, apply func(int)) {
		override(key, func(raw string) {
			if v, err := strconv.Atoi(raw); err == nil {
				apply(v)
			}
		})
	}
	override("SKILLBUS_BIND_ADDR", func(v string) { cfg.BindAddr = v })
	override("SKILLBUS_LOG_LEVEL", func(v string) { cfg.LogLevel = v })
	override("SKILLBUS_AUTH_TOKEN", func(v string) { cfg.AuthToken = v })
	overrideInt("SKILLBUS_DEFAULT_QUOTA", func(v int) { cfg.DefaultQuota = v })
	overrideInt("SKILLBUS_REQUEST_TTL_SECONDS", func(v int) { cfg.RequestTTLSeconds = v })
	overrideInt("SKILLBUS_DISPATCH_TIMEOUT_SECONDS", func(v int) { cfg.DispatchTimeoutSeconds = v })
	overrideInt("SKILLBUS_DRAIN_TIMEOUT_SECONDS", func(v int) { cfg.DrainTimeoutSeconds = v })
	override("SKILLBUS_SWEEP_SCHEDULE", func(v string) { cfg.SweepSchedule = v })
	override("SKILLBUS_OTEL_ENDPOINT", func(v string) {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = "otlp"
		cfg.OTel.Endpoint = v
	})
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18791"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DefaultQuota <= 0 {
		cfg.DefaultQuota = 10
	}
	if cfg.RequestTTLSeconds <= 0 {
		cfg.RequestTTLSeconds = int((24 * time.Hour).Seconds())
	}
	if cfg.DispatchTimeoutSeconds <= 0 {
		cfg.DispatchTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "*/5 * * * *"
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(cfg.HomeDir, "archive")
	}
	if cfg.RubricPath == "" {
		cfg.RubricPath = filepath.Join(cfg.HomeDir, "rubric.yaml")
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "stdout"
	}
	if cfg.OTel.SampleRatio <= 0 || cfg.OTel.SampleRatio > 1 {
		cfg.OTel.SampleRatio = 1
	}
}

func validate(cfg *Config) error {
	if cfg.RetentionRequestsDays < 0 || cfg.RetentionAuditDays < 0 {
		return fmt.Errorf("retention windows must be >= 0 (0 keeps forever)")
	}
	switch cfg.OTel.Exporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("otel exporter must be stdout or otlp, got %q", cfg.OTel.Exporter)
	}
	return nil
}

// Fingerprint returns a stable hash of the operative settings, logged at
// startup and on reload so config drift is visible in the trail.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|quota=%d|ttl=%d|dispatch=%d|sweep=%s|ret=%d,%d|origins=%v",
		c.BindAddr, c.LogLevel, c.DefaultQuota, c.RequestTTLSeconds,
		c.DispatchTimeoutSeconds, c.SweepSchedule,
		c.RetentionRequestsDays, c.RetentionAuditDays, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// RequestTTL returns the TTL as a duration.
func (c Config) RequestTTL() time.Duration {
	return time.Duration(c.RequestTTLSeconds) * time.Second
}

// DispatchTimeout returns the handler timeout as a duration.
func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// DrainTimeout returns the shutdown drain bound as a duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}
