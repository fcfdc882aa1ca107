// Package config loads the broker's yaml configuration and the JSON policy
// asset, applying env overrides and defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/basket/bgtaskd/internal/otel"
)

// RateLimitConfig controls the gateway's per-caller token buckets.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// RetentionConfig controls journal pruning.
type RetentionConfig struct {
	// TaskEventsDays is how long journal rows are kept. 0 keeps forever.
	TaskEventsDays int `yaml:"task_events_days"`
	// Schedule is a 5-field cron expression for the prune pass.
	Schedule string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`
	Locale    string `yaml:"locale"`

	// DBPath overrides the default sqlite location under HomeDir.
	DBPath string `yaml:"db_path"`

	// StringsDir holds per-locale notification prompt overlays.
	StringsDir string `yaml:"strings_dir"`

	// ReadyRetryMS is the backoff between dependency probes at startup.
	ReadyRetryMS int `yaml:"ready_retry_ms"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retention RetentionConfig `yaml:"retention"`
	Otel      otel.Config     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.json within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.json")
}

func defaultConfig() Config {
	return Config{
		BindAddr:     "127.0.0.1:18710",
		LogLevel:     "info",
		Locale:       "en-US",
		ReadyRetryMS: 2000,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		Retention: RetentionConfig{
			TaskEventsDays: 90,
			Schedule:       "30 3 * * *",
		},
	}
}

// HomeDir resolves the broker home, honoring the BGTASKD_HOME override.
func HomeDir() string {
	if override := os.Getenv("BGTASKD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".bgtaskd")
}

// Load reads config.yaml from the broker home, creating the home directory
// if needed. A missing file yields defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create bgtaskd home: %w", err)
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
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18710"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-US"
	}
	if cfg.ReadyRetryMS <= 0 {
		cfg.ReadyRetryMS = 2000
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "bgtaskd.db")
	}
	if cfg.StringsDir == "" {
		cfg.StringsDir = filepath.Join(cfg.HomeDir, "strings")
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 20
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "30 3 * * *"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BGTASKD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("BGTASKD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BGTASKD_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("BGTASKD_LOCALE"); raw != "" {
		cfg.Locale = raw
	}
	if raw := os.Getenv("BGTASKD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("BGTASKD_READY_RETRY_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ReadyRetryMS = v
		}
	}
	if raw := os.Getenv("BGTASKD_RETENTION_TASK_EVENTS_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Retention.TaskEventsDays = v
		}
	}
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|locale=%s|db=%s|rl=%v:%d:%d|ret=%d",
		c.BindAddr, c.LogLevel, c.Locale, c.DBPath,
		c.RateLimit.Enabled, c.RateLimit.RequestsPerMinute, c.RateLimit.BurstSize,
		c.Retention.TaskEventsDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
