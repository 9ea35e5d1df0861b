// Package config handles loading and validating foreman configuration.
// Settings come from a global YAML file in the user's config directory and
// an optional foreman.yaml in the project directory, with the project file
// and FOREMAN_* environment variables winning in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProjectConfigName is the per-project config file looked up in the
// working directory.
const ProjectConfigName = "foreman.yaml"

// Defaults applied when a setting is absent from every source.
const (
	DefaultDatabasePath = "~/.local/share/foreman/foreman.db"

	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultLogPath       = "~/.local/share/foreman/logs"
	DefaultRetentionDays = 7

	DefaultMinMatchRatio        = 0.5
	DefaultAgeBonusPerHour      = 0.1
	DefaultFailurePenalty       = 0.5
	DefaultMaxEffectivePriority = 20.0
	DefaultMinEffectivePriority = 0.0
	DefaultFailureCap           = 2
	DefaultMaxTasks             = 10
	DefaultMaxConcurrent        = 3

	DefaultQuarantineRetryAfter = "1h"
	DefaultResetAfter           = "1h"

	DefaultBreakerSweep    = "10m"
	DefaultStaleClaimSweep = "1m"
	DefaultStaleClaimAfter = "15m"
)

// Validation errors.
var (
	ErrInvalidLogLevel      = errors.New("logging.level must be one of debug, info, warn, error")
	ErrInvalidLogFormat     = errors.New("logging.format must be json or text")
	ErrInvalidMatchRatio    = errors.New("policy.min_match_ratio must be within [0, 1]")
	ErrPriorityBounds       = errors.New("policy.min_effective_priority must not exceed policy.max_effective_priority")
	ErrInvalidFailureCap    = errors.New("policy.failure_cap must not be negative")
	ErrInvalidMaxTasks      = errors.New("policy.default_max_tasks must be positive")
	ErrInvalidMaxConcurrent = errors.New("policy.default_max_concurrent must be positive")
	ErrAuthTokenRequired    = errors.New("server.auth_token is required when server.http_addr is set")
)

// Config holds all foreman configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the transports. An empty HTTPAddr means the server
// speaks JSON-RPC on stdio only.
type ServerConfig struct {
	HTTPAddr  string `mapstructure:"http_addr"`
	AuthToken string `mapstructure:"auth_token"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// PolicyConfig tunes work discovery and ranking.
type PolicyConfig struct {
	MinMatchRatio        float64 `mapstructure:"min_match_ratio"`
	AgeBonusPerHour      float64 `mapstructure:"age_bonus_per_hour"`
	FailurePenalty       float64 `mapstructure:"failure_penalty"`
	MaxEffectivePriority float64 `mapstructure:"max_effective_priority"`
	MinEffectivePriority float64 `mapstructure:"min_effective_priority"`
	FailureCap           int     `mapstructure:"failure_cap"`
	DefaultMaxTasks      int     `mapstructure:"default_max_tasks"`
	DefaultMaxConcurrent int     `mapstructure:"default_max_concurrent"`
}

// BreakerConfig tunes the per-task circuit breakers. Thresholds are keyed
// by failure type wire name; durations are Go duration strings.
type BreakerConfig struct {
	Thresholds           map[string]int `mapstructure:"thresholds"`
	QuarantineRetryAfter string         `mapstructure:"quarantine_retry_after"`
	ResetAfter           string         `mapstructure:"reset_after"`
}

// MaintenanceConfig tunes the background sweeps.
type MaintenanceConfig struct {
	BreakerSweep    string `mapstructure:"breaker_sweep"`
	StaleClaimSweep string `mapstructure:"stale_claim_sweep"`
	StaleClaimAfter string `mapstructure:"stale_claim_after"`
}

var validFailureTypes = map[string]bool{
	"capability_mismatch":  true,
	"context_overflow":     true,
	"logic_error":          true,
	"environmental":        true,
	"invalid_requirements": true,
	"inconsistent_output":  true,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("server.http_addr", "")
	v.SetDefault("server.auth_token", "")

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.path", DefaultLogPath)
	v.SetDefault("logging.retention_days", DefaultRetentionDays)

	v.SetDefault("policy.min_match_ratio", DefaultMinMatchRatio)
	v.SetDefault("policy.age_bonus_per_hour", DefaultAgeBonusPerHour)
	v.SetDefault("policy.failure_penalty", DefaultFailurePenalty)
	v.SetDefault("policy.max_effective_priority", DefaultMaxEffectivePriority)
	v.SetDefault("policy.min_effective_priority", DefaultMinEffectivePriority)
	v.SetDefault("policy.failure_cap", DefaultFailureCap)
	v.SetDefault("policy.default_max_tasks", DefaultMaxTasks)
	v.SetDefault("policy.default_max_concurrent", DefaultMaxConcurrent)

	v.SetDefault("breaker.thresholds", map[string]int{})
	v.SetDefault("breaker.quarantine_retry_after", DefaultQuarantineRetryAfter)
	v.SetDefault("breaker.reset_after", DefaultResetAfter)

	v.SetDefault("maintenance.breaker_sweep", DefaultBreakerSweep)
	v.SetDefault("maintenance.stale_claim_sweep", DefaultStaleClaimSweep)
	v.SetDefault("maintenance.stale_claim_after", DefaultStaleClaimAfter)
}

// Load reads configuration from the global config file, a project
// foreman.yaml in the working directory, and the environment.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return LoadFromPaths(cwd, ConfigFile())
}

// LoadFromPaths reads the global config file first and then merges the
// project config on top, so project settings override global ones. Missing
// files are fine; defaults cover everything.
func LoadFromPaths(projectDir, globalPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if globalPath != "" {
		if _, err := os.Stat(globalPath); err == nil {
			v.SetConfigFile(globalPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("reading %s: %w", globalPath, err)
			}
		}
	}

	if projectDir != "" {
		projectFile := filepath.Join(projectDir, ProjectConfigName)
		if _, err := os.Stat(projectFile); err == nil {
			v.SetConfigFile(projectFile)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("reading %s: %w", projectFile, err)
			}
		}
	}

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for contradictions and bad values.
func Validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}

	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return ErrInvalidLogFormat
	}

	if cfg.Logging.RetentionDays < 0 {
		return fmt.Errorf("logging.retention_days must not be negative, got %d", cfg.Logging.RetentionDays)
	}

	if cfg.Policy.MinMatchRatio < 0 || cfg.Policy.MinMatchRatio > 1 {
		return ErrInvalidMatchRatio
	}
	if cfg.Policy.AgeBonusPerHour < 0 {
		return fmt.Errorf("policy.age_bonus_per_hour must not be negative, got %v", cfg.Policy.AgeBonusPerHour)
	}
	if cfg.Policy.FailurePenalty < 0 {
		return fmt.Errorf("policy.failure_penalty must not be negative, got %v", cfg.Policy.FailurePenalty)
	}
	if cfg.Policy.MinEffectivePriority > cfg.Policy.MaxEffectivePriority {
		return ErrPriorityBounds
	}
	if cfg.Policy.FailureCap < 0 {
		return ErrInvalidFailureCap
	}
	if cfg.Policy.DefaultMaxTasks <= 0 {
		return ErrInvalidMaxTasks
	}
	if cfg.Policy.DefaultMaxConcurrent <= 0 {
		return ErrInvalidMaxConcurrent
	}

	for name, threshold := range cfg.Breaker.Thresholds {
		if !validFailureTypes[name] {
			return fmt.Errorf("breaker.thresholds: unknown failure type %q", name)
		}
		if threshold <= 0 {
			return fmt.Errorf("breaker.thresholds: %s must be positive, got %d", name, threshold)
		}
	}

	durations := []struct {
		key   string
		value string
	}{
		{"breaker.quarantine_retry_after", cfg.Breaker.QuarantineRetryAfter},
		{"breaker.reset_after", cfg.Breaker.ResetAfter},
		{"maintenance.breaker_sweep", cfg.Maintenance.BreakerSweep},
		{"maintenance.stale_claim_sweep", cfg.Maintenance.StaleClaimSweep},
		{"maintenance.stale_claim_after", cfg.Maintenance.StaleClaimAfter},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.key, d.value)
		}
	}

	if cfg.Server.HTTPAddr != "" && cfg.Server.AuthToken == "" {
		return ErrAuthTokenRequired
	}

	return nil
}

// GetQuarantineRetryAfter returns the parsed quarantine retry window.
func (c *Config) GetQuarantineRetryAfter() time.Duration {
	return durationOr(c.Breaker.QuarantineRetryAfter, DefaultQuarantineRetryAfter)
}

// GetResetAfter returns the parsed breaker cool-off window.
func (c *Config) GetResetAfter() time.Duration {
	return durationOr(c.Breaker.ResetAfter, DefaultResetAfter)
}

// GetBreakerSweep returns the parsed breaker sweep interval.
func (c *Config) GetBreakerSweep() time.Duration {
	return durationOr(c.Maintenance.BreakerSweep, DefaultBreakerSweep)
}

// GetStaleClaimSweep returns the parsed stale-claim sweep interval.
func (c *Config) GetStaleClaimSweep() time.Duration {
	return durationOr(c.Maintenance.StaleClaimSweep, DefaultStaleClaimSweep)
}

// GetStaleClaimAfter returns how long an agent may stay silent before its
// claims are reclaimed.
func (c *Config) GetStaleClaimAfter() time.Duration {
	return durationOr(c.Maintenance.StaleClaimAfter, DefaultStaleClaimAfter)
}

func durationOr(value, fallback string) time.Duration {
	if value == "" {
		value = fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// ResolvedDatabasePath returns the database path with ~ expanded.
func (c *Config) ResolvedDatabasePath() string {
	return expandPath(c.Database.Path)
}

// ResolvedLogPath returns the log directory with ~ expanded.
func (c *Config) ResolvedLogPath() string {
	return expandPath(c.Logging.Path)
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "foreman")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".config", "foreman")
}

// ConfigFile returns the path to the global config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}
