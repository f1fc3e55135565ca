// Package config loads the sync engine's runtime configuration from
// environment variables via a scoped viper.New() instance rather than
// viper's global singleton, so tests can load independent configs
// concurrently without stepping on each other's env bindings.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ReconciliationAction selects what the reconciler does with drift it finds.
type ReconciliationAction string

const (
	ReconciliationMarkDeleted ReconciliationAction = "mark_deleted"
	ReconciliationHardDelete  ReconciliationAction = "hard_delete"
)

// Config holds every environment-sourced setting the engine needs at
// startup. Field names mirror the env var names with the prefix stripped.
type Config struct {
	PMAPIURL       string `mapstructure:"pm_api_url"`
	PMAPIToken     string `mapstructure:"pm_api_token"`
	TrackerRepoRoot string `mapstructure:"tracker_repo_root"`
	AgentsAPIURL   string `mapstructure:"agents_api_url"`
	AgentsToken    string `mapstructure:"agents_token"`
	ControlAgentID string `mapstructure:"control_agent_id"`

	// AnthropicAPIKey enables the optional AI-authored project-narrative
	// memory block (internal/summarize) when set. ANTHROPIC_API_KEY in the
	// environment always takes precedence, per that package's own
	// convention, so this is rarely needed outside of tests.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`

	ReconciliationIntervalMS int `mapstructure:"reconciliation_interval_ms"`
	FullSyncIntervalMS       int `mapstructure:"full_sync_interval_ms"`

	DBPath string `mapstructure:"db_path"`

	SyncIntervalMS int  `mapstructure:"sync_interval_ms"`
	ParallelSync   bool `mapstructure:"parallel_sync"`
	MaxWorkers     int  `mapstructure:"max_workers"`

	HealthPort int `mapstructure:"health_port"`

	ReconciliationAction  ReconciliationAction `mapstructure:"reconciliation_action"`
	ReconciliationDryRun  bool                 `mapstructure:"reconciliation_dry_run"`

	DedupeCacheTTLMS int `mapstructure:"dedupe_cache_ttl_ms"`

	HTTPMinRequestIntervalMS int `mapstructure:"http_min_request_interval_ms"`
	HTTPMaxRetryAttempts     int `mapstructure:"http_max_retry_attempts"`
	HTTPBaseBackoffMS        int `mapstructure:"http_base_backoff_ms"`
}

// envPrefix namespaces every env var this engine reads, e.g. PM_API_URL
// under prefix SYNCENGINE becomes SYNCENGINE_PM_API_URL. Kept empty so the
// documented env vars are read verbatim (PM_API_URL, not prefixed).
const envPrefix = ""

// Load reads configuration from the environment, applying defaults for
// every optional setting. Required settings with no sane default
// (PMAPIURL, TrackerRepoRoot, AgentsAPIURL) return an error if unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	for key, def := range defaults {
		v.SetDefault(key, def)
	}
	for key, envVar := range envBindings {
		if err := v.BindEnv(key, envVar); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", envVar, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envBindings = map[string]string{
	"pm_api_url":                   "PM_API_URL",
	"pm_api_token":                 "PM_API_TOKEN",
	"tracker_repo_root":            "TRACKER_REPO_ROOT",
	"agents_api_url":               "AGENTS_API_URL",
	"agents_token":                 "AGENTS_TOKEN",
	"control_agent_id":             "CONTROL_AGENT_ID",
	"anthropic_api_key":            "ANTHROPIC_API_KEY",
	"reconciliation_interval_ms":   "RECONCILIATION_INTERVAL_MS",
	"full_sync_interval_ms":        "FULL_SYNC_INTERVAL_MS",
	"db_path":                      "DB_PATH",
	"sync_interval_ms":             "SYNC_INTERVAL_MS",
	"parallel_sync":                "PARALLEL_SYNC",
	"max_workers":                  "MAX_WORKERS",
	"health_port":                  "HEALTH_PORT",
	"reconciliation_action":        "RECONCILIATION_ACTION",
	"reconciliation_dry_run":       "RECONCILIATION_DRY_RUN",
	"dedupe_cache_ttl_ms":          "DEDUPE_CACHE_TTL_MS",
	"http_min_request_interval_ms": "HTTP_MIN_REQUEST_INTERVAL_MS",
	"http_max_retry_attempts":      "HTTP_MAX_RETRY_ATTEMPTS",
	"http_base_backoff_ms":         "HTTP_BASE_BACKOFF_MS",
}

var defaults = map[string]any{
	"db_path":                      "./syncengine.db",
	"reconciliation_interval_ms":   int(time.Hour / time.Millisecond),
	"full_sync_interval_ms":        int(24 * time.Hour / time.Millisecond),
	"sync_interval_ms":             60_000,
	"parallel_sync":                true,
	"max_workers":                  5,
	"health_port":                  8080,
	"reconciliation_action":        string(ReconciliationMarkDeleted),
	"reconciliation_dry_run":       false,
	"dedupe_cache_ttl_ms":          15_000,
	"http_min_request_interval_ms": 100,
	"http_max_retry_attempts":      5,
	"http_base_backoff_ms":         250,
}

func (c *Config) validate() error {
	if c.PMAPIURL == "" {
		return fmt.Errorf("config: PM_API_URL is required")
	}
	if c.TrackerRepoRoot == "" {
		return fmt.Errorf("config: TRACKER_REPO_ROOT is required")
	}
	if c.AgentsAPIURL == "" {
		return fmt.Errorf("config: AGENTS_API_URL is required")
	}
	switch c.ReconciliationAction {
	case ReconciliationMarkDeleted, ReconciliationHardDelete:
	default:
		return fmt.Errorf("config: RECONCILIATION_ACTION must be %q or %q, got %q",
			ReconciliationMarkDeleted, ReconciliationHardDelete, c.ReconciliationAction)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("config: MAX_WORKERS must be >= 1")
	}
	return nil
}

// SyncInterval returns SyncIntervalMS as a time.Duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}

// DedupeCacheTTL returns DedupeCacheTTLMS as a time.Duration.
func (c *Config) DedupeCacheTTL() time.Duration {
	return time.Duration(c.DedupeCacheTTLMS) * time.Millisecond
}

// HTTPMinRequestInterval returns HTTPMinRequestIntervalMS as a time.Duration.
func (c *Config) HTTPMinRequestInterval() time.Duration {
	return time.Duration(c.HTTPMinRequestIntervalMS) * time.Millisecond
}

// HTTPBaseBackoff returns HTTPBaseBackoffMS as a time.Duration.
func (c *Config) HTTPBaseBackoff() time.Duration {
	return time.Duration(c.HTTPBaseBackoffMS) * time.Millisecond
}

// ReconciliationInterval returns ReconciliationIntervalMS as a time.Duration.
func (c *Config) ReconciliationInterval() time.Duration {
	return time.Duration(c.ReconciliationIntervalMS) * time.Millisecond
}

// FullSyncInterval returns FullSyncIntervalMS as a time.Duration.
func (c *Config) FullSyncInterval() time.Duration {
	return time.Duration(c.FullSyncIntervalMS) * time.Millisecond
}
