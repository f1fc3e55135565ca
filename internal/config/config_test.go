package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PM_API_URL", "https://pm.example.com")
	t.Setenv("TRACKER_REPO_ROOT", "/repo")
	t.Setenv("AGENTS_API_URL", "https://agents.example.com")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./syncengine.db", cfg.DBPath)
	assert.Equal(t, 60_000, cfg.SyncIntervalMS)
	assert.True(t, cfg.ParallelSync)
	assert.Equal(t, 5, cfg.MaxWorkers)
	assert.Equal(t, 8080, cfg.HealthPort)
	assert.Equal(t, ReconciliationMarkDeleted, cfg.ReconciliationAction)
	assert.False(t, cfg.ReconciliationDryRun)
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_WORKERS", "10")
	t.Setenv("RECONCILIATION_ACTION", "hard_delete")
	t.Setenv("RECONCILIATION_DRY_RUN", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.Equal(t, ReconciliationHardDelete, cfg.ReconciliationAction)
	assert.True(t, cfg.ReconciliationDryRun)
}

func TestLoadControlAgentIDOptional(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.ControlAgentID)

	t.Setenv("CONTROL_AGENT_ID", "agent-control-1")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "agent-control-1", cfg.ControlAgentID)
}

func TestLoadRejectsInvalidReconciliationAction(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RECONCILIATION_ACTION", "nonsense")

	_, err := Load()
	require.Error(t, err)
}

func TestAnthropicAPIKeyOptional(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AnthropicAPIKey)
}

func TestReconciliationAndFullSyncIntervalDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.ReconciliationInterval())
	assert.Equal(t, 24*time.Hour, cfg.FullSyncInterval())
}

func TestDurationHelpers(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNC_INTERVAL_MS", "5000")
	t.Setenv("HTTP_BASE_BACKOFF_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5_000_000_000, int(cfg.SyncInterval()))
	assert.Equal(t, 250_000_000, int(cfg.HTTPBaseBackoff()))
}
