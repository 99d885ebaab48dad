package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWorkerConfig(t *testing.T) {
	t.Setenv("DURON_DB_DSN", "postgres://localhost:5432/duron")
	t.Setenv("DURON_DB_MAX_OPEN_CONNS", "40")
	t.Setenv("DURON_CLIENT_ID", "worker-a")
	t.Setenv("DURON_SYNC_PATTERN", "hybrid")
	t.Setenv("DURON_PULL_INTERVAL", "2s")
	t.Setenv("DURON_MULTI_PROCESS_MODE", "true")

	cfg, err := LoadWorkerConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost:5432/duron", cfg.Database.DSN)
	assert.Equal(t, 40, cfg.Database.MaxOpenConns)
	assert.Equal(t, "worker-a", cfg.Client.ID)
	assert.Equal(t, "hybrid", cfg.Client.SyncPattern)
	assert.Equal(t, 2*time.Second, cfg.Client.PullInterval)
	assert.True(t, cfg.Client.MultiProcessMode)
	assert.Equal(t, "duron-worker", cfg.Observability.ServiceName)
}

func TestLoadWorkerConfigRequiresDSN(t *testing.T) {
	t.Setenv("DURON_DB_DSN", "")
	_, err := LoadWorkerConfig()
	require.ErrorIs(t, err, ErrDSNRequired)
}

func TestClientConfigRejectsUnknownSyncPattern(t *testing.T) {
	t.Setenv("DURON_DB_DSN", "postgres://localhost:5432/duron")
	t.Setenv("DURON_SYNC_PATTERN", "sometimes")

	_, err := LoadWorkerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DURON_SYNC_PATTERN")
}
