package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  sqlite_path: /tmp/test.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/tmp/test.db", cfg.Store.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.Equal(t, 1, cfg.Ingest.MaxConcurrentJobs)
	assert.Equal(t, 2, cfg.Ingest.NumWorkers)
	assert.Equal(t, 32*1024*1024, cfg.Ingest.FragmentMaxBytes)
	assert.Equal(t, 15*time.Second, cfg.Ingest.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.Ingest.HeartbeatTimeout)
	assert.Equal(t, int64(50000), cfg.Ingest.FailFastThreshold)
	assert.Equal(t, 12, cfg.Ingest.MinColumns)
	assert.Equal(t, 3, cfg.Ingest.CurrencyIndex)
	assert.Equal(t, 10, cfg.Ingest.ProvinceIndex)
	assert.Equal(t, 11, cfg.Ingest.ProductIndex)

	// 75% of 2048 MB.
	assert.InDelta(t, 1536.0, cfg.Ingest.MemoryLimitMB(), 0.001)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
store:
  backend: postgres
  postgres_dsn: postgres://linehaul@localhost/jobs
ingest:
  num_workers: 8
  fragment_max_bytes: 1048576
  heartbeat_interval: 5s
  min_columns: 18
refdata:
  currency: [CAD, USD]
  province: [ON]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, 8, cfg.Ingest.NumWorkers)
	assert.Equal(t, 1048576, cfg.Ingest.FragmentMaxBytes)
	assert.Equal(t, 5*time.Second, cfg.Ingest.HeartbeatInterval)
	assert.Equal(t, 18, cfg.Ingest.MinColumns)
	assert.Equal(t, []string{"CAD", "USD"}, cfg.RefData["currency"])
	assert.Equal(t, []string{"ON"}, cfg.RefData["province"])
}

func TestLoadRejectsBadBackend(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: dynamo
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}

func TestLoadRequiresPostgresDSN(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: postgres
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}
