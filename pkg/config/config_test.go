package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "microsoft", cfg.Provider)
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, 20, cfg.MaxPerCycle)
	assert.Equal(t, 60, cfg.CycleSeconds)
	assert.Equal(t, 100, cfg.MaxPerDay)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
provider: microsoft
account_id: collections@acme.test
client_id: app-123
tenant_id: tenant-456
batch_size: 5
watch_dirs:
  - /srv/invoices
reply_senders:
  - client@acme.test
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "collections@acme.test", cfg.AccountID)
	assert.Equal(t, "app-123", cfg.ClientID)
	assert.Equal(t, "tenant-456", cfg.TenantID)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, []string{"/srv/invoices"}, cfg.WatchDirs)
	assert.Equal(t, []string{"client@acme.test"}, cfg.ReplySenders)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("account_id: from-file\n"), 0o600))
	t.Setenv("COLLECTIONS_ACCOUNT_ID", "from-env")
	t.Setenv("COLLECTIONS_MAX_PER_CYCLE", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.AccountID)
	assert.Equal(t, 7, cfg.MaxPerCycle)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultPathsEnvOverride(t *testing.T) {
	data := t.TempDir()
	cache := t.TempDir()
	t.Setenv("COLLECTIONS_DATA_DIR", data)
	t.Setenv("COLLECTIONS_CACHE_DIR", cache)

	p, err := DefaultPaths()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(data, "state"), p.StateDir())
	assert.Equal(t, filepath.Join(data, "events.log"), p.EventLog())
	assert.Equal(t, filepath.Join(data, "collections.ledger"), p.Ledger())
	assert.Equal(t, filepath.Join(cache, "queues"), p.QueueDir())
	assert.Equal(t, filepath.Join(cache, "heartbeats"), p.HeartbeatDir())

	require.NoError(t, p.Ensure())
	for _, dir := range []string{p.StateDir(), p.QueueDir(), p.HeartbeatDir(), p.SecretsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestDefaultPathsHomeFallback(t *testing.T) {
	t.Setenv("COLLECTIONS_DATA_DIR", "")
	t.Setenv("COLLECTIONS_CACHE_DIR", "")

	p, err := DefaultPaths()
	require.NoError(t, err)
	assert.Contains(t, p.DataRoot, "novotechno-collections")
	assert.Contains(t, p.CacheRoot, "novotechno-collections")
}
