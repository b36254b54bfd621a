package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Backend.Type)
	assert.Equal(t, 15*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 25, cfg.Sync.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Connectivity.ProbeInterval)
	assert.Equal(t, "@every 5m", cfg.Scheduler.Spec)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(".learnsync", "offline.db"), cfg.DatabasePath())
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learnsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/learnsync
backend:
  type: mysql
  mysql:
    host: db.school.local
    database: learning
connectivity:
  probe_url: https://api.example.org/health
  probe_interval: 30s
sync:
  max_attempts: 0
  generic_kinds: [badge, streak]
logging:
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Backend.Type)
	assert.Equal(t, "db.school.local", cfg.Backend.MySQL.Host)
	assert.Equal(t, 3306, cfg.Backend.MySQL.Port)
	assert.Equal(t, 30*time.Second, cfg.Connectivity.ProbeInterval)
	assert.Equal(t, 0, cfg.Sync.MaxAttempts)
	assert.Equal(t, []string{"badge", "streak"}, cfg.Sync.GenericKinds)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/var/lib/learnsync/offline.db", cfg.DatabasePath())
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learnsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
database = "/tmp/custom.db"

[backend]
url = "https://api.example.org/v1"

[cache]
enabled = true
origin = "http://localhost:3000"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.org/v1", cfg.Backend.URL)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "/tmp/custom.db", cfg.DatabasePath())
}

func TestEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEARNSYNC_BACKEND_URL", "https://env.example.org")
	t.Setenv("LEARNSYNC_SYNC_MAX_ATTEMPTS", "7")
	t.Setenv("LEARNSYNC_CONNECTIVITY_INITIAL_ONLINE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.org", cfg.Backend.URL)
	assert.Equal(t, 7, cfg.Sync.MaxAttempts)
	assert.True(t, cfg.Connectivity.InitialOnline)
}

func TestValidation(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEARNSYNC_BACKEND_TYPE", "carrier-pigeon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
