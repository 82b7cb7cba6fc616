package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"COLLAB_CONFIG_FILE", "API_ADDR", "DATABASE_URL", "COLLAB_STORE", "REDIS_URL",
		"COLLAB_JWT_SECRET", "COLLAB_CORS_ORIGIN", "COLLAB_LOCK_TTL_SECONDS",
		"COLLAB_LOCK_SWEEP_SECONDS", "COLLAB_HEARTBEAT_SECONDS", "COLLAB_LOG_LEVEL", "COLLAB_LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, StoreSQL, cfg.Store)
	assert.Equal(t, 60*time.Second, cfg.LockTTL)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Zero(t, cfg.LockSweepInterval)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("COLLAB_STORE", "Redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("COLLAB_LOCK_TTL_SECONDS", "90")
	t.Setenv("COLLAB_LOCK_SWEEP_SECONDS", "15")
	t.Setenv("COLLAB_HEARTBEAT_SECONDS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
	assert.Equal(t, 90*time.Second, cfg.LockTTL)
	assert.Equal(t, 15*time.Second, cfg.LockSweepInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
}

func TestLoadYAMLOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
store: redis
lock:
  ttl_seconds: 120
presence:
  heartbeat_seconds: 10
log:
  level: debug
  format: text
`), 0o600))
	t.Setenv("COLLAB_CONFIG_FILE", path)
	t.Setenv("COLLAB_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, 120*time.Second, cfg.LockTTL)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "warn", cfg.LogLevel, "environment wins over the file")
}

func TestLoadRejectsBadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lock: [unterminated"), 0o600))
	t.Setenv("COLLAB_CONFIG_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	require.NoError(t, cfg.Validate())

	cfg.Store = "etcd"
	cfg.LockTTL = 0
	cfg.JWTSecret = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COLLAB_STORE")
	assert.Contains(t, err.Error(), "lock TTL")
	assert.Contains(t, err.Error(), "COLLAB_JWT_SECRET")
}
