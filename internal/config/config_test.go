package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("MSGCORE_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("MSGCORE_CALLS_RING_TIMEOUT", "30s")
	t.Setenv("MSGCORE_STORAGE_DRIVER", "pebble")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 30*time.Second, cfg.Calls.RingTimeout)
	assert.Equal(t, "pebble", cfg.Storage.Driver)
	assert.Equal(t, 60*time.Second, cfg.Presence.Grace)
	assert.Equal(t, 5*time.Minute, cfg.Presence.Offline)
	assert.Equal(t, 5*time.Second, cfg.Typing.TTL)
	assert.Equal(t, 30*time.Second, cfg.Notify.DedupWindow)
	assert.Equal(t, ":8083", cfg.Server.Addr)
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messaging.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[auth]
jwt_secret = "from-file"

[housekeeping]
cron = "*/5 * * * *"

[log]
level = "debug"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "*/5 * * * *", cfg.Housekeeping.Cron)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("MSGCORE_AUTH_JWT_SECRET", "x")
	t.Setenv("MSGCORE_HOUSEKEEPING_CRON", "not a cron")
	t.Setenv("MSGCORE_STORAGE_DRIVER", "postgres")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "housekeeping.cron")
	assert.Contains(t, err.Error(), "postgres_dsn")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "storage.postgres_dsn", envKey("MSGCORE_STORAGE_POSTGRES_DSN"))
	assert.Equal(t, "server.addr", envKey("MSGCORE_SERVER_ADDR"))
}
