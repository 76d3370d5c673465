package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var keys = []string{
	"PORT", "ENVIRONMENT", "DATABASE_PATH", "JWT_SECRET", "TOKEN_TTL", "CORS_ORIGINS",
	"LOG_LEVEL", "SERVER_URL", "REQUEST_TIMEOUT", "WS_RATE_LIMIT",
}

// unsetAll clears every key for the test and restores them afterwards.
func unsetAll(t *testing.T, extra ...string) {
	t.Helper()
	for _, key := range append(keys, extra...) {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func writeEnvFile(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadReadsExplicitEnvFile(t *testing.T) {
	unsetAll(t)

	envPath := writeEnvFile(t, t.TempDir(), `
PORT=9090
ENVIRONMENT=production
DATABASE_PATH=/var/lib/hamgam/hamgam.db
JWT_SECRET=super-secret
TOKEN_TTL=2h
CORS_ORIGINS=https://example.com
LOG_LEVEL=debug
SERVER_URL=wss://chat.example.com/ws
REQUEST_TIMEOUT=3s
WS_RATE_LIMIT=5-S
`)
	t.Setenv(EnvFileVar, envPath)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "9090", cfg.Port)
	require.True(t, cfg.IsProduction())
	require.Equal(t, "/var/lib/hamgam/hamgam.db", cfg.DatabasePath)
	require.Equal(t, "super-secret", cfg.JWTSecret)
	require.Equal(t, 2*time.Hour, cfg.TokenTTL)
	require.Equal(t, "https://example.com", cfg.CORSOrigins)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "wss://chat.example.com/ws", cfg.ServerURL)
	require.Equal(t, 3*time.Second, cfg.RequestTimeout)
	require.Equal(t, "5-S", cfg.WSRateLimit)
}

func TestLoadEnvVarOverridesEnvFile(t *testing.T) {
	unsetAll(t)

	envPath := writeEnvFile(t, t.TempDir(), `
PORT=9090
DATABASE_PATH=/var/lib/hamgam/hamgam.db
JWT_SECRET=file-secret
`)
	t.Setenv(EnvFileVar, envPath)
	t.Setenv("DATABASE_PATH", "/override.db")
	t.Setenv("PORT", "7777")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "7777", cfg.Port)
	require.Equal(t, "/override.db", cfg.DatabasePath)
	require.Equal(t, "file-secret", cfg.JWTSecret)
}

func TestLoadFallsBackToDefaultsWhenNoEnvFile(t *testing.T) {
	unsetAll(t, EnvFileVar)
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "./data/hamgam.db", cfg.DatabasePath)
	require.Equal(t, 24*time.Hour, cfg.TokenTTL)
	require.Equal(t, 10*time.Second, cfg.RequestTimeout)
	require.False(t, cfg.IsProduction())
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	unsetAll(t)
	t.Setenv(EnvFileVar, filepath.Join(t.TempDir(), "missing.env"))

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	unsetAll(t, EnvFileVar)
	t.Chdir(t.TempDir())
	t.Setenv("TOKEN_TTL", "forever")

	_, err := Load()
	require.Error(t, err)
}
