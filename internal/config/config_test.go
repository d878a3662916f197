package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

var keys = []string{
	"ADDR", "STORE_BACKEND", "DATABASE_URL", "LOG_LEVEL",
	"LOG_DEV", "FEED_BUFFER", "SHUTDOWN_TIMEOUT",
}

// clearEnv unsets every config variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func writeEnvFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, Config{
		Addr:            ":8080",
		StoreBackend:    BackendMemory,
		LogLevel:        "info",
		FeedBuffer:      256,
		ShutdownTimeout: 10 * time.Second,
	}, cfg)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	clearEnv(t)
	path := writeEnvFile(t, "ADDR=:9090\nSTORE_BACKEND=postgres\nDATABASE_URL=postgres://x\nFEED_BUFFER=32\n")
	t.Setenv("FEED_BUFFER", "64")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, "postgres://x", cfg.DatabaseURL)
	assert.Equal(t, 64, cfg.FeedBuffer, "the environment wins over the file")
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"STORE_BACKEND": "redis"}},
		{"postgres without url", map[string]string{"STORE_BACKEND": "postgres"}},
		{"zero feed buffer", map[string]string{"FEED_BUFFER": "0"}},
		{"bad duration", map[string]string{"SHUTDOWN_TIMEOUT": "soon"}},
		{"bad bool", map[string]string{"LOG_DEV": "maybe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(Config{LogLevel: "debug", LogDev: true})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = NewLogger(Config{LogLevel: "warn"})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger(Config{LogLevel: "loud"})
	assert.Error(t, err)
}
