package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// inTempDir runs the test from an empty directory so no config.yaml leaks in.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Empty(t, cfg.Server.WebhookSecret)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2000, cfg.Poller.InitialDelayMs)
	assert.Equal(t, 5000, cfg.Poller.IntervalMs)
	assert.Equal(t, 5, cfg.Poller.NotFoundRetries)
	assert.Equal(t, 3, cfg.Poller.MaxRetries)
	assert.Equal(t, 35, cfg.Poller.MaxRuntimeMins)
	assert.Equal(t, 12, cfg.Poller.StaleThreshold)
	assert.Equal(t, 60, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 10, cfg.Monitoring.StallAfterMins)
}

func TestLoadFromYAML(t *testing.T) {
	dir := inTempDir(t)

	yaml := `
store:
  driver: sqlite
  database_url: runs.db
log:
  level: debug
  format: console
server:
  port: 9090
  cors_origins: ["https://app.example.com"]
poller:
  interval_ms: 1000
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "runs.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 1000, cfg.Poller.IntervalMs)
	// Defaults still apply for unset values
	assert.Equal(t, 2000, cfg.Poller.InitialDelayMs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := inTempDir(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("RUNSYNC_STORE_DRIVER", "postgres")
	t.Setenv("RUNSYNC_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadWebhookSecretEnv(t *testing.T) {
	inTempDir(t)
	t.Setenv("WEBHOOK_SECRET", "legacy")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "legacy", cfg.Server.WebhookSecret)

	t.Setenv("RUNSYNC_SERVER_WEBHOOK_SECRET", "prefixed")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cfg.Server.WebhookSecret)
}

func TestPollerDurations(t *testing.T) {
	p := PollerConfig{InitialDelayMs: 2000, IntervalMs: 5000, NotFoundDelayMs: 1000, BackoffBaseMs: 5000, MaxRuntimeMins: 35}
	initial, interval, notFound, backoff, maxRuntime := p.Durations()

	assert.Equal(t, 2*time.Second, initial)
	assert.Equal(t, 5*time.Second, interval)
	assert.Equal(t, time.Second, notFound)
	assert.Equal(t, 5*time.Second, backoff)
	assert.Equal(t, 35*time.Minute, maxRuntime)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		mutate  func(*Config)
		wantErr string
	}{
		{"serve ok", "serve", func(c *Config) { c.Store.DatabaseURL = "postgres://localhost/runs" }, ""},
		{"serve missing url", "serve", func(*Config) {}, "store.database_url is required"},
		{"serve bad port", "serve", func(c *Config) {
			c.Store.DatabaseURL = "postgres://x"
			c.Server.Port = 0
		}, "server.port"},
		{"bad driver", "store", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"sqlite ok", "store", func(c *Config) {
			c.Store.Driver = "sqlite"
			c.Store.DatabaseURL = "runs.db"
		}, ""},
		{"watch ok", "watch", func(*Config) {}, ""},
		{"watch missing base url", "watch", func(c *Config) { c.Poller.BaseURL = "" }, "poller.base_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Store:  StoreConfig{Driver: "postgres"},
				Server: ServerConfig{Port: 8080},
				Poller: PollerConfig{BaseURL: "http://localhost:8080", IntervalMs: 5000},
			}
			tt.mutate(cfg)
			err := cfg.Validate(tt.mode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
