package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/store"
)

const sample = `
baseURL: https://api.example.com
requestTimeout: 5s
refreshTimeout: 3s
expiryLeeway: 30s
replayWorkers: 4
retryMax: 2
paths:
  refresh: /v2/auth/refresh
store:
  kind: redis
  redis:
    addr: redis:6379
    namespace: device-1
log:
  level: debug
telemetry:
  endpoint: otel.example.com:4317
  traces: true
`

func TestParse(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte(sample), cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://api.example.com", cfg.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 3*time.Second, cfg.RefreshTimeout)
	assert.Equal(t, 30*time.Second, cfg.ExpiryLeeway)
	assert.Equal(t, 4, cfg.ReplayWorkers)
	assert.Equal(t, 2, cfg.RetryMax)
	assert.Equal(t, "/v2/auth/refresh", cfg.Paths.Refresh)
	assert.Equal(t, "/api/auth/login", cfg.Paths.Login, "unset paths keep their defaults")
	assert.Equal(t, store.KindRedis, cfg.Store.Kind)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, common.Name, cfg.Store.Redis.Prefix)
	assert.Equal(t, "device-1", cfg.Store.Redis.Namespace)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Telemetry.Traces)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	assert.Error(t, Parse([]byte("baseURL: http://x\nbogus: 1\n"), Default()))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, common.ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("AUTHKEEPER_STORE=memory\nAUTHKEEPER_LOG_LEVEL=warn\n"), 0o644))
	t.Setenv(common.EnvLogLevel, "trace")
	t.Setenv(common.EnvDataPath, dir)

	cfg, err := Load(path, dotenv)
	require.NoError(t, err)
	assert.Equal(t, store.KindMemory, cfg.Store.Kind)
	assert.Equal(t, "trace", cfg.Log.Level, "the environment wins over the .env file")
	assert.Equal(t, filepath.Join(dir, common.CredentialsFileName), cfg.CredentialsPath())
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"), filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, Default().RefreshTimeout, cfg.RefreshTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative base URL", func(c *Config) { c.BaseURL = "/api" }},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"zero refresh timeout", func(c *Config) { c.RefreshTimeout = 0 }},
		{"negative leeway", func(c *Config) { c.ExpiryLeeway = -time.Second }},
		{"no replay workers", func(c *Config) { c.ReplayWorkers = 0 }},
		{"negative retries", func(c *Config) { c.RetryMax = -1 }},
		{"unknown store", func(c *Config) { c.Store.Kind = "sqlite" }},
		{"redis without address", func(c *Config) {
			c.Store.Kind = store.KindRedis
			c.Store.Redis.Addr = ""
		}},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLogOptions(t *testing.T) {
	cfg := Default()
	cfg.Log.Path = "/tmp/authkeeper.log"
	opts := cfg.Log.Options()
	assert.Equal(t, "info", opts.Level)
	assert.Equal(t, "/tmp/authkeeper.log", opts.Path)
	assert.Equal(t, 10, opts.MaxSizeMB)
}
