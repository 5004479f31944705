package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Millisecond, cfg.Collection.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, "gateway.push", cfg.NATS.SubjectPrefix)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")

	content := `
collection:
  tick_interval: 20ms
  workers: 4
pool:
  max_size: 2
cache:
  push_interval: 10s
websocket:
  addr: ":9999"
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, 20*time.Millisecond, cfg.Collection.TickInterval)
	assert.Equal(t, 4, cfg.Collection.Workers)
	assert.Equal(t, 2, cfg.Pool.MaxSize)
	assert.Equal(t, 10*time.Second, cfg.Cache.PushInterval)
	assert.Equal(t, ":9999", cfg.WebSocket.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Defaults survive partial files
	assert.Equal(t, 30*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, time.Second, cfg.Cache.FlushInterval)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick interval", func(c *Config) { c.Collection.TickInterval = 0 }},
		{"zero workers", func(c *Config) { c.Collection.Workers = 0 }},
		{"zero pool size", func(c *Config) { c.Pool.MaxSize = 0 }},
		{"negative acquire timeout", func(c *Config) { c.Pool.AcquireTimeout = -1 }},
		{"zero flush interval", func(c *Config) { c.Cache.FlushInterval = 0 }},
		{"zero push interval", func(c *Config) { c.Cache.PushInterval = 0 }},
		{"empty store dsn", func(c *Config) { c.Store.DSN = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
