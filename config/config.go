// Package config loads and validates the gateway's startup configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration
type Config struct {
	Collection  CollectionConfig  `yaml:"collection"`
	Pool        PoolConfig        `yaml:"pool"`
	Cache       CacheConfig       `yaml:"cache"`
	NATS        NATSConfig        `yaml:"nats"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Store       StoreConfig       `yaml:"store"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Log         LogConfig         `yaml:"log"`
}

// CollectionConfig holds scheduler and executor tunables
type CollectionConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`     // scheduler tick granularity
	DefaultScanRate time.Duration `yaml:"default_scan_rate"` // used when a point has none
	Workers         int           `yaml:"workers"`           // executor worker count
	QueueSize       int           `yaml:"queue_size"`        // executor task queue depth
}

// PoolConfig holds connection pool tunables
type PoolConfig struct {
	MaxSize             int           `yaml:"max_size"`              // per-channel connection bound
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`       // bounded wait when saturated
	AcquirePollInterval time.Duration `yaml:"acquire_poll_interval"` // slot re-check cadence
	HealthSweepInterval time.Duration `yaml:"health_sweep_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"` // liveness staleness bound
	IdleExpiry          time.Duration `yaml:"idle_expiry"`           // idle connection lifetime
	ActiveExpiry        time.Duration `yaml:"active_expiry"`         // stuck in-use bound
}

// CacheConfig holds value-cache tunables
type CacheConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"` // dirty drain cadence
	PushInterval  time.Duration `yaml:"push_interval"`  // full-snapshot resync cadence
	MaxAge        time.Duration `yaml:"max_age"`        // idle entry expiry window
}

// NATSConfig defines pub/sub hub connection settings
type NATSConfig struct {
	URL            string        `yaml:"url"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	CommandSubject string        `yaml:"command_subject"`
}

// WebSocketConfig defines the raw socket manager's listener
type WebSocketConfig struct {
	Addr           string        `yaml:"addr"`
	Path           string        `yaml:"path"`
	SendBufferSize int           `yaml:"send_buffer_size"` // per-connection outbound queue
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// StoreConfig points at the device/point store
type StoreConfig struct {
	DSN string `yaml:"dsn"` // sqlite database path
}

// DiagnosticsConfig defines the metrics/introspection listener
type DiagnosticsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns a configuration with production defaults applied
func Default() *Config {
	return &Config{
		Collection: CollectionConfig{
			TickInterval:    10 * time.Millisecond,
			DefaultScanRate: time.Second,
			Workers:         16,
			QueueSize:       1024,
		},
		Pool: PoolConfig{
			MaxSize:             4,
			AcquireTimeout:      30 * time.Second,
			AcquirePollInterval: 100 * time.Millisecond,
			HealthSweepInterval: 60 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			IdleExpiry:          10 * time.Minute,
			ActiveExpiry:        30 * time.Minute,
		},
		Cache: CacheConfig{
			FlushInterval: time.Second,
			PushInterval:  30 * time.Second,
			MaxAge:        time.Hour,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			SubjectPrefix:  "gateway.push",
			CommandSubject: "gateway.command",
		},
		WebSocket: WebSocketConfig{
			Addr:           ":8090",
			Path:           "/ws",
			SendBufferSize: 256,
			PingInterval:   30 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		Store: StoreConfig{
			DSN: "gateway.db",
		},
		Diagnostics: DiagnosticsConfig{
			Addr: ":9102",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file and merges it over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: validate %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the config for values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Collection.TickInterval <= 0 {
		return errors.New("collection.tick_interval must be positive")
	}
	if c.Collection.Workers <= 0 {
		return errors.New("collection.workers must be positive")
	}
	if c.Collection.QueueSize <= 0 {
		return errors.New("collection.queue_size must be positive")
	}
	if c.Pool.MaxSize <= 0 {
		return errors.New("pool.max_size must be positive")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return errors.New("pool.acquire_timeout must be positive")
	}
	if c.Pool.AcquirePollInterval <= 0 {
		return errors.New("pool.acquire_poll_interval must be positive")
	}
	if c.Cache.FlushInterval <= 0 {
		return errors.New("cache.flush_interval must be positive")
	}
	if c.Cache.PushInterval <= 0 {
		return errors.New("cache.push_interval must be positive")
	}
	if c.Cache.MaxAge <= 0 {
		return errors.New("cache.max_age must be positive")
	}
	if c.WebSocket.SendBufferSize <= 0 {
		return errors.New("websocket.send_buffer_size must be positive")
	}
	if c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}
