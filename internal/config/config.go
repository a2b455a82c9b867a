// Package config loads the oplogsync YAML configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"oplogsync/oplog"
)

// Checkpoint backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Sink types.
const (
	SinkMongo = "mongo"
	SinkRedis = "redis"
	SinkLog   = "log"
)

// Config is the root of the configuration file.
type Config struct {
	// RouterURI is the mongos connection string used for document lookups.
	RouterURI string `yaml:"router_uri"`

	Shards     []ShardConfig    `yaml:"shards"`
	Namespaces []string         `yaml:"namespaces"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Sink       SinkConfig       `yaml:"sink"`

	CycleDelay      time.Duration `yaml:"cycle_delay"`
	ResolveInterval time.Duration `yaml:"resolve_interval"`
	MaxAwait        time.Duration `yaml:"max_await"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	MaxAttempts   int           `yaml:"max_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`

	ScanBatchSize      int    `yaml:"scan_batch_size"`
	SkipInternalOrigin bool   `yaml:"skip_internal_origin"`
	DeletePolicy       string `yaml:"delete_policy"`

	Log         LogConfig `yaml:"log"`
	MetricsAddr string    `yaml:"metrics_addr"`
}

// ShardConfig names one shard replica set.
type ShardConfig struct {
	// Name overrides the source identity derived from URI.
	Name string `yaml:"name"`
	URI  string `yaml:"uri"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SinkConfig selects where resolved documents go.
type SinkConfig struct {
	Type      string        `yaml:"type"`
	URI       string        `yaml:"uri"`
	Database  string        `yaml:"database"`
	RedisAddr string        `yaml:"redis_addr"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration holding every default value. It is not
// valid on its own: router, shards and checkpoint path must be set.
func Default() *Config {
	opts := oplog.DefaultOptions()
	return &Config{
		Checkpoint: CheckpointConfig{Backend: BackendFile},
		Sink:       SinkConfig{Type: SinkLog},

		CycleDelay:      opts.CycleDelay,
		ResolveInterval: opts.ResolveInterval,
		MaxAwait:        time.Second,
		ShutdownTimeout: opts.ShutdownTimeout,

		MaxAttempts:   opts.MaxAttempts,
		RetryDelay:    opts.RetryDelay,
		MaxRetryDelay: opts.MaxRetryDelay,

		ScanBatchSize:      opts.ScanBatchSize,
		SkipInternalOrigin: opts.SkipInternalOrigin,
		DeletePolicy:       string(opts.DeletePolicy),

		Log: LogConfig{Level: "info"},
	}
}

// Load reads path, applies it over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start workers.
func (c *Config) Validate() error {
	if c.RouterURI == "" {
		return fmt.Errorf("router_uri: %w", oplog.ErrUnsupportedTopology)
	}
	if len(c.Shards) == 0 {
		return fmt.Errorf("%w: shards", oplog.ErrConfigMissing)
	}
	for i, shard := range c.Shards {
		if shard.URI == "" {
			return fmt.Errorf("%w: shards[%d].uri", oplog.ErrConfigMissing, i)
		}
	}
	for _, ns := range c.Namespaces {
		if _, _, err := oplog.SplitNamespace(ns); err != nil {
			return err
		}
	}

	switch c.Checkpoint.Backend {
	case BackendFile, BackendBadger:
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("%w: checkpoint.path", oplog.ErrConfigMissing)
		}
	case BackendRedis:
		if c.Checkpoint.RedisAddr == "" {
			return fmt.Errorf("%w: checkpoint.redis_addr", oplog.ErrConfigMissing)
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}

	switch c.Sink.Type {
	case SinkMongo:
		if c.Sink.URI == "" || c.Sink.Database == "" {
			return fmt.Errorf("%w: sink.uri and sink.database", oplog.ErrConfigMissing)
		}
	case SinkRedis:
		if c.Sink.RedisAddr == "" {
			return fmt.Errorf("%w: sink.redis_addr", oplog.ErrConfigMissing)
		}
	case SinkLog:
	default:
		return fmt.Errorf("unknown sink type %q", c.Sink.Type)
	}

	if err := c.Options().Validate(); err != nil {
		return fmt.Errorf("invalid worker options: %w", err)
	}
	return nil
}

// Options converts the worker settings into oplog.Options.
func (c *Config) Options() *oplog.Options {
	return &oplog.Options{
		CycleDelay:         c.CycleDelay,
		ResolveInterval:    c.ResolveInterval,
		MaxAttempts:        c.MaxAttempts,
		RetryDelay:         c.RetryDelay,
		MaxRetryDelay:      c.MaxRetryDelay,
		ScanBatchSize:      c.ScanBatchSize,
		SkipInternalOrigin: c.SkipInternalOrigin,
		DeletePolicy:       oplog.DeletePolicy(c.DeletePolicy),
		ShutdownTimeout:    c.ShutdownTimeout,
	}
}
