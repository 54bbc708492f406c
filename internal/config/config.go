// Package config carries the recognized pipeline options. Values come from an
// optional YAML file overridden by environment variables, so a bare process
// with a few env vars and a fully specified deployment file both work.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Sink backpressure policies.
const (
	SinkPolicyBlock      = "block"
	SinkPolicyDropOldest = "drop_oldest"
)

// Config is the full configuration surface of the pipeline.
type Config struct {
	StrategyName             string `yaml:"strategy_name"`
	CacheTTLSeconds          int    `yaml:"cache_ttl_seconds"`
	CacheMaxEntries          int    `yaml:"cache_max_entries"`
	ReorderBufferMaxWaitMS   int    `yaml:"reorder_buffer_max_wait_ms"`
	ReorderBufferMaxSize     int    `yaml:"reorder_buffer_max_size"`
	EnrichmentTimeoutMS      int    `yaml:"enrichment_timeout_ms"`
	StrictStrategyResolution bool   `yaml:"strict_strategy_resolution"`

	StreamQueueMax       int    `yaml:"stream_queue_max"`
	StreamIdleTimeoutMS  int    `yaml:"stream_idle_timeout_ms"`
	CacheSweepIntervalMS int    `yaml:"cache_sweep_interval_ms"`
	CachePersistDir      string `yaml:"cache_persist_dir"`

	SinkBufferSize int    `yaml:"sink_buffer_size"`
	SinkPolicy     string `yaml:"sink_policy"`

	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		StrategyName:             "standard",
		CacheTTLSeconds:          300,
		CacheMaxEntries:          4096,
		ReorderBufferMaxWaitMS:   2000,
		ReorderBufferMaxSize:     64,
		EnrichmentTimeoutMS:      5000,
		StrictStrategyResolution: false,
		StreamQueueMax:           128,
		StreamIdleTimeoutMS:      300_000,
		CacheSweepIntervalMS:     30_000,
		SinkBufferSize:           256,
		SinkPolicy:               SinkPolicyBlock,
		ListenAddr:               ":8080",
		LogLevel:                 "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// $CONFIG_PATH when path is empty; a missing default file is fine), then
// environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("STRATEGY_NAME", &c.StrategyName)
	envInt("CACHE_TTL_SECONDS", &c.CacheTTLSeconds)
	envInt("CACHE_MAX_ENTRIES", &c.CacheMaxEntries)
	envInt("REORDER_BUFFER_MAX_WAIT_MS", &c.ReorderBufferMaxWaitMS)
	envInt("REORDER_BUFFER_MAX_SIZE", &c.ReorderBufferMaxSize)
	envInt("ENRICHMENT_TIMEOUT_MS", &c.EnrichmentTimeoutMS)
	envBool("STRICT_STRATEGY_RESOLUTION", &c.StrictStrategyResolution)
	envInt("STREAM_QUEUE_MAX", &c.StreamQueueMax)
	envInt("STREAM_IDLE_TIMEOUT_MS", &c.StreamIdleTimeoutMS)
	envInt("CACHE_SWEEP_INTERVAL_MS", &c.CacheSweepIntervalMS)
	envStr("CACHE_PERSIST_DIR", &c.CachePersistDir)
	envInt("SINK_BUFFER_SIZE", &c.SinkBufferSize)
	envStr("SINK_POLICY", &c.SinkPolicy)
	envStr("LISTEN_ADDR", &c.ListenAddr)
	envStr("LOG_LEVEL", &c.LogLevel)
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.StrategyName == "" {
		return fmt.Errorf("config: strategy_name must not be empty")
	}
	if c.CacheTTLSeconds <= 0 {
		return fmt.Errorf("config: cache_ttl_seconds must be positive, got %d", c.CacheTTLSeconds)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("config: cache_max_entries must be positive, got %d", c.CacheMaxEntries)
	}
	if c.ReorderBufferMaxWaitMS <= 0 {
		return fmt.Errorf("config: reorder_buffer_max_wait_ms must be positive, got %d", c.ReorderBufferMaxWaitMS)
	}
	if c.ReorderBufferMaxSize <= 0 {
		return fmt.Errorf("config: reorder_buffer_max_size must be positive, got %d", c.ReorderBufferMaxSize)
	}
	if c.EnrichmentTimeoutMS <= 0 {
		return fmt.Errorf("config: enrichment_timeout_ms must be positive, got %d", c.EnrichmentTimeoutMS)
	}
	if c.StreamQueueMax <= 0 {
		return fmt.Errorf("config: stream_queue_max must be positive, got %d", c.StreamQueueMax)
	}
	if c.StreamIdleTimeoutMS <= 0 {
		return fmt.Errorf("config: stream_idle_timeout_ms must be positive, got %d", c.StreamIdleTimeoutMS)
	}
	if c.CacheSweepIntervalMS <= 0 {
		return fmt.Errorf("config: cache_sweep_interval_ms must be positive, got %d", c.CacheSweepIntervalMS)
	}
	if c.SinkBufferSize <= 0 {
		return fmt.Errorf("config: sink_buffer_size must be positive, got %d", c.SinkBufferSize)
	}
	if c.SinkPolicy != SinkPolicyBlock && c.SinkPolicy != SinkPolicyDropOldest {
		return fmt.Errorf("config: sink_policy must be %q or %q, got %q", SinkPolicyBlock, SinkPolicyDropOldest, c.SinkPolicy)
	}
	return nil
}

// Duration views over the millisecond/second options.

func (c Config) CacheTTL() time.Duration { return time.Duration(c.CacheTTLSeconds) * time.Second }

func (c Config) ReorderMaxWait() time.Duration {
	return time.Duration(c.ReorderBufferMaxWaitMS) * time.Millisecond
}

func (c Config) EnrichmentTimeout() time.Duration {
	return time.Duration(c.EnrichmentTimeoutMS) * time.Millisecond
}

func (c Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutMS) * time.Millisecond
}

func (c Config) CacheSweepInterval() time.Duration {
	return time.Duration(c.CacheSweepIntervalMS) * time.Millisecond
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
