// Package config defines the typed configuration surface of spec.md
// §6's "Environment configuration" section: base URL, cache caps,
// fetcher retry schedule, and sync retry schedule, loaded from a YAML
// file and overridden by environment variables. Grounded on the
// teacher's internal/config/config.go struct/yaml-tag/default-tag
// shape, with the os.Getenv fallback-default overlay read the way
// cmd/vaultaire/main.go reads PORT/DB_HOST/DB_PORT.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object for the catalog core.
type Config struct {
	BaseURL   string          `yaml:"base_url"`
	Cache     CacheConfig     `yaml:"cache"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	SyncRetry SyncRetryConfig `yaml:"sync_retry"`
}

// CacheConfig tunes the Bounded LRU Cache (§4.1).
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries" default:"2000"`
	MaxBytes   int64         `yaml:"max_bytes" default:"67108864"`
	TTL        time.Duration `yaml:"ttl" default:"15m"`
}

// FetcherConfig tunes the Background Fetcher's (§4.3) sleep schedule.
type FetcherConfig struct {
	MinSleep          time.Duration `yaml:"min_sleep" default:"5ms"`
	MaxSleep          time.Duration `yaml:"max_sleep" default:"10s"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" default:"1.4"`
	RatePerSecond     float64       `yaml:"rate_per_second" default:"50"`
}

// SyncRetryConfig tunes the Skeleton Synchronizer and User-Data Event
// Engine's shared retry schedule (§5/§6).
type SyncRetryConfig struct {
	Min        time.Duration `yaml:"min" default:"5s"`
	Max        time.Duration `yaml:"max" default:"5m"`
	Multiplier float64       `yaml:"multiplier" default:"2.0"`
}

// ApplyDefaults fills zero-valued fields with the spec's §6 defaults.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.example.com"
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 2000
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = 64 * 1024 * 1024
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 15 * time.Minute
	}
	if c.Fetcher.MinSleep == 0 {
		c.Fetcher.MinSleep = 5 * time.Millisecond
	}
	if c.Fetcher.MaxSleep == 0 {
		c.Fetcher.MaxSleep = 10 * time.Second
	}
	if c.Fetcher.BackoffMultiplier == 0 {
		c.Fetcher.BackoffMultiplier = 1.4
	}
	if c.Fetcher.RatePerSecond == 0 {
		c.Fetcher.RatePerSecond = 50
	}
	if c.SyncRetry.Min == 0 {
		c.SyncRetry.Min = 5 * time.Second
	}
	if c.SyncRetry.Max == 0 {
		c.SyncRetry.Max = 5 * time.Minute
	}
	if c.SyncRetry.Multiplier == 0 {
		c.SyncRetry.Multiplier = 2.0
	}
}

// Validate reports the first structurally invalid field.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("config: base_url is required")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config: cache.max_entries must be positive")
	}
	if c.Fetcher.MinSleep <= 0 || c.Fetcher.MaxSleep < c.Fetcher.MinSleep {
		return fmt.Errorf("config: fetcher.min_sleep/max_sleep out of order")
	}
	if c.SyncRetry.Min <= 0 || c.SyncRetry.Max < c.SyncRetry.Min {
		return fmt.Errorf("config: sync_retry.min/max out of order")
	}
	return nil
}

// Load reads a YAML config file, applies defaults, overlays
// environment variable overrides, and validates the result. path may
// be empty, in which case only defaults and env overrides apply.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides reads CATALOGCORE_* environment variables the way
// cmd/vaultaire/main.go reads PORT/DB_HOST/DB_PORT: each is optional,
// and a malformed numeric/duration value is silently ignored rather
// than failing the whole load.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CATALOGCORE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("CATALOGCORE_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxEntries = n
		}
	}
	if v := os.Getenv("CATALOGCORE_CACHE_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Cache.MaxBytes = n
		}
	}
	if v := os.Getenv("CATALOGCORE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("CATALOGCORE_FETCHER_MIN_SLEEP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Fetcher.MinSleep = d
		}
	}
	if v := os.Getenv("CATALOGCORE_FETCHER_MAX_SLEEP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Fetcher.MaxSleep = d
		}
	}
	if v := os.Getenv("CATALOGCORE_FETCHER_BACKOFF_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Fetcher.BackoffMultiplier = f
		}
	}
	if v := os.Getenv("CATALOGCORE_FETCHER_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Fetcher.RatePerSecond = f
		}
	}
	if v := os.Getenv("CATALOGCORE_SYNC_RETRY_MIN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncRetry.Min = d
		}
	}
	if v := os.Getenv("CATALOGCORE_SYNC_RETRY_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncRetry.Max = d
		}
	}
	if v := os.Getenv("CATALOGCORE_SYNC_RETRY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SyncRetry.Multiplier = f
		}
	}
}

// Watch polls path's mtime every interval and calls onChange with the
// freshly reloaded Config whenever the file's mtime moves past the one
// seen when Watch started. A load error is passed to onChange instead
// of a Config; Watch keeps no config of its own, so applying a reload
// is up to onChange. Stops when ctx is canceled.
func Watch(ctx context.Context, path string, interval time.Duration, onChange func(Config, error)) {
	if path == "" || interval <= 0 {
		return
	}
	var lastModTime time.Time
	if info, err := os.Stat(path); err == nil {
		lastModTime = info.ModTime()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if !info.ModTime().After(lastModTime) {
				continue
			}
			lastModTime = info.ModTime()
			cfg, err := Load(path)
			onChange(cfg, err)
		}
	}
}
