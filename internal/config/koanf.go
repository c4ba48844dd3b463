// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"continuo.yaml",
	"continuo.yml",
	"config/continuo.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONTINUO_CONFIG"

// defaultConfig returns a Config with every default applied. Defaults are
// loaded first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:   "",
			Timeout:   30 * time.Second,
			UserAgent: "continuo",
		},
		Store: StoreConfig{
			Dir:            "",
			EncryptionKey:  "",
			GCInterval:     10 * time.Minute,
			QueueRetention: 7 * 24 * time.Hour,
		},
		Network: NetworkConfig{
			ProbeURL:      "",
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Auth: AuthConfig{
			RefreshThreshold: 5 * time.Minute,
		},
		Cache: CacheConfig{
			BookDetailTTL: 1 * time.Hour,
			ListingTTL:    5 * time.Minute,
			HistoryTTL:    1 * time.Minute,
			DefaultTTL:    5 * time.Minute,
		},
		URLCache: URLCacheConfig{
			BatchSize:         100,
			ExpiryBuffer:      5 * time.Minute,
			PrefetchThreshold: 10,
			MemoryBatches:     16,
		},
		Downloads: DownloadConfig{
			Enabled:       true,
			Dir:           "",
			MaxConcurrent: 2,
		},
		History: HistoryConfig{
			WriteInterval:   5 * time.Second,
			FlushInterval:   time.Minute,
			ShutdownTimeout: 2 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 5,
			Delay:      2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:       true,
			BatchSize:     20,
			FlushInterval: 30 * time.Second,
			QueueSize:     256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds configuration from layered sources:
//  1. Defaults: built-in values
//  2. Config file: optional YAML (CONTINUO_CONFIG or DefaultConfigPaths)
//  3. Environment: CONTINUO_* variables, highest priority
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	// CONTINUO_STORE_DIR -> store.dir etc. Unmapped variables are skipped so
	// unrelated environment noise cannot leak into the config.
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps CONTINUO_* environment variable names to koanf paths.
// Unmapped keys return "" and are skipped.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"continuo_base_url":   "backend.base_url",
		"continuo_timeout":    "backend.timeout",
		"continuo_user_agent": "backend.user_agent",

		"continuo_store_dir":            "store.dir",
		"continuo_store_encryption_key": "store.encryption_key",
		"continuo_store_gc_interval":    "store.gc_interval",
		"continuo_queue_retention":      "store.queue_retention",

		"continuo_probe_url":      "network.probe_url",
		"continuo_probe_interval": "network.probe_interval",
		"continuo_probe_timeout":  "network.probe_timeout",

		"continuo_refresh_threshold": "auth.refresh_threshold",

		"continuo_cache_book_detail_ttl": "cache.book_detail_ttl",
		"continuo_cache_listing_ttl":     "cache.listing_ttl",
		"continuo_cache_history_ttl":     "cache.history_ttl",
		"continuo_cache_default_ttl":     "cache.default_ttl",

		"continuo_url_batch_size":         "url_cache.batch_size",
		"continuo_url_expiry_buffer":      "url_cache.expiry_buffer",
		"continuo_url_prefetch_threshold": "url_cache.prefetch_threshold",
		"continuo_url_memory_batches":     "url_cache.memory_batches",

		"continuo_downloads_enabled":        "downloads.enabled",
		"continuo_downloads_dir":            "downloads.dir",
		"continuo_downloads_max_concurrent": "downloads.max_concurrent",

		"continuo_history_write_interval":   "history.write_interval",
		"continuo_history_flush_interval":   "history.flush_interval",
		"continuo_history_shutdown_timeout": "history.shutdown_timeout",

		"continuo_retry_max":   "retry.max_retries",
		"continuo_retry_delay": "retry.delay",

		"continuo_telemetry_enabled":        "telemetry.enabled",
		"continuo_telemetry_batch_size":     "telemetry.batch_size",
		"continuo_telemetry_flush_interval": "telemetry.flush_interval",
		"continuo_telemetry_queue_size":     "telemetry.queue_size",

		"continuo_log_level":  "logging.level",
		"continuo_log_format": "logging.format",
		"continuo_log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
