// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package config provides layered configuration for the engine.
//
// Loading order (Koanf v2): built-in defaults, then an optional YAML file,
// then CONTINUO_* environment variables. The host application typically sets
// only backend.base_url, store.dir, and downloads.dir; everything else has a
// working default. Config is immutable after Load and safe for concurrent
// reads.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all engine configuration.
type Config struct {
	Backend   BackendConfig   `koanf:"backend"`
	Store     StoreConfig     `koanf:"store"`
	Network   NetworkConfig   `koanf:"network"`
	Auth      AuthConfig      `koanf:"auth"`
	Cache     CacheConfig     `koanf:"cache"`
	URLCache  URLCacheConfig  `koanf:"url_cache"`
	Downloads DownloadConfig  `koanf:"downloads"`
	History   HistoryConfig   `koanf:"history"`
	Retry     RetryConfig     `koanf:"retry"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// BackendConfig holds the audiobook backend connection settings.
type BackendConfig struct {
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	Timeout   time.Duration `koanf:"timeout" validate:"min=1s"`
	UserAgent string        `koanf:"user_agent"`
}

// StoreConfig holds durable store settings.
type StoreConfig struct {
	// Dir is the badger database directory.
	Dir string `koanf:"dir" validate:"required"`

	// EncryptionKey is a base64-encoded master key. When set, the refresh
	// token is encrypted at rest; when empty, tokens are stored as-is.
	EncryptionKey string `koanf:"encryption_key"`

	// GCInterval is the cadence of badger value-log garbage collection.
	GCInterval time.Duration `koanf:"gc_interval" validate:"min=1m"`

	// QueueRetention is how long synced history-queue entries are kept
	// before the maintenance sweep removes them.
	QueueRetention time.Duration `koanf:"queue_retention" validate:"min=1h"`
}

// NetworkConfig holds connectivity monitoring settings.
type NetworkConfig struct {
	// ProbeURL is the liveness endpoint. Empty means derive
	// <backend.base_url>/health at wiring time.
	ProbeURL      string        `koanf:"probe_url"`
	ProbeInterval time.Duration `koanf:"probe_interval" validate:"min=5s"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout" validate:"min=1s"`
}

// AuthConfig holds token refresh settings.
type AuthConfig struct {
	// RefreshThreshold is the remaining-lifetime window that triggers a
	// proactive refresh of a not-yet-expired access token.
	RefreshThreshold time.Duration `koanf:"refresh_threshold" validate:"min=1m"`
}

// CacheConfig holds the API response cache TTL table.
type CacheConfig struct {
	BookDetailTTL time.Duration `koanf:"book_detail_ttl" validate:"min=1s"`
	ListingTTL    time.Duration `koanf:"listing_ttl" validate:"min=1s"`
	HistoryTTL    time.Duration `koanf:"history_ttl" validate:"min=1s"`
	DefaultTTL    time.Duration `koanf:"default_ttl" validate:"min=1s"`
}

// URLCacheConfig holds episode URL cache settings.
type URLCacheConfig struct {
	// BatchSize is the number of contiguous episode indices per batch.
	BatchSize int `koanf:"batch_size" validate:"min=1"`

	// ExpiryBuffer is subtracted from a URL's nominal expiry, so a URL about
	// to lapse is treated as already invalid.
	ExpiryBuffer time.Duration `koanf:"expiry_buffer" validate:"min=0"`

	// PrefetchThreshold triggers a background prefetch of the next batch once
	// playback is within this many indices of the current batch's end.
	PrefetchThreshold int `koanf:"prefetch_threshold" validate:"min=1"`

	// MemoryBatches caps the in-memory LRU tier.
	MemoryBatches int `koanf:"memory_batches" validate:"min=1"`
}

// DownloadConfig holds download queue settings.
type DownloadConfig struct {
	// Enabled is the platform capability flag. When false every download
	// operation is a no-op returning empty values.
	Enabled       bool   `koanf:"enabled"`
	Dir           string `koanf:"dir"`
	MaxConcurrent int    `koanf:"max_concurrent" validate:"min=1,max=8"`
}

// HistoryConfig holds history recording and sync settings.
type HistoryConfig struct {
	// WriteInterval bounds primary history writes to one per interval per
	// book. Queue appends are never throttled.
	WriteInterval time.Duration `koanf:"write_interval" validate:"min=1s"`

	// FlushInterval is the background sync cadence while online.
	FlushInterval time.Duration `koanf:"flush_interval" validate:"min=5s"`

	// ShutdownTimeout bounds the best-effort transport used on unload.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=100ms"`
}

// RetryConfig holds the default retry policy for coarse recovery paths.
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries" validate:"min=0,max=20"`
	Delay      time.Duration `koanf:"delay" validate:"min=100ms"`
}

// TelemetryConfig holds diagnostics reporting settings.
type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	BatchSize     int           `koanf:"batch_size" validate:"min=1"`
	FlushInterval time.Duration `koanf:"flush_interval" validate:"min=1s"`
	QueueSize     int           `koanf:"queue_size" validate:"min=1"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// singleton validator instance; caches struct metadata across calls.
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config field %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config validation: %w", err)
	}

	// Cross-field checks validator tags cannot express.
	if c.Network.ProbeTimeout >= c.Network.ProbeInterval {
		return fmt.Errorf("network.probe_timeout (%s) must be shorter than network.probe_interval (%s)",
			c.Network.ProbeTimeout, c.Network.ProbeInterval)
	}
	if c.URLCache.PrefetchThreshold > c.URLCache.BatchSize {
		return fmt.Errorf("url_cache.prefetch_threshold (%d) must not exceed url_cache.batch_size (%d)",
			c.URLCache.PrefetchThreshold, c.URLCache.BatchSize)
	}
	if c.Downloads.Enabled && c.Downloads.Dir == "" {
		return fmt.Errorf("downloads.dir is required when downloads are enabled")
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
