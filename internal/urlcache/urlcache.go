// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package urlcache serves signed, time-limited episode playback URLs from a
// two-tier cache: an in-memory LRU of batches over durable badger batches.
// URLs within the expiry buffer of lapsing are treated as already invalid so
// playback never starts on a URL about to die mid-seek.
package urlcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/continuo/internal/cache"
	"github.com/tomtom215/continuo/internal/config"
	"github.com/tomtom215/continuo/internal/events"
	"github.com/tomtom215/continuo/internal/logging"
	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/models"
	"github.com/tomtom215/continuo/internal/store"
)

// ErrNoURL reports that no usable URL could be produced for an episode.
var ErrNoURL = errors.New("no usable episode url")

// Fetcher is the slice of the API client the cache fetches through.
type Fetcher interface {
	EpisodeURLBatch(ctx context.Context, bookID string, start, count int) (*models.URLBatchResponse, error)
	EpisodeURL(ctx context.Context, bookID string, index int) (string, error)
}

// ResolveFunc rewrites a stored URL into a currently usable one. Durable
// entries may be recorded relative to a base URL that has since changed;
// resolution happens at retrieval time, never at write time. nil is
// identity.
type ResolveFunc func(raw string) string

// Cache is the episode URL cache.
type Cache struct {
	store   *store.Store
	fetcher Fetcher
	resolve ResolveFunc
	bus     *events.Bus
	cfg     config.URLCacheConfig

	memory *cache.LRU[*models.URLBatch]
	group  singleflight.Group
	logger zerolog.Logger
}

// New builds the cache. store may be nil (degraded mode): only the memory
// tier and direct fetches operate. bus may be nil (no diagnostics).
func New(st *store.Store, fetcher Fetcher, resolve ResolveFunc, bus *events.Bus, cfg config.URLCacheConfig) *Cache {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MemoryBatches <= 0 {
		cfg.MemoryBatches = 16
	}
	return &Cache{
		store:   st,
		fetcher: fetcher,
		resolve: resolve,
		bus:     bus,
		cfg:     cfg,
		memory:  cache.NewLRU[*models.URLBatch](cfg.MemoryBatches),
		logger:  logging.Component("urlcache"),
	}
}

func (c *Cache) batchNumber(index int) int { return index / c.cfg.BatchSize }

func batchKey(bookID string, batch int) string {
	return fmt.Sprintf("%s:%d", bookID, batch)
}

// usable reports whether a stored entry is still safely playable: its
// expiry must be at least the buffer away. A zero expiry never lapses.
func (c *Cache) usable(e models.EpisodeURL) bool {
	if e.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(e.ExpiresAt) > c.cfg.ExpiryBuffer
}

func (c *Cache) resolveURL(raw string) string {
	if c.resolve == nil {
		return raw
	}
	return c.resolve(raw)
}

// entryFrom picks index's entry out of a batch, nil when absent or no
// longer usable.
func (c *Cache) entryFrom(b *models.URLBatch, index int) *models.EpisodeURL {
	if b == nil {
		return nil
	}
	for i := range b.Entries {
		if b.Entries[i].Index == index && c.usable(b.Entries[i]) {
			return &b.Entries[i]
		}
	}
	return nil
}

// GetURL returns a playable URL for one episode: memory tier, then durable
// batch, then a single-URL network fetch. Both cache tiers apply the
// expiry buffer; durable hits resolve at retrieval time.
func (c *Cache) GetURL(ctx context.Context, bookID string, index int) (string, error) {
	if bookID == "" || index < 0 {
		return "", fmt.Errorf("%w: invalid episode reference", ErrNoURL)
	}
	batch := c.batchNumber(index)
	key := batchKey(bookID, batch)

	if cached, ok := c.memory.Get(key); ok {
		if e := c.entryFrom(cached, index); e != nil {
			metrics.URLCacheHits.WithLabelValues("memory").Inc()
			return c.resolveURL(e.URL), nil
		}
	}

	if c.store != nil {
		stored, err := c.store.GetURLBatch(ctx, bookID, batch)
		if err == nil {
			if e := c.entryFrom(stored, index); e != nil {
				metrics.URLCacheHits.WithLabelValues("durable").Inc()
				c.memory.Add(key, stored, c.batchTTL(stored))
				return c.resolveURL(e.URL), nil
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn().Err(err).Str("book_id", bookID).Int("batch", batch).
				Msg("durable url batch read failed")
		}
	}

	metrics.URLCacheMisses.Inc()
	if c.fetcher == nil {
		return "", ErrNoURL
	}
	url, err := c.fetcher.EpisodeURL(ctx, bookID, index)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoURL, err)
	}
	if url == "" {
		return "", ErrNoURL
	}
	return url, nil
}

// batchTTL bounds a memory entry's life by its earliest expiry minus the
// buffer, so lapsed batches leave the hot tier on their own.
func (c *Cache) batchTTL(b *models.URLBatch) time.Duration {
	var earliest time.Time
	for _, e := range b.Entries {
		if e.ExpiresAt.IsZero() {
			continue
		}
		if earliest.IsZero() || e.ExpiresAt.Before(earliest) {
			earliest = e.ExpiresAt
		}
	}
	if earliest.IsZero() {
		return 0
	}
	ttl := time.Until(earliest) - c.cfg.ExpiryBuffer
	if ttl < 0 {
		ttl = time.Millisecond
	}
	return ttl
}

// PrefetchBatch fetches, persists, and memory-fills the batch containing
// index. Unless force is set, a batch that is still usable for index's
// position is left alone. Concurrent prefetches of the same (book, batch)
// coalesce through singleflight.
func (c *Cache) PrefetchBatch(ctx context.Context, bookID string, index int, force bool) error {
	if c.fetcher == nil {
		return ErrNoURL
	}
	batch := c.batchNumber(index)
	key := batchKey(bookID, batch)

	if !force {
		if cached, ok := c.memory.Get(key); ok && c.entryFrom(cached, index) != nil {
			return nil
		}
	}

	_, err, shared := c.group.Do(key, func() (any, error) {
		start := batch * c.cfg.BatchSize
		resp, err := c.fetcher.EpisodeURLBatch(ctx, bookID, start, c.cfg.BatchSize)
		if err != nil {
			metrics.URLBatchPrefetches.WithLabelValues("failure").Inc()
			return nil, err
		}

		stored := &models.URLBatch{
			BookID:      bookID,
			BatchNumber: batch,
			BatchStart:  resp.BatchStart,
			BatchEnd:    resp.BatchEnd,
			FetchedAt:   time.Now(),
			Entries:     resp.URLs,
		}
		if stored.BatchEnd == 0 && len(resp.URLs) > 0 {
			stored.BatchStart = start
			stored.BatchEnd = start + len(resp.URLs) - 1
		}

		if c.store != nil {
			if err := c.store.PutURLBatch(ctx, stored); err != nil {
				c.logger.Warn().Err(err).Str("book_id", bookID).Int("batch", batch).
					Msg("url batch persist failed")
			}
		}
		c.memory.Add(key, stored, c.batchTTL(stored))
		metrics.URLBatchPrefetches.WithLabelValues("success").Inc()
		return nil, nil
	})
	if shared {
		metrics.URLBatchPrefetches.WithLabelValues("coalesced").Inc()
	}
	if err != nil {
		return fmt.Errorf("prefetch batch %d for %s: %w", batch, bookID, err)
	}
	return nil
}

// PrefetchNextIfNeeded runs after every episode change. Within the last
// prefetchThreshold indices of the current batch it launches a background
// prefetch of the next batch, when the book has one.
func (c *Cache) PrefetchNextIfNeeded(bookID string, index, episodeCount int) {
	if c.fetcher == nil || bookID == "" {
		return
	}
	batch := c.batchNumber(index)
	batchEnd := (batch+1)*c.cfg.BatchSize - 1
	if batchEnd-index >= c.cfg.PrefetchThreshold {
		return
	}
	nextStart := (batch + 1) * c.cfg.BatchSize
	if nextStart >= episodeCount {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.PrefetchBatch(ctx, bookID, nextStart, false); err != nil {
			c.logger.Debug().Err(err).Str("book_id", bookID).Int("batch", batch+1).
				Msg("background prefetch failed")
		}
	}()
}

// InvalidateBook purges both tiers for one book. Callers invalidate after
// repeated playback failures, then refetch once before surfacing an error.
func (c *Cache) InvalidateBook(ctx context.Context, bookID string) error {
	c.memory.RemoveFunc(func(key string) bool {
		return len(key) > len(bookID) && key[:len(bookID)+1] == bookID+":"
	})
	metrics.URLCacheInvalidations.Inc()
	if c.bus != nil {
		ev := models.NewTelemetryEvent(models.TelemetryKindURLInvalidation, "urlcache", "episode url cache invalidated")
		ev.BookID = bookID
		_ = c.bus.PublishTelemetry(ev)
	}

	if c.store == nil {
		return nil
	}
	if err := c.store.DeleteURLBatches(ctx, bookID); err != nil {
		return fmt.Errorf("invalidate url batches for %s: %w", bookID, err)
	}
	return nil
}
