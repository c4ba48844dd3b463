// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package cache provides the durable API response cache and the in-memory
// LRU used by the episode URL cache's hot tier.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/continuo/internal/config"
	"github.com/tomtom215/continuo/internal/logging"
	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/store"
)

// Responses is the durable API response cache. GET payloads for eligible
// paths are written through on success and served back, possibly past
// their TTL, when the backend is unreachable. Storage failures are cache
// misses; callers never see them.
type Responses struct {
	store      *store.Store
	rules      []ttlRule
	defaultTTL time.Duration
	logger     zerolog.Logger
}

// ttlRule maps a path predicate to a TTL. Rules are checked in order;
// first match wins.
type ttlRule struct {
	match func(path string) bool
	ttl   time.Duration
}

// noCachePrefixes and noCacheSuffixes identify paths that must never be
// cached: credentials, signed URL issuance, raw media, and diagnostics.
var (
	noCachePrefixes = []string{"/auth/", "/telemetry/"}
	noCacheSuffixes = []string{"/stream", "/url", "/urls"}
)

// NewResponses builds the response cache over the shared store. A nil
// store yields a cache that never hits; dependents stay network-only.
func NewResponses(st *store.Store, cfg config.CacheConfig) *Responses {
	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Responses{
		store: st,
		rules: []ttlRule{
			{isBookDetail, cfg.BookDetailTTL},
			{isBookListing, cfg.ListingTTL},
			{isHistory, cfg.HistoryTTL},
		},
		defaultTTL: defaultTTL,
		logger:     logging.Component("cache"),
	}
}

func isBookDetail(path string) bool {
	if !strings.HasPrefix(path, "/books/") {
		return false
	}
	rest := strings.TrimPrefix(path, "/books/")
	return rest != "" && !strings.Contains(rest, "/")
}

func isBookListing(path string) bool {
	return path == "/books" || strings.HasPrefix(path, "/books?")
}

func isHistory(path string) bool {
	return strings.HasPrefix(path, "/history")
}

// ShouldCache reports whether path is eligible for caching.
func (r *Responses) ShouldCache(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, p := range noCachePrefixes {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	for _, s := range noCacheSuffixes {
		if strings.HasSuffix(path, s) {
			return false
		}
	}
	return true
}

// ttlFor returns the TTL for path by first-match rule, falling back to the
// default.
func (r *Responses) ttlFor(path string) time.Duration {
	for _, rule := range r.rules {
		if rule.ttl > 0 && rule.match(path) {
			return rule.ttl
		}
	}
	return r.defaultTTL
}

// Get returns the cached payload for path, whether it is past its TTL, and
// whether it exists. Expired entries are still returned so offline callers
// can serve them; storage errors are misses.
func (r *Responses) Get(path string) (payload []byte, expired bool, ok bool) {
	if r.store == nil {
		return nil, false, false
	}
	cached, err := r.store.GetResponse(context.Background(), path)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn().Err(err).Str("path", path).Msg("response cache read failed")
		}
		metrics.ResponseCacheMisses.Inc()
		return nil, false, false
	}

	expired = time.Since(cached.Timestamp) > r.ttlFor(path)
	freshness := "fresh"
	if expired {
		freshness = "expired"
	}
	metrics.ResponseCacheHits.WithLabelValues(freshness).Inc()
	return cached.Payload, expired, true
}

// Put stores a payload best-effort. Failures are logged and swallowed so
// the write path of a successful request never degrades.
func (r *Responses) Put(path string, payload []byte) {
	if r.store == nil {
		return
	}
	err := r.store.PutResponse(context.Background(), path, &store.CachedResponse{
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("response cache write failed")
	}
}

// Invalidate drops the cached payload for path.
func (r *Responses) Invalidate(path string) {
	if r.store == nil {
		return
	}
	if err := r.store.DeleteResponse(context.Background(), path); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("response cache invalidation failed")
	}
}
