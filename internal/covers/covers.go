// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package covers keeps book cover images available offline. Covers fetch
// once and live in the cached-covers namespace until invalidated; storage
// failures degrade to a direct fetch.
package covers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/continuo/internal/logging"
	"github.com/tomtom215/continuo/internal/store"
)

// Fetcher is the slice of the API client covers load through.
type Fetcher interface {
	CoverImage(ctx context.Context, bookID string) ([]byte, error)
}

// Cache serves cover images, cached side first.
type Cache struct {
	store   *store.Store
	fetcher Fetcher
	logger  zerolog.Logger
}

// New builds the cache. store may be nil (degraded mode): every call
// fetches directly.
func New(st *store.Store, fetcher Fetcher) *Cache {
	return &Cache{
		store:   st,
		fetcher: fetcher,
		logger:  logging.Component("covers"),
	}
}

// Cover returns a book's cover image and its MIME type, from cache when
// present, fetching and storing it otherwise.
func (c *Cache) Cover(ctx context.Context, bookID string) ([]byte, string, error) {
	if bookID == "" {
		return nil, "", fmt.Errorf("cover: empty book id")
	}

	if c.store != nil {
		cached, err := c.store.GetCover(ctx, bookID)
		if err == nil {
			return cached.Data, cached.MimeType, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn().Err(err).Str("book_id", bookID).Msg("cover cache read failed")
		}
	}

	if c.fetcher == nil {
		return nil, "", fmt.Errorf("cover %s: no cached image and no fetcher", bookID)
	}
	data, err := c.fetcher.CoverImage(ctx, bookID)
	if err != nil {
		return nil, "", fmt.Errorf("fetch cover %s: %w", bookID, err)
	}
	mimeType := http.DetectContentType(data)

	if c.store != nil {
		err := c.store.PutCover(ctx, &store.CachedCover{
			BookID:   bookID,
			Data:     data,
			MimeType: mimeType,
			CachedAt: time.Now(),
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("book_id", bookID).Msg("cover cache write failed")
		}
	}
	return data, mimeType, nil
}

// Invalidate drops a book's cached cover.
func (c *Cache) Invalidate(ctx context.Context, bookID string) error {
	if c.store == nil {
		return nil
	}
	return c.store.DeleteCover(ctx, bookID)
}
