// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/models"
)

// api-cache, cached-covers, and episode-urls namespace accessors. These
// namespaces are plain key/value with no secondary index; by-book queries on
// episode-urls use the hierarchical key itself.

// CachedResponse is the api-cache value: a raw payload plus the write stamp
// the TTL check runs against.
type CachedResponse struct {
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	ETag      string          `json:"etag,omitempty"`
}

// PutResponse stores a response payload for url.
func (s *Store) PutResponse(ctx context.Context, url string, r *CachedResponse) error {
	err := s.setJSON(prefixAPICache+url, r)
	metrics.RecordStoreOp("api-cache", "put", err)
	return err
}

// GetResponse returns the cached response for url or ErrNotFound.
func (s *Store) GetResponse(ctx context.Context, url string) (*CachedResponse, error) {
	var r CachedResponse
	err := s.getJSON(prefixAPICache+url, &r)
	metrics.RecordStoreOp("api-cache", "get", ignoreNotFound(err))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteResponse removes a cached response.
func (s *Store) DeleteResponse(ctx context.Context, url string) error {
	return s.deleteKeys(prefixAPICache + url)
}

// CachedCover is the cached-covers value.
type CachedCover struct {
	BookID   string    `json:"bookId"`
	Data     []byte    `json:"data"`
	MimeType string    `json:"mimeType,omitempty"`
	CachedAt time.Time `json:"cachedAt"`
}

// PutCover stores a book's cover image.
func (s *Store) PutCover(ctx context.Context, c *CachedCover) error {
	err := s.setJSON(prefixCovers+c.BookID, c)
	metrics.RecordStoreOp("cached-covers", "put", err)
	return err
}

// GetCover returns a book's cached cover or ErrNotFound.
func (s *Store) GetCover(ctx context.Context, bookID string) (*CachedCover, error) {
	var c CachedCover
	err := s.getJSON(prefixCovers+bookID, &c)
	metrics.RecordStoreOp("cached-covers", "get", ignoreNotFound(err))
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteCover removes a book's cached cover.
func (s *Store) DeleteCover(ctx context.Context, bookID string) error {
	return s.deleteKeys(prefixCovers + bookID)
}

// PutURLBatch stores one episode-URL batch, keyed (bookId, batchNumber).
func (s *Store) PutURLBatch(ctx context.Context, b *models.URLBatch) error {
	key := fmt.Sprintf("%s%s:%d", prefixURLBatch, b.BookID, b.BatchNumber)
	err := s.setJSON(key, b)
	metrics.RecordStoreOp("episode-urls", "put", err)
	return err
}

// GetURLBatch returns the batch for (bookID, batchNumber) or ErrNotFound.
func (s *Store) GetURLBatch(ctx context.Context, bookID string, batchNumber int) (*models.URLBatch, error) {
	var b models.URLBatch
	key := fmt.Sprintf("%s%s:%d", prefixURLBatch, bookID, batchNumber)
	err := s.getJSON(key, &b)
	metrics.RecordStoreOp("episode-urls", "get", ignoreNotFound(err))
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteURLBatches removes every cached batch for a book.
func (s *Store) DeleteURLBatches(ctx context.Context, bookID string) error {
	var keys []string
	err := s.scanPrefixKeys(prefixURLBatch+bookID+":", func(key string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan url batches for %s: %w", bookID, err)
	}
	if len(keys) == 0 {
		return nil
	}
	err = s.deleteKeys(keys...)
	metrics.RecordStoreOp("episode-urls", "delete_book", err)
	return err
}
