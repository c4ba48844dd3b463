// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/models"
)

// SaveHistory upserts the single history record for a book and maintains the
// by-sync-status index. The record and both index mutations commit in one
// transaction so the index can never point at a record with another status.
func (s *Store) SaveHistory(ctx context.Context, h *models.History) error {
	if s.isClosed() {
		return ErrClosed
	}
	if h.BookID == "" {
		return errors.New("history record requires a bookId")
	}
	if h.CurrentTime < 0 {
		return fmt.Errorf("history currentTime must be >= 0, got %v", h.CurrentTime)
	}

	data, err := marshalValue(h)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		// Drop the old status index entry if the status changed.
		var prev models.History
		item, getErr := txn.Get([]byte(prefixHistory + h.BookID))
		if getErr == nil {
			if valErr := item.Value(func(val []byte) error {
				return unmarshalValue(val, &prev)
			}); valErr == nil && prev.SyncStatus != h.SyncStatus {
				oldIdx := prefixHistorySync + string(prev.SyncStatus) + ":" + h.BookID
				if delErr := txn.Delete([]byte(oldIdx)); delErr != nil && !errors.Is(delErr, badger.ErrKeyNotFound) {
					return delErr
				}
			}
		} else if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}

		if err := txn.Set([]byte(prefixHistory+h.BookID), data); err != nil {
			return err
		}
		idx := prefixHistorySync + string(h.SyncStatus) + ":" + h.BookID
		return txn.Set([]byte(idx), []byte(h.BookID))
	})
	metrics.RecordStoreOp("history", "save", err)
	if err != nil {
		return fmt.Errorf("save history %s: %w", h.BookID, err)
	}
	return nil
}

// GetHistory returns the history record for bookID or ErrNotFound.
func (s *Store) GetHistory(ctx context.Context, bookID string) (*models.History, error) {
	var h models.History
	err := s.getJSON(prefixHistory+bookID, &h)
	metrics.RecordStoreOp("history", "get", ignoreNotFound(err))
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// ListHistoryBySyncStatus returns all history records with the given status,
// resolved through the secondary index.
func (s *Store) ListHistoryBySyncStatus(ctx context.Context, status models.SyncStatus) ([]*models.History, error) {
	var bookIDs []string
	err := s.scanPrefix(prefixHistorySync+string(status)+":", func(_ string, val []byte) error {
		bookIDs = append(bookIDs, string(val))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan history by status %s: %w", status, err)
	}

	records := make([]*models.History, 0, len(bookIDs))
	for _, id := range bookIDs {
		h, err := s.GetHistory(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // index raced a delete; skip
		}
		if err != nil {
			return nil, err
		}
		records = append(records, h)
	}
	return records, nil
}

// DeleteHistory removes a book's history record and its index entry.
func (s *Store) DeleteHistory(ctx context.Context, bookID string) error {
	h, err := s.GetHistory(ctx, bookID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.deleteKeys(
		prefixHistory+bookID,
		prefixHistorySync+string(h.SyncStatus)+":"+bookID,
	)
}

// ignoreNotFound keeps expected misses out of the error metrics.
func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
