// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/models"
)

// The history-queue namespace is append-only: entries are written once with
// a monotonically increasing sequence id and never mutated except for the
// Synced flag. Two index families serve the sync pass: by book and by
// synced-state.

// AppendQueueEntry appends a queue entry, assigning its sequence id.
// Entries are recorded for every position update, deliberately untouched by
// the history write throttle, so no position is ever silently dropped.
func (s *Store) AppendQueueEntry(ctx context.Context, e *models.QueueEntry) (uint64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	if e.BookID == "" {
		return 0, errors.New("queue entry requires a bookId")
	}

	id, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next queue sequence: %w", err)
	}
	e.ID = id
	e.Synced = false
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	data, err := marshalValue(e)
	if err != nil {
		return 0, fmt.Errorf("marshal queue entry: %w", err)
	}

	k := seqKey(id)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixQueue+k), data); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixQueueBook+e.BookID+":"+k), []byte(k)); err != nil {
			return err
		}
		return txn.Set([]byte(prefixQueueSynced+boolKey(false)+":"+k), []byte(k))
	})
	metrics.RecordStoreOp("history-queue", "append", err)
	if err != nil {
		return 0, fmt.Errorf("append queue entry: %w", err)
	}
	return id, nil
}

// PendingQueueEntries returns all entries not yet marked synced, in append
// order.
func (s *Store) PendingQueueEntries(ctx context.Context) ([]*models.QueueEntry, error) {
	var keys []string
	err := s.scanPrefix(prefixQueueSynced+boolKey(false)+":", func(_ string, val []byte) error {
		keys = append(keys, string(val))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending queue index: %w", err)
	}

	entries := make([]*models.QueueEntry, 0, len(keys))
	for _, k := range keys {
		var e models.QueueEntry
		if err := s.getJSON(prefixQueue+k, &e); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// QueueEntriesForBook returns every queue entry for one book, synced or not,
// in append order.
func (s *Store) QueueEntriesForBook(ctx context.Context, bookID string) ([]*models.QueueEntry, error) {
	var keys []string
	err := s.scanPrefix(prefixQueueBook+bookID+":", func(_ string, val []byte) error {
		keys = append(keys, string(val))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan queue by book %s: %w", bookID, err)
	}

	entries := make([]*models.QueueEntry, 0, len(keys))
	for _, k := range keys {
		var e models.QueueEntry
		if err := s.getJSON(prefixQueue+k, &e); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// MarkQueueEntriesSynced flips the Synced flag on the given entries and
// moves their synced-state index keys, all in one transaction per entry
// batch. Entries already synced are left alone.
func (s *Store) MarkQueueEntriesSynced(ctx context.Context, ids []uint64) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			k := seqKey(id)
			item, err := txn.Get([]byte(prefixQueue + k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			var e models.QueueEntry
			if err := item.Value(func(val []byte) error {
				return unmarshalValue(val, &e)
			}); err != nil {
				return err
			}
			if e.Synced {
				continue
			}
			e.Synced = true

			data, err := marshalValue(&e)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(prefixQueue+k), data); err != nil {
				return err
			}
			if err := txn.Delete([]byte(prefixQueueSynced + boolKey(false) + ":" + k)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set([]byte(prefixQueueSynced+boolKey(true)+":"+k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	metrics.RecordStoreOp("history-queue", "mark_synced", err)
	if err != nil {
		return fmt.Errorf("mark queue entries synced: %w", err)
	}
	return nil
}

// SweepSyncedEntries deletes synced entries older than the cutoff, returning
// the number removed. Pending entries are never swept.
func (s *Store) SweepSyncedEntries(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []*models.QueueEntry
	err := s.scanPrefix(prefixQueueSynced+boolKey(true)+":", func(_ string, val []byte) error {
		var e models.QueueEntry
		if getErr := s.getJSON(prefixQueue+string(val), &e); getErr != nil {
			if errors.Is(getErr, ErrNotFound) {
				return nil
			}
			return getErr
		}
		if e.Timestamp.Before(cutoff) {
			stale = append(stale, &e)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan synced queue entries: %w", err)
	}

	for _, e := range stale {
		k := seqKey(e.ID)
		if err := s.deleteKeys(
			prefixQueue+k,
			prefixQueueBook+e.BookID+":"+k,
			prefixQueueSynced+boolKey(true)+":"+k,
		); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		metrics.QueueEntriesSwept.Add(float64(len(stale)))
	}
	return len(stale), nil
}
