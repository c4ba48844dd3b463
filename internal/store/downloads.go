// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/models"
)

// downloads and download-tasks namespace accessors. Task status transitions
// run through TransitionTask, which enforces the state machine inside the
// write transaction so no interleaving can resurrect a terminal task.

func downloadKey(bookID string, episodeIndex int) string {
	return prefixDownload + bookID + ":" + strconv.Itoa(episodeIndex)
}

// PutDownload records a completed episode file.
func (s *Store) PutDownload(ctx context.Context, r *models.DownloadRecord) error {
	err := s.setJSON(downloadKey(r.BookID, r.EpisodeIndex), r)
	metrics.RecordStoreOp("downloads", "put", err)
	return err
}

// GetDownload returns the download record for one episode or ErrNotFound.
func (s *Store) GetDownload(ctx context.Context, bookID string, episodeIndex int) (*models.DownloadRecord, error) {
	var r models.DownloadRecord
	err := s.getJSON(downloadKey(bookID, episodeIndex), &r)
	metrics.RecordStoreOp("downloads", "get", ignoreNotFound(err))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListDownloadsByBook returns every download record for a book.
func (s *Store) ListDownloadsByBook(ctx context.Context, bookID string) ([]*models.DownloadRecord, error) {
	var records []*models.DownloadRecord
	err := s.scanPrefix(prefixDownload+bookID+":", func(_ string, val []byte) error {
		var r models.DownloadRecord
		if err := unmarshalValue(val, &r); err != nil {
			return err
		}
		records = append(records, &r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan downloads for %s: %w", bookID, err)
	}
	return records, nil
}

// DeleteDownload removes one episode's download record.
func (s *Store) DeleteDownload(ctx context.Context, bookID string, episodeIndex int) error {
	err := s.deleteKeys(downloadKey(bookID, episodeIndex))
	metrics.RecordStoreOp("downloads", "delete", err)
	return err
}

// CreateTask persists a new download task. Tasks are written at enqueue time
// so queue position survives a process restart.
func (s *Store) CreateTask(ctx context.Context, t *models.DownloadTask) error {
	if s.isClosed() {
		return ErrClosed
	}
	if t.ID == "" {
		return errors.New("download task requires an id")
	}
	if t.Status == "" {
		t.Status = models.DownloadPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	data, err := marshalValue(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixTask+t.ID), data); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixTaskBook+t.BookID+":"+t.ID), []byte(t.ID)); err != nil {
			return err
		}
		return txn.Set([]byte(prefixTaskStatus+string(t.Status)+":"+t.ID), []byte(t.ID))
	})
	metrics.RecordStoreOp("download-tasks", "create", err)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns a task by id or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.DownloadTask, error) {
	var t models.DownloadTask
	err := s.getJSON(prefixTask+taskID, &t)
	metrics.RecordStoreOp("download-tasks", "get", ignoreNotFound(err))
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTaskProgress updates the byte counters of a task without touching
// its status. Progress on a task that has already reached a terminal state
// is dropped silently; a cancel can race the last chunks of a transfer.
func (s *Store) UpdateTaskProgress(ctx context.Context, taskID string, progress int, bytesDownloaded, totalBytes int64) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		t, err := readTask(txn, taskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return nil
		}
		t.Progress = progress
		t.BytesDownloaded = bytesDownloaded
		t.TotalBytes = totalBytes

		data, err := marshalValue(t)
		if err != nil {
			return err
		}
		return txn.Set([]byte(prefixTask+taskID), data)
	})
	metrics.RecordStoreOp("download-tasks", "progress", ignoreNotFound(err))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("update task progress %s: %w", taskID, err)
	}
	return err
}

// TransitionTask moves a task to next, enforcing the state machine. mutate,
// when non-nil, runs on the task inside the transaction after the status
// change (for setting Error, CompletedAt, final byte counts).
// Returns ErrInvalidTransition when the move is not allowed.
func (s *Store) TransitionTask(ctx context.Context, taskID string, next models.DownloadStatus, mutate func(*models.DownloadTask)) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		t, err := readTask(txn, taskID)
		if err != nil {
			return err
		}
		if !t.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
		}
		return writeTaskStatus(txn, t, next, mutate)
	})
	metrics.RecordStoreOp("download-tasks", "transition", ignoreNotFound(err))
	if err != nil {
		return err
	}
	return nil
}

// ListTasksByBook returns all tasks for a book via the by-book index.
func (s *Store) ListTasksByBook(ctx context.Context, bookID string) ([]*models.DownloadTask, error) {
	return s.tasksFromIndex(prefixTaskBook + bookID + ":")
}

// ListTasksByStatus returns all tasks in one status via the status index.
func (s *Store) ListTasksByStatus(ctx context.Context, status models.DownloadStatus) ([]*models.DownloadTask, error) {
	return s.tasksFromIndex(prefixTaskStatus + string(status) + ":")
}

// DeleteTask removes a task and its index keys.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	t, err := s.GetTask(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.deleteKeys(
		prefixTask+taskID,
		prefixTaskBook+t.BookID+":"+taskID,
		prefixTaskStatus+string(t.Status)+":"+taskID,
	)
}

// ResetInterruptedTasks returns tasks stuck in downloading (a crash mid
// transfer) to pending so the dispatcher re-queues them. This is the one
// sanctioned bypass of the terminal-state guard: downloading is not
// terminal, and the reset runs before the dispatcher starts.
func (s *Store) ResetInterruptedTasks(ctx context.Context) ([]*models.DownloadTask, error) {
	interrupted, err := s.ListTasksByStatus(ctx, models.DownloadDownloading)
	if err != nil {
		return nil, err
	}
	if len(interrupted) == 0 {
		return nil, nil
	}

	var reset []*models.DownloadTask
	for _, t := range interrupted {
		err := s.db.Update(func(txn *badger.Txn) error {
			cur, err := readTask(txn, t.ID)
			if err != nil {
				return err
			}
			if cur.Status != models.DownloadDownloading {
				return nil
			}
			return writeTaskStatus(txn, cur, models.DownloadPending, func(task *models.DownloadTask) {
				task.Progress = 0
				task.BytesDownloaded = 0
			})
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return reset, fmt.Errorf("reset interrupted task %s: %w", t.ID, err)
		}
		if err == nil {
			t.Status = models.DownloadPending
			t.Progress = 0
			t.BytesDownloaded = 0
			reset = append(reset, t)
		}
	}
	return reset, nil
}

func (s *Store) tasksFromIndex(indexPrefix string) ([]*models.DownloadTask, error) {
	var ids []string
	err := s.scanPrefix(indexPrefix, func(_ string, val []byte) error {
		ids = append(ids, string(val))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan task index %s: %w", indexPrefix, err)
	}

	tasks := make([]*models.DownloadTask, 0, len(ids))
	for _, id := range ids {
		var t models.DownloadTask
		if err := s.getJSON(prefixTask+id, &t); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

func readTask(txn *badger.Txn, taskID string) (*models.DownloadTask, error) {
	item, err := txn.Get([]byte(prefixTask + taskID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t models.DownloadTask
	if err := item.Value(func(val []byte) error {
		return unmarshalValue(val, &t)
	}); err != nil {
		return nil, err
	}
	return &t, nil
}

// writeTaskStatus rewrites a task under a new status and moves its status
// index key, inside the caller's transaction.
func writeTaskStatus(txn *badger.Txn, t *models.DownloadTask, next models.DownloadStatus, mutate func(*models.DownloadTask)) error {
	prev := t.Status
	t.Status = next
	if mutate != nil {
		mutate(t)
	}

	data, err := marshalValue(t)
	if err != nil {
		return err
	}
	if err := txn.Set([]byte(prefixTask+t.ID), data); err != nil {
		return err
	}
	if err := txn.Delete([]byte(prefixTaskStatus + string(prev) + ":" + t.ID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set([]byte(prefixTaskStatus+string(next)+":"+t.ID), []byte(t.ID))
}

// backfillTaskStatusIndex writes dltask_status keys for tasks persisted
// before the index existed (schema v2 migration).
func (s *Store) backfillTaskStatusIndex() error {
	var tasks []*models.DownloadTask
	err := s.scanPrefix(prefixTask, func(_ string, val []byte) error {
		var t models.DownloadTask
		if err := unmarshalValue(val, &t); err != nil {
			return err
		}
		tasks = append(tasks, &t)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan tasks for backfill: %w", err)
	}

	for _, t := range tasks {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(prefixTaskStatus+string(t.Status)+":"+t.ID), []byte(t.ID))
		})
		if err != nil {
			return fmt.Errorf("backfill status index for %s: %w", t.ID, err)
		}
	}
	return nil
}
