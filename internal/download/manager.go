// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package download manages durable episode downloads: a persisted task
// queue, a dispatcher bounding concurrent transfers, per-chunk progress
// events on the bus, and the local file records playback falls back to
// when offline.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/continuo/internal/config"
	"github.com/tomtom215/continuo/internal/events"
	"github.com/tomtom215/continuo/internal/logging"
	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/models"
	"github.com/tomtom215/continuo/internal/store"
)

// ErrNotDownloaded reports that no usable local file exists for an episode.
var ErrNotDownloaded = errors.New("episode not downloaded")

// Streamer is the slice of the API client a transfer reads through.
type Streamer interface {
	OpenEpisodeStream(ctx context.Context, bookID string, index int) (io.ReadCloser, int64, error)
}

// Manager owns the download queue and the files under the download
// directory. When the capability flag is off every operation is a no-op
// returning zero values, so platform shells without storage never branch.
type Manager struct {
	store    *store.Store
	streamer Streamer
	bus      *events.Bus
	cfg      config.DownloadConfig
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	paused   bool
	queue    []string
	active   map[string]context.CancelFunc
	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates the manager. It does not touch the filesystem until Start.
func New(st *store.Store, streamer Streamer, bus *events.Bus, cfg config.DownloadConfig) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	return &Manager{
		store:    st,
		streamer: streamer,
		bus:      bus,
		cfg:      cfg,
		active:   make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
		logger:   logging.Component("download"),
	}
}

// Enabled reports the platform capability flag.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled && m.store != nil && m.streamer != nil
}

// Start resets tasks interrupted by a crash back to pending, loads the
// pending queue, and launches the dispatcher.
func (m *Manager) Start(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	reset, err := m.store.ResetInterruptedTasks(ctx)
	if err != nil {
		return fmt.Errorf("reset interrupted tasks: %w", err)
	}
	if len(reset) > 0 {
		m.logger.Info().Int("count", len(reset)).Msg("re-queued interrupted downloads")
	}

	pending, err := m.store.ListTasksByStatus(ctx, models.DownloadPending)
	if err != nil {
		return fmt.Errorf("load pending tasks: %w", err)
	}
	m.queue = m.queue[:0]
	for _, t := range pending {
		m.queue = append(m.queue, t.ID)
	}
	metrics.DownloadTasksByState.WithLabelValues(string(models.DownloadPending)).Set(float64(len(pending)))

	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.dispatch()
	m.signal()
	return nil
}

// Stop cancels active transfers and waits for everything to drain.
// Interrupted tasks stay in downloading state; the next Start resets them
// to pending and re-queues them.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// DownloadEpisode enqueues one episode. Already-downloaded episodes are
// skipped and return an empty task ID.
func (m *Manager) DownloadEpisode(ctx context.Context, bookID string, index int) (string, error) {
	ids, err := m.DownloadRange(ctx, bookID, index, index)
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

// DownloadBook enqueues every episode of a book. A non-positive
// episodeCount is a no-op: single-file books resolve their count elsewhere
// and enqueue through DownloadEpisode.
func (m *Manager) DownloadBook(ctx context.Context, bookID string, episodeCount int) ([]string, error) {
	if episodeCount <= 0 {
		return nil, nil
	}
	return m.DownloadRange(ctx, bookID, 0, episodeCount-1)
}

// DownloadRange enqueues episodes start..end inclusive, one pending task
// per episode not already downloaded, and returns the new task IDs.
func (m *Manager) DownloadRange(ctx context.Context, bookID string, start, end int) ([]string, error) {
	if !m.Enabled() {
		return nil, nil
	}
	if bookID == "" || start < 0 || end < start {
		return nil, fmt.Errorf("invalid download range %d..%d for %q", start, end, bookID)
	}

	var ids []string
	for index := start; index <= end; index++ {
		if _, err := m.store.GetDownload(ctx, bookID, index); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return ids, fmt.Errorf("check existing download: %w", err)
		}

		task := &models.DownloadTask{
			ID:           uuid.NewString(),
			BookID:       bookID,
			EpisodeIndex: index,
			Status:       models.DownloadPending,
			CreatedAt:    time.Now(),
		}
		if err := m.store.CreateTask(ctx, task); err != nil {
			return ids, fmt.Errorf("persist task: %w", err)
		}
		ids = append(ids, task.ID)
		metrics.DownloadTasksByState.WithLabelValues(string(models.DownloadPending)).Inc()

		m.mu.Lock()
		if m.running {
			m.queue = append(m.queue, task.ID)
		}
		m.mu.Unlock()
	}
	m.signal()
	return ids, nil
}

// Cancel aborts a task. Active transfers are cancelled through their
// context; pending tasks are marked cancelled without starting; terminal
// tasks are left untouched.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	if !m.Enabled() {
		return nil
	}

	m.mu.Lock()
	if cancel, ok := m.active[taskID]; ok {
		cancel()
		m.mu.Unlock()
		return nil
	}
	for i, id := range m.queue {
		if id == taskID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	err := m.store.TransitionTask(ctx, taskID, models.DownloadCancelled, nil)
	if errors.Is(err, store.ErrInvalidTransition) {
		// Already terminal; cancelling a finished task is a no-op.
		return nil
	}
	if err == nil {
		metrics.DownloadTasksByState.WithLabelValues(string(models.DownloadPending)).Dec()
		metrics.DownloadTasksByState.WithLabelValues(string(models.DownloadCancelled)).Inc()
	}
	return err
}

// PauseAll stops admitting new transfers. Active transfers continue.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// ResumeAll re-opens admission.
func (m *Manager) ResumeAll() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.signal()
}

// Delete removes one episode's file and record.
func (m *Manager) Delete(ctx context.Context, bookID string, index int) error {
	if !m.Enabled() {
		return nil
	}
	rec, err := m.store.GetDownload(ctx, bookID, index)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove episode file: %w", err)
	}
	return m.store.DeleteDownload(ctx, bookID, index)
}

// DeleteBook removes every downloaded file and record for a book, plus its
// finished task rows.
func (m *Manager) DeleteBook(ctx context.Context, bookID string) error {
	if !m.Enabled() {
		return nil
	}
	recs, err := m.store.ListDownloadsByBook(ctx, bookID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove episode file: %w", err)
		}
		if err := m.store.DeleteDownload(ctx, bookID, rec.EpisodeIndex); err != nil {
			return err
		}
	}

	tasks, err := m.store.ListTasksByBook(ctx, bookID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			if err := m.store.DeleteTask(ctx, t.ID); err != nil {
				return err
			}
		}
	}
	// Best-effort removal of the now-empty book directory.
	_ = os.Remove(m.bookDir(bookID))
	return nil
}

// LocalFileURI returns a file:// URI for a downloaded episode. A record
// whose file has gone missing is purged so the caller falls back to
// streaming; the next enqueue will re-download it.
func (m *Manager) LocalFileURI(ctx context.Context, bookID string, index int) (string, error) {
	if !m.Enabled() {
		return "", ErrNotDownloaded
	}
	rec, err := m.store.GetDownload(ctx, bookID, index)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotDownloaded
		}
		return "", err
	}
	if _, err := os.Stat(rec.FilePath); err != nil {
		m.logger.Warn().Str("book_id", bookID).Int("episode", index).
			Str("path", rec.FilePath).Msg("purging record for missing file")
		if delErr := m.store.DeleteDownload(ctx, bookID, index); delErr != nil {
			return "", delErr
		}
		return "", ErrNotDownloaded
	}
	return "file://" + filepath.ToSlash(rec.FilePath), nil
}

// Tasks returns the persisted tasks for a book, newest state included.
func (m *Manager) Tasks(ctx context.Context, bookID string) ([]*models.DownloadTask, error) {
	if !m.Enabled() {
		return nil, nil
	}
	return m.store.ListTasksByBook(ctx, bookID)
}

func (m *Manager) stopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.running
}

func (m *Manager) bookDir(bookID string) string {
	return filepath.Join(m.cfg.Dir, bookID)
}

func (m *Manager) episodePath(bookID string, index int) string {
	return filepath.Join(m.bookDir(bookID), fmt.Sprintf("episode-%05d.audio", index))
}

// dispatch admits queued tasks while capacity allows. Each completed
// transfer signals back so the next task starts immediately.
func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopChan:
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			if !m.running || m.paused || len(m.queue) == 0 || len(m.active) >= m.cfg.MaxConcurrent {
				m.mu.Unlock()
				break
			}
			taskID := m.queue[0]
			m.queue = m.queue[1:]

			ctx, cancel := context.WithCancel(context.Background())
			m.active[taskID] = cancel
			m.mu.Unlock()

			if err := m.store.TransitionTask(ctx, taskID, models.DownloadDownloading, nil); err != nil {
				// Cancelled while queued, or gone; skip it.
				m.mu.Lock()
				delete(m.active, taskID)
				m.mu.Unlock()
				cancel()
				continue
			}
			metrics.DownloadTasksByState.WithLabelValues(string(models.DownloadPending)).Dec()
			metrics.DownloadTasksByState.WithLabelValues(string(models.DownloadDownloading)).Inc()

			m.wg.Add(1)
			go m.transfer(ctx, taskID)
		}
	}
}

// transfer streams one episode to a temp file, publishing progress per
// chunk, then moves it into place and records the download.
func (m *Manager) transfer(ctx context.Context, taskID string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.active[taskID]; ok {
			cancel()
			delete(m.active, taskID)
		}
		m.mu.Unlock()
		m.signal()
	}()

	metrics.ActiveDownloads.Inc()
	defer metrics.ActiveDownloads.Dec()

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		m.logger.Error().Err(err).Str("task_id", taskID).Msg("task vanished before transfer")
		return
	}

	err = m.run(ctx, task)
	metrics.DownloadTasksByState.WithLabelValues(string(models.DownloadDownloading)).Dec()
	switch {
	case err == nil:
		now := time.Now()
		_ = m.store.TransitionTask(context.Background(), taskID, models.DownloadCompleted, func(t *models.DownloadTask) {
			t.Progress = 100
			t.CompletedAt = &now
		})
		metrics.DownloadTasksByState.WithLabelValues(string(models.DownloadCompleted)).Inc()
		m.logger.Info().Str("book_id", task.BookID).Int("episode", task.EpisodeIndex).Msg("download complete")
	case errors.Is(err, context.Canceled):
		if m.stopping() {
			// Shutdown interruption: the task stays in downloading so the
			// next Start resets it to pending and re-queues it.
			m.logger.Info().Str("book_id", task.BookID).Int("episode", task.EpisodeIndex).Msg("download interrupted by shutdown")
			return
		}
		_ = m.store.TransitionTask(context.Background(), taskID, models.DownloadCancelled, nil)
		metrics.DownloadTasksByState.WithLabelValues(string(models.DownloadCancelled)).Inc()
		m.logger.Info().Str("book_id", task.BookID).Int("episode", task.EpisodeIndex).Msg("download cancelled")
	default:
		_ = m.store.TransitionTask(context.Background(), taskID, models.DownloadFailed, func(t *models.DownloadTask) {
			t.Error = err.Error()
		})
		metrics.DownloadTasksByState.WithLabelValues(string(models.DownloadFailed)).Inc()
		m.logger.Error().Err(err).Str("book_id", task.BookID).Int("episode", task.EpisodeIndex).Msg("download failed")
	}
}

func (m *Manager) run(ctx context.Context, task *models.DownloadTask) error {
	body, total, err := m.streamer.OpenEpisodeStream(ctx, task.BookID, task.EpisodeIndex)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = body.Close() }()

	if err := os.MkdirAll(m.bookDir(task.BookID), 0o755); err != nil {
		return fmt.Errorf("create book dir: %w", err)
	}
	finalPath := m.episodePath(task.BookID, task.EpisodeIndex)
	tmpPath := finalPath + ".part"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	var written int64
	lastProgress := -1
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				cleanup()
				return fmt.Errorf("write chunk: %w", werr)
			}
			written += int64(n)
			metrics.DownloadBytes.Add(float64(n))

			progress := 0
			if total > 0 {
				progress = int(written * 100 / total)
			}
			if m.bus != nil {
				_ = m.bus.PublishProgress(models.ProgressEvent{
					TaskID:          task.ID,
					BookID:          task.BookID,
					EpisodeIndex:    task.EpisodeIndex,
					Progress:        progress,
					BytesDownloaded: written,
					TotalBytes:      total,
				})
			}
			if progress != lastProgress {
				lastProgress = progress
				_ = m.store.UpdateTaskProgress(ctx, task.ID, progress, written, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			cleanup()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", readErr)
		}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move into place: %w", err)
	}

	rec := &models.DownloadRecord{
		BookID:       task.BookID,
		EpisodeIndex: task.EpisodeIndex,
		FilePath:     finalPath,
		FileName:     filepath.Base(finalPath),
		FileSize:     written,
		DownloadedAt: time.Now(),
	}
	if err := m.store.PutDownload(ctx, rec); err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}
