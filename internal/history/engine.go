// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package history records playback positions locally and reconciles them
// with the server. Writes are throttled per book; an append-only queue
// guarantees no position is lost while offline; sync transmits only the
// latest entry per book and treats the server response as authoritative.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomtom215/continuo/internal/config"
	"github.com/tomtom215/continuo/internal/events"
	"github.com/tomtom215/continuo/internal/logging"
	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/models"
	"github.com/tomtom215/continuo/internal/netmon"
	"github.com/tomtom215/continuo/internal/store"
)

// Update is one playback position observation.
type Update struct {
	BookID       string
	CurrentTime  float64
	EpisodeIndex int
	PlaybackRate float64
}

// Syncer is the slice of the API client the engine transmits through.
type Syncer interface {
	SyncHistory(ctx context.Context, req models.SyncRequest) (*models.History, error)
	SyncHistoryBeacon(ctx context.Context, req models.SyncRequest)
	BookHistory(ctx context.Context, bookID string) (*models.History, bool, error)
}

// Engine is the history recorder and sync loop.
type Engine struct {
	store   *store.Store
	syncer  Syncer
	monitor *netmon.Monitor
	bus     *events.Bus
	cfg     config.HistoryConfig
	logger  zerolog.Logger

	limitMu  sync.Mutex
	limiters map[string]*bookLimiter

	syncMu sync.Mutex // one sync pass at a time

	mu          sync.Mutex
	running     bool
	stopChan    chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

// bookLimiter pairs a per-book write limiter with its last use so stale
// entries can be dropped.
type bookLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New builds the engine. store is required; syncer, monitor and bus may be
// nil (record-only operation, nothing transmits or reports).
func New(st *store.Store, syncer Syncer, monitor *netmon.Monitor, bus *events.Bus, cfg config.HistoryConfig) *Engine {
	if cfg.WriteInterval <= 0 {
		cfg.WriteInterval = 5 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	return &Engine{
		store:    st,
		syncer:   syncer,
		monitor:  monitor,
		bus:      bus,
		cfg:      cfg,
		limiters: make(map[string]*bookLimiter),
		logger:   logging.Component("history"),
	}
}

// Record persists a position update. The primary history record is written
// at most once per interval per book; the queue entry is always appended,
// so every observation survives for sync.
func (e *Engine) Record(ctx context.Context, u Update) error {
	if u.BookID == "" {
		return fmt.Errorf("record history: empty book id")
	}
	if u.CurrentTime < 0 {
		return fmt.Errorf("record history: negative position %.2f", u.CurrentTime)
	}

	now := time.Now()
	if e.allowWrite(u.BookID, now) {
		h := &models.History{
			BookID:       u.BookID,
			CurrentTime:  u.CurrentTime,
			EpisodeIndex: u.EpisodeIndex,
			PlaybackRate: u.PlaybackRate,
			LastPlayedAt: now,
			SyncStatus:   models.SyncPending,
		}
		if err := e.store.SaveHistory(ctx, h); err != nil {
			return fmt.Errorf("save history: %w", err)
		}
	} else {
		metrics.HistoryWritesThrottled.Inc()
	}

	entry := &models.QueueEntry{
		BookID:       u.BookID,
		EpisodeIndex: u.EpisodeIndex,
		CurrentTime:  u.CurrentTime,
		PlaybackRate: u.PlaybackRate,
		Timestamp:    now,
	}
	if _, err := e.store.AppendQueueEntry(ctx, entry); err != nil {
		return fmt.Errorf("append queue entry: %w", err)
	}
	return nil
}

// allowWrite consults the per-book limiter, creating it on first use and
// sweeping entries idle for ten intervals.
func (e *Engine) allowWrite(bookID string, now time.Time) bool {
	e.limitMu.Lock()
	defer e.limitMu.Unlock()

	bl, ok := e.limiters[bookID]
	if !ok {
		bl = &bookLimiter{limiter: rate.NewLimiter(rate.Every(e.cfg.WriteInterval), 1)}
		e.limiters[bookID] = bl
	}
	bl.lastUsed = now

	stale := now.Add(-10 * e.cfg.WriteInterval)
	for id, other := range e.limiters {
		if id != bookID && other.lastUsed.Before(stale) {
			delete(e.limiters, id)
		}
	}
	return bl.limiter.Allow()
}

// SyncPending reconciles the pending queue with the server: entries group
// by book, only the latest per book transmits, and on success the server's
// record overwrites the local one and every coalesced entry for that book
// is marked synced. A failed book's entries stay pending.
func (e *Engine) SyncPending(ctx context.Context) error {
	if e.syncer == nil {
		return nil
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	pending, err := e.store.PendingQueueEntries(ctx)
	if err != nil {
		return fmt.Errorf("load pending entries: %w", err)
	}
	metrics.HistoryQueuePending.Set(float64(len(pending)))
	if len(pending) == 0 {
		return nil
	}

	latest := make(map[string]*models.QueueEntry)
	byBook := make(map[string][]uint64)
	for _, entry := range pending {
		byBook[entry.BookID] = append(byBook[entry.BookID], entry.ID)
		if cur, ok := latest[entry.BookID]; !ok || entry.Timestamp.After(cur.Timestamp) {
			latest[entry.BookID] = entry
		}
	}

	var firstErr error
	for bookID, entry := range latest {
		serverRecord, err := e.syncer.SyncHistory(ctx, models.SyncRequest{
			BookID:       bookID,
			CurrentTime:  entry.CurrentTime,
			EpisodeIndex: entry.EpisodeIndex,
			PlaybackRate: entry.PlaybackRate,
			LastPlayedAt: entry.Timestamp,
		})
		if err != nil {
			metrics.HistorySyncs.WithLabelValues("failure").Inc()
			e.logger.Warn().Err(err).Str("book_id", bookID).Msg("history sync failed")
			if e.bus != nil {
				ev := models.NewTelemetryEvent(models.TelemetryKindSyncFailure, "history", err.Error())
				ev.BookID = bookID
				_ = e.bus.PublishTelemetry(ev)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if serverRecord != nil {
			serverRecord.SyncStatus = models.SyncSynced
			if err := e.store.SaveHistory(ctx, serverRecord); err != nil {
				e.logger.Error().Err(err).Str("book_id", bookID).Msg("overwrite with server record failed")
			}
		}
		if err := e.store.MarkQueueEntriesSynced(ctx, byBook[bookID]); err != nil {
			e.logger.Error().Err(err).Str("book_id", bookID).Msg("mark entries synced failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.HistorySyncs.WithLabelValues("success").Inc()
	}
	return firstErr
}

// BestHistory resolves the local and server records for a book. Offline
// returns local. When both exist the later lastPlayedAt wins and the loser
// side is overwritten so the two converge; equal timestamps prefer local.
func (e *Engine) BestHistory(ctx context.Context, bookID string) (*models.History, error) {
	local, err := e.store.GetHistory(ctx, bookID)
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrClosed) {
		return nil, err
	}

	if e.syncer == nil || (e.monitor != nil && !e.monitor.Current().Online) {
		return local, nil
	}

	remote, _, err := e.syncer.BookHistory(ctx, bookID)
	if err != nil {
		// Unreachable mid-check: local is the best available.
		return local, nil
	}

	switch {
	case remote == nil:
		return local, nil
	case local == nil:
		remote.SyncStatus = models.SyncSynced
		if err := e.store.SaveHistory(ctx, remote); err != nil {
			e.logger.Warn().Err(err).Str("book_id", bookID).Msg("adopt server history failed")
		}
		return remote, nil
	case remote.LastPlayedAt.After(local.LastPlayedAt):
		remote.SyncStatus = models.SyncSynced
		if err := e.store.SaveHistory(ctx, remote); err != nil {
			e.logger.Warn().Err(err).Str("book_id", bookID).Msg("adopt server history failed")
		}
		return remote, nil
	default:
		// Local wins, ties included. Push it so the server converges.
		if _, err := e.syncer.SyncHistory(ctx, models.SyncRequest{
			BookID:       local.BookID,
			CurrentTime:  local.CurrentTime,
			EpisodeIndex: local.EpisodeIndex,
			PlaybackRate: local.PlaybackRate,
			LastPlayedAt: local.LastPlayedAt,
		}); err != nil {
			e.logger.Debug().Err(err).Str("book_id", bookID).Msg("push local history failed")
		}
		return local, nil
	}
}

// FlushOnShutdown writes the latest pending position per book to the
// primary record, then fires it over the beacon transport, bounded by the
// shutdown timeout, without reading responses. The local write runs first:
// an offline restart must resume from the final position even when the
// last Record was throttled off the primary record.
func (e *Engine) FlushOnShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()

	pending, err := e.store.PendingQueueEntries(ctx)
	if err != nil || len(pending) == 0 {
		return
	}
	latest := make(map[string]*models.QueueEntry)
	for _, entry := range pending {
		if cur, ok := latest[entry.BookID]; !ok || entry.Timestamp.After(cur.Timestamp) {
			latest[entry.BookID] = entry
		}
	}
	for bookID, entry := range latest {
		e.persistLatest(ctx, bookID, entry)
		if e.syncer != nil {
			e.syncer.SyncHistoryBeacon(ctx, models.SyncRequest{
				BookID:       bookID,
				CurrentTime:  entry.CurrentTime,
				EpisodeIndex: entry.EpisodeIndex,
				PlaybackRate: entry.PlaybackRate,
				LastPlayedAt: entry.Timestamp,
			})
		}
	}
}

// persistLatest overwrites the primary record with a queue entry unless the
// record already carries a later position (a server record adopted after
// the entry was queued).
func (e *Engine) persistLatest(ctx context.Context, bookID string, entry *models.QueueEntry) {
	cur, err := e.store.GetHistory(ctx, bookID)
	if err == nil && cur != nil && cur.LastPlayedAt.After(entry.Timestamp) {
		return
	}
	h := &models.History{
		BookID:       bookID,
		CurrentTime:  entry.CurrentTime,
		EpisodeIndex: entry.EpisodeIndex,
		PlaybackRate: entry.PlaybackRate,
		LastPlayedAt: entry.Timestamp,
		SyncStatus:   models.SyncPending,
	}
	if err := e.store.SaveHistory(ctx, h); err != nil {
		e.logger.Warn().Err(err).Str("book_id", bookID).Msg("persist final position")
	}
}

// Start launches the background flush loop and subscribes to connectivity
// changes so an offline-to-online transition syncs immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.running = true
	e.stopChan = make(chan struct{})

	if e.monitor != nil {
		wasOnline := e.monitor.Current().Online
		var transitionMu sync.Mutex
		e.unsubscribe = e.monitor.Subscribe(func(snap netmon.Snapshot) {
			transitionMu.Lock()
			cameOnline := snap.Online && !wasOnline
			wasOnline = snap.Online
			transitionMu.Unlock()
			if cameOnline {
				go func() {
					syncCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if err := e.SyncPending(syncCtx); err != nil {
						e.logger.Warn().Err(err).Msg("reconnect sync failed")
					}
				}()
			}
		})
	}

	e.wg.Add(1)
	go e.flushLoop()
	return nil
}

// Stop halts the flush loop. It does not flush; callers wanting a final
// push use FlushOnShutdown first.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	close(e.stopChan)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if e.monitor != nil && !e.monitor.Current().Online {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := e.SyncPending(ctx); err != nil {
				e.logger.Debug().Err(err).Msg("background sync failed")
			}
			cancel()
		}
	}
}
