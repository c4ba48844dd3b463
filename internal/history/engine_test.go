// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/continuo/internal/config"
	"github.com/tomtom215/continuo/internal/events"
	"github.com/tomtom215/continuo/internal/models"
	"github.com/tomtom215/continuo/internal/netmon"
	"github.com/tomtom215/continuo/internal/store"
)

type fakeSyncer struct {
	mu          sync.Mutex
	syncCalls   []models.SyncRequest
	beaconCalls []models.SyncRequest
	syncErr     error
	remote      *models.History
	remoteErr   error
}

func (f *fakeSyncer) SyncHistory(_ context.Context, req models.SyncRequest) (*models.History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls = append(f.syncCalls, req)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	// The server echoes the record as authoritative, with its own stamp.
	return &models.History{
		BookID:       req.BookID,
		CurrentTime:  req.CurrentTime,
		EpisodeIndex: req.EpisodeIndex,
		PlaybackRate: req.PlaybackRate,
		LastPlayedAt: req.LastPlayedAt,
	}, nil
}

func (f *fakeSyncer) SyncHistoryBeacon(_ context.Context, req models.SyncRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beaconCalls = append(f.beaconCalls, req)
}

func (f *fakeSyncer) BookHistory(_ context.Context, _ string) (*models.History, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote, false, f.remoteErr
}

func (f *fakeSyncer) calls() []models.SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SyncRequest(nil), f.syncCalls...)
}

func testEngineConfig() config.HistoryConfig {
	return config.HistoryConfig{
		WriteInterval:   time.Hour, // deterministic throttling in tests
		FlushInterval:   time.Hour,
		ShutdownTimeout: time.Second,
	}
}

func newTestEngine(t *testing.T, syncer Syncer, monitor *netmon.Monitor) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, syncer, monitor, nil, testEngineConfig()), st
}

func TestRecordThrottlesPrimaryWriteButAlwaysQueues(t *testing.T) {
	e, st := newTestEngine(t, nil, nil)
	ctx := context.Background()

	if err := e.Record(ctx, Update{BookID: "b1", CurrentTime: 100}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := e.Record(ctx, Update{BookID: "b1", CurrentTime: 200}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	h, err := st.GetHistory(ctx, "b1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if h.CurrentTime != 100 {
		t.Errorf("primary record = %.0f, want 100 (second write throttled)", h.CurrentTime)
	}

	pending, err := st.PendingQueueEntries(ctx)
	if err != nil {
		t.Fatalf("PendingQueueEntries: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("queue entries = %d, want 2 (appends are never throttled)", len(pending))
	}
}

func TestRecordThrottleIsPerBook(t *testing.T) {
	e, st := newTestEngine(t, nil, nil)
	ctx := context.Background()

	if err := e.Record(ctx, Update{BookID: "b1", CurrentTime: 10}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := e.Record(ctx, Update{BookID: "b2", CurrentTime: 20}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	for bookID, want := range map[string]float64{"b1": 10, "b2": 20} {
		h, err := st.GetHistory(ctx, bookID)
		if err != nil {
			t.Fatalf("GetHistory(%s): %v", bookID, err)
		}
		if h.CurrentTime != want {
			t.Errorf("%s = %.0f, want %.0f", bookID, h.CurrentTime, want)
		}
	}
}

func TestRecordRejectsInvalidUpdates(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	if err := e.Record(context.Background(), Update{BookID: "", CurrentTime: 1}); err == nil {
		t.Error("empty book id accepted")
	}
	if err := e.Record(context.Background(), Update{BookID: "b1", CurrentTime: -1}); err == nil {
		t.Error("negative position accepted")
	}
}

func TestSyncPendingCoalescesPerBook(t *testing.T) {
	syncer := &fakeSyncer{}
	e, st := newTestEngine(t, syncer, nil)
	ctx := context.Background()

	base := time.Now()
	for i, pos := range []float64{100, 200, 300} {
		_, err := st.AppendQueueEntry(ctx, &models.QueueEntry{
			BookID:      "b1",
			CurrentTime: pos,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendQueueEntry: %v", err)
		}
	}

	if err := e.SyncPending(ctx); err != nil {
		t.Fatalf("SyncPending: %v", err)
	}

	calls := syncer.calls()
	if len(calls) != 1 {
		t.Fatalf("sync calls = %d, want 1 (coalesced)", len(calls))
	}
	if calls[0].CurrentTime != 300 {
		t.Errorf("transmitted position = %.0f, want latest 300", calls[0].CurrentTime)
	}

	pending, err := st.PendingQueueEntries(ctx)
	if err != nil {
		t.Fatalf("PendingQueueEntries: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after sync = %d, want 0 (all coalesced entries marked)", len(pending))
	}
}

func TestSyncPendingIsIdempotent(t *testing.T) {
	syncer := &fakeSyncer{}
	e, st := newTestEngine(t, syncer, nil)
	ctx := context.Background()

	if _, err := st.AppendQueueEntry(ctx, &models.QueueEntry{BookID: "b1", CurrentTime: 50, Timestamp: time.Now()}); err != nil {
		t.Fatalf("AppendQueueEntry: %v", err)
	}
	if err := e.SyncPending(ctx); err != nil {
		t.Fatalf("first SyncPending: %v", err)
	}
	if err := e.SyncPending(ctx); err != nil {
		t.Fatalf("second SyncPending: %v", err)
	}
	if n := len(syncer.calls()); n != 1 {
		t.Errorf("sync calls = %d, want 1 (re-sync transmits nothing)", n)
	}
}

func TestSyncFailureLeavesEntriesPending(t *testing.T) {
	syncer := &fakeSyncer{syncErr: errors.New("backend down")}
	e, st := newTestEngine(t, syncer, nil)
	ctx := context.Background()

	if _, err := st.AppendQueueEntry(ctx, &models.QueueEntry{BookID: "b1", CurrentTime: 50, Timestamp: time.Now()}); err != nil {
		t.Fatalf("AppendQueueEntry: %v", err)
	}
	if err := e.SyncPending(ctx); err == nil {
		t.Fatal("expected sync failure to propagate")
	}

	pending, err := st.PendingQueueEntries(ctx)
	if err != nil {
		t.Fatalf("PendingQueueEntries: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1 (failure must not mark synced)", len(pending))
	}
}

func TestSyncOverwritesLocalWithServerRecord(t *testing.T) {
	syncer := &fakeSyncer{}
	e, st := newTestEngine(t, syncer, nil)
	ctx := context.Background()

	if err := e.Record(ctx, Update{BookID: "b1", CurrentTime: 100}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := e.SyncPending(ctx); err != nil {
		t.Fatalf("SyncPending: %v", err)
	}

	h, err := st.GetHistory(ctx, "b1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if h.SyncStatus != models.SyncSynced {
		t.Errorf("sync status = %s, want synced", h.SyncStatus)
	}
}

func TestBestHistoryOfflineReturnsLocal(t *testing.T) {
	syncer := &fakeSyncer{remote: &models.History{BookID: "b1", CurrentTime: 999, LastPlayedAt: time.Now().Add(time.Hour)}}
	monitor := netmon.New(netmon.Config{}, nil)
	monitor.SetPlatformOnline(false)

	e, st := newTestEngine(t, syncer, monitor)
	ctx := context.Background()

	local := &models.History{BookID: "b1", CurrentTime: 100, LastPlayedAt: time.Now(), SyncStatus: models.SyncPending}
	if err := st.SaveHistory(ctx, local); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	best, err := e.BestHistory(ctx, "b1")
	if err != nil {
		t.Fatalf("BestHistory: %v", err)
	}
	if best.CurrentTime != 100 {
		t.Errorf("offline best = %.0f, want local 100", best.CurrentTime)
	}
}

func TestBestHistoryNewerRemoteWinsAndConverges(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	syncer := &fakeSyncer{remote: &models.History{
		BookID:       "b1",
		CurrentTime:  500,
		LastPlayedAt: now.Add(time.Hour),
	}}
	e, st := newTestEngine(t, syncer, nil)
	ctx := context.Background()

	if err := st.SaveHistory(ctx, &models.History{BookID: "b1", CurrentTime: 100, LastPlayedAt: now, SyncStatus: models.SyncPending}); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	best, err := e.BestHistory(ctx, "b1")
	if err != nil {
		t.Fatalf("BestHistory: %v", err)
	}
	if best.CurrentTime != 500 {
		t.Errorf("best = %.0f, want remote 500", best.CurrentTime)
	}

	// The losing local record must have been overwritten.
	h, err := st.GetHistory(ctx, "b1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if h.CurrentTime != 500 || h.SyncStatus != models.SyncSynced {
		t.Errorf("local after convergence = %+v", h)
	}
}

func TestBestHistoryNewerLocalWinsAndPushes(t *testing.T) {
	now := time.Now()
	syncer := &fakeSyncer{remote: &models.History{
		BookID:       "b1",
		CurrentTime:  500,
		LastPlayedAt: now.Add(-time.Hour),
	}}
	e, st := newTestEngine(t, syncer, nil)
	ctx := context.Background()

	if err := st.SaveHistory(ctx, &models.History{BookID: "b1", CurrentTime: 100, LastPlayedAt: now, SyncStatus: models.SyncPending}); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	best, err := e.BestHistory(ctx, "b1")
	if err != nil {
		t.Fatalf("BestHistory: %v", err)
	}
	if best.CurrentTime != 100 {
		t.Errorf("best = %.0f, want local 100", best.CurrentTime)
	}
	// The losing server side gets pushed the local record.
	if n := len(syncer.calls()); n != 1 {
		t.Errorf("push calls = %d, want 1", n)
	}
}

func TestBestHistoryEqualTimestampsPreferLocal(t *testing.T) {
	now := time.Now()
	syncer := &fakeSyncer{remote: &models.History{BookID: "b1", CurrentTime: 500, LastPlayedAt: now}}
	e, st := newTestEngine(t, syncer, nil)
	ctx := context.Background()

	if err := st.SaveHistory(ctx, &models.History{BookID: "b1", CurrentTime: 100, LastPlayedAt: now, SyncStatus: models.SyncPending}); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	best, err := e.BestHistory(ctx, "b1")
	if err != nil {
		t.Fatalf("BestHistory: %v", err)
	}
	if best.CurrentTime != 100 {
		t.Errorf("best = %.0f, want local 100 on tie", best.CurrentTime)
	}
}

func TestBestHistoryAdoptsRemoteWhenNoLocal(t *testing.T) {
	syncer := &fakeSyncer{remote: &models.History{BookID: "b1", CurrentTime: 500, LastPlayedAt: time.Now()}}
	e, st := newTestEngine(t, syncer, nil)
	ctx := context.Background()

	best, err := e.BestHistory(ctx, "b1")
	if err != nil {
		t.Fatalf("BestHistory: %v", err)
	}
	if best == nil || best.CurrentTime != 500 {
		t.Fatalf("best = %+v, want remote record", best)
	}
	if _, err := st.GetHistory(ctx, "b1"); err != nil {
		t.Errorf("remote record not adopted locally: %v", err)
	}
}

func TestFlushOnShutdownFiresLatestPerBook(t *testing.T) {
	syncer := &fakeSyncer{}
	e, st := newTestEngine(t, syncer, nil)
	ctx := context.Background()

	base := time.Now()
	entries := []models.QueueEntry{
		{BookID: "b1", CurrentTime: 10, Timestamp: base},
		{BookID: "b1", CurrentTime: 20, Timestamp: base.Add(time.Second)},
		{BookID: "b2", CurrentTime: 30, Timestamp: base},
	}
	for i := range entries {
		if _, err := st.AppendQueueEntry(ctx, &entries[i]); err != nil {
			t.Fatalf("AppendQueueEntry: %v", err)
		}
	}

	e.FlushOnShutdown()

	syncer.mu.Lock()
	beacons := append([]models.SyncRequest(nil), syncer.beaconCalls...)
	syncer.mu.Unlock()
	if len(beacons) != 2 {
		t.Fatalf("beacon calls = %d, want 2 (one per book)", len(beacons))
	}
	byBook := make(map[string]float64)
	for _, b := range beacons {
		byBook[b.BookID] = b.CurrentTime
	}
	if byBook["b1"] != 20 || byBook["b2"] != 30 {
		t.Errorf("beacon positions = %v", byBook)
	}
}

func TestReconnectTriggersSync(t *testing.T) {
	syncer := &fakeSyncer{}
	monitor := netmon.New(netmon.Config{}, nil)
	e, st := newTestEngine(t, syncer, monitor)
	ctx := context.Background()

	if _, err := st.AppendQueueEntry(ctx, &models.QueueEntry{BookID: "b1", CurrentTime: 10, Timestamp: time.Now()}); err != nil {
		t.Fatalf("AppendQueueEntry: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	monitor.SetPlatformOnline(false)
	monitor.SetPlatformOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(syncer.calls()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sync calls = %d, want 1 after reconnect", len(syncer.calls()))
}

func TestFlushOnShutdownPersistsFinalPosition(t *testing.T) {
	syncer := &fakeSyncer{}
	e, st := newTestEngine(t, syncer, nil)
	ctx := context.Background()

	if err := e.Record(ctx, Update{BookID: "b1", CurrentTime: 100}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// Throttled: the primary record stays at 100, only the queue grows.
	if err := e.Record(ctx, Update{BookID: "b1", CurrentTime: 200}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if h, err := st.GetHistory(ctx, "b1"); err != nil || h.CurrentTime != 100 {
		t.Fatalf("primary before flush = %+v, %v; want CurrentTime 100", h, err)
	}

	e.FlushOnShutdown()

	h, err := st.GetHistory(ctx, "b1")
	if err != nil {
		t.Fatalf("GetHistory after flush: %v", err)
	}
	if h.CurrentTime != 200 {
		t.Errorf("primary after flush = %v, want 200 (final position written locally)", h.CurrentTime)
	}
	syncer.mu.Lock()
	beacons := len(syncer.beaconCalls)
	syncer.mu.Unlock()
	if beacons != 1 {
		t.Errorf("beacon calls = %d, want 1", beacons)
	}
}

func TestFlushOnShutdownKeepsNewerPrimary(t *testing.T) {
	syncer := &fakeSyncer{}
	e, st := newTestEngine(t, syncer, nil)
	ctx := context.Background()

	entry := models.QueueEntry{BookID: "b1", CurrentTime: 50, Timestamp: time.Now().Add(-time.Hour)}
	if _, err := st.AppendQueueEntry(ctx, &entry); err != nil {
		t.Fatalf("AppendQueueEntry: %v", err)
	}
	// A server record adopted after the entry was queued.
	adopted := &models.History{
		BookID:       "b1",
		CurrentTime:  500,
		LastPlayedAt: time.Now(),
		SyncStatus:   models.SyncSynced,
	}
	if err := st.SaveHistory(ctx, adopted); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	e.FlushOnShutdown()

	h, err := st.GetHistory(ctx, "b1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if h.CurrentTime != 500 {
		t.Errorf("primary after flush = %v, want 500 (newer record kept)", h.CurrentTime)
	}
}

func TestSyncFailurePublishesTelemetry(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, err := bus.Subscribe(ctx, events.TopicTelemetry)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	st, err := store.Open(store.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	syncer := &fakeSyncer{syncErr: errors.New("backend down")}
	e := New(st, syncer, nil, bus, testEngineConfig())

	if err := e.Record(ctx, Update{BookID: "b1", CurrentTime: 100}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := e.SyncPending(ctx); err == nil {
		t.Fatal("SyncPending succeeded against a failing backend")
	}

	select {
	case msg := <-msgs:
		var ev models.TelemetryEvent
		if err := events.Decode(msg, &ev); err != nil {
			t.Fatalf("decode telemetry event: %v", err)
		}
		msg.Ack()
		if ev.Kind != models.TelemetryKindSyncFailure {
			t.Errorf("event kind = %q, want %q", ev.Kind, models.TelemetryKindSyncFailure)
		}
		if ev.BookID != "b1" {
			t.Errorf("event book = %q, want b1", ev.BookID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry event published for the failed sync")
	}
}
