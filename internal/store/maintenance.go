// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/tomtom215/continuo/internal/logging"
	"github.com/tomtom215/continuo/internal/metrics"
)

// MaintenanceConfig holds background upkeep settings.
type MaintenanceConfig struct {
	// GCInterval is how often badger value-log GC runs.
	GCInterval time.Duration

	// QueueRetention is how long synced history-queue entries are kept.
	QueueRetention time.Duration
}

// Maintenance runs periodic store upkeep: badger value-log garbage
// collection plus a sweep of synced history-queue entries past retention.
type Maintenance struct {
	store  *Store
	config MaintenanceConfig
	logger zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMaintenance creates the maintenance worker for store.
func NewMaintenance(store *Store, config MaintenanceConfig) *Maintenance {
	if config.GCInterval <= 0 {
		config.GCInterval = 10 * time.Minute
	}
	if config.QueueRetention <= 0 {
		config.QueueRetention = 7 * 24 * time.Hour
	}
	return &Maintenance{
		store:  store,
		config: config,
		logger: logging.Component("store-maintenance"),
	}
}

// Start launches the upkeep loop.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop halts the loop and waits for it to finish.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Maintenance) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// runOnce performs one upkeep pass. Exported through RunOnce for tests.
func (m *Maintenance) runOnce(ctx context.Context) {
	swept, err := m.store.SweepSyncedEntries(ctx, time.Now().Add(-m.config.QueueRetention))
	if err != nil {
		m.logger.Warn().Err(err).Msg("queue sweep failed")
	} else if swept > 0 {
		m.logger.Debug().Int("entries", swept).Msg("swept synced queue entries")
	}

	// One GC pass per tick; badger returns ErrNoRewrite when nothing
	// needed reclaiming, which is the common case.
	err = m.store.db.RunValueLogGC(0.5)
	switch {
	case err == nil:
		metrics.StoreGCRuns.WithLabelValues("reclaimed").Inc()
	case errors.Is(err, badger.ErrNoRewrite):
		metrics.StoreGCRuns.WithLabelValues("nothing").Inc()
	case errors.Is(err, badger.ErrRejected):
		// GC already in flight or DB closed; skip this tick.
	default:
		metrics.StoreGCRuns.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Msg("value-log GC failed")
	}
}

// RunOnce triggers a single synchronous upkeep pass.
func (m *Maintenance) RunOnce(ctx context.Context) {
	m.runOnce(ctx)
}
