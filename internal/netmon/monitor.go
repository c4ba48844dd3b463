// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package netmon tracks connectivity. It fuses two inputs: platform signals
// pushed in by the host shell (the OS's own online flag and connection
// type), and a periodic liveness probe against the backend. Subscribers are
// notified only when the fused state actually changes.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/continuo/internal/events"
	"github.com/tomtom215/continuo/internal/logging"
	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/models"
)

// Mode is the reported connection type.
type Mode string

const (
	ModeWifi     Mode = "wifi"
	ModeCellular Mode = "cellular"
	ModeUnknown  Mode = "unknown"
)

// Snapshot is the monitor's current view of connectivity.
type Snapshot struct {
	Online       bool
	Mode         Mode
	LastOnlineAt time.Time
}

// Config holds monitor settings.
type Config struct {
	// ProbeURL is the liveness endpoint the monitor GETs.
	ProbeURL string

	// ProbeInterval is the probe cadence. Default 30s.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe. A timeout is authoritative for
	// that tick; there are no retries inside the probe. Default 3s.
	ProbeTimeout time.Duration
}

// Monitor tracks online/offline state and connection mode.
type Monitor struct {
	config Config
	client *http.Client
	bus    *events.Bus
	logger zerolog.Logger

	mu             sync.Mutex
	snapshot       Snapshot
	platformOnline bool
	platformMode   Mode
	subscribers    map[uint64]func(Snapshot)
	nextSubID      uint64

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a monitor. bus may be nil; transitions are then only
// delivered to direct subscribers. Until the first probe or platform signal
// arrives the monitor assumes online, so startup work is not suppressed by
// a state nobody has measured yet.
func New(config Config, bus *events.Bus) *Monitor {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 30 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	return &Monitor{
		config: config,
		client: &http.Client{Timeout: config.ProbeTimeout},
		bus:    bus,
		logger: logging.Component("netmon"),
		snapshot: Snapshot{
			Online:       true,
			Mode:         ModeUnknown,
			LastOnlineAt: time.Now(),
		},
		platformOnline: true,
		platformMode:   ModeUnknown,
		subscribers:    make(map[uint64]func(Snapshot)),
	}
}

// Current returns the latest snapshot.
func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Subscribe registers fn for change notifications and returns its
// unsubscribe function. fn runs synchronously on the goroutine that
// detected the change; keep it short.
func (m *Monitor) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// SetPlatformOnline feeds in the platform's own connectivity flag. The
// probe degrades to this flag when it cannot reach the backend.
func (m *Monitor) SetPlatformOnline(online bool) {
	m.mu.Lock()
	m.platformOnline = online
	m.mu.Unlock()

	// A platform "offline" signal is trusted immediately; "online" is
	// confirmed by the next probe but optimistically applied so cached
	// work can resume without waiting out a probe tick.
	m.applyState(online, m.PlatformMode())
}

// SetPlatformMode feeds in the platform's connection type.
func (m *Monitor) SetPlatformMode(mode Mode) {
	m.mu.Lock()
	m.platformMode = mode
	online := m.snapshot.Online
	m.mu.Unlock()

	m.applyState(online, mode)
}

// PlatformMode returns the last platform-reported connection type.
func (m *Monitor) PlatformMode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.platformMode
}

// CheckNow forces an immediate probe and returns the resulting online
// state.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	return m.probe(ctx)
}

// Start launches the periodic probe loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info().
		Str("probe_url", m.config.ProbeURL).
		Dur("interval", m.config.ProbeInterval).
		Msg("starting network monitor")

	m.wg.Add(1)
	go m.probeLoop(ctx)
	return nil
}

// Stop halts the probe loop.
func (m *Monitor) Stop() {
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

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	m.probe(ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// probe performs one GET against the liveness endpoint. Success means
// online; failure degrades to the platform flag rather than declaring
// total failure, since a dead backend endpoint is not the same as no
// network.
func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	online := false

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, m.config.ProbeURL, nil)
	if err == nil {
		resp, doErr := m.client.Do(req)
		if doErr == nil {
			_ = resp.Body.Close()
			online = resp.StatusCode < 500
		}
	}
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())

	if !online {
		m.mu.Lock()
		online = m.platformOnline
		m.mu.Unlock()
	}

	m.applyState(online, m.PlatformMode())
	return online
}

// applyState fuses a new state, notifying subscribers and the bus only when
// something changed.
func (m *Monitor) applyState(online bool, mode Mode) {
	m.mu.Lock()
	prev := m.snapshot

	next := Snapshot{Online: online, Mode: mode, LastOnlineAt: prev.LastOnlineAt}
	if online {
		next.LastOnlineAt = time.Now()
	}

	if prev.Online == next.Online && prev.Mode == next.Mode {
		m.snapshot = next // keep LastOnlineAt fresh
		m.mu.Unlock()
		return
	}
	m.snapshot = next

	subs := make([]func(Snapshot), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if prev.Online != next.Online {
		state := "offline"
		if next.Online {
			state = "online"
		}
		metrics.NetworkTransitions.WithLabelValues(state).Inc()
		m.logger.Info().Bool("online", next.Online).Str("mode", string(next.Mode)).Msg("connectivity changed")
	}

	for _, fn := range subs {
		fn(next)
	}

	if m.bus != nil {
		if err := m.bus.PublishNetworkChange(models.NetworkStatusEvent{
			Online: next.Online,
			Mode:   string(next.Mode),
			At:     time.Now(),
		}); err != nil {
			m.logger.Warn().Err(err).Msg("publish network change")
		}
	}
}
