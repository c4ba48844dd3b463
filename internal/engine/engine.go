// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package engine wires the components into one facade the platform shell
// talks to, and supervises the long-running ones under a suture tree.
//
// The tree has two layers for failure isolation: a crash in the service
// layer (probe loop, downloads, history, telemetry) never takes down the
// data layer's store maintenance, and vice versa.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/continuo/internal/api"
	"github.com/tomtom215/continuo/internal/auth"
	"github.com/tomtom215/continuo/internal/cache"
	"github.com/tomtom215/continuo/internal/config"
	"github.com/tomtom215/continuo/internal/covers"
	"github.com/tomtom215/continuo/internal/download"
	"github.com/tomtom215/continuo/internal/events"
	"github.com/tomtom215/continuo/internal/history"
	"github.com/tomtom215/continuo/internal/logging"
	"github.com/tomtom215/continuo/internal/models"
	"github.com/tomtom215/continuo/internal/netmon"
	"github.com/tomtom215/continuo/internal/retry"
	"github.com/tomtom215/continuo/internal/store"
	"github.com/tomtom215/continuo/internal/telemetry"
	"github.com/tomtom215/continuo/internal/urlcache"
)

// Engine is the wired facade over every component. Construct with New,
// drive with Run, tear down with Close.
type Engine struct {
	cfg      *config.Config
	degraded bool

	store       *store.Store
	maintenance *store.Maintenance
	bus         *events.Bus
	monitor     *netmon.Monitor
	tokens      *auth.Coordinator
	client      *api.Client
	responses   *cache.Responses
	urls        *urlcache.Cache
	downloads   *download.Manager
	history     *history.Engine
	covers      *covers.Cache
	telemetry   *telemetry.Reporter

	root   *suture.Supervisor
	logger zerolog.Logger
}

// New builds the full component graph from cfg.
//
// A store that fails to open does not fail construction: the engine comes
// up degraded, with network-only variants of every component (no durable
// cache tiers, no downloads, memory-only session). Only a broken
// encryption key is a hard error, since silently storing tokens the user
// asked to encrypt would be worse than refusing to start.
func New(cfg *config.Config) (*Engine, error) {
	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logger := logging.Component("engine")

	encryptor, err := auth.NewTokenEncryptor(cfg.Store.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("token encryptor: %w", err)
	}

	e := &Engine{cfg: cfg, logger: logger}

	st, err := store.OpenShared(store.Config{Dir: cfg.Store.Dir})
	if err != nil {
		logger.Warn().Err(err).Str("dir", cfg.Store.Dir).
			Msg("store open failed, running degraded network-only")
		e.degraded = true
	} else {
		e.store = st
	}

	e.bus = events.NewBus()

	probeURL := cfg.Network.ProbeURL
	if probeURL == "" {
		probeURL = strings.TrimSuffix(cfg.Backend.BaseURL, "/") + "/health"
	}
	e.monitor = netmon.New(netmon.Config{
		ProbeURL:      probeURL,
		ProbeInterval: cfg.Network.ProbeInterval,
		ProbeTimeout:  cfg.Network.ProbeTimeout,
	}, e.bus)

	// The coordinator needs the client for refresh and the client needs
	// the coordinator for bearer tokens. The refresh closure is only
	// invoked after New returns, so late-binding through e.client is safe.
	var tokenStore auth.TokenStore
	if e.store != nil {
		tokenStore = e.store
	}
	e.tokens = auth.NewCoordinator(
		auth.Config{RefreshThreshold: cfg.Auth.RefreshThreshold},
		tokenStore,
		encryptor,
		func(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
			return e.client.RefreshTokens(ctx, refreshToken)
		},
	)

	e.responses = cache.NewResponses(e.store, cfg.Cache)
	e.client = api.NewClient(api.Config{
		BaseURL:   cfg.Backend.BaseURL,
		Timeout:   cfg.Backend.Timeout,
		UserAgent: cfg.Backend.UserAgent,
	}, e.tokens, e.responses)

	e.urls = urlcache.New(e.store, e.client, resolveAgainst(cfg.Backend.BaseURL), e.bus, cfg.URLCache)
	e.downloads = download.New(e.store, e.client, e.bus, cfg.Downloads)
	e.history = history.New(e.store, e.client, e.monitor, e.bus, cfg.History)
	e.covers = covers.New(e.store, e.client)
	e.telemetry = telemetry.New(e.bus, e.client, cfg.Telemetry)

	if e.store != nil {
		e.maintenance = store.NewMaintenance(e.store, store.MaintenanceConfig{
			GCInterval:     cfg.Store.GCInterval,
			QueueRetention: cfg.Store.QueueRetention,
		})
	}

	e.root = e.buildTree()
	return e, nil
}

// buildTree assembles the two-layer supervisor tree. Children inherit the
// root's event hook, so only the root spec carries one.
func (e *Engine) buildTree() *suture.Supervisor {
	hook := (&sutureslog.Handler{Logger: slog.New(logging.NewSlogHandler())}).MustHook()

	rootSpec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	}
	childSpec := suture.Spec{
		FailureThreshold: rootSpec.FailureThreshold,
		FailureDecay:     rootSpec.FailureDecay,
		FailureBackoff:   rootSpec.FailureBackoff,
		Timeout:          rootSpec.Timeout,
	}

	root := suture.New("continuo", rootSpec)
	data := suture.New("data-layer", childSpec)
	svc := suture.New("service-layer", childSpec)
	root.Add(data)
	root.Add(svc)

	if e.maintenance != nil {
		data.Add(&service{name: "store-maintenance", runner: e.maintenance})
	}
	svc.Add(&service{name: "network-monitor", runner: e.monitor})
	if e.downloads.Enabled() {
		svc.Add(&service{name: "download-manager", runner: e.downloads})
	}
	svc.Add(&service{name: "history-engine", runner: e.history})
	svc.Add(&service{name: "telemetry-reporter", runner: e.telemetry})

	return root
}

// Run serves the supervisor tree and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Bool("degraded", e.degraded).Msg("engine starting")
	return e.root.Serve(ctx)
}

// RunBackground serves the tree on a background goroutine. The returned
// channel delivers the terminal error once the tree stops.
func (e *Engine) RunBackground(ctx context.Context) <-chan error {
	e.logger.Info().Bool("degraded", e.degraded).Msg("engine starting")
	return e.root.ServeBackground(ctx)
}

// Close flushes pending history best-effort and releases the bus and the
// store. Call after the Run context has been cancelled.
func (e *Engine) Close() error {
	e.history.FlushOnShutdown()

	var firstErr error
	if err := e.bus.Close(); err != nil {
		firstErr = err
	}
	if e.store != nil {
		if err := store.CloseShared(e.cfg.Store.Dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.logger.Info().Msg("engine closed")
	return firstErr
}

// Degraded reports whether the engine is running without a durable store.
func (e *Engine) Degraded() bool { return e.degraded }

// Store returns the durable store, nil when degraded.
func (e *Engine) Store() *store.Store { return e.store }

// Bus returns the in-process event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Network returns the connectivity monitor.
func (e *Engine) Network() *netmon.Monitor { return e.monitor }

// Auth returns the token refresh coordinator.
func (e *Engine) Auth() *auth.Coordinator { return e.tokens }

// API returns the backend client.
func (e *Engine) API() *api.Client { return e.client }

// URLs returns the episode URL cache.
func (e *Engine) URLs() *urlcache.Cache { return e.urls }

// Downloads returns the download manager.
func (e *Engine) Downloads() *download.Manager { return e.downloads }

// History returns the history sync engine.
func (e *Engine) History() *history.Engine { return e.history }

// Covers returns the cover cache.
func (e *Engine) Covers() *covers.Cache { return e.covers }

// Telemetry returns the telemetry reporter.
func (e *Engine) Telemetry() *telemetry.Reporter { return e.telemetry }

// RetryPolicy returns the default recovery policy with diagnostics wired to
// the bus, for coarse recovery sequences the shell drives (episode
// transitions, invalidate-then-refetch).
func (e *Engine) RetryPolicy(operation string) retry.Policy {
	p := retry.DefaultPolicy()
	p.Operation = operation
	p.Events = e.bus
	return p
}

// resolveAgainst joins relative episode URLs onto the backend base URL.
// Absolute URLs pass through untouched.
func resolveAgainst(baseURL string) urlcache.ResolveFunc {
	base := strings.TrimSuffix(baseURL, "/")
	return func(raw string) string {
		if raw == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
			return raw
		}
		if !strings.HasPrefix(raw, "/") {
			raw = "/" + raw
		}
		return base + raw
	}
}
