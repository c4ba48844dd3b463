// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus instrumentation for the engine. The engine is a library, so it
// never binds a listen address itself; the host mounts Handler() wherever it
// exposes metrics.

var (
	// Durable store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuo_store_operations_total",
			Help: "Total durable store operations by namespace and outcome",
		},
		[]string{"namespace", "operation", "outcome"},
	)

	StoreGCRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuo_store_gc_runs_total",
			Help: "Value-log garbage collection runs by outcome",
		},
		[]string{"outcome"}, // "reclaimed", "nothing", "error"
	)

	QueueEntriesSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "continuo_store_queue_entries_swept_total",
			Help: "Synced history-queue entries removed by the maintenance sweep",
		},
	)

	// API response cache metrics
	ResponseCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuo_response_cache_hits_total",
			Help: "API response cache hits, labelled fresh or stale",
		},
		[]string{"freshness"}, // "fresh", "stale"
	)

	ResponseCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "continuo_response_cache_misses_total",
			Help: "API response cache misses",
		},
	)

	// Episode URL cache metrics
	URLCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuo_url_cache_hits_total",
			Help: "Episode URL cache hits by tier",
		},
		[]string{"tier"}, // "memory", "durable"
	)

	URLCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "continuo_url_cache_misses_total",
			Help: "Episode URL cache misses requiring a network fetch",
		},
	)

	URLBatchPrefetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuo_url_batch_prefetches_total",
			Help: "Episode URL batch prefetches by outcome",
		},
		[]string{"outcome"}, // "success", "failure", "coalesced"
	)

	URLCacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "continuo_url_cache_invalidations_total",
			Help: "Whole-book URL cache invalidations",
		},
	)

	// Token refresh metrics
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuo_token_refreshes_total",
			Help: "Token refresh attempts by trigger and outcome",
		},
		[]string{"trigger", "outcome"}, // trigger: "proactive", "reactive"; outcome: "success", "denied", "transient"
	)

	// Download metrics
	DownloadTasksByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "continuo_download_tasks",
			Help: "Download tasks currently in each state",
		},
		[]string{"state"},
	)

	DownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "continuo_download_bytes_total",
			Help: "Total bytes downloaded across all tasks",
		},
	)

	ActiveDownloads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "continuo_downloads_active",
			Help: "Transfers currently in flight",
		},
	)

	// History sync metrics
	HistorySyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuo_history_syncs_total",
			Help: "Per-book history sync transmissions by outcome",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	HistoryQueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "continuo_history_queue_pending",
			Help: "History-queue entries awaiting sync",
		},
	)

	HistoryWritesThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "continuo_history_writes_throttled_total",
			Help: "Primary history writes suppressed by the per-book throttle",
		},
	)

	// Network monitor metrics
	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "continuo_network_probe_duration_seconds",
			Help:    "Connectivity probe duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3},
		},
	)

	NetworkTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuo_network_transitions_total",
			Help: "Connectivity state transitions",
		},
		[]string{"to"}, // "online", "offline"
	)

	// Backend API client metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "continuo_api_request_duration_seconds",
			Help:    "Backend API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "continuo_circuit_breaker_state",
			Help: "Backend circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Retry metrics
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuo_retry_attempts_total",
			Help: "Retry attempts by operation and outcome",
		},
		[]string{"operation", "outcome"}, // "retried", "recovered", "exhausted"
	)

	// Telemetry reporter metrics
	TelemetryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuo_telemetry_events_total",
			Help: "Telemetry events by disposition",
		},
		[]string{"disposition"}, // "queued", "sent", "dropped", "send_failed"
	)
)

// RecordAPIRequest records one backend request observation.
func RecordAPIRequest(endpoint, status string, duration time.Duration) {
	APIRequestDuration.WithLabelValues(endpoint, status).Observe(duration.Seconds())
}

// RecordStoreOp records a store operation outcome; err==nil counts as success.
func RecordStoreOp(namespace, operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	StoreOperations.WithLabelValues(namespace, operation, outcome).Inc()
}

// Handler returns the HTTP handler serving the metrics registry, for the
// host application to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}
