// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package telemetry ships diagnostics events to the backend. Events arrive
// over the bus, queue with overflow drop, and flush in size- and
// interval-bounded batches. Nothing here ever blocks or fails a caller:
// send errors are logged and the batch is gone.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/tomtom215/continuo/internal/config"
	"github.com/tomtom215/continuo/internal/events"
	"github.com/tomtom215/continuo/internal/logging"
	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/models"
)

// Sender is the slice of the API client batches post through.
type Sender interface {
	PostTelemetry(ctx context.Context, batch models.TelemetryBatch) error
}

// Reporter consumes telemetry events and posts them in batches.
type Reporter struct {
	bus    *events.Bus
	sender Sender
	cfg    config.TelemetryConfig
	logger zerolog.Logger

	queue chan models.TelemetryEvent

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds the reporter.
func New(bus *events.Bus, sender Sender, cfg config.TelemetryConfig) *Reporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Reporter{
		bus:    bus,
		sender: sender,
		cfg:    cfg,
		queue:  make(chan models.TelemetryEvent, cfg.QueueSize),
		logger: logging.Component("telemetry"),
	}
}

// Enqueue offers an event directly, bypassing the bus. Full queue drops.
func (r *Reporter) Enqueue(ev models.TelemetryEvent) {
	if !r.cfg.Enabled {
		return
	}
	select {
	case r.queue <- ev:
		metrics.TelemetryEvents.WithLabelValues("queued").Inc()
	default:
		metrics.TelemetryEvents.WithLabelValues("dropped").Inc()
	}
}

// Start subscribes to the telemetry topic and launches the flush loop.
func (r *Reporter) Start(ctx context.Context) error {
	if !r.cfg.Enabled || r.sender == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.stopChan = make(chan struct{})

	subCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if r.bus != nil {
		msgs, err := r.bus.Subscribe(subCtx, events.TopicTelemetry)
		if err != nil {
			cancel()
			r.running = false
			return err
		}
		r.wg.Add(1)
		go r.consume(msgs)
	}

	r.wg.Add(1)
	go r.flushLoop()
	return nil
}

// Stop halts the loops, flushing whatever is queued first.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	close(r.stopChan)
	r.mu.Unlock()
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.flush(ctx)
}

// consume moves bus messages onto the queue. Malformed payloads are acked
// and dropped; diagnostics never poison the subscription.
func (r *Reporter) consume(msgs <-chan *message.Message) {
	defer r.wg.Done()
	for msg := range msgs {
		var ev models.TelemetryEvent
		if err := events.Decode(msg, &ev); err != nil {
			r.logger.Warn().Err(err).Msg("undecodable telemetry event")
			msg.Ack()
			continue
		}
		r.Enqueue(ev)
		msg.Ack()
	}
}

// flushLoop accumulates queued events and sends them when the batch fills
// or the interval elapses, whichever comes first.
func (r *Reporter) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var pending []models.TelemetryEvent
	sendPending := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		r.send(ctx, pending)
		cancel()
		pending = nil
	}

	for {
		select {
		case <-r.stopChan:
			sendPending()
			return
		case <-ticker.C:
			sendPending()
		case ev := <-r.queue:
			pending = append(pending, ev)
			if len(pending) >= r.cfg.BatchSize {
				sendPending()
			}
		}
	}
}

// flush sends everything still sitting in the queue, in batch-size slices.
func (r *Reporter) flush(ctx context.Context) {
	var batch []models.TelemetryEvent
	for {
		select {
		case ev := <-r.queue:
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				r.send(ctx, batch)
				batch = nil
			}
		default:
			r.send(ctx, batch)
			return
		}
	}
}

func (r *Reporter) send(ctx context.Context, batch []models.TelemetryEvent) {
	if len(batch) == 0 {
		return
	}
	if err := r.sender.PostTelemetry(ctx, models.TelemetryBatch{Events: batch}); err != nil {
		metrics.TelemetryEvents.WithLabelValues("send_failed").Add(float64(len(batch)))
		r.logger.Debug().Err(err).Int("count", len(batch)).Msg("telemetry batch dropped")
		return
	}
	metrics.TelemetryEvents.WithLabelValues("sent").Add(float64(len(batch)))
}
