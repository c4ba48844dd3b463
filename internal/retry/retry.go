// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package retry provides bounded, fixed-delay retry for coarse recovery
// paths such as the episode-transition sequence. It is not meant for
// idempotency-sensitive operations unless the caller makes the wrapped
// operation side-effect aware itself.
package retry

import (
	"context"
	"time"

	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/models"
)

// TelemetryPublisher receives retry diagnostics. *events.Bus satisfies it.
type TelemetryPublisher interface {
	PublishTelemetry(ev models.TelemetryEvent) error
}

// Policy controls a retry loop.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// operation runs at most MaxRetries+1 times.
	MaxRetries int

	// Delay is the fixed wait between attempts.
	Delay time.Duration

	// OnRetry, when set, is invoked before each wait with the 1-based
	// number of the attempt that just failed and its error.
	OnRetry func(attempt int, err error)

	// Operation names the wrapped work in metrics and telemetry.
	Operation string

	// Events, when set, receives one diagnostics event per retried
	// attempt and one on exhaustion. Publish failures are ignored.
	Events TelemetryPublisher
}

// DefaultPolicy mirrors the engine's default recovery behavior.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		Delay:      2 * time.Second,
		Operation:  "default",
	}
}

// Result reports the outcome of a retry loop. Do never returns an error:
// exhaustion is communicated here, not by panicking or throwing.
type Result[T any] struct {
	Success       bool
	Data          T
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Do runs op until it succeeds, the policy is exhausted, or ctx is
// cancelled during a wait. Cancellation surfaces as LastError so callers
// handle it the same way as exhaustion.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) Result[T] {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.Operation == "" {
		policy.Operation = "default"
	}

	start := time.Now()
	var result Result[T]

	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		result.Attempts = attempt

		data, err := op(ctx)
		if err == nil {
			result.Success = true
			result.Data = data
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			if attempt > 1 {
				metrics.RetryAttempts.WithLabelValues(policy.Operation, "recovered").Inc()
			}
			return result
		}
		result.LastError = err

		if attempt > policy.MaxRetries {
			break
		}

		metrics.RetryAttempts.WithLabelValues(policy.Operation, "retried").Inc()
		publish(policy, models.TelemetryKindRetry, attempt, err)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}

		timer := time.NewTimer(policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-timer.C:
		}
	}

	metrics.RetryAttempts.WithLabelValues(policy.Operation, "exhausted").Inc()
	publish(policy, models.TelemetryKindRetryExhausted, result.Attempts, result.LastError)
	result.TotalDuration = time.Since(start)
	return result
}

func publish(policy Policy, kind string, attempt int, err error) {
	if policy.Events == nil {
		return
	}
	ev := models.NewTelemetryEvent(kind, policy.Operation, err.Error())
	ev.Attempt = attempt
	_ = policy.Events.PublishTelemetry(ev)
}
