// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/continuo/internal/models"
)

type capturingPublisher struct {
	events []models.TelemetryEvent
}

func (c *capturingPublisher) PublishTelemetry(ev models.TelemetryEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Policy{MaxRetries: 3, Delay: time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	if !result.Success {
		t.Fatalf("Expected success, got %+v", result)
	}
	if result.Data != "ok" || result.Attempts != 1 || calls != 1 {
		t.Errorf("Unexpected result: %+v (calls=%d)", result, calls)
	}
	if result.LastError != nil {
		t.Errorf("Expected nil LastError, got %v", result.LastError)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	var retryAttempts []int
	policy := Policy{
		MaxRetries: 5,
		Delay:      time.Millisecond,
		OnRetry: func(attempt int, err error) {
			retryAttempts = append(retryAttempts, attempt)
		},
	}

	result := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	if !result.Success || result.Data != 42 {
		t.Fatalf("Expected success with 42, got %+v", result)
	}
	if result.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", result.Attempts)
	}
	if len(retryAttempts) != 2 || retryAttempts[0] != 1 || retryAttempts[1] != 2 {
		t.Errorf("Expected OnRetry for attempts 1 and 2, got %v", retryAttempts)
	}
}

func TestDo_ExhaustionNeverThrows(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	result := Do(context.Background(), Policy{MaxRetries: 2, Delay: time.Millisecond}, func(ctx context.Context) (struct{}, error) {
		calls++
		return struct{}{}, boom
	})

	if result.Success {
		t.Fatal("Expected failure after exhaustion")
	}
	if calls != 3 || result.Attempts != 3 {
		t.Errorf("Expected MaxRetries+1=3 attempts, got calls=%d attempts=%d", calls, result.Attempts)
	}
	if !errors.Is(result.LastError, boom) {
		t.Errorf("Expected last error %v, got %v", boom, result.LastError)
	}
}

func TestDo_ContextCancelDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	result := Do(ctx, Policy{MaxRetries: 10, Delay: time.Minute}, func(ctx context.Context) (struct{}, error) {
		calls++
		cancel() // cancel while the loop waits out the delay
		return struct{}{}, errors.New("fail")
	})

	if result.Success {
		t.Fatal("Expected failure on cancellation")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", calls)
	}
	if !errors.Is(result.LastError, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", result.LastError)
	}
}

func TestDo_NegativeRetriesMeansSingleAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Policy{MaxRetries: -1}, func(ctx context.Context) (struct{}, error) {
		calls++
		return struct{}{}, errors.New("fail")
	})
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaxRetries != 5 || p.Delay != 2*time.Second {
		t.Errorf("Unexpected defaults: %+v", p)
	}
}

func TestDo_PublishesRetryTelemetry(t *testing.T) {
	pub := &capturingPublisher{}
	policy := Policy{
		MaxRetries: 2,
		Delay:      time.Millisecond,
		Operation:  "episode_transition",
		Events:     pub,
	}

	result := Do(context.Background(), policy, func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	if result.Success {
		t.Fatal("expected exhaustion")
	}

	if len(pub.events) != 3 {
		t.Fatalf("published events = %d, want 3 (two retries + exhaustion)", len(pub.events))
	}
	for i, ev := range pub.events[:2] {
		if ev.Kind != models.TelemetryKindRetry {
			t.Errorf("event %d kind = %q, want %q", i, ev.Kind, models.TelemetryKindRetry)
		}
		if ev.Attempt != i+1 {
			t.Errorf("event %d attempt = %d, want %d", i, ev.Attempt, i+1)
		}
	}
	last := pub.events[2]
	if last.Kind != models.TelemetryKindRetryExhausted {
		t.Errorf("final event kind = %q, want %q", last.Kind, models.TelemetryKindRetryExhausted)
	}
	if last.Attempt != 3 || last.Component != "episode_transition" {
		t.Errorf("final event = %+v", last)
	}
}

func TestDo_SuccessPublishesNothing(t *testing.T) {
	pub := &capturingPublisher{}
	policy := Policy{MaxRetries: 3, Delay: time.Millisecond, Events: pub}

	result := Do(context.Background(), policy, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if !result.Success {
		t.Fatalf("unexpected failure: %+v", result)
	}
	if len(pub.events) != 0 {
		t.Errorf("published events = %d, want 0", len(pub.events))
	}
}
