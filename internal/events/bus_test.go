// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/continuo/internal/models"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := bus.Subscribe(ctx, TopicDownloadProgress)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	want := models.ProgressEvent{
		TaskID:          "task-1",
		BookID:          "book-1",
		EpisodeIndex:    3,
		Progress:        50,
		BytesDownloaded: 512,
		TotalBytes:      1024,
	}
	if err := bus.PublishProgress(want); err != nil {
		t.Fatalf("PublishProgress failed: %v", err)
	}

	select {
	case msg := <-msgs:
		var got models.ProgressEvent
		if err := Decode(msg, &got); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		msg.Ack()
		if got != want {
			t.Errorf("Expected %+v, got %+v", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for progress event")
	}
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network, err := bus.Subscribe(ctx, TopicNetworkStatus)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// A telemetry publish must not arrive on the network topic.
	if err := bus.PublishTelemetry(models.TelemetryEvent{ID: "x", Kind: "retry"}); err != nil {
		t.Fatalf("PublishTelemetry failed: %v", err)
	}

	select {
	case msg := <-network:
		t.Errorf("Unexpected message on network topic: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err := bus.PublishNetworkChange(models.NetworkStatusEvent{Online: true})
	if !errors.Is(err, ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}

	// Double close is a no-op.
	if err := bus.Close(); err != nil {
		t.Errorf("Second Close returned %v", err)
	}
}
