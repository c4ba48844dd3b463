// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package events provides the in-process event bus connecting engine
// components to each other and to the host application. Download progress,
// connectivity transitions, and telemetry diagnostics all flow through it,
// so components never hold direct references to their consumers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/continuo/internal/models"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus closed")

// Topics published by the engine.
const (
	TopicDownloadProgress = "download.progress"
	TopicNetworkStatus    = "network.status"
	TopicTelemetry        = "telemetry.events"
)

// Bus wraps a Watermill GoChannel pub/sub. Publishing is non-blocking from
// the caller's perspective: subscribers consume from buffered channels and a
// slow subscriber cannot stall a publisher.
type Bus struct {
	pubsub *gochannel.GoChannel

	mu     sync.Mutex
	closed bool
}

// NewBus creates an in-process bus. The output buffer bounds how far any
// subscriber may lag before publishes to it block; 64 comfortably covers a
// download's per-chunk progress burst.
func NewBus() *Bus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            64,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		NewWatermillLogger(),
	)
	return &Bus{pubsub: pubsub}
}

// Publish marshals payload as JSON and publishes it on topic.
func (b *Bus) Publish(topic string, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}

	msg := message.NewMessage(uuid.New().String(), data)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishProgress publishes a download progress event.
func (b *Bus) PublishProgress(ev models.ProgressEvent) error {
	return b.Publish(TopicDownloadProgress, ev)
}

// PublishNetworkChange publishes a connectivity transition.
func (b *Bus) PublishNetworkChange(ev models.NetworkStatusEvent) error {
	return b.Publish(TopicNetworkStatus, ev)
}

// PublishTelemetry publishes a diagnostics event.
func (b *Bus) PublishTelemetry(ev models.TelemetryEvent) error {
	return b.Publish(TopicTelemetry, ev)
}

// Subscribe returns a channel of raw messages for topic. Consumers must Ack
// or Nack every message; the channel closes when ctx is cancelled or the bus
// is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return msgs, nil
}

// Close shuts the bus down; in-flight subscriber channels are closed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubsub.Close()
}

// Decode unmarshals a bus message payload into v.
func Decode(msg *message.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode bus message %s: %w", msg.UUID, err)
	}
	return nil
}
