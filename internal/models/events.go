// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package models

import (
	"time"

	"github.com/google/uuid"
)

// TokenPair holds the current access and refresh tokens.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshRequest is the POST /auth/refresh payload.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// ProgressEvent is published on the bus for every chunk of an active
// download transfer.
type ProgressEvent struct {
	TaskID          string `json:"taskId"`
	BookID          string `json:"bookId"`
	EpisodeIndex    int    `json:"episodeIndex"`
	Progress        int    `json:"progress"` // 0-100
	BytesDownloaded int64  `json:"bytesDownloaded"`
	TotalBytes      int64  `json:"totalBytes"`
}

// NetworkStatusEvent is published on the bus whenever connectivity changes.
type NetworkStatusEvent struct {
	Online bool      `json:"online"`
	Mode   string    `json:"mode"`
	At     time.Time `json:"at"`
}

// Telemetry event kinds.
const (
	TelemetryKindRetry           = "retry"
	TelemetryKindRetryExhausted  = "retry_exhausted"
	TelemetryKindSyncFailure     = "sync_failure"
	TelemetryKindURLInvalidation = "url_invalidation"
)

// TelemetryEvent is a single diagnostics event destined for
// POST /telemetry/errors. Advisory only; never blocks a caller.
type TelemetryEvent struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Component    string            `json:"component"`
	Message      string            `json:"message"`
	BookID       string            `json:"bookId,omitempty"`
	EpisodeIndex int               `json:"episodeIndex,omitempty"`
	Attempt      int               `json:"attempt,omitempty"`
	OccurredAt   time.Time         `json:"occurredAt"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// NewTelemetryEvent builds a diagnostics event with a fresh ID and
// timestamp. Callers fill the optional fields before publishing.
func NewTelemetryEvent(kind, component, message string) TelemetryEvent {
	return TelemetryEvent{
		ID:         uuid.New().String(),
		Kind:       kind,
		Component:  component,
		Message:    message,
		OccurredAt: time.Now(),
	}
}

// TelemetryBatch is the POST /telemetry/errors payload.
type TelemetryBatch struct {
	Events []TelemetryEvent `json:"events"`
}
