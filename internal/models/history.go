// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package models

import "time"

// SyncStatus marks whether a history record has been reconciled with the server.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// History is the playback position record for a single book.
// Exactly one record exists per book; CurrentTime is in seconds.
type History struct {
	BookID       string     `json:"bookId"`
	CurrentTime  float64    `json:"currentTime"`
	EpisodeIndex int        `json:"episodeIndex"`
	PlaybackRate float64    `json:"playbackRate"`
	LastPlayedAt time.Time  `json:"lastPlayedAt"`
	SyncStatus   SyncStatus `json:"syncStatus"`
}

// QueueEntry is one append-only history-queue row. Entries are never mutated
// after append except for the Synced flag, set when a sync pass covers them.
type QueueEntry struct {
	ID           uint64    `json:"id"`
	BookID       string    `json:"bookId"`
	EpisodeIndex int       `json:"episodeIndex"`
	CurrentTime  float64   `json:"currentTime"`
	PlaybackRate float64   `json:"playbackRate"`
	Timestamp    time.Time `json:"timestamp"`
	Synced       bool      `json:"synced"`
}

// SyncRequest is the POST /history/sync payload.
type SyncRequest struct {
	BookID       string    `json:"bookId"`
	CurrentTime  float64   `json:"currentTime"`
	EpisodeIndex int       `json:"episodeIndex"`
	PlaybackRate float64   `json:"playbackRate"`
	LastPlayedAt time.Time `json:"lastPlayedAt"`
}

// MostRecent pairs the most recently played history with its book,
// as returned by GET /history/most-recent.
type MostRecent struct {
	History *History `json:"history"`
	Book    *Book    `json:"book"`
}
