// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package models

import "time"

// Book is the backend's book detail payload. Only the fields the engine
// consumes are modeled; unknown fields are dropped on decode.
type Book struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Author       string  `json:"author"`
	EpisodeCount int     `json:"episodeCount"`
	Duration     float64 `json:"duration,omitempty"` // total seconds
	CoverURL     string  `json:"coverUrl,omitempty"`
}

// EpisodeURL is one signed, time-limited playback URL inside a batch.
type EpisodeURL struct {
	Index     int       `json:"index"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// URLBatch is the durable episode-urls record: the signed URLs for one
// contiguous block of 100 episode indices.
type URLBatch struct {
	BookID      string       `json:"bookId"`
	BatchNumber int          `json:"batchNumber"`
	BatchStart  int          `json:"batchStart"`
	BatchEnd    int          `json:"batchEnd"`
	FetchedAt   time.Time    `json:"fetchedAt"`
	Entries     []EpisodeURL `json:"entries"`
}

// URLBatchResponse is the GET /books/:bookId/episodes/urls payload.
type URLBatchResponse struct {
	URLs       []EpisodeURL `json:"urls"`
	BatchStart int          `json:"batchStart"`
	BatchEnd   int          `json:"batchEnd"`
}

// EpisodeURLResponse is the GET /books/:bookId/episodes/:index/url payload.
type EpisodeURLResponse struct {
	URL string `json:"url"`
}
