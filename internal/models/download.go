// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package models

import "time"

// DownloadStatus is the lifecycle state of a download task.
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
	DownloadCancelled   DownloadStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing: no transition
// ever leaves completed, failed, or cancelled.
func (s DownloadStatus) IsTerminal() bool {
	switch s {
	case DownloadCompleted, DownloadFailed, DownloadCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces the task state machine:
//
//	pending -> downloading | failed | cancelled
//	downloading -> completed | failed | cancelled
//
// Re-entering pending is reserved for crash recovery, which bypasses this
// guard deliberately; everything else is rejected.
func (s DownloadStatus) CanTransitionTo(next DownloadStatus) bool {
	if s.IsTerminal() || next == DownloadPending {
		return false
	}
	switch s {
	case DownloadPending:
		return next == DownloadDownloading || next == DownloadFailed || next == DownloadCancelled
	case DownloadDownloading:
		return next == DownloadCompleted || next == DownloadFailed || next == DownloadCancelled
	default:
		return false
	}
}

// DownloadTask is the durable download-tasks record. Persisted at enqueue
// time so queue position and progress survive a process restart.
type DownloadTask struct {
	ID              string         `json:"id"`
	BookID          string         `json:"bookId"`
	EpisodeIndex    int            `json:"episodeIndex"`
	Status          DownloadStatus `json:"status"`
	Progress        int            `json:"progress"` // 0-100
	BytesDownloaded int64          `json:"bytesDownloaded"`
	TotalBytes      int64          `json:"totalBytes"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

// DownloadRecord is the durable downloads entry for one stored episode file.
// Its existence implies the file exists; readers purge the record when the
// file has gone missing.
type DownloadRecord struct {
	BookID       string    `json:"bookId"`
	EpisodeIndex int       `json:"episodeIndex"`
	FilePath     string    `json:"filePath"`
	FileName     string    `json:"fileName"`
	FileSize     int64     `json:"fileSize"`
	DownloadedAt time.Time `json:"downloadedAt"`
}
