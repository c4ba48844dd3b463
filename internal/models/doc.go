// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package models defines the durable records and wire types shared across the
// engine. JSON tags follow the backend's camelCase field names so the same
// structs serve as both store values and request/response payloads.
package models
