// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package store

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Values are stored as JSON. goccy/go-json keeps decode cost low on the
// prefix scans that back the by-book and by-status queries.

func marshalValue(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalValue(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// seqKey renders a queue sequence number fixed-width so lexicographic key
// order matches numeric append order during prefix scans.
func seqKey(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

func boolKey(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
