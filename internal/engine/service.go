// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package engine

import (
	"context"
	"fmt"
)

// runner is the Start/Stop lifecycle every supervised component exposes.
type runner interface {
	Start(ctx context.Context) error
	Stop()
}

// service adapts a Start/Stop component to suture's Serve contract:
// start, block until the context is cancelled, then stop. A failed Start
// returns immediately so suture restarts with backoff.
type service struct {
	name   string
	runner runner
}

func (s *service) Serve(ctx context.Context) error {
	if err := s.runner.Start(ctx); err != nil {
		return fmt.Errorf("%s start: %w", s.name, err)
	}
	<-ctx.Done()
	s.runner.Stop()
	return ctx.Err()
}

func (s *service) String() string { return s.name }
