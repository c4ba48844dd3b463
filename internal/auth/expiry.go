// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// The engine never validates the access token's signature; that is the
// backend's job. It only needs the exp claim to know when to renew.

// tokenExpiry extracts the expiry from a JWT access token without verifying
// its signature. An unparseable token or one without exp reports as already
// expired, which routes it to the reactive 401 path.
func tokenExpiry(accessToken string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
