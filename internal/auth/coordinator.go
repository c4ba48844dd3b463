// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package auth owns the session: the access/refresh token pair, its
// persistence (refresh token encrypted at rest), and the single-flight
// refresh coordination every API call funnels through.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/continuo/internal/logging"
	"github.com/tomtom215/continuo/internal/metrics"
	"github.com/tomtom215/continuo/internal/models"
)

// Sentinel errors.
var (
	// ErrNoSession is returned when no token pair has been set.
	ErrNoSession = errors.New("no session")

	// ErrSessionExpired is returned after the backend rejected a refresh;
	// the user must sign in again.
	ErrSessionExpired = errors.New("session expired, sign-in required")

	// ErrRefreshDenied classifies a refresh rejected with 401/403. The API
	// client wraps its error with this sentinel so the coordinator can tell
	// a dead session from a dead network.
	ErrRefreshDenied = errors.New("refresh denied")
)

// RefreshFunc exchanges a refresh token for a new pair. Implementations
// must wrap 401/403 responses with ErrRefreshDenied; any other failure is
// treated as transient.
type RefreshFunc func(ctx context.Context, refreshToken string) (*models.TokenPair, error)

// TokenStore is the slice of the durable store the coordinator persists
// through. A nil TokenStore keeps the session in memory only (degraded
// store mode).
type TokenStore interface {
	PutAuthTokens(ctx context.Context, data []byte) error
	GetAuthTokens(ctx context.Context) ([]byte, error)
	DeleteAuthTokens(ctx context.Context) error
}

// Config holds coordinator settings.
type Config struct {
	// RefreshThreshold is the remaining-lifetime window that triggers a
	// proactive refresh. Default 5m.
	RefreshThreshold time.Duration
}

// persistedTokens is the auth-tokens namespace value. The refresh token is
// encrypted when an encryptor is configured.
type persistedTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Encrypted    bool   `json:"encrypted"`
}

// Coordinator guarantees at most one token refresh in flight system-wide;
// concurrent callers share the same settled outcome.
type Coordinator struct {
	config    Config
	store     TokenStore
	encryptor *TokenEncryptor
	refresh   RefreshFunc
	logger    zerolog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	tokens    *models.TokenPair
	loaded    bool
	onExpired func()

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewCoordinator creates the coordinator. store and encryptor may be nil.
func NewCoordinator(config Config, store TokenStore, encryptor *TokenEncryptor, refresh RefreshFunc) *Coordinator {
	if config.RefreshThreshold <= 0 {
		config.RefreshThreshold = 5 * time.Minute
	}
	return &Coordinator{
		config:    config,
		store:     store,
		encryptor: encryptor,
		refresh:   refresh,
		logger:    logging.Component("auth"),
		now:       time.Now,
	}
}

// OnSessionExpired registers the callback fired when a refresh is rejected
// and the session is torn down.
func (c *Coordinator) OnSessionExpired(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpired = fn
}

// SetTokens installs a token pair (after sign-in) and persists it.
func (c *Coordinator) SetTokens(ctx context.Context, pair models.TokenPair) error {
	c.mu.Lock()
	c.tokens = &pair
	c.loaded = true
	c.mu.Unlock()

	return c.persist(ctx, &pair)
}

// ClearSession drops the session from memory and the store.
func (c *Coordinator) ClearSession(ctx context.Context) {
	c.mu.Lock()
	c.tokens = nil
	c.loaded = true
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeleteAuthTokens(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("clear persisted tokens")
		}
	}
}

// HasSession reports whether a token pair is available.
func (c *Coordinator) HasSession(ctx context.Context) bool {
	pair, err := c.currentTokens(ctx)
	return err == nil && pair != nil
}

// AccessToken returns a token ready for use, proactively refreshing when
// the remaining lifetime is inside the threshold and the token has not yet
// expired. An already-expired token is returned as-is: masking a hard
// failure with a silent refresh would hide real auth breakage, so expiry is
// left to the reactive 401 path.
func (c *Coordinator) AccessToken(ctx context.Context) (string, error) {
	pair, err := c.currentTokens(ctx)
	if err != nil {
		return "", err
	}

	expiry := tokenExpiry(pair.AccessToken)
	if expiry.IsZero() || !expiry.After(c.now()) {
		return pair.AccessToken, nil
	}

	if remaining := expiry.Sub(c.now()); remaining < c.config.RefreshThreshold {
		refreshed, err := c.refreshShared(ctx, "proactive")
		if err == nil {
			return refreshed.AccessToken, nil
		}
		if errors.Is(err, ErrSessionExpired) {
			return "", err
		}
		// Transient refresh failure: the current token is still valid,
		// keep playing on it.
		c.logger.Warn().Err(err).Msg("proactive refresh failed, using current token")
	}

	return pair.AccessToken, nil
}

// HandleUnauthorized is the reactive path after a 401: it refreshes (or
// joins the refresh already in flight) and returns the new access token for
// the caller's single replay.
func (c *Coordinator) HandleUnauthorized(ctx context.Context) (string, error) {
	pair, err := c.refreshShared(ctx, "reactive")
	if err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

// refreshShared coalesces all refresh requests through one singleflight
// call; every waiter observes the same settled outcome.
func (c *Coordinator) refreshShared(ctx context.Context, trigger string) (*models.TokenPair, error) {
	v, err, sharedCall := c.group.Do("refresh", func() (any, error) {
		return c.doRefresh(ctx, trigger)
	})
	if err != nil {
		return nil, err
	}
	if sharedCall {
		c.logger.Debug().Str("trigger", trigger).Msg("joined in-flight refresh")
	}
	return v.(*models.TokenPair), nil
}

func (c *Coordinator) doRefresh(ctx context.Context, trigger string) (*models.TokenPair, error) {
	pair, err := c.currentTokens(ctx)
	if err != nil {
		return nil, err
	}

	fresh, err := c.refresh(ctx, pair.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshDenied) {
			// The backend rejected the refresh token itself: the session
			// is dead. A network error would land in the else branch and
			// leave session state intact.
			metrics.TokenRefreshes.WithLabelValues(trigger, "denied").Inc()
			c.teardown(ctx)
			return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		metrics.TokenRefreshes.WithLabelValues(trigger, "transient").Inc()
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	c.mu.Lock()
	c.tokens = fresh
	c.loaded = true
	c.mu.Unlock()

	if err := c.persist(ctx, fresh); err != nil {
		c.logger.Warn().Err(err).Msg("persist refreshed tokens")
	}

	metrics.TokenRefreshes.WithLabelValues(trigger, "success").Inc()
	c.logger.Debug().Str("trigger", trigger).Msg("token refreshed")
	return fresh, nil
}

func (c *Coordinator) teardown(ctx context.Context) {
	c.mu.Lock()
	c.tokens = nil
	c.loaded = true
	fn := c.onExpired
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeleteAuthTokens(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("delete persisted tokens")
		}
	}
	c.logger.Info().Msg("session torn down, sign-in required")

	if fn != nil {
		fn()
	}
}

// currentTokens returns the in-memory pair, lazily loading from the store
// on first use after process start.
func (c *Coordinator) currentTokens(ctx context.Context) (*models.TokenPair, error) {
	c.mu.RLock()
	if c.loaded {
		pair := c.tokens
		c.mu.RUnlock()
		if pair == nil {
			return nil, ErrNoSession
		}
		return pair, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		if c.tokens == nil {
			return nil, ErrNoSession
		}
		return c.tokens, nil
	}
	c.loaded = true

	if c.store == nil {
		return nil, ErrNoSession
	}

	data, err := c.store.GetAuthTokens(ctx)
	if err != nil {
		// Not found and storage failure both degrade to "no session";
		// the distinction matters to logs, not to callers.
		return nil, ErrNoSession
	}

	var persisted persistedTokens
	if err := json.Unmarshal(data, &persisted); err != nil {
		c.logger.Warn().Err(err).Msg("corrupt persisted tokens")
		return nil, ErrNoSession
	}

	refreshToken := persisted.RefreshToken
	if persisted.Encrypted {
		refreshToken, err = c.encryptor.Decrypt(persisted.RefreshToken)
		if err != nil {
			c.logger.Warn().Err(err).Msg("decrypt persisted refresh token")
			return nil, ErrNoSession
		}
	}

	c.tokens = &models.TokenPair{
		AccessToken:  persisted.AccessToken,
		RefreshToken: refreshToken,
	}
	return c.tokens, nil
}

func (c *Coordinator) persist(ctx context.Context, pair *models.TokenPair) error {
	if c.store == nil {
		return nil
	}

	refreshToken, err := c.encryptor.Encrypt(pair.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	data, err := json.Marshal(persistedTokens{
		AccessToken:  pair.AccessToken,
		RefreshToken: refreshToken,
		Encrypted:    c.encryptor != nil,
	})
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	if err := c.store.PutAuthTokens(ctx, data); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	return nil
}
