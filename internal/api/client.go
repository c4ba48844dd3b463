// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package api implements the backend client every online operation goes
// through. It injects the bearer token, performs the single reactive replay
// after a 401, write-through-caches eligible GET payloads, serves cached
// fallback (flagged stale) on connectivity failure, and protects the
// backend with a circuit breaker.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/continuo/internal/auth"
	"github.com/tomtom215/continuo/internal/logging"
	"github.com/tomtom215/continuo/internal/metrics"
)

// Sentinel errors.
var (
	// ErrNotFound maps a backend 404 for callers that treat it as data.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable classifies connectivity failure: transport error or
	// circuit breaker open. Callers fall back to cached/local data.
	ErrUnavailable = errors.New("backend unavailable")
)

// ResponseCache is the slice of the response cache the client writes
// through and falls back to. A nil cache disables interception.
type ResponseCache interface {
	// Get returns the cached payload for path, whether it is past its
	// TTL, and whether it exists at all.
	Get(path string) (payload []byte, expired bool, ok bool)

	// Put stores a payload best-effort; it never fails the caller.
	Put(path string, payload []byte)

	// ShouldCache reports whether path is eligible for caching.
	ShouldCache(path string) bool
}

// TokenSource is the slice of the auth coordinator the client needs.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	HandleUnauthorized(ctx context.Context) (string, error)
}

// Config holds client settings.
type Config struct {
	// BaseURL is the backend root, without trailing slash.
	BaseURL string

	// Timeout bounds each request. Default 30s.
	Timeout time.Duration

	// UserAgent is sent on every request.
	UserAgent string
}

// Client is the backend API client.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	// streamClient has no overall timeout: episode transfers can outlive
	// any fixed deadline and are cancelled through their context instead.
	streamClient *http.Client
	tokens       TokenSource
	cache        ResponseCache
	breaker      *gobreaker.CircuitBreaker[*response]
	logger       zerolog.Logger
}

// response carries an HTTP result through the circuit breaker. Only
// transport errors count as breaker failures: an HTTP error status proves
// the backend is reachable.
type response struct {
	status int
	body   []byte
}

// NewClient creates the backend client. tokens and cache may be nil: no
// auth header is injected and no caching happens.
func NewClient(cfg Config, tokens TokenSource, cache ResponseCache) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "continuo"
	}

	breaker := gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
			log := logging.Component("api")
			log.Info().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		userAgent:    cfg.UserAgent,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
		tokens:       tokens,
		cache:        cache,
		breaker:      breaker,
		logger:       logging.Component("api"),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// GetJSON fetches path and decodes the response into v. On connectivity
// failure it serves the cached payload when one exists, returning
// stale=true so the caller knows a refresh is worthwhile later.
func (c *Client) GetJSON(ctx context.Context, path string, v any) (stale bool, err error) {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err == nil {
		if c.cache != nil && c.cache.ShouldCache(path) {
			c.cache.Put(path, body)
		}
		if err := json.Unmarshal(body, v); err != nil {
			return false, fmt.Errorf("decode %s: %w", path, err)
		}
		return false, nil
	}

	if errors.Is(err, ErrUnavailable) && c.cache != nil {
		if payload, _, ok := c.cache.Get(path); ok {
			if decErr := json.Unmarshal(payload, v); decErr == nil {
				c.logger.Debug().Str("path", path).Msg("serving cached response")
				return true, nil
			}
		}
	}
	return false, err
}

// PostJSON sends body as JSON to path and decodes the response into out
// when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	respBody, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// GetBytes fetches path and returns the raw body plus its content type.
func (c *Client) GetBytes(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// do executes one request with token injection and a single replay after a
// 401. HTTP error statuses map to sentinels; transport failures and an
// open breaker map to ErrUnavailable.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	token := ""
	if c.tokens != nil {
		tok, err := c.tokens.AccessToken(ctx)
		if err != nil && !errors.Is(err, auth.ErrNoSession) {
			return nil, err
		}
		token = tok
	}

	resp, err := c.execute(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}

	// Exactly one reactive refresh + replay per original request.
	if resp.status == http.StatusUnauthorized && c.tokens != nil {
		fresh, refreshErr := c.tokens.HandleUnauthorized(ctx)
		if refreshErr != nil {
			return nil, refreshErr
		}
		resp, err = c.execute(ctx, method, path, body, fresh)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case resp.status == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.status)
	case resp.status >= 400:
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.status, truncate(resp.body, 200))
	}
	return resp.body, nil
}

// execute runs one HTTP round trip through the circuit breaker.
func (c *Client) execute(ctx context.Context, method, path string, body []byte, token string) (*response, error) {
	start := time.Now()
	resp, err := c.breaker.Execute(func() (*response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = httpResp.Body.Close() }()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return &response{status: httpResp.StatusCode, body: data}, nil
	})

	status := "error"
	if err == nil {
		status = fmt.Sprintf("%d", resp.status)
	}
	metrics.RecordAPIRequest(endpointLabel(path), status, time.Since(start))

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// endpointLabel collapses paths to a bounded label set so per-book IDs do
// not explode metric cardinality.
func endpointLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 0 {
		return "/"
	}
	switch parts[0] {
	case "books":
		switch {
		case len(parts) >= 4 && parts[2] == "episodes":
			return "/books/:id/episodes/" + parts[len(parts)-1]
		case len(parts) == 3:
			return "/books/:id/" + parts[2]
		default:
			return "/books/:id"
		}
	case "history":
		if len(parts) >= 2 && parts[1] == "book" {
			return "/history/book/:id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
