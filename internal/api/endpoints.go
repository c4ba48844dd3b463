// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/tomtom215/continuo/internal/auth"
	"github.com/tomtom215/continuo/internal/models"
)

// Typed wrappers over the backend's endpoints (spec'd request/response
// shapes only; unknown fields are dropped on decode).

// RefreshTokens exchanges a refresh token for a new pair. It bypasses the
// normal pipeline: no bearer injection (the refresh token is the
// credential) and no breaker-open fallback, since the auth coordinator owns
// the retry policy. 401/403 responses wrap auth.ErrRefreshDenied so the
// coordinator can distinguish a dead session from a dead network.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	payload, err := json.Marshal(models.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", auth.ErrRefreshDenied, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh: status %d", resp.StatusCode)
	}

	var pair models.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	return &pair, nil
}

// SyncHistory posts a position update; the response is the authoritative
// server record.
func (c *Client) SyncHistory(ctx context.Context, req models.SyncRequest) (*models.History, error) {
	var h models.History
	if err := c.PostJSON(ctx, "/history/sync", req, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// SyncHistoryBeacon is the unload-time best-effort path: it fires the sync
// and discards the response. The caller bounds ctx with a short deadline.
func (c *Client) SyncHistoryBeacon(ctx context.Context, req models.SyncRequest) {
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/history/sync", bytes.NewReader(payload))
	if err != nil {
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if tok, tokErr := c.tokens.AccessToken(ctx); tokErr == nil && tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

// BookHistory fetches the server's history for one book. A missing record
// returns (nil, nil).
func (c *Client) BookHistory(ctx context.Context, bookID string) (*models.History, bool, error) {
	var h models.History
	stale, err := c.GetJSON(ctx, "/history/book/"+bookID, &h)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &h, stale, nil
}

// MostRecent fetches the most recently played book across devices.
func (c *Client) MostRecent(ctx context.Context) (*models.MostRecent, error) {
	var mr models.MostRecent
	if _, err := c.GetJSON(ctx, "/history/most-recent", &mr); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mr, nil
}

// Book fetches a book's detail payload.
func (c *Client) Book(ctx context.Context, bookID string) (*models.Book, error) {
	var b models.Book
	if _, err := c.GetJSON(ctx, "/books/"+bookID, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// EpisodeURLBatch fetches count signed URLs starting at start.
func (c *Client) EpisodeURLBatch(ctx context.Context, bookID string, start, count int) (*models.URLBatchResponse, error) {
	path := fmt.Sprintf("/books/%s/episodes/urls?start=%d&count=%d", bookID, start, count)
	var batch models.URLBatchResponse
	if _, err := c.GetJSON(ctx, path, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// EpisodeURL fetches a single episode's signed URL.
func (c *Client) EpisodeURL(ctx context.Context, bookID string, index int) (string, error) {
	path := fmt.Sprintf("/books/%s/episodes/%d/url", bookID, index)
	var out models.EpisodeURLResponse
	if _, err := c.GetJSON(ctx, path, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// StreamURL returns the token-authenticated streaming fallback URL for
// locally-hosted episode files.
func (c *Client) StreamURL(bookID string, index int) string {
	return c.baseURL + "/books/" + bookID + "/episodes/" + strconv.Itoa(index) + "/stream"
}

// OpenEpisodeStream opens the episode bytes for downloading. The caller
// owns the returned body. Size is -1 when the backend did not declare one.
func (c *Client) OpenEpisodeStream(ctx context.Context, bookID string, index int) (io.ReadCloser, int64, error) {
	token := ""
	if c.tokens != nil {
		tok, err := c.tokens.AccessToken(ctx)
		if err != nil && !errors.Is(err, auth.ErrNoSession) {
			return nil, 0, err
		}
		token = tok
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.StreamURL(bookID, index), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		_ = resp.Body.Close()
		fresh, refreshErr := c.tokens.HandleUnauthorized(ctx)
		if refreshErr != nil {
			return nil, 0, refreshErr
		}
		req.Header.Set("Authorization", "Bearer "+fresh)
		resp, err = c.streamClient.Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("stream episode: status %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// CoverImage fetches a book's cover bytes and content type.
func (c *Client) CoverImage(ctx context.Context, bookID string) ([]byte, error) {
	return c.GetBytes(ctx, "/books/"+bookID+"/cover")
}

// PostTelemetry ships a diagnostics batch. Fire-and-forget at the caller:
// the reporter logs and drops failures, nothing propagates further.
func (c *Client) PostTelemetry(ctx context.Context, batch models.TelemetryBatch) error {
	return c.PostJSON(ctx, "/telemetry/errors", batch, nil)
}
