// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/continuo/internal/auth"
	"github.com/tomtom215/continuo/internal/models"
)

func TestRefreshTokensSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh" {
			t.Errorf("path = %q, want /auth/refresh", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("refresh must not carry a bearer token")
		}
		var req models.RefreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.RefreshToken != "rt-1" {
			t.Errorf("refresh token = %q, want rt-1", req.RefreshToken)
		}
		json.NewEncoder(w).Encode(models.TokenPair{AccessToken: "at-2", RefreshToken: "rt-2"})
	}), &fakeTokens{token: "at-1"}, nil)

	pair, err := client.RefreshTokens(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
	if pair.AccessToken != "at-2" || pair.RefreshToken != "rt-2" {
		t.Errorf("pair = %+v", pair)
	}
}

func TestRefreshTokensDeniedClassification(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}), nil, nil)

		_, err := client.RefreshTokens(context.Background(), "dead")
		if !errors.Is(err, auth.ErrRefreshDenied) {
			t.Errorf("status %d: err = %v, want ErrRefreshDenied", status, err)
		}
	}
}

func TestRefreshTokensTransportIsNotDenial(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil, nil)
	_, err := client.RefreshTokens(context.Background(), "rt")
	if errors.Is(err, auth.ErrRefreshDenied) {
		t.Fatal("transport failure must not classify as denial")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestBookHistoryMissingIsNotError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}), nil, nil)

	h, stale, err := client.BookHistory(context.Background(), "b1")
	if err != nil {
		t.Fatalf("BookHistory: %v", err)
	}
	if h != nil || stale {
		t.Errorf("got (%+v, %v), want (nil, false)", h, stale)
	}
}

func TestSyncHistoryReturnsServerRecord(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(models.History{
			BookID:       req.BookID,
			CurrentTime:  req.CurrentTime,
			LastPlayedAt: time.Unix(42, 0).UTC(),
			SyncStatus:   models.SyncSynced,
		})
	}), nil, nil)

	h, err := client.SyncHistory(context.Background(), models.SyncRequest{BookID: "b1", CurrentTime: 300})
	if err != nil {
		t.Fatalf("SyncHistory: %v", err)
	}
	if h.BookID != "b1" || h.CurrentTime != 300 || !h.LastPlayedAt.Equal(time.Unix(42, 0)) {
		t.Errorf("history = %+v", h)
	}
}

func TestEpisodeURLBatchQuery(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("start") != "100" || q.Get("count") != "100" {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode(models.URLBatchResponse{
			URLs: []models.EpisodeURL{
				{Index: 100, URL: "https://cdn/ep100"},
				{Index: 101, URL: "https://cdn/ep101"},
			},
			BatchStart: 100,
			BatchEnd:   199,
		})
	}), nil, nil)

	batch, err := client.EpisodeURLBatch(context.Background(), "b1", 100, 100)
	if err != nil {
		t.Fatalf("EpisodeURLBatch: %v", err)
	}
	if len(batch.URLs) != 2 || batch.URLs[0].Index != 100 {
		t.Errorf("batch = %+v", batch)
	}
}

func TestOpenEpisodeStreamReplaysOn401(t *testing.T) {
	tokens := &fakeTokens{token: "stale", refreshed: "fresh"}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("audio-bytes"))
	}), tokens, nil)

	body, size, err := client.OpenEpisodeStream(context.Background(), "b1", 0)
	if err != nil {
		t.Fatalf("OpenEpisodeStream: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Errorf("body = %q", data)
	}
	if size != int64(len("audio-bytes")) {
		t.Errorf("size = %d, want %d", size, len("audio-bytes"))
	}
	if tokens.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", tokens.refreshCalls)
	}
}

func TestStreamURL(t *testing.T) {
	client := NewClient(Config{BaseURL: "https://backend.example"}, nil, nil)
	got := client.StreamURL("b1", 7)
	want := "https://backend.example/books/b1/episodes/7/stream"
	if got != want {
		t.Errorf("StreamURL = %q, want %q", got, want)
	}
}
