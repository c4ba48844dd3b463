// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/continuo/internal/models"
)

// fakeTokenStore is an in-memory TokenStore.
type fakeTokenStore struct {
	mu   sync.Mutex
	data []byte
}

func (f *fakeTokenStore) PutAuthTokens(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append([]byte(nil), data...)
	return nil
}

func (f *fakeTokenStore) GetAuthTokens(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return nil, errors.New("not found")
	}
	return f.data, nil
}

func (f *fakeTokenStore) DeleteAuthTokens(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = nil
	return nil
}

// signedToken builds a parseable JWT expiring at exp.
func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestAccessToken_NoSession(t *testing.T) {
	c := NewCoordinator(Config{}, nil, nil, nil)
	if _, err := c.AccessToken(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
}

func TestAccessToken_HealthyTokenNotRefreshed(t *testing.T) {
	var refreshes int32
	refresh := func(ctx context.Context, rt string) (*models.TokenPair, error) {
		atomic.AddInt32(&refreshes, 1)
		return &models.TokenPair{AccessToken: "new", RefreshToken: "new-rt"}, nil
	}

	c := NewCoordinator(Config{RefreshThreshold: 5 * time.Minute}, nil, nil, refresh)
	access := signedToken(t, time.Now().Add(time.Hour))
	if err := c.SetTokens(context.Background(), models.TokenPair{AccessToken: access, RefreshToken: "rt"}); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}

	got, err := c.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if got != access {
		t.Error("Expected original token")
	}
	if n := atomic.LoadInt32(&refreshes); n != 0 {
		t.Errorf("Expected no refresh, got %d", n)
	}
}

func TestAccessToken_ProactiveRefreshInsideThreshold(t *testing.T) {
	newAccess := signedToken(t, time.Now().Add(time.Hour))
	var refreshes int32
	refresh := func(ctx context.Context, rt string) (*models.TokenPair, error) {
		atomic.AddInt32(&refreshes, 1)
		return &models.TokenPair{AccessToken: newAccess, RefreshToken: "new-rt"}, nil
	}

	c := NewCoordinator(Config{RefreshThreshold: 5 * time.Minute}, nil, nil, refresh)
	// 2 minutes remaining: inside the 5-minute window, not yet expired.
	expiring := signedToken(t, time.Now().Add(2*time.Minute))
	if err := c.SetTokens(context.Background(), models.TokenPair{AccessToken: expiring, RefreshToken: "rt"}); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}

	got, err := c.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if got != newAccess {
		t.Error("Expected proactively refreshed token")
	}
	if n := atomic.LoadInt32(&refreshes); n != 1 {
		t.Errorf("Expected 1 refresh, got %d", n)
	}
}

func TestAccessToken_ExpiredTokenLeftForReactivePath(t *testing.T) {
	var refreshes int32
	refresh := func(ctx context.Context, rt string) (*models.TokenPair, error) {
		atomic.AddInt32(&refreshes, 1)
		return &models.TokenPair{AccessToken: "new"}, nil
	}

	c := NewCoordinator(Config{RefreshThreshold: 5 * time.Minute}, nil, nil, refresh)
	expired := signedToken(t, time.Now().Add(-time.Minute))
	if err := c.SetTokens(context.Background(), models.TokenPair{AccessToken: expired, RefreshToken: "rt"}); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}

	got, err := c.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if got != expired {
		t.Error("Expected the expired token returned untouched")
	}
	if n := atomic.LoadInt32(&refreshes); n != 0 {
		t.Errorf("Expected no proactive refresh of an expired token, got %d", n)
	}
}

func TestHandleUnauthorized_SingleFlight(t *testing.T) {
	var refreshes int32
	started := make(chan struct{})
	release := make(chan struct{})
	refresh := func(ctx context.Context, rt string) (*models.TokenPair, error) {
		if atomic.AddInt32(&refreshes, 1) == 1 {
			close(started)
		}
		<-release
		return &models.TokenPair{AccessToken: "fresh", RefreshToken: "fresh-rt"}, nil
	}

	c := NewCoordinator(Config{}, nil, nil, refresh)
	if err := c.SetTokens(context.Background(), models.TokenPair{AccessToken: "a", RefreshToken: "rt"}); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.HandleUnauthorized(context.Background())
			if err != nil {
				t.Errorf("HandleUnauthorized failed: %v", err)
				return
			}
			results[i] = tok
		}(i)
	}

	<-started
	time.Sleep(20 * time.Millisecond) // let the rest pile onto the in-flight refresh
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&refreshes); got != 1 {
		t.Errorf("Expected exactly 1 refresh for %d concurrent callers, got %d", n, got)
	}
	for i, r := range results {
		if r != "fresh" {
			t.Errorf("Caller %d got %q, want \"fresh\"", i, r)
		}
	}
}

func TestHandleUnauthorized_DeniedTearsDownSession(t *testing.T) {
	store := &fakeTokenStore{}
	refresh := func(ctx context.Context, rt string) (*models.TokenPair, error) {
		return nil, fmt.Errorf("%w: status 401", ErrRefreshDenied)
	}

	c := NewCoordinator(Config{}, store, nil, refresh)
	if err := c.SetTokens(context.Background(), models.TokenPair{AccessToken: "a", RefreshToken: "rt"}); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}

	expired := false
	c.OnSessionExpired(func() { expired = true })

	_, err := c.HandleUnauthorized(context.Background())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired, got %v", err)
	}
	if !expired {
		t.Error("Expected session-expired callback to fire")
	}
	if store.data != nil {
		t.Error("Expected persisted tokens cleared")
	}
	if c.HasSession(context.Background()) {
		t.Error("Expected no session after teardown")
	}
}

func TestHandleUnauthorized_TransientKeepsSession(t *testing.T) {
	refresh := func(ctx context.Context, rt string) (*models.TokenPair, error) {
		return nil, errors.New("connection refused")
	}

	c := NewCoordinator(Config{}, nil, nil, refresh)
	if err := c.SetTokens(context.Background(), models.TokenPair{AccessToken: "a", RefreshToken: "rt"}); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}

	_, err := c.HandleUnauthorized(context.Background())
	if err == nil || errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected transient error, got %v", err)
	}
	if !c.HasSession(context.Background()) {
		t.Error("Expected session to survive a transient refresh failure")
	}
}

func TestPersistence_EncryptedRoundTrip(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	enc, err := NewTokenEncryptor(key)
	if err != nil {
		t.Fatalf("NewTokenEncryptor failed: %v", err)
	}

	store := &fakeTokenStore{}
	c := NewCoordinator(Config{}, store, enc, nil)
	pair := models.TokenPair{AccessToken: "access", RefreshToken: "very-secret"}
	if err := c.SetTokens(context.Background(), pair); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}

	// The raw store value must not contain the refresh token.
	if store.data == nil {
		t.Fatal("Expected persisted data")
	}
	if strings.Contains(string(store.data), "very-secret") {
		t.Error("Refresh token stored in plaintext despite encryption")
	}

	// A fresh coordinator over the same store recovers the pair.
	c2 := NewCoordinator(Config{}, store, enc, nil)
	got, err := c2.currentTokens(context.Background())
	if err != nil {
		t.Fatalf("currentTokens failed: %v", err)
	}
	if got.RefreshToken != "very-secret" || got.AccessToken != "access" {
		t.Errorf("Unexpected recovered pair: %+v", got)
	}
}

func TestEncryptor_RoundTripAndTamper(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	enc, err := NewTokenEncryptor(key)
	if err != nil {
		t.Fatalf("NewTokenEncryptor failed: %v", err)
	}

	ct, err := enc.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if ct == "hello" {
		t.Fatal("Expected ciphertext to differ from plaintext")
	}

	pt, err := enc.Decrypt(ct)
	if err != nil || pt != "hello" {
		t.Fatalf("Decrypt round-trip failed: %q, %v", pt, err)
	}

	if _, err := enc.Decrypt("not-base64!!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Expected ErrInvalidCiphertext, got %v", err)
	}

	// A different key must fail to open.
	otherKey := base64.StdEncoding.EncodeToString([]byte("ffffffffffffffffffffffffffffffff"))
	other, err := NewTokenEncryptor(otherKey)
	if err != nil {
		t.Fatalf("NewTokenEncryptor failed: %v", err)
	}
	if _, err := other.Decrypt(ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed, got %v", err)
	}
}

func TestEncryptor_DisabledPassThrough(t *testing.T) {
	enc, err := NewTokenEncryptor("")
	if err != nil {
		t.Fatalf("Expected nil error for empty key, got %v", err)
	}
	if enc != nil {
		t.Fatal("Expected nil encryptor for empty key")
	}

	// nil receiver passes through.
	ct, err := enc.Encrypt("plain")
	if err != nil || ct != "plain" {
		t.Errorf("Expected pass-through, got %q, %v", ct, err)
	}
}
