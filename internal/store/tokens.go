// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/continuo/internal/metrics"
)

// auth-tokens namespace (schema v2). The value is opaque to the store: the
// auth package decides its shape and whether the refresh token inside it is
// encrypted.

const keyAuthTokens = prefixAuth + "tokens"

// PutAuthTokens stores the serialized token state.
func (s *Store) PutAuthTokens(ctx context.Context, data []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyAuthTokens), data)
	})
	metrics.RecordStoreOp("auth-tokens", "put", err)
	if err != nil {
		return fmt.Errorf("put auth tokens: %w", err)
	}
	return nil
}

// GetAuthTokens returns the serialized token state or ErrNotFound.
func (s *Store) GetAuthTokens(ctx context.Context) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyAuthTokens))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	metrics.RecordStoreOp("auth-tokens", "get", ignoreNotFound(err))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteAuthTokens clears the persisted token state. Called on session
// teardown after a refresh is rejected.
func (s *Store) DeleteAuthTokens(ctx context.Context) error {
	err := s.deleteKeys(keyAuthTokens)
	metrics.RecordStoreOp("auth-tokens", "delete", err)
	return err
}
