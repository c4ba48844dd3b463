// Continuo - Offline Continuity Engine for Audiobook Playback
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/continuo

// Package store implements the durable, versioned, multi-namespace store
// every other component persists through. BadgerDB provides the storage
// engine; namespaces are key prefixes and secondary indexes are extra keys
// written in the same transaction as the primary record.
//
// The store is the only engine state with cross-restart lifetime. Dependents
// treat open failure as fatal to themselves only: they degrade to
// network-only operation rather than crashing the host.
package store

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/continuo/internal/logging"
	"golang.org/x/sync/singleflight"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a namespace has no record for the key.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrInvalidTransition is returned when a download task transition
	// would leave a terminal state or otherwise break the state machine.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Key prefixes, one per namespace. Secondary-index prefixes carry the
// indexed attribute between the prefix and the primary key so a prefix scan
// enumerates exactly one attribute value.
const (
	prefixHistory     = "history:"      // history:<bookId>
	prefixHistorySync = "history_sync:" // history_sync:<status>:<bookId>

	prefixQueue       = "histq:"        // histq:<seq20>
	prefixQueueBook   = "histq_book:"   // histq_book:<bookId>:<seq20>
	prefixQueueSynced = "histq_synced:" // histq_synced:<0|1>:<seq20>

	prefixAPICache = "apicache:" // apicache:<url>
	prefixCovers   = "covers:"   // covers:<bookId>

	prefixURLBatch = "epurls:" // epurls:<bookId>:<batch>

	prefixDownload   = "dl:"            // dl:<bookId>:<episodeIndex>
	prefixTask       = "dltask:"        // dltask:<taskId>
	prefixTaskBook   = "dltask_book:"   // dltask_book:<bookId>:<taskId>
	prefixTaskStatus = "dltask_status:" // dltask_status:<status>:<taskId>

	prefixAuth = "auth:" // auth:tokens

	keySchemaVersion = "meta:schema_version"
	keyQueueSequence = "meta:histq_seq"
)

// schemaVersion is the current schema. Migrations are additive only: a
// version bump may introduce namespaces and index keys, never remove data.
const schemaVersion = 2

// Config holds store settings.
type Config struct {
	// Dir is the BadgerDB directory.
	Dir string

	// InMemory runs badger without files. Tests only.
	InMemory bool

	// SyncWrites forces fsync on every commit. The engine ships on end-user
	// devices where a dropped position update costs seconds of listening,
	// not money, so the default favors battery and leaves this off.
	SyncWrites bool
}

// Store is the durable multi-namespace store.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the store at cfg.Dir and applies pending
// migrations. Callers that may race over the same directory should use
// OpenShared instead.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	seq, err := db.GetSequence([]byte(keyQueueSequence), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}

	s := &Store{db: db, seq: seq}
	if err := s.migrate(); err != nil {
		_ = seq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	log := logging.Component("store")
	log.Info().
		Str("dir", cfg.Dir).
		Int("schema_version", schemaVersion).
		Msg("store opened")
	return s, nil
}

// shared memoizes opens so concurrent callers for one directory await a
// single open and receive the same handle.
var shared struct {
	mu     sync.Mutex
	group  singleflight.Group
	stores map[string]*Store
}

// OpenShared returns the store for dir, opening it once no matter how many
// callers arrive concurrently. The handle is shared; CloseShared releases it.
func OpenShared(cfg Config) (*Store, error) {
	shared.mu.Lock()
	if s, ok := shared.stores[cfg.Dir]; ok {
		shared.mu.Unlock()
		return s, nil
	}
	shared.mu.Unlock()

	v, err, _ := shared.group.Do(cfg.Dir, func() (any, error) {
		s, err := Open(cfg)
		if err != nil {
			return nil, err
		}
		shared.mu.Lock()
		if shared.stores == nil {
			shared.stores = make(map[string]*Store)
		}
		shared.stores[cfg.Dir] = s
		shared.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

// CloseShared closes and forgets the shared store for dir, if any.
func CloseShared(dir string) error {
	shared.mu.Lock()
	s, ok := shared.stores[dir]
	delete(shared.stores, dir)
	shared.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// Close releases the queue sequence and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.seq.Release(); err != nil {
		log := logging.Component("store")
		log.Warn().Err(err).Msg("release queue sequence")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// isClosed reports whether the store is unusable. A nil store, as handed to
// components in degraded network-only mode, behaves as permanently closed.
func (s *Store) isClosed() bool {
	if s == nil {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// migrate records the schema version and applies additive steps from the
// stored version to the current one. Downgrade is never supported.
func (s *Store) migrate() error {
	current := 0
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, convErr := strconv.Atoi(string(val))
			if convErr != nil {
				return fmt.Errorf("parse schema version %q: %w", val, convErr)
			}
			current = v
			return nil
		})
	})
	if err != nil {
		return err
	}

	if current > schemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported %d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		if err := s.applyMigration(v); err != nil {
			return fmt.Errorf("apply migration v%d: %w", v, err)
		}
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(keySchemaVersion), []byte(strconv.Itoa(v)))
		}); err != nil {
			return fmt.Errorf("record schema version %d: %w", v, err)
		}
		if current > 0 {
			log := logging.Component("store")
			log.Info().Int("version", v).Msg("schema migrated")
		}
	}
	return nil
}

func (s *Store) applyMigration(version int) error {
	switch version {
	case 1:
		// Base namespaces. Badger is schemaless, so v1 only exists to give
		// the version counter a starting point.
		return nil
	case 2:
		// v2 introduced the auth-tokens namespace and the dltask_status
		// index; backfill index keys for tasks written before the index.
		return s.backfillTaskStatusIndex()
	default:
		return fmt.Errorf("unknown schema version %d", version)
	}
}

// getJSON loads and unmarshals the value at key into v.
// Returns ErrNotFound when the key is absent.
func (s *Store) getJSON(key string, v any) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return unmarshalValue(val, v)
		})
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return err
}

// setJSON marshals v and writes it at key in a single transaction.
func (s *Store) setJSON(key string, v any) error {
	if s.isClosed() {
		return ErrClosed
	}
	data, err := marshalValue(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// deleteKeys removes keys in one transaction; missing keys are ignored.
func (s *Store) deleteKeys(keys ...string) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

// scanPrefix iterates all values under prefix, calling fn with each raw
// value. fn returning an error stops the scan.
func (s *Store) scanPrefix(prefix string, fn func(key string, val []byte) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// scanPrefixKeys iterates keys only (no value prefetch) under prefix.
func (s *Store) scanPrefixKeys(prefix string, fn func(key string) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := fn(string(it.Item().Key())); err != nil {
				return err
			}
		}
		return nil
	})
}
