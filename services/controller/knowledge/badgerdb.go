// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/aegislights/services/controller/bandit"
)

// Key prefixes. Cycle numbers are zero-padded so lexical key order is
// chronological order.
const (
	prefixSnapshot = "snapshot/"
	prefixDecision = "decision/"
	prefixLKG      = "lkg/"
	prefixBandit   = "bandit/"
	prefixUtility  = "utility/"
)

// StoreConfig configures the embedded BadgerDB store.
type StoreConfig struct {
	// Path is the database directory. Required unless InMemory.
	Path string `json:"path" yaml:"path"`

	// InMemory keeps everything in RAM. Test use only.
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// SyncWrites trades write latency for durability.
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	// Logger receives BadgerDB's internal messages; nil silences them.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultStoreConfig returns production defaults: durable synchronous
// writes at the given path.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{Path: path, SyncWrites: true}
}

// InMemoryStoreConfig returns a test configuration with no disk I/O.
func InMemoryStoreConfig() StoreConfig {
	return StoreConfig{InMemory: true}
}

// badgerLogger adapts slog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore implements Store on an embedded BadgerDB. Values are
// JSON-encoded; keys follow the prefix scheme above.
//
// Thread Safety: Safe for concurrent use; BadgerDB transactions provide
// the isolation.
type BadgerStore struct {
	db *badger.DB
}

// OpenStore opens (and if needed creates) the knowledge store.
//
// Inputs:
//   - cfg: Store configuration. Path is required unless InMemory.
//
// Outputs:
//   - *BadgerStore: The opened store. Caller must Close it.
//   - error: Non-nil when the path is missing or the database cannot
//     be opened.
func OpenStore(cfg StoreConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) putJSON(op, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return persistErr(op, key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	return persistErr(op, key, err)
}

func (s *BadgerStore) getJSON(op, key string, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return persistErr(op, key, err)
}

// PersistSnapshot implements Store.
func (s *BadgerStore) PersistSnapshot(cycle int, raw []byte) error {
	key := fmt.Sprintf("%s%010d", prefixSnapshot, cycle)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
	return persistErr("persist_snapshot", key, err)
}

// PersistDecision implements Store.
func (s *BadgerStore) PersistDecision(rec DecisionRecord) error {
	key := fmt.Sprintf("%s%010d/%s", prefixDecision, rec.Cycle, rec.ID)
	return s.putJSON("persist_decision", key, rec)
}

// RecentDecisions implements Store.
func (s *BadgerStore) RecentDecisions(limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []DecisionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefixDecision)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last prefixed key.
		seek := append([]byte(prefixDecision), 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var rec DecisionRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, persistErr("recent_decisions", prefixDecision, err)
}

// LastKnownGood implements Store.
func (s *BadgerStore) LastKnownGood(intersectionID string) (Adaptation, error) {
	var a Adaptation
	err := s.getJSON("last_known_good", prefixLKG+intersectionID, &a)
	return a, err
}

// PutLastKnownGood implements Store.
func (s *BadgerStore) PutLastKnownGood(a Adaptation) error {
	return s.putJSON("put_last_known_good", prefixLKG+a.IntersectionID, a)
}

// BanditState implements Store.
func (s *BadgerStore) BanditState(key bandit.ArmKey) (bandit.ArmState, error) {
	var st bandit.ArmState
	err := s.getJSON("bandit_state", prefixBandit+key.String(), &st)
	return st, err
}

// PutBanditState implements Store.
func (s *BadgerStore) PutBanditState(key bandit.ArmKey, state bandit.ArmState) error {
	return s.putJSON("put_bandit_state", prefixBandit+key.String(), state)
}

// AppendUtility implements Store.
func (s *BadgerStore) AppendUtility(sample UtilitySample) error {
	key := fmt.Sprintf("%s%s/%010d", prefixUtility, sample.IntersectionID, sample.Cycle)
	return s.putJSON("append_utility", key, sample)
}

// UtilityHistory implements Store.
func (s *BadgerStore) UtilityHistory(intersectionID string, limit int) ([]UtilitySample, error) {
	if limit <= 0 {
		return nil, nil
	}
	prefix := prefixUtility + intersectionID + "/"
	var out []UtilitySample
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(prefix), 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var sample UtilitySample
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sample)
			})
			if err != nil {
				return err
			}
			out = append(out, sample)
		}
		return nil
	})
	return out, persistErr("utility_history", prefix, err)
}
