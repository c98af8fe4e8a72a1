// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
)

// jobKeyPrefix namespaces job records inside the database.
const jobKeyPrefix = "job/"

// BadgerConfig holds configuration for the persistent job store.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory
	// is true.
	Path string

	// InMemory enables in-memory mode. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives the database's internal log output. If nil,
	// internal logging is disabled.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults for a path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
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

// BadgerStore persists jobs in an embedded BadgerDB so job history
// survives restarts.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database and returns a store.
//
// # Outputs
//
//	*BadgerStore - The opened store. Caller must Close() when done.
//	error - Non-nil if the path is invalid or the database cannot open.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent job store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create job store directory %s: %w", cfg.Path, err)
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
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func jobKey(id string) []byte { return []byte(jobKeyPrefix + id) }

// Create implements Store.
func (s *BadgerStore) Create(ctx context.Context, j *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(j.ID)); err == nil {
			return mmerrors.New(mmerrors.KindInvalidInput, "job already exists: "+j.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(jobKey(j.ID), payload)
	})
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var j Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return mmerrors.New(mmerrors.KindNotFound, "job not found: "+id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &j)
		})
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Update implements Store.
func (s *BadgerStore) Update(ctx context.Context, j *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(j.ID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return mmerrors.New(mmerrors.KindNotFound, "job not found: "+j.ID)
			}
			return err
		}
		return txn.Set(jobKey(j.ID), payload)
	})
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context) ([]*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(jobKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var j Job
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &j)
			})
			if err != nil {
				return err
			}
			out = append(out, &j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out, nil
}

// Purge implements Store.
func (s *BadgerStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, j := range jobs {
		if !j.Status.Terminal() || !j.UpdatedAt.Before(olderThan) {
			continue
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(jobKey(j.ID))
		})
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error { return s.db.Close() }

// Compile-time interface compliance check.
var _ Store = (*BadgerStore)(nil)
