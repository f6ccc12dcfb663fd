// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history stores finished installation runs in BadgerDB.
//
// Keys:
//
//	run/<started unix nanos, 20 digits>/<run id>  → JSON pipeline.Run
//	id/<run id>                                   → the run/ key
//
// The run/ keys sort chronologically, so listing newest-first is a reverse
// prefix scan. Stored runs never include the administrator password; the
// configuration snapshot on pipeline.Run is excluded from JSON.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/pipeline"
	"github.com/AleutianAI/RaptorSetup/pkg/logging"
)

const (
	runPrefix = "run/"
	idPrefix  = "id/"

	// DefaultRetain is how many runs are kept when Config.Retain is 0.
	DefaultRetain = 100
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Config holds configuration for a history store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// Retain is the number of newest runs kept after each Save.
	Retain int

	// Logger receives BadgerDB's own log output. Nil silences it.
	Logger *logging.Logger
}

// DefaultPath returns ~/.raptorsetup/history.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".raptorsetup", "history"), nil
}

// Store is the persistent run history.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db       *badger.DB
	retain   int
	inMemory bool
}

// badgerLogger adapts Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens or creates the history database.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("history path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("create history directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	retain := cfg.Retain
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Store{db: db, retain: retain, inMemory: cfg.InMemory}, nil
}

// OpenInMemory opens a store that is lost on Close.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

func runKey(run *pipeline.Run) []byte {
	var nanos int64
	if !run.Started.IsZero() {
		nanos = max(run.Started.UnixNano(), 0)
	}
	return fmt.Appendf(nil, "%s%020d/%s", runPrefix, nanos, run.ID)
}

func idKey(id uuid.UUID) []byte {
	return []byte(idPrefix + id.String())
}

// Save stores run, replacing an earlier record with the same ID, then
// trims the history to the retention limit.
func (s *Store) Save(run *pipeline.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}

	key := runKey(run)
	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(run.ID))
		switch {
		case err == nil:
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(old); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(idKey(run.ID), key)
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return s.prune()
}

// prune deletes everything older than the newest s.retain runs.
func (s *Store) prune() error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(runPrefix)
		var stale [][]byte
		n := 0
		for it.Seek(append([]byte(runPrefix), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n > s.retain {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		for _, key := range stale {
			id := key[len(key)-36:]
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(append([]byte(idPrefix), id...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the run with id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*pipeline.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var run pipeline.Run
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &run, nil
}

// List returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]*pipeline.Run, error) {
	var runs []*pipeline.Run
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(runPrefix)
		for it.Seek(append([]byte(runPrefix), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var run pipeline.Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			runs = append(runs, &run)
			if limit > 0 && len(runs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Latest returns the newest run, or ErrNotFound when the history is empty.
func (s *Store) Latest(ctx context.Context) (*pipeline.Run, error) {
	runs, err := s.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return runs[0], nil
}

// Close runs a value-log GC pass for persistent stores and closes the
// database. GC errors are ignored; ErrNoRewrite just means nothing to do.
func (s *Store) Close() error {
	if !s.inMemory {
		_ = s.db.RunValueLogGC(0.5)
	}
	return s.db.Close()
}
