// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger provides the embedded BadgerDB cache for note payloads.
//
// Git note blobs are content addressed, so a blob id maps to exactly one
// payload forever. The store keeps decoded payloads here, keyed by blob id,
// to avoid spawning `git cat-file` for every ancestor on every lookup. The
// cache never needs invalidation; removing the directory only costs a
// re-read from git.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// blobPrefix namespaces note blob entries.
const blobPrefix = "blob/"

// ErrPathRequired indicates a persistent cache was configured without a path.
var ErrPathRequired = errors.New("path is required for persistent cache")

// Config holds configuration for a cache instance.
type Config struct {
	// Path is the cache directory, typically <git-dir>/tia/cache.
	// Ignored when InMemory is true.
	Path string

	// InMemory keeps the cache in RAM only. Used by tests.
	InMemory bool

	// Logger receives BadgerDB's internal messages. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio that triggers GC.
	GCDiscardRatio float64
}

// DefaultConfig returns the configuration for an on-disk cache at path.
//
// Writes are not synced: a lost entry is re-read from git.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
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
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Cache is a blob-id keyed payload cache backed by BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	db     *badger.DB
	gc     *gcRunner
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) a cache.
//
// # Inputs
//
//   - cfg: Cache configuration. Path is required unless InMemory is true.
//
// # Outputs
//
//   - *Cache: The opened cache. Caller must call Close.
//   - error: ErrPathRequired, or a wrapped BadgerDB error (for example when
//     another process holds the directory lock).
func Open(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, ErrPathRequired
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(false).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open blob cache: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{db: db, path: cfg.Path, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		c.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		c.gc.start()
	}
	return c, nil
}

// OpenInMemory opens an in-memory cache.
func OpenInMemory() (*Cache, error) {
	return Open(InMemoryConfig())
}

// Path returns the cache directory, empty for in-memory caches.
func (c *Cache) Path() string {
	return c.path
}

// Get returns the payload cached for blob.
//
// # Outputs
//
//   - []byte: A copy of the cached payload.
//   - bool: False on a miss.
//   - error: Non-nil on context cancellation or storage failure.
func (c *Cache) Get(ctx context.Context, blob string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blobPrefix + blob))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read blob %s: %w", blob, err)
	}
	return value, true, nil
}

// Put caches payload for blob, overwriting any existing entry.
func (c *Cache) Put(ctx context.Context, blob string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(blobPrefix+blob), payload)
	})
	if err != nil {
		return fmt.Errorf("write blob %s: %w", blob, err)
	}
	return nil
}

// Len counts cached blobs. Intended for diagnostics and tests.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(blobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close stops garbage collection and closes the database.
func (c *Cache) Close() error {
	if c.gc != nil {
		c.gc.stop()
	}
	return c.db.Close()
}

// gcRunner runs periodic value log garbage collection.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing to collect.
			if err := r.db.RunValueLogGC(r.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("blob cache GC error", slog.String("error", err.Error()))
			}
		}
	}
}
