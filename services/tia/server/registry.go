// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianTIA/pkg/logging"
	"github.com/AleutianAI/AleutianTIA/services/tia/fingerprint"
	"github.com/AleutianAI/AleutianTIA/services/tia/git"
	"github.com/AleutianAI/AleutianTIA/services/tia/storage/badger"
	"github.com/AleutianAI/AleutianTIA/services/tia/store"
)

// Factory creates an unstarted Server for a repository root.
type Factory func(ctx context.Context, root string) (*Server, error)

// Options configures DefaultFactory.
type Options struct {
	// Addr is the listen address. Empty uses DefaultAddr.
	Addr string

	// MaxDepth bounds the store's ancestor walk.
	MaxDepth int

	// Cache enables the on-disk note payload cache under <git-dir>/tia/cache.
	Cache bool

	// WatchHead resets carry-over state when HEAD moves.
	WatchHead bool

	// FingerprintCacheSize sizes the fingerprint LRU caches.
	FingerprintCacheSize int

	// Logger may be nil.
	Logger *logging.Logger
}

// DefaultFactory wires a git repository, its store and a fingerprinter
// into a Server.
func DefaultFactory(opts Options) Factory {
	return func(ctx context.Context, root string) (*Server, error) {
		logger := opts.Logger
		if logger == nil {
			logger = logging.Nop()
		}
		repo, err := git.Open(ctx, root)
		if err != nil {
			return nil, err
		}

		var cache *badger.Cache
		if opts.Cache {
			cfg := badger.DefaultConfig(filepath.Join(repo.GitDir(), "tia", "cache"))
			cfg.Logger = logger.Slog()
			cache, err = badger.Open(cfg)
			if err != nil {
				// Another build may hold the cache lock; run uncached.
				logger.Warn("Note cache unavailable", "error", err)
				cache = nil
			}
		}

		st := store.New(repo, store.Options{
			MaxDepth: opts.MaxDepth,
			Cache:    cache,
			Logger:   logger.Slog(),
		})
		fp, err := fingerprint.New(opts.FingerprintCacheSize)
		if err != nil {
			if cache != nil {
				_ = cache.Close()
			}
			return nil, fmt.Errorf("create fingerprinter: %w", err)
		}

		cfg := Config{Addr: opts.Addr, Logger: logger.With("root", root)}
		if opts.WatchHead {
			cfg.GitDir = repo.GitDir()
		}
		if cache != nil {
			cfg.OnClose = cache.Close
		}
		return New(NewService(st, fp, cfg.Logger), cfg), nil
	}
}

// Registry maps repository roots to running servers for the duration of a
// build. The first request for a root creates and starts its server; later
// requests reuse it. The owner closes the Registry when the build ends.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	factory Factory

	mu      sync.Mutex
	servers map[string]*Server
	closed  bool
}

// NewRegistry creates an empty Registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, servers: make(map[string]*Server)}
}

// Get returns the running server for root, creating it if needed.
//
// # Outputs
//
//   - *Server: A started server.
//   - error: ErrClosed after Close, or a factory or start failure.
func (r *Registry) Get(ctx context.Context, root string) (*Server, error) {
	root = filepath.Clean(root)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if srv, ok := r.servers[root]; ok {
		return srv, nil
	}

	srv, err := r.factory(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("create server for %s: %w", root, err)
	}
	if err := srv.Start(ctx); err != nil {
		_ = srv.Close(ctx)
		return nil, fmt.Errorf("start server for %s: %w", root, err)
	}
	r.servers[root] = srv
	return srv, nil
}

// Roots lists the roots with a running server, sorted.
func (r *Registry) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	roots := make([]string, 0, len(r.servers))
	for root := range r.servers {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Close closes every server. Later Get calls fail with ErrClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	servers := r.servers
	r.servers = make(map[string]*Server)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for root, srv := range servers {
		if err := srv.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close server for %s: %w", root, err))
		}
	}
	return errors.Join(errs...)
}
