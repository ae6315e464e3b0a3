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
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTIA/pkg/logging"
	"github.com/AleutianAI/AleutianTIA/services/tia/git"
)

// DefaultAddr binds an ephemeral loopback port.
const DefaultAddr = "127.0.0.1:0"

// Config configures a Server.
type Config struct {
	// Addr is the listen address. Empty uses DefaultAddr.
	Addr string

	// GitDir enables the HEAD watcher when set.
	GitDir string

	// Logger may be nil.
	Logger *logging.Logger

	// OnClose runs after the listener is shut down, for releasing resources
	// the server owns (the blob cache). May be nil.
	OnClose func() error
}

// Server exposes a Service over HTTP.
//
// # Thread Safety
//
// Safe for concurrent use. Start must be called once; Close may be called
// any number of times.
type Server struct {
	svc    *Service
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	watcher  *git.HeadWatcher
	cancel   context.CancelFunc
	serveErr chan error
	closed   bool
}

// New creates a Server for svc. Nothing listens until Start.
func New(svc *Service, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{svc: svc, cfg: cfg, logger: logger}
}

// Service returns the served Service.
func (s *Server) Service() *Service {
	return s.svc
}

// Start binds the listener, starts serving and, when a git dir is
// configured, starts the HEAD watcher.
//
// # Outputs
//
//   - error: ErrAlreadyStarted, ErrClosed, or a listen failure.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.listener != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	handlers := NewHandlers(s.svc)
	s.httpSrv = &http.Server{
		Handler:           newRouter(handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpSrv.RegisterOnShutdown(handlers.closeWatchers)
	s.serveErr = make(chan error, 1)
	go func() {
		err := s.httpSrv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.serveErr <- err
	}()

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	if s.cfg.GitDir != "" {
		w, err := git.NewHeadWatcher(s.cfg.GitDir, func(path string) {
			s.logger.Info("HEAD moved, dropping disabled-test carry-over", "path", path)
			s.svc.ResetCarryOver()
		}, s.logger.Slog())
		if err != nil {
			s.logger.Warn("HEAD watcher unavailable", "error", err)
		} else {
			s.watcher = w
			go w.Start(watchCtx)
		}
	}

	s.logger.Info("Impact server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Wait blocks until the server stops serving and returns the serve error.
func (s *Server) Wait() error {
	s.mu.Lock()
	ch := s.serveErr
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	err := <-ch
	ch <- err
	return err
}

// Close stops the watcher, shuts the HTTP server down gracefully and runs
// OnClose. Pending reports that were never written are dropped.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	httpSrv, watcher, cancel := s.httpSrv, s.watcher, s.cancel
	s.mu.Unlock()

	if pending := s.svc.State().PendingTests; pending > 0 {
		s.logger.Warn("Closing with unwritten reports", "tests", pending)
	}

	var errs []error
	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
	}
	if s.cfg.OnClose != nil {
		if err := s.cfg.OnClose(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("Impact server closed")
	return errors.Join(errs...)
}
