// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianTIA/pkg/telemetry"
	"github.com/AleutianAI/AleutianTIA/services/tia/server"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds the graceful close after a signal.
const shutdownTimeout = 30 * time.Second

type serveFlags struct {
	addr    string
	noCache bool
}

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the impact server for this repository until interrupted",
		Long: `serve starts the repository's impact server, announces its address in
<git-dir>/tia/server.json for "tia prepare", prints the address, and serves
test processes until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g, f, cmd)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "Listen address; overrides server.addr")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "Disable the on-disk note cache")
	return cmd
}

func runServe(ctx context.Context, g *globalFlags, f *serveFlags, cmd *cobra.Command) error {
	e, err := loadEnv(ctx, g, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	shutdownTelemetry, err := telemetry.Init(ctx, e.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			e.logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	addr := e.cfg.Server.Addr
	if f.addr != "" {
		addr = f.addr
	}
	reg := server.NewRegistry(server.DefaultFactory(server.Options{
		Addr:      addr,
		MaxDepth:  e.cfg.Store.MaxDepth,
		Cache:     e.cfg.Store.Cache && !f.noCache,
		WatchHead: e.cfg.Server.WatchHead,
		Logger:    e.logger,
	}))

	srv, err := reg.Get(ctx, e.root)
	if err != nil {
		return err
	}
	closeAll := func() error {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return errors.Join(
			server.RemoveHandshake(e.repo.GitDir(), srv.Addr()),
			reg.Close(cctx),
		)
	}

	err = server.WriteHandshake(e.repo.GitDir(), server.Handshake{
		Addr:    srv.Addr(),
		Port:    srv.Port(),
		PID:     os.Getpid(),
		Root:    e.root,
		Started: time.Now().UTC(),
	})
	if err != nil {
		return errors.Join(err, closeAll())
	}
	fmt.Fprintln(cmd.OutOrStdout(), srv.Addr())

	served := make(chan error, 1)
	go func() { served <- srv.Wait() }()

	select {
	case <-ctx.Done():
		e.logger.Info("Shutting down impact server")
	case err = <-served:
		if err != nil {
			e.logger.Error("Impact server stopped", "error", err)
		}
	}
	return errors.Join(err, closeAll())
}
