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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianTIA/services/tia/client"
	"github.com/AleutianAI/AleutianTIA/services/tia/server"
	"github.com/AleutianAI/AleutianTIA/services/tia/store"
	"github.com/spf13/cobra"
)

// statusReport is printed by "tia status".
type statusReport struct {
	Root    string                `json:"root"`
	Server  *server.Handshake     `json:"server,omitempty"`
	Health  string                `json:"health"`
	State   *server.StateResponse `json:"state,omitempty"`
	Records int                   `json:"records"`
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the repository's impact server and stored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if watch {
				var stop context.CancelFunc
				ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
			}
			return runStatus(ctx, g, watch, cmd)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream server state changes until interrupted")
	return cmd
}

func runStatus(ctx context.Context, g *globalFlags, watch bool, cmd *cobra.Command) error {
	e, err := loadEnv(ctx, g, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	refs, err := e.repo.ListRefs(ctx, store.RefPrefix)
	if err != nil {
		return err
	}
	report := statusReport{Root: e.root, Health: "not running", Records: len(refs)}

	h, err := server.ReadHandshake(e.repo.GitDir())
	if err == nil {
		report.Server = &h
		c := client.New(h.Addr, client.WithTimeout(2*time.Second))
		health, err := c.CheckCompatible(ctx)
		switch {
		case errors.Is(err, client.ErrIncompatible):
			report.Health = "incompatible " + health.Version
		case err != nil:
			report.Health = "unreachable"
		default:
			report.Health = health.Status
			if state, err := c.State(ctx); err == nil {
				report.State = state
			}
		}
	}

	out := cmd.OutOrStdout()
	if isTerminal(out) && !g.json {
		renderStatus(out, report)
	} else {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
	}
	if !watch {
		return nil
	}
	if report.Server == nil {
		return server.ErrNoHandshake
	}

	// One compact JSON line per state change.
	lines := json.NewEncoder(cmd.OutOrStdout())
	return client.New(report.Server.Addr).Watch(ctx, func(s server.StateResponse) {
		_ = lines.Encode(s)
	})
}
