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
	"fmt"

	"github.com/AleutianAI/AleutianTIA/services/tia/store"
	"github.com/spf13/cobra"
)

func newResetCmd(g *globalFlags) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete stored impact records so the next build runs every test",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReset(cmd.Context(), g, project, cmd)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Only reset this module; default resets every module")
	return cmd
}

func runReset(ctx context.Context, g *globalFlags, project string, cmd *cobra.Command) error {
	e, err := loadEnv(ctx, g, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	st := store.New(e.repo, store.Options{MaxDepth: e.cfg.Store.MaxDepth, Logger: e.logger.Slog()})
	if project != "" {
		if err := st.Remove(ctx, project); err != nil {
			return err
		}
		e.logger.Info("Impact records removed", "project", project)
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", project)
		return nil
	}

	refs, err := st.Projects(ctx)
	if err != nil {
		return err
	}
	if err := st.RemoveAll(ctx); err != nil {
		return err
	}
	e.logger.Info("All impact records removed", "refs", len(refs))
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d project(s)\n", len(refs))
	return nil
}
