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
	"strings"

	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
	"github.com/AleutianAI/AleutianTIA/services/tia/fingerprint"
	"github.com/AleutianAI/AleutianTIA/services/tia/server"
	"github.com/AleutianAI/AleutianTIA/services/tia/store"
	"github.com/spf13/cobra"
)

type disabledFlags struct {
	project     string
	digest      string
	artifacts   string
	classRoots  []string
	reactorDeps []string
	force       bool
}

func newDisabledCmd(g *globalFlags) *cobra.Command {
	f := &disabledFlags{}
	cmd := &cobra.Command{
		Use:   "disabled",
		Short: "List the tests a build of one module would skip",
		Long: `disabled answers the impact query for one module at the current HEAD
without a running server. The digest is taken from --digest, or computed
from the resolved artifact list given with --artifacts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDisabled(cmd.Context(), g, f, cmd)
		},
	}
	cmd.Flags().StringVar(&f.project, "project", "", "Module identity (required)")
	cmd.Flags().StringVar(&f.digest, "digest", "", "Dependency digest")
	cmd.Flags().StringVar(&f.artifacts, "artifacts", "", `Resolved artifact list file, "-" for stdin`)
	cmd.Flags().StringSliceVar(&f.classRoots, "class-root", []string{"target/classes"}, "Module class output directories")
	cmd.Flags().StringSliceVar(&f.reactorDeps, "reactor-dep", nil, "Reactor dependency paths")
	cmd.Flags().BoolVar(&f.force, "force", false, "Answer as a forced build would")
	_ = cmd.MarkFlagRequired("project")
	cmd.MarkFlagsMutuallyExclusive("digest", "artifacts")
	cmd.MarkFlagsOneRequired("digest", "artifacts")
	return cmd
}

func runDisabled(ctx context.Context, g *globalFlags, f *disabledFlags, cmd *cobra.Command) error {
	e, err := loadEnv(ctx, g, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	d := digest.Digest(strings.ToUpper(f.digest))
	if f.artifacts != "" {
		artifacts, err := readArtifacts(cmd.InOrStdin(), f.artifacts)
		if err != nil {
			return err
		}
		d = digest.ComputeArtifacts(artifacts)
	}

	fp, err := fingerprint.New(fingerprint.DefaultCacheSize)
	if err != nil {
		return err
	}
	st := store.New(e.repo, store.Options{MaxDepth: e.cfg.Store.MaxDepth, Logger: e.logger.Slog()})
	svc := server.NewService(st, fp, e.logger)

	tests, err := svc.DisabledTests(ctx, server.Query{
		Project:     f.project,
		Digest:      d,
		Force:       f.force,
		ReactorDeps: absAll(g.dir, f.reactorDeps),
		ClassRoots:  absAll(g.dir, f.classRoots),
	})
	if err != nil {
		return err
	}
	for _, t := range tests {
		fmt.Fprintln(cmd.OutOrStdout(), t)
	}
	return nil
}
