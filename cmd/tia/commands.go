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
	"io"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianTIA/cmd/tia/config"
	"github.com/AleutianAI/AleutianTIA/pkg/logging"
	"github.com/AleutianAI/AleutianTIA/services/tia/git"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	dir      string
	logLevel string
	json     bool
}

// env is what every subcommand needs about the repository it runs in.
type env struct {
	root   string
	repo   *git.Repo
	cfg    config.TIAConfig
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "tia",
		Short: "Test impact analysis backed by git notes",
		Long: `tia decides which tests of a build can be skipped because nothing they
exercise has changed since a recorded run, and keeps those records in git
notes so they follow the repository's history.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.dir, "dir", "C", ".", "Directory inside the git repository")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides .tia.yaml")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "Log JSON to stderr")

	root.AddCommand(
		newServeCmd(g),
		newPrepareCmd(g),
		newResetCmd(g),
		newDisabledCmd(g),
		newDigestCmd(),
		newStatusCmd(g),
		newInitCmd(g),
	)
	return root
}

// loadEnv locates the repository above g.dir, loads its configuration and
// builds the logger. The caller closes the logger.
func loadEnv(ctx context.Context, g *globalFlags, cmd *cobra.Command) (*env, error) {
	dir, err := filepath.Abs(g.dir)
	if err != nil {
		return nil, err
	}
	root, err := git.FindRoot(dir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	repo, err := git.Open(ctx, root)
	if err != nil {
		return nil, err
	}
	return &env{root: root, repo: repo, cfg: cfg, logger: newLogger(g, cfg, cmd)}, nil
}

// newLogger logs to the command's stderr. JSON is used when asked for or
// when stderr is not a terminal, so build logs stay machine readable.
func newLogger(g *globalFlags, cfg config.TIAConfig, cmd *cobra.Command) *logging.Logger {
	level := cfg.Log.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	jsonOut := g.json || cfg.Log.JSON
	if _, ok := cmd.ErrOrStderr().(*os.File); ok && !jsonOut {
		jsonOut = !isTerminal(cmd.ErrOrStderr())
	}
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(level),
		LogDir:  cfg.Log.Dir,
		Service: "tia",
		JSON:    jsonOut,
		Writer:  cmd.ErrOrStderr(),
	})
}

func (e *env) close() {
	if err := e.logger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "tia: closing logger: %v\n", err)
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
