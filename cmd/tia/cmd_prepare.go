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
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianTIA/cmd/tia/config"
	"github.com/AleutianAI/AleutianTIA/services/tia/client"
	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
	"github.com/AleutianAI/AleutianTIA/services/tia/server"
	"github.com/spf13/cobra"
)

// DefaultProperty is the property the test runner reads its JVM arguments
// from.
const DefaultProperty = "argLine"

type prepareFlags struct {
	project    string
	artifacts  string
	classRoots []string
	patterns   []string
	port       int
	argLine    string
	agentJar   string
	property   string
	force      bool
	skip       bool
	debug      bool
}

func newPrepareCmd(g *globalFlags) *cobra.Command {
	f := &prepareFlags{}
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Print the test process argument line for one module",
		Long: `prepare computes the module's dependency digest and reactor dependencies,
finds the repository's running impact server and prints the argument line
the test runner must be launched with. Resolved artifacts are read one per
line (group:artifact:type[:classifier]:version[:scope][=path]) from
--artifacts, or from stdin when --artifacts is "-".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPrepare(cmd.Context(), g, f, cmd)
		},
	}
	cmd.Flags().StringVar(&f.project, "project", "", "Module identity, groupId:artifactId (required)")
	cmd.Flags().StringVar(&f.artifacts, "artifacts", "-", `Resolved artifact list file, "-" for stdin`)
	cmd.Flags().StringSliceVar(&f.classRoots, "class-root", []string{"target/classes"}, "Module class output directories")
	cmd.Flags().StringSliceVar(&f.patterns, "pattern", nil, "Reactor artifact patterns; overrides artifacts in .tia.yaml")
	cmd.Flags().IntVar(&f.port, "port", 0, "Impact server port; default reads the server handshake")
	cmd.Flags().StringVar(&f.argLine, "arg-line", "", "Existing argument line to preserve")
	cmd.Flags().StringVar(&f.agentJar, "agent-jar", "", "Agent jar; emits -javaagent:<jar>=<options>")
	cmd.Flags().StringVar(&f.property, "property", "", `Print as <property>=<value> (e.g. "`+DefaultProperty+`")`)
	cmd.Flags().BoolVar(&f.force, "force", false, "Ignore existing impact records; run every test")
	cmd.Flags().BoolVar(&f.skip, "skip", false, "Do nothing; print the existing argument line unchanged")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "Enable agent debug logging")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runPrepare(ctx context.Context, g *globalFlags, f *prepareFlags, cmd *cobra.Command) error {
	if f.skip {
		logger := newLogger(g, config.DefaultConfig(), cmd)
		logger.Info("Skipping tia execution because --skip is set")
		_ = logger.Close()
		return emit(cmd.OutOrStdout(), f.property, strings.TrimSpace(f.argLine))
	}

	e, err := loadEnv(ctx, g, cmd)
	if err != nil {
		return err
	}
	defer e.close()

	group, _, ok := strings.Cut(f.project, ":")
	if !ok || group == "" {
		return fmt.Errorf("--project must be groupId:artifactId, got %q", f.project)
	}

	artifacts, err := readArtifacts(cmd.InOrStdin(), f.artifacts)
	if err != nil {
		return err
	}
	specs := f.patterns
	if len(specs) == 0 {
		specs = e.cfg.Artifacts
	}
	patterns := digest.DefaultPatterns(group)
	if len(specs) > 0 {
		if patterns, err = digest.ParsePatterns(specs); err != nil {
			return err
		}
	}

	port := f.port
	if port == 0 {
		h, err := server.ReadHandshake(e.repo.GitDir())
		if err != nil {
			if errors.Is(err, server.ErrNoHandshake) {
				return fmt.Errorf("%w: start one with \"tia serve\"", err)
			}
			return err
		}
		port = h.Port
	}

	if f.force {
		e.logger.Warn("The force option is set, ignoring existing TIA data")
	}

	opts := client.AgentOptions{
		Digest:      digest.ComputeArtifacts(artifacts),
		Force:       f.force,
		Port:        port,
		Project:     f.project,
		ReactorDeps: digest.ReactorDeps(artifacts, patterns),
		ClassRoots:  absAll(g.dir, f.classRoots),
		Debug:       f.debug,
	}

	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.FromOptions(opts, client.WithLogger(e.logger)).CheckCompatible(hctx); err != nil {
		// The agent degrades to running every test; the build goes on.
		e.logger.Warn("Impact server not answering", "port", port, "error", err)
	}

	value := opts.PrependTo(f.argLine, f.agentJar)
	e.logger.Info("Preparing test runner to run with tia",
		"project", f.project, "digest", string(opts.Digest), "reactor_deps", len(opts.ReactorDeps))
	e.logger.Debug("Argument line set", "value", value)
	return emit(cmd.OutOrStdout(), f.property, value)
}

func emit(w io.Writer, property, value string) error {
	if property != "" {
		value = property + "=" + value
	}
	if value == "" {
		return nil
	}
	_, err := fmt.Fprintln(w, value)
	return err
}

// readArtifacts reads the resolved artifact list from path, or stdin for
// "-".
func readArtifacts(stdin io.Reader, path string) ([]digest.Artifact, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifacts: %w", err)
	}
	return digest.ParseArtifacts(string(data))
}

// absAll resolves paths against the module directory.
func absAll(dir string, paths []string) []string {
	base, err := filepath.Abs(dir)
	if err != nil {
		base = dir
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}
