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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
	"github.com/spf13/cobra"
)

func newDigestCmd() *cobra.Command {
	var (
		artifacts string
		patterns  []string
		reactor   bool
	)
	cmd := &cobra.Command{
		Use:   "digest [artifact...]",
		Short: "Print the dependency digest of a resolved artifact list",
		Long: `digest prints the digest tia keys impact records by. Artifacts are given
as arguments, or read one per line from --artifacts ("-" for stdin).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []digest.Artifact
			if len(args) > 0 {
				parsed, err := digest.ParseArtifacts(strings.Join(args, "\n"))
				if err != nil {
					return err
				}
				list = parsed
			} else {
				parsed, err := readArtifacts(cmd.InOrStdin(), artifacts)
				if err != nil {
					return err
				}
				list = parsed
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, digest.ComputeArtifacts(list))
			if !reactor {
				return nil
			}
			pats, err := digest.ParsePatterns(patterns)
			if err != nil {
				return err
			}
			for _, p := range digest.ReactorDeps(list, pats) {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&artifacts, "artifacts", "-", `Resolved artifact list file, "-" for stdin`)
	cmd.Flags().BoolVar(&reactor, "reactor-deps", false, "Also print reactor dependency paths, one per line")
	cmd.Flags().StringSliceVar(&patterns, "pattern", nil, "Reactor artifact patterns for --reactor-deps")
	return cmd
}
