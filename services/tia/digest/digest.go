// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package digest fingerprints a project's resolved dependency set and
// selects the dependencies produced by the same build (reactor deps).
//
// # Description
//
// The digest is the MD5 of the space-joined artifact descriptors, rendered
// as 32 upper-case hex characters. Two builds of a project with the same
// digest are assumed to see the same external inputs. The descriptor order
// is the resolver's order; callers must not reorder between runs.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Size is the length of a digest in hex characters.
const Size = md5.Size * 2

// Digest is a fixed-length, upper-case hex dependency fingerprint.
type Digest string

// Compute hashes a dependency descriptor string.
//
// # Inputs
//
//   - descriptor: Deterministically ordered dependency description.
//
// # Outputs
//
//   - Digest: 32 upper-case hex characters.
func Compute(descriptor string) Digest {
	sum := md5.Sum([]byte(descriptor))
	return Digest(strings.ToUpper(hex.EncodeToString(sum[:])))
}

// ComputeArtifacts hashes artifacts joined by a single space in the given
// order.
func ComputeArtifacts(artifacts []Artifact) Digest {
	parts := make([]string, len(artifacts))
	for i, a := range artifacts {
		parts[i] = a.String()
	}
	return Compute(strings.Join(parts, " "))
}

// Valid reports whether s has the digest shape (32 hex characters, either
// case).
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Normalize returns s in the canonical upper-case form. Digests read from
// the wire are normalised before they key anything.
func Normalize(s string) Digest {
	return Digest(strings.ToUpper(s))
}

// Artifact is a resolved dependency.
type Artifact struct {
	GroupID    string
	ArtifactID string
	Type       string
	Classifier string
	Version    string
	Scope      string

	// Path is the resolved file; empty when unresolved.
	Path string
}

// String renders group:artifact:type[:classifier]:version[:scope].
func (a Artifact) String() string {
	var b strings.Builder
	b.WriteString(a.GroupID)
	b.WriteByte(':')
	b.WriteString(a.ArtifactID)
	b.WriteByte(':')
	b.WriteString(a.Type)
	if a.Classifier != "" {
		b.WriteByte(':')
		b.WriteString(a.Classifier)
	}
	b.WriteByte(':')
	b.WriteString(a.Version)
	if a.Scope != "" {
		b.WriteByte(':')
		b.WriteString(a.Scope)
	}
	return b.String()
}

// ID returns group:artifact.
func (a Artifact) ID() string {
	return a.GroupID + ":" + a.ArtifactID
}

// ParseArtifact parses one descriptor line.
//
// # Description
//
// Accepts group:artifact:type:version, group:artifact:type:version:scope and
// group:artifact:type:classifier:version:scope, optionally followed by
// "=<path>" naming the resolved file.
//
// # Outputs
//
//   - Artifact: The parsed artifact.
//   - error: Non-nil if the coordinate count is not 4, 5 or 6.
func ParseArtifact(line string) (Artifact, error) {
	line = strings.TrimSpace(line)
	var path string
	if i := strings.Index(line, "="); i >= 0 {
		path = strings.TrimSpace(line[i+1:])
		line = strings.TrimSpace(line[:i])
	}

	parts := strings.Split(line, ":")
	a := Artifact{Path: path}
	switch len(parts) {
	case 4:
		a.GroupID, a.ArtifactID, a.Type, a.Version = parts[0], parts[1], parts[2], parts[3]
	case 5:
		a.GroupID, a.ArtifactID, a.Type, a.Version, a.Scope = parts[0], parts[1], parts[2], parts[3], parts[4]
	case 6:
		a.GroupID, a.ArtifactID, a.Type, a.Classifier, a.Version, a.Scope = parts[0], parts[1], parts[2], parts[3], parts[4], parts[5]
	default:
		return Artifact{}, fmt.Errorf("%w: %q", ErrInvalidArtifact, line)
	}
	for _, p := range parts {
		if p == "" {
			return Artifact{}, fmt.Errorf("%w: empty coordinate in %q", ErrInvalidArtifact, line)
		}
	}
	return a, nil
}

// ParseArtifacts parses newline-separated descriptors, skipping blank lines
// and lines starting with '#'. Order is preserved.
func ParseArtifacts(text string) ([]Artifact, error) {
	var out []Artifact
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, err := ParseArtifact(line)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ReactorDeps returns the sorted, de-duplicated paths of artifacts that
// match any pattern and have a resolved path. The result is a subset of the
// artifacts' paths by construction.
func ReactorDeps(artifacts []Artifact, patterns []Pattern) []string {
	seen := make(map[string]struct{})
	for _, a := range artifacts {
		if a.Path == "" || !MatchAny(patterns, a) {
			continue
		}
		seen[a.Path] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
