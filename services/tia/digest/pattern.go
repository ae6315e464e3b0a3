// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package digest

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidArtifact indicates a malformed artifact descriptor.
var ErrInvalidArtifact = errors.New("invalid artifact descriptor")

// ErrInvalidPattern indicates a malformed group:artifact pattern.
var ErrInvalidPattern = errors.New("invalid artifact pattern")

// Pattern matches artifacts by group and artifact id. Either part may use
// '*' and '?' wildcards.
type Pattern struct {
	Group    string
	Artifact string
}

// String renders group:artifact.
func (p Pattern) String() string {
	return p.Group + ":" + p.Artifact
}

// Matches reports whether the artifact's group and id match the pattern.
func (p Pattern) Matches(a Artifact) bool {
	return globMatch(p.Group, a.GroupID) && globMatch(p.Artifact, a.ArtifactID)
}

// ParsePattern parses "group:artifact". A bare "group" means "group:*".
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Pattern{}, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return Pattern{Group: parts[0], Artifact: "*"}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Pattern{}, fmt.Errorf("%w: %q", ErrInvalidPattern, s)
		}
		return Pattern{Group: parts[0], Artifact: parts[1]}, nil
	default:
		return Pattern{}, fmt.Errorf("%w: %q", ErrInvalidPattern, s)
	}
}

// ParsePatterns parses every entry, failing on the first malformed one.
func ParsePatterns(specs []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(specs))
	for _, s := range specs {
		p, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// MatchAny reports whether any pattern matches the artifact.
func MatchAny(patterns []Pattern, a Artifact) bool {
	for _, p := range patterns {
		if p.Matches(a) {
			return true
		}
	}
	return false
}

// DefaultPatterns returns the "<group>:*" pattern used when no artifact
// patterns are configured.
func DefaultPatterns(group string) []Pattern {
	return []Pattern{{Group: group, Artifact: "*"}}
}

// globMatch matches '*' and '?' wildcards. Coordinates never contain '/',
// so path.Match semantics are exact here.
func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}
