// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
)

// PayloadVersion is the note format written by this package.
const PayloadVersion = 1

// Record is the impact data of one project for one digest at one commit.
//
// Tests maps a test identifier to the entities it exercised. Fingerprints
// maps each of those entities to its fingerprint at write time.
type Record struct {
	Project      string
	Digest       digest.Digest
	Commit       string
	Tests        map[string][]string
	Fingerprints map[string]string
}

// Normalize sorts and de-duplicates every entity list in place and drops
// fingerprints of entities no test references.
func (r *Record) Normalize() {
	if r.Tests == nil {
		r.Tests = map[string][]string{}
	}
	for test, entities := range r.Tests {
		r.Tests[test] = sortedUnique(entities)
	}
	if r.Fingerprints == nil {
		r.Fingerprints = map[string]string{}
		return
	}
	used := make(map[string]struct{}, len(r.Fingerprints))
	for _, entities := range r.Tests {
		for _, e := range entities {
			used[e] = struct{}{}
		}
	}
	for e := range r.Fingerprints {
		if _, ok := used[e]; !ok {
			delete(r.Fingerprints, e)
		}
	}
}

// Entities returns every entity referenced by any test, sorted.
func (r *Record) Entities() []string {
	var all []string
	for _, entities := range r.Tests {
		all = append(all, entities...)
	}
	return sortedUnique(all)
}

// TestNames returns the recorded tests, sorted.
func (r *Record) TestNames() []string {
	names := make([]string, 0, len(r.Tests))
	for name := range r.Tests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// payload is the JSON document attached to a commit. encoding/json writes
// map keys sorted, so identical content always hashes to the same blob.
type payload struct {
	Version int             `json:"version"`
	Project string          `json:"project"`
	Records map[string]slot `json:"records"`
}

type slot struct {
	Tests        map[string][]string `json:"tests"`
	Fingerprints map[string]string   `json:"fingerprints,omitempty"`
}

func newPayload(project string) *payload {
	return &payload{Version: PayloadVersion, Project: project, Records: map[string]slot{}}
}

func decodePayload(data []byte) (*payload, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode note payload: %w", err)
	}
	if p.Version != PayloadVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.Version)
	}
	if p.Records == nil {
		p.Records = map[string]slot{}
	}
	return &p, nil
}

func (p *payload) encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode note payload: %w", err)
	}
	return data, nil
}

// record materialises the slot for d, or returns nil if absent.
func (p *payload) record(d digest.Digest, commit string) *Record {
	s, ok := p.Records[string(d)]
	if !ok {
		return nil
	}
	rec := &Record{
		Project:      p.Project,
		Digest:       d,
		Commit:       commit,
		Tests:        make(map[string][]string, len(s.Tests)),
		Fingerprints: make(map[string]string, len(s.Fingerprints)),
	}
	for test, entities := range s.Tests {
		rec.Tests[test] = append([]string{}, entities...)
	}
	for e, fp := range s.Fingerprints {
		rec.Fingerprints[e] = fp
	}
	rec.Normalize()
	return rec
}

func (p *payload) put(d digest.Digest, rec *Record) {
	p.Records[string(d)] = slot{Tests: rec.Tests, Fingerprints: rec.Fingerprints}
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
