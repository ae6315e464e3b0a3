// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server coordinates impact data for all test processes of a build.
//
// # Description
//
// One Service exists per repository root. Test processes (through the
// client package) ask it which tests may be skipped, report the entities
// each executed test exercised, and finally ask it to write the
// accumulated report to the git-backed store.
//
// The Service is exposed over HTTP/JSON by Server and shared between
// servers by Registry.
//
// # Thread Safety
//
// All types are safe for concurrent use. Each project has its own mutex;
// operations on different projects never contend.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianTIA/pkg/logging"
	"github.com/AleutianAI/AleutianTIA/pkg/telemetry"
	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
	"github.com/AleutianAI/AleutianTIA/services/tia/fingerprint"
	"github.com/AleutianAI/AleutianTIA/services/tia/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Forwarded client log lines are rate limited per project so a chatty test
// process cannot flood the build log.
const (
	logRate  = rate.Limit(100)
	logBurst = 500
)

// sharedLookupTimeout bounds a deduplicated lookup, which runs detached
// from any single caller's cancellation.
const sharedLookupTimeout = 2 * time.Minute

// ImpactStore is the persistence the Service needs. *store.Store
// implements it.
type ImpactStore interface {
	Lookup(ctx context.Context, project string, d digest.Digest) (*store.Record, bool, error)
	Store(ctx context.Context, project string, d digest.Digest, rec *store.Record) error
}

// Service implements the impact operations.
type Service struct {
	store  ImpactStore
	fp     *fingerprint.Fingerprinter
	logger *logging.Logger

	projectsMu sync.Mutex
	projects   map[string]*projectState

	flight   singleflight.Group
	inFlight atomic.Int64
	pending  atomic.Int64
}

// projectState is the per-build state of one project.
type projectState struct {
	mu sync.Mutex

	// pending holds reports since the last write, last write wins per test.
	pending map[string][]string

	// carry holds, per digest, the tests this build disabled together with
	// their recorded entities. They are written back with the next report
	// so that skipping a test does not drop it from the store.
	carry map[digest.Digest]map[string][]string

	logLimiter *rate.Limiter
}

// NewService creates a Service.
//
// # Inputs
//
//   - st: The impact store. Must not be nil.
//   - fp: Fingerprinter shared by all projects. Must not be nil.
//   - logger: Server logger. Nil uses logging.Nop().
func NewService(st ImpactStore, fp *fingerprint.Fingerprinter, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		store:    st,
		fp:       fp,
		logger:   logger,
		projects: make(map[string]*projectState),
	}
}

func (s *Service) project(id string) *projectState {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		p = &projectState{
			pending:    make(map[string][]string),
			carry:      make(map[digest.Digest]map[string][]string),
			logLimiter: rate.NewLimiter(logRate, logBurst),
		}
		s.projects[id] = p
	}
	return p
}

// begin marks an operation in flight and starts its span.
func (s *Service) begin(ctx context.Context, op, project string) (context.Context, trace.Span, func()) {
	s.inFlight.Add(1)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Service."+op,
		trace.WithAttributes(attribute.String("tia.project", project)))
	return ctx, span, func() {
		span.End()
		s.inFlight.Add(-1)
	}
}

// disabledResult is shared between deduplicated queries.
type disabledResult struct {
	tests []string
	carry map[string][]string
}

// DisabledTests returns the tests of q.Project that may be skipped.
//
// # Description
//
// With Force set the answer is empty. Otherwise the record valid at HEAD
// for (project, digest) is looked up; on a miss the answer is empty. A
// recorded test is skippable when every entity it exercised still has the
// fingerprint recorded for it. Entities found in no local root are
// external and are covered by the digest match.
//
// Identical concurrent queries share one lookup.
//
// # Outputs
//
//   - []string: Skippable tests, sorted. Never nil.
//   - error: Invalid input or store failure.
func (s *Service) DisabledTests(ctx context.Context, q Query) (tests []string, err error) {
	start := time.Now()
	ctx, span, done := s.begin(ctx, "DisabledTests", q.Project)
	defer func() {
		telemetry.RecordError(span, err)
		recordOp(ctx, "disabled_tests", start, err)
		done()
	}()

	if q.Project == "" {
		return nil, store.ErrInvalidProject
	}
	if !digest.Valid(string(q.Digest)) {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidDigest, q.Digest)
	}
	q.Digest = digest.Normalize(string(q.Digest))

	p := s.project(q.Project)
	if q.Force {
		s.logger.Warn("Force is set, no test will be skipped", "project", q.Project)
		p.mu.Lock()
		delete(p.carry, q.Digest)
		p.mu.Unlock()
		lookupsTotal.WithLabelValues("forced").Inc()
		return []string{}, nil
	}

	key := strings.Join([]string{
		q.Project, string(q.Digest),
		strings.Join(q.ClassRoots, ";"),
		strings.Join(q.ReactorDeps, ";"),
	}, "|")
	ch := s.flight.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()
		return s.computeDisabled(lctx, q)
	})
	var shared singleflight.Result
	select {
	case shared = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if shared.Err != nil {
		return nil, shared.Err
	}
	res := shared.Val.(*disabledResult)

	p.mu.Lock()
	if len(res.carry) == 0 {
		delete(p.carry, q.Digest)
	} else {
		carry := make(map[string][]string, len(res.carry))
		for test, entities := range res.carry {
			carry[test] = entities
		}
		p.carry[q.Digest] = carry
	}
	p.mu.Unlock()

	s.logger.Info("Computed disabled tests",
		"project", q.Project, "digest", string(q.Digest), "disabled", len(res.tests))
	return append([]string{}, res.tests...), nil
}

func (s *Service) computeDisabled(ctx context.Context, q Query) (*disabledResult, error) {
	rec, ok, err := s.store.Lookup(ctx, q.Project, q.Digest)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %w", ErrStoreFailed, q.Project, err)
	}
	if !ok {
		lookupsTotal.WithLabelValues("miss").Inc()
		return &disabledResult{tests: []string{}}, nil
	}

	current, err := s.fp.FingerprintAll(ctx, roots(q.ClassRoots, q.ReactorDeps), rec.Entities())
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", q.Project, err)
	}

	res := &disabledResult{tests: []string{}, carry: map[string][]string{}}
	for _, test := range rec.TestNames() {
		entities := rec.Tests[test]
		if unchanged(entities, rec.Fingerprints, current) {
			res.tests = append(res.tests, test)
			res.carry[test] = entities
		}
	}
	lookupsTotal.WithLabelValues("hit").Inc()
	disabledTestsTotal.Add(float64(len(res.tests)))
	return res, nil
}

// unchanged reports whether every entity keeps its recorded fingerprint.
func unchanged(entities []string, recorded, current map[string]string) bool {
	for _, e := range entities {
		was, ok := recorded[e]
		if !ok || was != current[e] {
			return false
		}
	}
	return true
}

// AddReport records the entities exercised by one executed test. A later
// report for the same test replaces the earlier one.
func (s *Service) AddReport(ctx context.Context, project, test string, entities []string) (err error) {
	start := time.Now()
	ctx, span, done := s.begin(ctx, "AddReport", project)
	defer func() {
		telemetry.RecordError(span, err)
		recordOp(ctx, "add_report", start, err)
		done()
	}()

	if project == "" {
		return store.ErrInvalidProject
	}
	if test == "" {
		return ErrEmptyTest
	}

	p := s.project(project)
	p.mu.Lock()
	if _, ok := p.pending[test]; !ok {
		s.pending.Add(1)
	}
	p.pending[test] = append([]string{}, entities...)
	p.mu.Unlock()

	reportsTotal.Inc()
	s.logger.Debug("Report added", "project", project, "test", test, "entities", len(entities))
	return nil
}

// WriteReport writes a project's accumulated reports to the store.
//
// # Description
//
// The written record holds the tests reported since the last write plus
// the tests this build disabled for the same digest, with fingerprints
// computed now. On success the accumulation is cleared. With nothing
// reported it does nothing and returns 0.
//
// # Outputs
//
//   - int: Number of tests written.
//   - error: store.ErrConflict if a concurrent writer won, or another
//     store or fingerprint failure. The accumulation is kept on error.
func (s *Service) WriteReport(ctx context.Context, req WriteRequest) (written int, err error) {
	start := time.Now()
	ctx, span, done := s.begin(ctx, "WriteReport", req.Project)
	defer func() {
		telemetry.RecordError(span, err)
		recordOp(ctx, "write_report", start, err)
		done()
	}()

	if req.Project == "" {
		return 0, store.ErrInvalidProject
	}
	if !digest.Valid(string(req.Digest)) {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidDigest, req.Digest)
	}
	req.Digest = digest.Normalize(string(req.Digest))

	p := s.project(req.Project)
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return 0, nil
	}

	tests := make(map[string][]string, len(p.pending)+len(p.carry[req.Digest]))
	for test, entities := range p.carry[req.Digest] {
		tests[test] = entities
	}
	for test, entities := range p.pending {
		tests[test] = entities
	}
	rec := &store.Record{Project: req.Project, Digest: req.Digest, Tests: tests}
	rec.Normalize()

	fps, err := s.fp.FingerprintAll(ctx, roots(req.ClassRoots, req.ReactorDeps), rec.Entities())
	if err != nil {
		return 0, fmt.Errorf("fingerprint %s: %w", req.Project, err)
	}
	rec.Fingerprints = fps

	if err := s.store.Store(ctx, req.Project, req.Digest, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			storeConflictsTotal.Inc()
			s.logger.Warn("Impact report not written: concurrent writer",
				"project", req.Project, "error", err)
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	s.pending.Add(-int64(len(p.pending)))
	p.pending = make(map[string][]string)
	delete(p.carry, req.Digest)

	testsWrittenTotal.Add(float64(len(tests)))
	s.logger.Info("Impact report written",
		"project", req.Project, "digest", string(req.Digest), "tests", len(tests))
	return len(tests), nil
}

// Log forwards a client message to the server log. It never fails; lines
// over the per-project rate are dropped and counted.
func (s *Service) Log(ctx context.Context, project, level, message string) {
	_, _, done := s.begin(ctx, "Log", project)
	defer done()
	if !s.project(project).logLimiter.Allow() {
		logLinesDroppedTotal.Inc()
		return
	}
	s.logger.LogAt(logging.ParseLevel(level), message, "project", project, "source", "client")
}

// ResetCarryOver forgets which tests were disabled. Called when HEAD moves,
// since those decisions were made against the old commit.
func (s *Service) ResetCarryOver() {
	s.projectsMu.Lock()
	projects := make([]*projectState, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, p)
	}
	s.projectsMu.Unlock()

	for _, p := range projects {
		p.mu.Lock()
		p.carry = make(map[digest.Digest]map[string][]string)
		p.mu.Unlock()
	}
}

// State reports whether the server is idle. It takes no project lock, so
// it answers even while a write is in progress.
func (s *Service) State() StateResponse {
	pending := int(s.pending.Load())
	inFlight := s.inFlight.Load()
	state := StateIdle
	if inFlight > 0 || pending > 0 {
		state = StateActive
	}
	return StateResponse{State: state, InFlight: inFlight, PendingTests: pending}
}

// roots orders fingerprint roots: the project's classes first, then the
// reactor dependencies sorted for a stable search order.
func roots(classRoots, reactorDeps []string) []string {
	deps := append([]string{}, reactorDeps...)
	sort.Strings(deps)
	out := make([]string, 0, len(classRoots)+len(deps))
	out = append(out, classRoots...)
	return append(out, deps...)
}
