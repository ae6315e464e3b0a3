// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTIA/pkg/logging"
	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
	"github.com/AleutianAI/AleutianTIA/services/tia/fingerprint"
	"github.com/AleutianAI/AleutianTIA/services/tia/git"
	"github.com/AleutianAI/AleutianTIA/services/tia/git/gittest"
	"github.com/AleutianAI/AleutianTIA/services/tia/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	digestX = digest.Compute("org.acme:lib:jar:1.0:compile")
	digestY = digest.Compute("org.acme:lib:jar:2.0:compile")
)

// fixture is a service over a real temporary repository with one class
// output directory.
type fixture struct {
	svc     *Service
	store   *store.Store
	repo    *gittest.Repo
	classes string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tr := gittest.New(t)
	tr.Commit("initial")
	repo, err := git.Open(context.Background(), tr.Root)
	require.NoError(t, err)
	st := store.New(repo, store.Options{})
	fp, err := fingerprint.New(64)
	require.NoError(t, err)

	classes := filepath.Join(tr.Root, "target", "classes")
	require.NoError(t, os.MkdirAll(classes, 0o755))
	return &fixture{
		svc:     NewService(st, fp, nil),
		store:   st,
		repo:    tr,
		classes: classes,
	}
}

func (f *fixture) writeClass(t *testing.T, entity, content string) {
	t.Helper()
	path := filepath.Join(f.classes, filepath.FromSlash(fingerprint.EntityPath(entity)))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	// Push mtime forward so the fingerprint cache sees the change even on
	// coarse-grained filesystems.
	future := time.Now().Add(time.Duration(len(content)) * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}

func (f *fixture) query(project string, d digest.Digest) Query {
	return Query{Project: project, Digest: d, ClassRoots: []string{f.classes}}
}

func (f *fixture) write(project string, d digest.Digest) WriteRequest {
	return WriteRequest{Project: project, Digest: d, ClassRoots: []string{f.classes}}
}

func TestScenario_SameDigestSkipsDifferentDigestRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeClass(t, "org.acme.Calc", "v1")

	require.NoError(t, f.svc.AddReport(ctx, "A", "t1", []string{"org.acme.Calc", "java.lang.String"}))
	n, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	disabled, err := f.svc.DisabledTests(ctx, f.query("A", digestX))
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, disabled)

	disabled, err = f.svc.DisabledTests(ctx, f.query("A", digestY))
	require.NoError(t, err)
	assert.Empty(t, disabled)
	assert.NotNil(t, disabled)
}

func TestDisabledTests_ChangedEntityRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeClass(t, "org.acme.Calc", "v1")
	f.writeClass(t, "org.acme.Other", "v1")

	require.NoError(t, f.svc.AddReport(ctx, "A", "calcTest", []string{"org.acme.Calc"}))
	require.NoError(t, f.svc.AddReport(ctx, "A", "otherTest", []string{"org.acme.Other"}))
	_, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)

	f.writeClass(t, "org.acme.Calc", "version two")

	disabled, err := f.svc.DisabledTests(ctx, f.query("A", digestX))
	require.NoError(t, err)
	assert.Equal(t, []string{"otherTest"}, disabled)
}

func TestDisabledTests_RemovedEntityRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeClass(t, "org.acme.Gone", "v1")

	require.NoError(t, f.svc.AddReport(ctx, "A", "t1", []string{"org.acme.Gone"}))
	_, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.classes, "org", "acme", "Gone.class")))

	disabled, err := f.svc.DisabledTests(ctx, f.query("A", digestX))
	require.NoError(t, err)
	assert.Empty(t, disabled, "a local class turning external counts as a change")
}

func TestDisabledTests_Force(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeClass(t, "a.B", "v1")
	require.NoError(t, f.svc.AddReport(ctx, "A", "t1", []string{"a.B"}))
	_, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)

	q := f.query("A", digestX)
	q.Force = true
	disabled, err := f.svc.DisabledTests(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, disabled)
}

func TestDisabledTests_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.DisabledTests(ctx, Query{Digest: digestX})
	assert.ErrorIs(t, err, store.ErrInvalidProject)

	_, err = f.svc.DisabledTests(ctx, Query{Project: "A", Digest: "xyz"})
	assert.ErrorIs(t, err, store.ErrInvalidDigest)
}

func TestAddReport_LastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.AddReport(ctx, "A", "t1", []string{"a.First"}))
	require.NoError(t, f.svc.AddReport(ctx, "A", "t1", []string{"a.Second"}))
	n, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, ok, err := f.store.Lookup(ctx, "A", digestX)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string][]string{"t1": {"a.Second"}}, rec.Tests)
}

func TestAddReport_InvalidInput(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.AddReport(context.Background(), "", "t", nil), store.ErrInvalidProject)
	assert.ErrorIs(t, f.svc.AddReport(context.Background(), "A", "", nil), ErrEmptyTest)
}

func TestWriteReport_NothingReportedIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok, err := f.store.Lookup(ctx, "A", digestX)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteReport_ClearsAccumulation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.AddReport(ctx, "A", "t1", nil))
	n, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StateIdle, f.svc.State().State)
}

func TestWriteReport_CarriesOverDisabledTests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeClass(t, "a.Stable", "v1")
	f.writeClass(t, "a.Hot", "v1")

	require.NoError(t, f.svc.AddReport(ctx, "A", "stableTest", []string{"a.Stable"}))
	require.NoError(t, f.svc.AddReport(ctx, "A", "hotTest", []string{"a.Hot"}))
	_, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)

	// Next build at a new commit: Hot changed, Stable is skipped.
	f.repo.Commit("change hot")
	f.writeClass(t, "a.Hot", "version two")
	disabled, err := f.svc.DisabledTests(ctx, f.query("A", digestX))
	require.NoError(t, err)
	require.Equal(t, []string{"stableTest"}, disabled)

	require.NoError(t, f.svc.AddReport(ctx, "A", "hotTest", []string{"a.Hot"}))
	n, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, ok, err := f.store.Lookup(ctx, "A", digestX)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.repo.Head(), rec.Commit)
	assert.Equal(t, []string{"hotTest", "stableTest"}, rec.TestNames())

	// Both tests are skippable again at the new commit.
	disabled, err = f.svc.DisabledTests(ctx, f.query("A", digestX))
	require.NoError(t, err)
	assert.Equal(t, []string{"hotTest", "stableTest"}, disabled)
}

func TestResetCarryOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeClass(t, "a.Stable", "v1")

	require.NoError(t, f.svc.AddReport(ctx, "A", "stableTest", []string{"a.Stable"}))
	_, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)

	_, err = f.svc.DisabledTests(ctx, f.query("A", digestX))
	require.NoError(t, err)
	f.svc.ResetCarryOver()

	f.repo.Commit("next")
	require.NoError(t, f.svc.AddReport(ctx, "A", "newTest", nil))
	n, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// conflictStore fails every write with store.ErrConflict.
type conflictStore struct{}

func (conflictStore) Lookup(context.Context, string, digest.Digest) (*store.Record, bool, error) {
	return nil, false, nil
}

func (conflictStore) Store(_ context.Context, project string, _ digest.Digest, _ *store.Record) error {
	return fmt.Errorf("%w: %s", store.ErrConflict, project)
}

// brokenStore fails every operation with a plain error.
type brokenStore struct{}

func (brokenStore) Lookup(context.Context, string, digest.Digest) (*store.Record, bool, error) {
	return nil, false, fmt.Errorf("git exploded")
}

func (brokenStore) Store(context.Context, string, digest.Digest, *store.Record) error {
	return fmt.Errorf("git exploded")
}

func TestWriteReport_ConflictSurfacesAndKeepsReports(t *testing.T) {
	fp, err := fingerprint.New(8)
	require.NoError(t, err)
	svc := NewService(conflictStore{}, fp, nil)
	ctx := context.Background()

	require.NoError(t, svc.AddReport(ctx, "A", "t1", nil))
	_, err = svc.WriteReport(ctx, WriteRequest{Project: "A", Digest: digestX})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NotErrorIs(t, err, ErrStoreFailed)
	assert.Equal(t, 1, svc.State().PendingTests)
}

func TestStoreFailuresAreWrapped(t *testing.T) {
	fp, err := fingerprint.New(8)
	require.NoError(t, err)
	svc := NewService(brokenStore{}, fp, nil)
	ctx := context.Background()

	_, err = svc.DisabledTests(ctx, Query{Project: "A", Digest: digestX})
	assert.ErrorIs(t, err, ErrStoreFailed)

	require.NoError(t, svc.AddReport(ctx, "A", "t1", nil))
	_, err = svc.WriteReport(ctx, WriteRequest{Project: "A", Digest: digestX})
	assert.ErrorIs(t, err, ErrStoreFailed)
}

func TestConcurrentProjectsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const projects, tests = 6, 40

	var wg sync.WaitGroup
	for p := 0; p < projects; p++ {
		for i := 0; i < tests; i++ {
			wg.Add(1)
			go func(p, i int) {
				defer wg.Done()
				project := fmt.Sprintf("g:p%d", p)
				test := fmt.Sprintf("t%02d", i)
				assert.NoError(t, f.svc.AddReport(ctx, project, test, []string{"x.Y" + project}))
			}(p, i)
		}
	}
	wg.Wait()
	assert.Equal(t, projects*tests, f.svc.State().PendingTests)
	assert.Equal(t, StateActive, f.svc.State().State)

	errs := make(chan error, projects)
	for p := 0; p < projects; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			n, err := f.svc.WriteReport(ctx, f.write(fmt.Sprintf("g:p%d", p), digestX))
			if err == nil && n != tests {
				err = fmt.Errorf("project %d wrote %d tests", p, n)
			}
			errs <- err
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for p := 0; p < projects; p++ {
		project := fmt.Sprintf("g:p%d", p)
		rec, ok, err := f.store.Lookup(ctx, project, digestX)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, rec.Tests, tests)
		for _, entities := range rec.Tests {
			assert.Equal(t, []string{"x.Y" + project}, entities, "reports must not leak across projects")
		}
	}
	assert.Equal(t, StateIdle, f.svc.State().State)
}

func TestDisabledTests_ConcurrentQueriesAgree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeClass(t, "a.B", "v1")
	require.NoError(t, f.svc.AddReport(ctx, "A", "t1", []string{"a.B"}))
	_, err := f.svc.WriteReport(ctx, f.write("A", digestX))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.DisabledTests(ctx, f.query("A", digestX))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()
	for _, res := range results {
		assert.Equal(t, []string{"t1"}, res)
	}
}

func TestLog_ForwardsWithProject(t *testing.T) {
	exporter := logging.NewBufferedExporter()
	var out strings.Builder
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Writer: &out, Exporter: exporter})
	fp, err := fingerprint.New(8)
	require.NoError(t, err)
	svc := NewService(conflictStore{}, fp, logger)

	svc.Log(context.Background(), "A", "warning", "flaky test detected")
	svc.Log(context.Background(), "", "nonsense", "")

	require.Eventually(t, func() bool { return len(exporter.Entries()) == 2 }, time.Second, 10*time.Millisecond)
	var found bool
	for _, e := range exporter.Entries() {
		if e.Message == "flaky test detected" {
			found = true
			assert.Equal(t, logging.LevelWarn, e.Level)
			assert.Equal(t, "A", e.Attrs["project"])
			assert.Equal(t, "client", e.Attrs["source"])
		}
	}
	assert.True(t, found)
}

func TestLog_RateLimitedPerProject(t *testing.T) {
	var out strings.Builder
	logger := logging.New(logging.Config{Writer: &out})
	fp, err := fingerprint.New(8)
	require.NoError(t, err)
	svc := NewService(conflictStore{}, fp, logger)
	ctx := context.Background()

	for i := 0; i < logBurst+100; i++ {
		svc.Log(ctx, "A", "info", "chatty")
	}
	svc.Log(ctx, "B", "info", "quiet")

	chatty := strings.Count(out.String(), "chatty")
	assert.GreaterOrEqual(t, chatty, logBurst)
	assert.Less(t, chatty, logBurst+100, "lines over the burst are dropped")
	assert.Equal(t, 1, strings.Count(out.String(), "quiet"), "other projects keep their own budget")
}

func TestDigestCaseSelectsOneSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeClass(t, "a.Calc", "v1")
	lower := digest.Digest(strings.ToLower(string(digestX)))

	require.NoError(t, f.svc.AddReport(ctx, "A", "t1", []string{"a.Calc"}))
	n, err := f.svc.WriteReport(ctx, f.write("A", lower))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	disabled, err := f.svc.DisabledTests(ctx, f.query("A", digestX))
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, disabled)

	rec, ok, err := f.store.Lookup(ctx, "A", digestX)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, digestX, rec.Digest)
}

// gatedStore blocks lookups until released and fails them if their
// context was cancelled meanwhile.
type gatedStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Lookup(ctx context.Context, project string, d digest.Digest) (*store.Record, bool, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return &store.Record{Project: project, Digest: d, Tests: map[string][]string{"t1": {}}}, true, nil
}

func (g *gatedStore) Store(context.Context, string, digest.Digest, *store.Record) error {
	return nil
}

func TestDisabledTests_CancelledCallerDoesNotFailOthers(t *testing.T) {
	fp, err := fingerprint.New(8)
	require.NoError(t, err)
	gs := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(gs, fp, nil)
	q := Query{Project: "A", Digest: digestX}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.DisabledTests(first, q)
		firstErr <- err
	}()
	<-gs.entered

	type answer struct {
		tests []string
		err   error
	}
	second := make(chan answer, 1)
	go func() {
		tests, err := svc.DisabledTests(context.Background(), q)
		second <- answer{tests, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	time.Sleep(50 * time.Millisecond)
	close(gs.release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, []string{"t1"}, got.tests)
}

func TestWriteReport_PomReactorDepIsNotARoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeClass(t, "a.Calc", "v1")
	pom := filepath.Join(t.TempDir(), "parent-1.0.pom")
	require.NoError(t, os.WriteFile(pom, []byte("<project/>"), 0o644))

	req := f.write("A", digestX)
	req.ReactorDeps = []string{pom}
	require.NoError(t, f.svc.AddReport(ctx, "A", "t1", []string{"a.Calc", "java.lang.String"}))
	n, err := f.svc.WriteReport(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	q := f.query("A", digestX)
	q.ReactorDeps = []string{pom}
	disabled, err := f.svc.DisabledTests(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, disabled)
}
