// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTIA/pkg/logging"
	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
	"github.com/AleutianAI/AleutianTIA/services/tia/fingerprint"
	"github.com/AleutianAI/AleutianTIA/services/tia/git"
	"github.com/AleutianAI/AleutianTIA/services/tia/git/gittest"
	"github.com/AleutianAI/AleutianTIA/services/tia/server"
	"github.com/AleutianAI/AleutianTIA/services/tia/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	digestX = digest.Compute("org.acme:lib:jar:1.0:compile")
	digestY = digest.Compute("org.acme:lib:jar:2.0:compile")
)

// newServer serves a real service over a temporary repository and returns
// its class output directory.
func newServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	tr := gittest.New(t)
	tr.Commit("initial")
	repo, err := git.Open(context.Background(), tr.Root)
	require.NoError(t, err)
	fp, err := fingerprint.New(64)
	require.NoError(t, err)

	classes := filepath.Join(tr.Root, "target", "classes")
	calc := filepath.Join(classes, "org", "acme", "Calc.class")
	require.NoError(t, os.MkdirAll(filepath.Dir(calc), 0o755))
	require.NoError(t, os.WriteFile(calc, []byte("v1"), 0o644))

	svc := server.NewService(store.New(repo, store.Options{}), fp, nil)
	ts := httptest.NewServer(server.NewRouter(svc))
	t.Cleanup(ts.Close)
	return ts, classes
}

func TestClient_FullCycle(t *testing.T) {
	ts, classes := newServer(t)
	ctx := context.Background()
	c := New(ts.URL)

	q := server.Query{Project: "A", Digest: digestX, ClassRoots: []string{classes}}
	assert.Equal(t, []string{}, c.DisabledTests(ctx, q))

	c.AddReport(ctx, "A", "t1", []string{"org.acme.Calc"})
	c.Log(ctx, "A", "info", "t1 done")

	n, err := c.WriteReport(ctx, server.WriteRequest{Project: "A", Digest: digestX, ClassRoots: []string{classes}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []string{"t1"}, c.DisabledTests(ctx, q))

	q.Digest = digestY
	assert.Equal(t, []string{}, c.DisabledTests(ctx, q))

	q.Digest = digestX
	q.Force = true
	assert.Equal(t, []string{}, c.DisabledTests(ctx, q))
	assert.False(t, c.Broken())
}

func TestClient_HealthAndState(t *testing.T) {
	ts, _ := newServer(t)
	ctx := context.Background()
	c := New(strings.TrimPrefix(ts.URL, "http://"))

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)

	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, server.StateIdle, state.State)

	c.AddReport(ctx, "A", "t1", nil)
	state, err = c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, server.StateActive, state.State)
	assert.Equal(t, 1, state.PendingTests)
}

func TestClient_DegradesWhenServerGone(t *testing.T) {
	ts, classes := newServer(t)
	ts.Close()

	var out bytes.Buffer
	logger := logging.New(logging.Config{Writer: &out})
	c := New(ts.URL, WithLogger(logger))
	ctx := context.Background()

	q := server.Query{Project: "A", Digest: digestX, ClassRoots: []string{classes}}
	assert.Equal(t, []string{}, c.DisabledTests(ctx, q))
	assert.True(t, c.Broken())

	c.AddReport(ctx, "A", "t1", []string{"org.acme.Calc"})
	c.Log(ctx, "A", "warn", "ignored")
	n, err := c.WriteReport(ctx, server.WriteRequest{Project: "A", Digest: digestX})
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{}, c.DisabledTests(ctx, q))

	assert.Equal(t, 1, strings.Count(out.String(), "Impact server unreachable"))
}

func TestClient_BrokenStaysBroken(t *testing.T) {
	ts, classes := newServer(t)
	addr := ts.URL
	ts.Close()

	c := New(addr)
	ctx := context.Background()
	c.AddReport(ctx, "A", "t1", nil)
	require.True(t, c.Broken())

	// A server coming back at another address is never reconnected to, and
	// the broken flag short-circuits before any request is made.
	live, _ := newServer(t)
	c.baseURL = live.URL
	assert.Equal(t, []string{}, c.DisabledTests(ctx, server.Query{
		Project: "A", Digest: digestX, ClassRoots: []string{classes},
	}))
	state, err := New(live.URL).State(ctx)
	require.NoError(t, err)
	assert.Zero(t, state.PendingTests)
}

type conflictStore struct{}

func (conflictStore) Lookup(context.Context, string, digest.Digest) (*store.Record, bool, error) {
	return nil, false, nil
}

func (conflictStore) Store(_ context.Context, project string, _ digest.Digest, _ *store.Record) error {
	return fmt.Errorf("%w: %s", store.ErrConflict, project)
}

func TestClient_WriteConflictSurfaces(t *testing.T) {
	fp, err := fingerprint.New(8)
	require.NoError(t, err)
	ts := httptest.NewServer(server.NewRouter(server.NewService(conflictStore{}, fp, nil)))
	defer ts.Close()
	ctx := context.Background()
	c := New(ts.URL)

	c.AddReport(ctx, "A", "t1", nil)
	_, err = c.WriteReport(ctx, server.WriteRequest{Project: "A", Digest: digestX})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.False(t, c.Broken(), "a conflict is not a transport failure")
}

func TestClient_ServerErrorIsNotTransport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom","code":"STORE_FAILED"}`))
	}))
	defer ts.Close()
	ctx := context.Background()
	c := New(ts.URL)

	assert.Equal(t, []string{}, c.DisabledTests(ctx, server.Query{Project: "A", Digest: digestX}))
	_, err := c.WriteReport(ctx, server.WriteRequest{Project: "A", Digest: digestX})
	assert.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, c.Broken())
}

func TestClient_NilContext(t *testing.T) {
	c := New("127.0.0.1:1")
	//nolint:staticcheck // nil context is the case under test
	_, err := c.WriteReport(nil, server.WriteRequest{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestFromOptions(t *testing.T) {
	ts, _ := newServer(t)
	port := ts.Listener.Addr().(*net.TCPAddr).Port

	o, err := ParseAgentOptions(fmt.Sprintf("digest=%s,force=false,port=%d,project=A", digestX, port))
	require.NoError(t, err)
	health, err := FromOptions(o).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, server.ServiceVersion, health.Version)
}

func TestClient_WatchStreamsStateChanges(t *testing.T) {
	ts, _ := newServer(t)
	c := New(ts.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := make(chan server.StateResponse, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(s server.StateResponse) { states <- s })
	}()

	first := <-states
	assert.Equal(t, server.StateIdle, first.State)

	c.AddReport(context.Background(), "A", "t1", nil)
	require.Eventually(t, func() bool {
		select {
		case s := <-states:
			return s.State == server.StateActive && s.PendingTests == 1
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestClient_WatchUnavailable(t *testing.T) {
	ts, _ := newServer(t)
	ts.Close()
	err := New(ts.URL).Watch(context.Background(), func(server.StateResponse) {})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, New(ts.URL).Broken())
}

func TestClient_CheckCompatible(t *testing.T) {
	ts, _ := newServer(t)
	health, err := New(ts.URL).CheckCompatible(context.Background())
	require.NoError(t, err)
	assert.Equal(t, server.ServiceVersion, health.Version)

	old := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","version":"0.9.2"}`))
	}))
	defer old.Close()
	health, err = New(old.URL).CheckCompatible(context.Background())
	assert.ErrorIs(t, err, ErrIncompatible)
	require.NotNil(t, health)
	assert.Equal(t, "0.9.2", health.Version)
}

func TestSameMajor(t *testing.T) {
	assert.True(t, sameMajor("1.0.0", "v1.4.2"))
	assert.False(t, sameMajor("2.0.0", "1.0.0"))
	assert.False(t, sameMajor("garbage", "1.0.0"))
}
