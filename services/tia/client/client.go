// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client is the impact server stub used inside test processes.
//
// A Client never fails a build because the server is gone: the first
// transport failure marks it broken, after which every query answers
// "disable nothing" and every report is dropped.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianTIA/pkg/logging"
	"github.com/AleutianAI/AleutianTIA/pkg/telemetry"
	"github.com/AleutianAI/AleutianTIA/services/tia/server"
	"github.com/AleutianAI/AleutianTIA/services/tia/store"
	"github.com/gorilla/websocket"
	"golang.org/x/mod/semver"
)

// DefaultTimeout bounds a single round trip. Writes fingerprint and commit
// to git, so it is generous.
const DefaultTimeout = 2 * time.Minute

const apiPrefix = "/v1/tia"

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the local logger used to report degradation.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// Client talks to one impact server for the life of a test process.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger

	broken     atomic.Bool
	brokenOnce sync.Once
}

// New creates a client for the server at addr ("host:port" or a URL).
// Nothing is dialled until the first call.
func New(addr string, opts ...Option) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromOptions creates a client for the loopback server named by agent
// options.
func FromOptions(o AgentOptions, opts ...Option) *Client {
	return New(o.Addr(), opts...)
}

// Broken reports whether a transport failure has disabled the client.
func (c *Client) Broken() bool {
	return c.broken.Load()
}

// DisabledTests asks which tests of the query's project may be skipped.
//
// Any failure yields an empty list: a broken client, an unreachable server
// or a server error all mean "run everything".
func (c *Client) DisabledTests(ctx context.Context, q server.Query) []string {
	if c.broken.Load() {
		return []string{}
	}
	req := server.DisabledTestsRequest{
		Project:     q.Project,
		Digest:      string(q.Digest),
		Force:       q.Force,
		ReactorDeps: q.ReactorDeps,
		ClassRoots:  q.ClassRoots,
	}
	var resp server.DisabledTestsResponse
	if err := c.post(ctx, "/disabled", req, &resp); err != nil {
		if !errors.Is(err, ErrUnavailable) {
			c.logger.Warn("Disabled tests query failed, running all tests",
				"project", q.Project, "error", err)
		}
		return []string{}
	}
	if resp.Tests == nil {
		return []string{}
	}
	return resp.Tests
}

// AddReport forwards the entities one test exercised. Failures are logged
// and dropped.
func (c *Client) AddReport(ctx context.Context, project, test string, entities []string) {
	if c.broken.Load() {
		return
	}
	if entities == nil {
		entities = []string{}
	}
	req := server.ReportRequest{Project: project, Test: test, Entities: entities}
	if err := c.post(ctx, "/report", req, nil); err != nil && !errors.Is(err, ErrUnavailable) {
		c.logger.Warn("Report rejected", "project", project, "test", test, "error", err)
	}
}

// WriteReport asks the server to persist the project's accumulated
// reports.
//
// # Outputs
//
//   - int: Number of tests written; 0 when the client is broken.
//   - error: Wraps store.ErrConflict when another writer won the race, or
//     ErrServer for other server failures. Transport failures are not
//     returned: they break the client and yield (0, nil).
func (c *Client) WriteReport(ctx context.Context, req server.WriteRequest) (int, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	if c.broken.Load() {
		return 0, nil
	}
	body := server.WriteReportRequest{
		Project:     req.Project,
		Digest:      string(req.Digest),
		ReactorDeps: req.ReactorDeps,
		ClassRoots:  req.ClassRoots,
	}
	var resp server.WriteReportResponse
	if err := c.post(ctx, "/write", body, &resp); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return 0, nil
		}
		return 0, err
	}
	return resp.Written, nil
}

// Log forwards a diagnostic line to the server log. Best effort.
func (c *Client) Log(ctx context.Context, project, level, message string) {
	if c.broken.Load() {
		return
	}
	_ = c.post(ctx, "/log", server.LogRequest{Project: project, Level: level, Message: message}, nil)
}

// Health checks the server is up. Unlike the protocol calls it returns
// the transport error, and does not break the client.
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	var resp server.HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckCompatible fetches the server health and verifies it shares this
// client's major version.
//
// # Outputs
//
//   - *server.HealthResponse: The health answer, also on ErrIncompatible.
//   - error: Transport or server failures, or ErrIncompatible.
func (c *Client) CheckCompatible(ctx context.Context) (*server.HealthResponse, error) {
	health, err := c.Health(ctx)
	if err != nil {
		return nil, err
	}
	if !sameMajor(health.Version, server.ServiceVersion) {
		return health, fmt.Errorf("%w: server %s, client %s", ErrIncompatible, health.Version, server.ServiceVersion)
	}
	return health, nil
}

func sameMajor(a, b string) bool {
	ma, mb := semver.Major(canonical(a)), semver.Major(canonical(b))
	return ma != "" && ma == mb
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// State fetches the server's activity state.
func (c *Client) State(ctx context.Context) (*server.StateResponse, error) {
	var resp server.StateResponse
	if err := c.get(ctx, "/state", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Watch streams state changes from the server to fn until ctx is done or
// the server closes the stream. It does not break the client.
//
// # Outputs
//
//   - error: nil when ctx ended or the server closed normally, otherwise
//     ErrUnavailable or a read failure.
func (c *Client) Watch(ctx context.Context, fn func(server.StateResponse)) error {
	if ctx == nil {
		return ErrNilContext
	}
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + apiPrefix + "/watch"
	header := http.Header{}
	telemetry.InjectContext(ctx, header)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	})
	defer stop()

	for {
		var state server.StateResponse
		if err := ws.ReadJSON(&state); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read watch stream: %w", err)
		}
		fn(state)
	}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if ctx == nil {
		return ErrNilContext
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPrefix+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectContext(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.markBroken(err)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if ctx == nil {
		return ErrNilContext
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPrefix+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	telemetry.InjectContext(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) markBroken(err error) {
	c.broken.Store(true)
	c.brokenOnce.Do(func() {
		c.logger.Error("Impact server unreachable, running all tests from now on",
			"server", c.baseURL, "error", err)
	})
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var e server.ErrorResponse
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusConflict || e.Code == server.CodeStoreConflict {
			return fmt.Errorf("%w: %s", store.ErrConflict, e.Error)
		}
		return fmt.Errorf("%w: status %d %s: %s", ErrServer, resp.StatusCode, e.Code, e.Error)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
