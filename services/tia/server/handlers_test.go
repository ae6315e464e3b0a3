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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianTIA/services/tia/fingerprint"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandlers_ReportWriteDisabled(t *testing.T) {
	f := newFixture(t)
	f.writeClass(t, "org.acme.Calc", "v1")
	router := NewRouter(f.svc)

	w := do(t, router, http.MethodPost, "/v1/tia/report", ReportRequest{
		Project: "A", Test: "t1", Entities: []string{"org.acme.Calc"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(t, router, http.MethodGet, "/v1/tia/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StateActive, decode[StateResponse](t, w).State)

	w = do(t, router, http.MethodPost, "/v1/tia/write", WriteReportRequest{
		Project: "A", Digest: string(digestX), ClassRoots: []string{f.classes},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[WriteReportResponse](t, w).Written)

	w = do(t, router, http.MethodPost, "/v1/tia/disabled", DisabledTestsRequest{
		Project: "A", Digest: string(digestX), ClassRoots: []string{f.classes},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"t1"}, decode[DisabledTestsResponse](t, w).Tests)

	w = do(t, router, http.MethodPost, "/v1/tia/disabled", DisabledTestsRequest{
		Project: "A", Digest: string(digestY), ClassRoots: []string{f.classes},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{}, decode[DisabledTestsResponse](t, w).Tests)
}

func TestHandlers_InvalidRequests(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(f.svc)

	cases := []struct {
		name string
		path string
		body any
	}{
		{"malformed json", "/v1/tia/disabled", "{"},
		{"missing project", "/v1/tia/disabled", DisabledTestsRequest{Digest: string(digestX)}},
		{"bad digest", "/v1/tia/disabled", DisabledTestsRequest{Project: "A", Digest: "nope"}},
		{"missing test", "/v1/tia/report", map[string]any{"project": "A"}},
		{"bad write digest", "/v1/tia/write", WriteReportRequest{Project: "A", Digest: "nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, CodeInvalidRequest, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandlers_WriteConflict(t *testing.T) {
	fp, err := fingerprint.New(8)
	require.NoError(t, err)
	router := NewRouter(NewService(conflictStore{}, fp, nil))

	w := do(t, router, http.MethodPost, "/v1/tia/report", ReportRequest{Project: "A", Test: "t1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodPost, "/v1/tia/write", WriteReportRequest{Project: "A", Digest: string(digestX)})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeStoreConflict, decode[ErrorResponse](t, w).Code)
}

func TestHandlers_StoreFailure(t *testing.T) {
	fp, err := fingerprint.New(8)
	require.NoError(t, err)
	router := NewRouter(NewService(brokenStore{}, fp, nil))

	w := do(t, router, http.MethodPost, "/v1/tia/disabled", DisabledTestsRequest{Project: "A", Digest: string(digestX)})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, CodeStoreFailed, decode[ErrorResponse](t, w).Code)
}

func TestHandlers_LogNeverFails(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(f.svc)

	w := do(t, router, http.MethodPost, "/v1/tia/log", LogRequest{Project: "A", Level: "info", Message: "hello"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[OKResponse](t, w).OK)

	w = do(t, router, http.MethodPost, "/v1/tia/log", "not json")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(f.svc)

	w := do(t, router, http.MethodGet, "/v1/tia/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, ServiceVersion, health.Version)

	w = do(t, router, http.MethodGet, "/v1/tia/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tia_reports_total")
}
