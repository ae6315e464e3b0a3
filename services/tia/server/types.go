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

import "github.com/AleutianAI/AleutianTIA/services/tia/digest"

// ServiceVersion is the impact server version.
const ServiceVersion = "1.0.0"

// Query asks which tests of a project may be skipped.
type Query struct {
	Project string
	Digest  digest.Digest

	// Force disables skipping: the answer is always empty.
	Force bool

	// ReactorDeps are paths (directories or jars) of artifacts built by the
	// same build, searched after ClassRoots when fingerprinting.
	ReactorDeps []string

	// ClassRoots are the project's own class output directories.
	ClassRoots []string
}

// WriteRequest flushes a project's accumulated reports.
type WriteRequest struct {
	Project     string
	Digest      digest.Digest
	ReactorDeps []string
	ClassRoots  []string
}

// State is the server's activity state.
type State string

const (
	// StateIdle means no request is in flight and nothing is pending.
	StateIdle State = "idle"

	// StateActive means requests are in flight or reports are pending.
	StateActive State = "active"
)

// =============================================================================
// HTTP wire types
// =============================================================================

// DisabledTestsRequest is the body of POST /v1/tia/disabled.
type DisabledTestsRequest struct {
	Project     string   `json:"project" binding:"required"`
	Digest      string   `json:"digest" binding:"required,tiadigest"`
	Force       bool     `json:"force"`
	ReactorDeps []string `json:"reactor_deps,omitempty"`
	ClassRoots  []string `json:"class_roots,omitempty"`
}

// DisabledTestsResponse lists the tests that may be skipped, sorted.
type DisabledTestsResponse struct {
	Tests []string `json:"tests"`
}

// ReportRequest is the body of POST /v1/tia/report.
type ReportRequest struct {
	Project  string   `json:"project" binding:"required"`
	Test     string   `json:"test" binding:"required"`
	Entities []string `json:"entities"`
}

// WriteReportRequest is the body of POST /v1/tia/write.
type WriteReportRequest struct {
	Project     string   `json:"project" binding:"required"`
	Digest      string   `json:"digest" binding:"required,tiadigest"`
	ReactorDeps []string `json:"reactor_deps,omitempty"`
	ClassRoots  []string `json:"class_roots,omitempty"`
}

// WriteReportResponse reports how many tests were written.
type WriteReportResponse struct {
	Written int `json:"written"`
}

// LogRequest is the body of POST /v1/tia/log.
type LogRequest struct {
	Project string `json:"project"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// HealthResponse is returned by GET /v1/tia/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// StateResponse is returned by GET /v1/tia/state.
type StateResponse struct {
	State        State `json:"state"`
	InFlight     int64 `json:"in_flight"`
	PendingTests int   `json:"pending_tests"`
}

// OKResponse acknowledges requests without a payload.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is one of the Code* constants.
	Code string `json:"code,omitempty"`
}
