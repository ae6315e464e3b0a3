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
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianTIA/pkg/telemetry"
	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
	"github.com/AleutianAI/AleutianTIA/services/tia/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers contains the HTTP handlers for the impact service.
type Handlers struct {
	svc    *Service
	logger *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	registerValidators()
	return &Handlers{svc: svc, logger: svc.logger.Slog(), closing: make(chan struct{})}
}

// HandleDisabledTests handles POST /v1/tia/disabled.
//
// Response:
//
//	200 OK: DisabledTestsResponse
//	400 Bad Request: Invalid body, project or digest
//	500 Internal Server Error: Store failure
func (h *Handlers) HandleDisabledTests(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDisabledTests")

	var req DisabledTestsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: CodeInvalidRequest})
		return
	}

	tests, err := h.svc.DisabledTests(c.Request.Context(), Query{
		Project:     req.Project,
		Digest:      digest.Digest(req.Digest),
		Force:       req.Force,
		ReactorDeps: req.ReactorDeps,
		ClassRoots:  req.ClassRoots,
	})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, DisabledTestsResponse{Tests: tests})
}

// HandleReport handles POST /v1/tia/report.
func (h *Handlers) HandleReport(c *gin.Context) {
	logger := h.requestLogger(c, "HandleReport")

	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: CodeInvalidRequest})
		return
	}

	if err := h.svc.AddReport(c.Request.Context(), req.Project, req.Test, req.Entities); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, OKResponse{OK: true})
}

// HandleWriteReport handles POST /v1/tia/write.
//
// Response:
//
//	200 OK: WriteReportResponse
//	400 Bad Request: Invalid body, project or digest
//	409 Conflict: Another writer published first (STORE_CONFLICT)
//	500 Internal Server Error: Store failure
func (h *Handlers) HandleWriteReport(c *gin.Context) {
	logger := h.requestLogger(c, "HandleWriteReport")

	var req WriteReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: CodeInvalidRequest})
		return
	}

	n, err := h.svc.WriteReport(c.Request.Context(), WriteRequest{
		Project:     req.Project,
		Digest:      digest.Digest(req.Digest),
		ReactorDeps: req.ReactorDeps,
		ClassRoots:  req.ClassRoots,
	})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, WriteReportResponse{Written: n})
}

// HandleLog handles POST /v1/tia/log. A malformed body is still
// acknowledged: logging never fails the caller.
func (h *Handlers) HandleLog(c *gin.Context) {
	var req LogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.requestLogger(c, "HandleLog").Debug("Ignoring malformed log request", "error", err)
		c.JSON(http.StatusOK, OKResponse{OK: false})
		return
	}
	h.svc.Log(c.Request.Context(), req.Project, req.Level, req.Message)
	c.JSON(http.StatusOK, OKResponse{OK: true})
}

// HandleHealth handles GET /v1/tia/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: ServiceVersion})
}

// HandleState handles GET /v1/tia/state.
func (h *Handlers) HandleState(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.State())
}

// fail maps service errors to HTTP responses.
func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := http.StatusInternalServerError, CodeInternal
	switch {
	case errors.Is(err, store.ErrInvalidProject),
		errors.Is(err, store.ErrInvalidDigest),
		errors.Is(err, ErrEmptyTest):
		status, code = http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, store.ErrConflict):
		status, code = http.StatusConflict, CodeStoreConflict
	case errors.Is(err, ErrStoreFailed):
		code = CodeStoreFailed
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "code", code)
	} else {
		logger.Warn("Request rejected", "error", err, "code", code)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	requestID := getOrCreateRequestID(c)
	return telemetry.LoggerWithTrace(c.Request.Context(), h.logger).
		With("request_id", requestID, "handler", handler)
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
