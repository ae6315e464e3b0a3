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
	"net/http"

	"github.com/AleutianAI/AleutianTIA/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the /v1/tia/* endpoints on rg (typically /v1).
//
// Endpoints:
//
//	POST /v1/tia/disabled - Tests that may be skipped
//	POST /v1/tia/report   - Entities exercised by one test
//	POST /v1/tia/write    - Flush accumulated reports to the store
//	POST /v1/tia/log      - Forward a client log message
//	GET  /v1/tia/health   - Liveness
//	GET  /v1/tia/state    - Idle or active
//	GET  /v1/tia/watch    - Websocket stream of state changes
//	GET  /v1/tia/metrics  - Prometheus scrape endpoint
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	tia := rg.Group("/tia")
	{
		tia.POST("/disabled", handlers.HandleDisabledTests)
		tia.POST("/report", handlers.HandleReport)
		tia.POST("/write", handlers.HandleWriteReport)
		tia.POST("/log", handlers.HandleLog)

		tia.GET("/health", handlers.HandleHealth)
		tia.GET("/state", handlers.HandleState)
		tia.GET("/watch", handlers.HandleWatch)
		tia.GET("/metrics", gin.WrapH(metricsHandler()))
	}
}

// NewRouter builds the gin engine serving svc.
func NewRouter(svc *Service) *gin.Engine {
	return newRouter(NewHandlers(svc))
}

func newRouter(handlers *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(tracerName))
	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}

// metricsHandler prefers the handler installed by telemetry.Init and falls
// back to the default Prometheus registry, where the promauto counters live.
func metricsHandler() http.Handler {
	if h := telemetry.MetricsHandler(); h != nil {
		return h
	}
	return promhttp.Handler()
}
