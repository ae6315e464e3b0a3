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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const tracerName = "tia.server"

var meter = otel.Meter(tracerName)

// OTel instruments, created lazily so that telemetry.Init can install the
// meter provider first.
var (
	opDuration metric.Float64Histogram
	opTotal    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// Prometheus counters for the build-level view.
var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tia_lookups_total",
		Help: "Disabled-test queries by outcome: hit, miss or forced",
	}, []string{"result"})

	disabledTestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tia_disabled_tests_total",
		Help: "Tests reported as skippable",
	})

	reportsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tia_reports_total",
		Help: "Per-test impact reports received",
	})

	testsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tia_tests_written_total",
		Help: "Tests written to the impact store",
	})

	storeConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tia_store_conflicts_total",
		Help: "Writes rejected because the notes ref moved concurrently",
	})

	logLinesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tia_log_lines_dropped_total",
		Help: "Client log lines dropped by the per-project rate limit",
	})
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		opDuration, err = meter.Float64Histogram(
			"tia_operation_duration_seconds",
			metric.WithDescription("Duration of impact server operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		opTotal, err = meter.Int64Counter(
			"tia_operations_total",
			metric.WithDescription("Impact server operations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordOp records one operation. Metric failures are ignored.
func recordOp(ctx context.Context, op string, start time.Time, err error) {
	if initMetrics() != nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	)
	opDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	opTotal.Add(ctx, 1, attrs)
}
