// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for engine operations.
var meter = otel.Meter("aleutian.audit.engine")

// Metrics for engine operations.
var (
	auditRequests  metric.Int64Counter
	auditGateSkips metric.Int64Counter
	auditDuration  metric.Float64Histogram
	auditTerminal  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		auditRequests, err = meter.Int64Counter(
			"audit_requests_total",
			metric.WithDescription("Total audit_thought requests by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		auditGateSkips, err = meter.Int64Counter(
			"audit_gate_skips_total",
			metric.WithDescription("Submissions passed through without code-like content"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		auditDuration, err = meter.Float64Histogram(
			"audit_request_duration_seconds",
			metric.WithDescription("End-to-end audit_thought latency"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		auditTerminal, err = meter.Int64Counter(
			"audit_sessions_terminal_total",
			metric.WithDescription("Sessions reaching a terminal state, by reason"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRequest(ctx context.Context, outcome string, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	auditRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	auditDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

func recordGateSkip(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	auditGateSkips.Add(ctx, 1)
}

func recordTerminal(ctx context.Context, reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	auditTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
