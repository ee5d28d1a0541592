// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fingerprint

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for cache operations.
var meter = otel.Meter("aleutian.audit.cache")

// Metrics for cache operations.
var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheEvictions     metric.Int64Counter
	cacheBuilds        metric.Int64Counter
	cacheLookupLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"audit_cache_hits_total",
			metric.WithDescription("Total number of audit cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"audit_cache_misses_total",
			metric.WithDescription("Total number of audit cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"audit_cache_evictions_total",
			metric.WithDescription("Total number of audit cache evictions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheBuilds, err = meter.Int64Counter(
			"audit_cache_builds_total",
			metric.WithDescription("Total number of audits built on cache miss"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheLookupLatency, err = meter.Float64Histogram(
			"audit_cache_lookup_duration_seconds",
			metric.WithDescription("Duration of cache lookup operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

func recordMiss(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1)
}

func recordEviction(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, 1)
}

func recordBuild(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheBuilds.Add(ctx, 1)
}

func recordLookupLatency(ctx context.Context, duration time.Duration, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheLookupLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("hit", hit)),
	)
}
