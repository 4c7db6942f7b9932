// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for mutation metrics.
var meter = otel.Meter("hearth.pipeline")

// Metric instruments for mutation operations.
var (
	mutationsTotal   metric.Int64Counter
	mutationDuration metric.Float64Histogram
	changesPerBatch  metric.Int64Histogram
	rollbacksTotal   metric.Int64Counter
	activeGauge      metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		mutationsTotal, err = meter.Int64Counter(
			"mutation_total",
			metric.WithDescription("Total number of mutation batches by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		mutationDuration, err = meter.Float64Histogram(
			"mutation_duration_seconds",
			metric.WithDescription("Duration of mutation batches in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		changesPerBatch, err = meter.Int64Histogram(
			"mutation_changes_per_batch",
			metric.WithDescription("Number of change requests per mutation batch"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbacksTotal, err = meter.Int64Counter(
			"mutation_rollback_total",
			metric.WithDescription("Total number of rollbacks by reason"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeGauge, err = meter.Int64UpDownCounter(
			"mutation_active",
			metric.WithDescription("Number of mutation batches currently applying"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordMutation records one finished mutation batch.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - outcome: Terminal state of the batch (committed, rolled_back, failed).
//   - duration: Wall time from lock acquisition to terminal state.
//   - changes: Number of change requests in the batch.
func recordMutation(ctx context.Context, outcome string, duration time.Duration, changes int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	mutationsTotal.Add(ctx, 1, attrs)
	mutationDuration.Record(ctx, duration.Seconds(), attrs)
	changesPerBatch.Record(ctx, int64(changes), attrs)
}

// recordRollback records one rollback.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - reason: Why the rollback occurred (edit, invalid, unreachable, reload, panic, commit).
func recordRollback(ctx context.Context, reason string) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	rollbacksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// incActive increments the active batch gauge.
func incActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, 1)
}

// decActive decrements the active batch gauge.
func decActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, -1)
}
