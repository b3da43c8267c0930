// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.lineage.graph")
	meter  = otel.Meter("aleutian.lineage.graph")
)

var (
	unitLatency    metric.Float64Histogram
	unitTotal      metric.Int64Counter
	writeConflicts metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		unitLatency, err = meter.Float64Histogram(
			"lineage_graph_unit_duration_seconds",
			metric.WithDescription("Duration of one unit write including retries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		unitTotal, err = meter.Int64Counter(
			"lineage_graph_units_total",
			metric.WithDescription("Graph unit writes by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		writeConflicts, err = meter.Int64Counter(
			"lineage_graph_write_conflicts_total",
			metric.WithDescription("Transactions retried after a write conflict"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordUnit(ctx context.Context, result string, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	unitLatency.Record(ctx, d.Seconds(), attrs)
	unitTotal.Add(ctx, 1, attrs)
}

func recordConflict(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	writeConflicts.Add(ctx, 1)
}
