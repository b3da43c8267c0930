// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package enrich

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.lineage.enrich")
	meter  = otel.Meter("aleutian.lineage.enrich")
)

var (
	proposalsTotal metric.Int64Counter
	droppedTotal   metric.Int64Counter
	failuresTotal  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		proposalsTotal, err = meter.Int64Counter(
			"lineage_enrich_proposals_total",
			metric.WithDescription("Edge proposals accepted from the model"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		droppedTotal, err = meter.Int64Counter(
			"lineage_enrich_dropped_total",
			metric.WithDescription("Edge proposals dropped by reason"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		failuresTotal, err = meter.Int64Counter(
			"lineage_enrich_failures_total",
			metric.WithDescription("Enrichment calls that produced nothing, by stage"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordAccepted(ctx context.Context, n int) {
	if initMetrics() != nil || n == 0 {
		return
	}
	proposalsTotal.Add(ctx, int64(n))
}

func recordDropped(ctx context.Context, reason string) {
	if initMetrics() != nil {
		return
	}
	droppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func recordFailure(ctx context.Context, stage string) {
	if initMetrics() != nil {
		return
	}
	failuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
