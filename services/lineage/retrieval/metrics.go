// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.lineage.retrieval")
	meter  = otel.Meter("aleutian.lineage.retrieval")
)

var (
	searchTotal      metric.Int64Counter
	subsearchLatency  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		searchTotal, err = meter.Int64Counter(
			"lineage_search_requests_total",
			metric.WithDescription("Search requests by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		subsearchLatency, err = meter.Float64Histogram(
			"lineage_subsearch_duration_seconds",
			metric.WithDescription("Sub-search latency by modality and result"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordSearch(ctx context.Context, outcome string) {
	if initMetrics() != nil {
		return
	}
	searchTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordSubsearch(ctx context.Context, m Modality, err error, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	subsearchLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("modality", string(m)),
		attribute.String("result", result),
	))
}
