// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package ast

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("aleutian.lineage.ast")

type dispatchInstruments struct {
	latency metric.Float64Histogram
	total   metric.Int64Counter
}

// instruments is resolved lazily so the global MeterProvider installed by
// telemetry.Init is the one that backs it.
var instruments = sync.OnceValues(func() (dispatchInstruments, error) {
	meter := otel.Meter("aleutian.lineage.ast")
	latency, errL := meter.Float64Histogram("lineage_parse_duration_seconds",
		metric.WithDescription("Duration of parser plugin dispatch"),
		metric.WithUnit("s"))
	total, errT := meter.Int64Counter("lineage_parse_total",
		metric.WithDescription("Parser dispatches by plugin and outcome"))
	return dispatchInstruments{latency: latency, total: total}, errors.Join(errL, errT)
})

// recordDispatchMetrics records one dispatch. Metric failures are ignored.
func recordDispatchMetrics(ctx context.Context, plugin string, outcome Outcome, d time.Duration) {
	m, err := instruments()
	if err != nil {
		return
	}
	if plugin == "" {
		plugin = "none"
	}
	attrs := metric.WithAttributes(
		attribute.String("plugin", plugin),
		attribute.String("outcome", outcome.String()),
	)
	m.latency.Record(ctx, d.Seconds(), attrs)
	m.total.Add(ctx, 1, attrs)
}
