// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianLineage/services/lineage/embed"
	"github.com/AleutianAI/AleutianLineage/services/lineage/weaviate"
)

const namespace = "lineage"

// Metrics holds the engine's Prometheus collectors. It implements
// ingest.Observer.
//
// Thread Safety: Safe for concurrent use.
type Metrics struct {
	registry prometheus.Registerer

	filesIngested  *prometheus.CounterVec
	chunksIndexed  prometheus.Counter
	fileDuration   prometheus.Histogram
	enrichRuns     *prometheus.CounterVec
	enrichedEdges  prometheus.Counter
	embedCacheHits *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		filesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_ingested_total",
			Help:      "Files processed by ingestion, by outcome.",
		}, []string{"outcome"}),
		chunksIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Chunks written to the document index.",
		}),
		fileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_ingest_duration_seconds",
			Help:      "Per-file ingestion latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		enrichRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_runs_total",
			Help:      "Background enrichment runs, by status.",
		}, []string{"status"}),
		enrichedEdges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_edges_created_total",
			Help:      "Proposed edges stored by enrichment.",
		}),
		embedCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_lookups_total",
			Help:      "Embedding cache lookups, by result.",
		}, []string{"result"}),
	}
}

// FileIngested records one file.
func (m *Metrics) FileIngested(outcome string, chunks int, d time.Duration) {
	m.filesIngested.WithLabelValues(outcome).Inc()
	m.chunksIndexed.Add(float64(chunks))
	m.fileDuration.Observe(d.Seconds())
}

// EnrichmentDone records one enrichment run.
func (m *Metrics) EnrichmentDone(created int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.enrichRuns.WithLabelValues(status).Inc()
	m.enrichedEdges.Add(float64(created))
}

// CacheObserver returns an observer for embed.WithCacheObserver.
func (m *Metrics) CacheObserver() embed.CacheObserver {
	return func(hits, misses int) {
		m.embedCacheHits.WithLabelValues("hit").Add(float64(hits))
		m.embedCacheHits.WithLabelValues("miss").Add(float64(misses))
	}
}

// WatchWeaviate exports the client's connection state
// (0=connected, 1=degraded, 2=circuit open, 3=half open).
func (m *Metrics) WatchWeaviate(c *weaviate.ResilientClient) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "weaviate_connection_state",
		Help:      "Weaviate connection state.",
	}, func() float64 { return float64(c.GetState()) })
}
