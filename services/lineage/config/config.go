// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the lineage engine's file configuration.
package config

import (
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/telemetry"
)

// CurrentVersion is written to new config files.
const CurrentVersion = "1"

// Config is the root of lineage.yaml.
type Config struct {
	Version string `yaml:"version"`

	// Scope is the default project scope for CLI commands.
	Scope string `yaml:"scope" validate:"required"`

	// DataDir holds the graph database and the local index.
	DataDir string `yaml:"data_dir" validate:"required"`

	Logging    LoggingConfig    `yaml:"logging"`
	Plugins    PluginsConfig    `yaml:"plugins"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Cache      CacheConfig      `yaml:"cache"`
	Index      IndexConfig      `yaml:"index"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// LoggingConfig maps onto pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`
	LogDir string `yaml:"log_dir"`
}

// PluginsConfig selects parser plugins. Order decides which plugin wins
// an extension claimed twice.
type PluginsConfig struct {
	Order []string `yaml:"order" validate:"min=1,dive,plugin"`

	// Extensions adds file extensions to a plugin, e.g. {sql: [".hql"]}.
	Extensions map[string][]string `yaml:"extensions"`

	// DefaultSchemas are stripped from qualified names before URNs are
	// built. An empty list strips none.
	DefaultSchemas []string `yaml:"default_schemas"`

	ParseTimeout time.Duration `yaml:"parse_timeout" validate:"gte=0"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	Workers        int  `yaml:"workers" validate:"min=1,max=256"`
	EmbedBatchSize int  `yaml:"embed_batch_size" validate:"min=1,max=2048"`
	MaxFileSizeMB  int  `yaml:"max_file_size_mb" validate:"min=1"`
	ChunkSize      int  `yaml:"chunk_size" validate:"min=64"`
	ChunkOverlap   int  `yaml:"chunk_overlap" validate:"gte=0"`
	Enrich         bool `yaml:"enrich"`

	// Redact lists content classifications ("secret", "pii") masked
	// before text is embedded or indexed. Empty disables redaction.
	Redact []string `yaml:"redact" validate:"dive,oneof=secret pii"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	// Provider is "openai" (any OpenAI-compatible server) or "service"
	// (the HTTP embeddings service).
	Provider  string        `yaml:"provider" validate:"oneof=openai service"`
	Model     string        `yaml:"model" validate:"required"`
	BaseURL   string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey    string        `yaml:"api_key"`
	Dimension int           `yaml:"dimension" validate:"min=1,max=65536"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
}

// CacheConfig selects the embedding cache backend.
type CacheConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=memory redis"`
	Size          int           `yaml:"size" validate:"min=1"`
	TTL           time.Duration `yaml:"ttl" validate:"gte=0"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" validate:"gte=0"`
}

// IndexConfig selects the document index backend.
type IndexConfig struct {
	Backend        string `yaml:"backend" validate:"oneof=bleve weaviate"`
	WeaviateURL    string `yaml:"weaviate_url" validate:"omitempty,url"`
	WeaviateAPIKey string `yaml:"weaviate_api_key"`
	WeaviateClass  string `yaml:"weaviate_class"`
}

// RetrievalConfig holds search defaults.
type RetrievalConfig struct {
	TopN             int           `yaml:"top_n" validate:"min=1,max=1000"`
	FusionWeight     float64       `yaml:"fusion_weight" validate:"gte=0,lte=1"`
	RRFK             int           `yaml:"rrf_k" validate:"min=1"`
	SubsearchTimeout time.Duration `yaml:"subsearch_timeout" validate:"gt=0"`
}

// EnrichmentConfig configures the model gateway.
type EnrichmentConfig struct {
	Model           string        `yaml:"model"`
	BaseURL         string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey          string        `yaml:"api_key"`
	MaxContextNodes int           `yaml:"max_context_nodes" validate:"min=2"`
	MinConfidence   float64       `yaml:"min_confidence" validate:"gte=0,lte=1"`
	RatePerSecond   float64       `yaml:"rate_per_second" validate:"gte=0"`
	Burst           int           `yaml:"burst" validate:"min=1"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
}

// Enabled reports whether a model is configured.
func (e EnrichmentConfig) Enabled() bool {
	return e.Model != ""
}

// DefaultConfig returns a local, dependency-free setup: bleve index,
// in-memory cache and an OpenAI-compatible embedder on localhost.
func DefaultConfig() Config {
	return Config{
		Version: CurrentVersion,
		Scope:   "default",
		DataDir: "~/.aleutian/lineage",
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		Plugins: PluginsConfig{
			Order:          append([]string(nil), ast.DefaultPluginOrder...),
			DefaultSchemas: append([]string(nil), graph.DefaultSchemas...),
			ParseTimeout:   30 * time.Second,
		},
		Ingest: IngestConfig{
			Workers:        4,
			EmbedBatchSize: 32,
			MaxFileSizeMB:  5,
			ChunkSize:      1000,
			ChunkOverlap:   100,
			Redact:         []string{"secret"},
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "nomic-embed-text",
			BaseURL:   "http://localhost:11434/v1",
			Dimension: 768,
			Timeout:   30 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "memory",
			Size:    10000,
			TTL:     7 * 24 * time.Hour,
		},
		Index: IndexConfig{
			Backend:       "bleve",
			WeaviateClass: "LineageChunk",
		},
		Retrieval: RetrievalConfig{
			TopN:             10,
			FusionWeight:     0.5,
			RRFK:             60,
			SubsearchTimeout: 5 * time.Second,
		},
		Enrichment: EnrichmentConfig{
			BaseURL:         "http://localhost:11434/v1",
			MaxContextNodes: 50,
			MinConfidence:   0.5,
			RatePerSecond:   1,
			Burst:           1,
			Timeout:         30 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
