// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lineage wires the lineage engine's components from config.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	"github.com/AleutianAI/AleutianLineage/services/lineage/cache"
	"github.com/AleutianAI/AleutianLineage/services/lineage/config"
	"github.com/AleutianAI/AleutianLineage/services/lineage/embed"
	"github.com/AleutianAI/AleutianLineage/services/lineage/enrich"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/index"
	"github.com/AleutianAI/AleutianLineage/services/lineage/ingest"
	"github.com/AleutianAI/AleutianLineage/services/lineage/policy"
	"github.com/AleutianAI/AleutianLineage/services/lineage/retrieval"
	lbadger "github.com/AleutianAI/AleutianLineage/services/lineage/storage/badger"
	"github.com/AleutianAI/AleutianLineage/services/lineage/telemetry"
	lweaviate "github.com/AleutianAI/AleutianLineage/services/lineage/weaviate"
)

// Options adjusts New.
type Options struct {
	Logger *slog.Logger

	// Metrics receives ingest and cache events when set.
	Metrics *telemetry.Metrics

	// InMemory keeps the graph and the bleve index in RAM.
	InMemory bool

	// Embedder replaces the configured provider. The cache still wraps it.
	Embedder embed.Embedder

	// Inferer replaces the configured enrichment model.
	Inferer enrich.Inferer
}

// Service owns every component of a running engine.
type Service struct {
	Config    config.Config
	DB        *lbadger.DB
	Registry  *ast.Registry
	Store     *graph.BadgerStore
	Extractor *graph.Extractor
	Manifest  *ingest.Manifest
	Embedder  *embed.Cached
	Index     index.Index
	Engine    *retrieval.Engine
	Gateway   *enrich.Gateway // nil when enrichment is not configured
	Pipeline  *ingest.Pipeline

	logger  *slog.Logger
	closers []func() error
}

// New builds a Service from cfg. On error everything opened so far is
// closed.
func New(ctx context.Context, cfg config.Config, opts Options) (_ *Service, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{Config: cfg, logger: logger.With("component", "lineage")}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if err := s.openGraph(cfg, opts); err != nil {
		return nil, err
	}
	if err := s.openEmbedder(ctx, cfg, opts); err != nil {
		return nil, err
	}
	if err := s.openIndex(ctx, cfg, opts); err != nil {
		return nil, err
	}

	s.Engine, err = retrieval.NewEngine(s.Index, s.Embedder, retrieval.Config{
		SubsearchTimeout: cfg.Retrieval.SubsearchTimeout,
		RRFK:             cfg.Retrieval.RRFK,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create retrieval engine: %w", err)
	}

	if err := s.openGateway(cfg, opts); err != nil {
		return nil, err
	}

	deps := ingest.Deps{
		Registry:    s.Registry,
		Extractor:   s.Extractor,
		Manifest:    s.Manifest,
		Index:       s.Index,
		Embedder:    s.Embedder,
		Invalidator: s.Embedder,
		Gateway:     s.Gateway,
		Logger:      logger,
	}
	if opts.Metrics != nil {
		deps.Observer = opts.Metrics
	}
	if len(cfg.Ingest.Redact) > 0 {
		engine, err := policy.New()
		if err != nil {
			return nil, fmt.Errorf("load content policy: %w", err)
		}
		r, err := engine.Redactor(cfg.Ingest.Redact...)
		if err != nil {
			return nil, fmt.Errorf("content policy: %w", err)
		}
		deps.Redactor = r
	}
	s.Pipeline, err = ingest.NewPipeline(deps, ingest.Config{
		Workers:        cfg.Ingest.Workers,
		EmbedBatchSize: cfg.Ingest.EmbedBatchSize,
		MaxFileSize:    int64(cfg.Ingest.MaxFileSizeMB) << 20,
		Enrich:         cfg.Ingest.Enrich && s.Gateway != nil,
		ChunkSize:      cfg.Ingest.ChunkSize,
		ChunkOverlap:   cfg.Ingest.ChunkOverlap,
	})
	if err != nil {
		return nil, fmt.Errorf("create ingest pipeline: %w", err)
	}
	s.closers = append(s.closers, s.Pipeline.Close)

	s.logger.Info("lineage service ready",
		"plugins", s.Registry.Plugins(),
		"index", cfg.Index.Backend,
		"cache", cfg.Cache.Backend,
		"embedder", s.Embedder.Model(),
		"enrichment", s.Gateway != nil,
	)
	return s, nil
}

func (s *Service) openGraph(cfg config.Config, opts Options) error {
	var err error
	if opts.InMemory {
		s.DB, err = lbadger.OpenInMemory()
	} else {
		dbCfg := lbadger.DefaultConfig(filepath.Join(cfg.DataDir, "graph"))
		dbCfg.Logger = s.logger
		s.DB, err = lbadger.Open(dbCfg)
	}
	if err != nil {
		return fmt.Errorf("open graph database: %w", err)
	}
	s.closers = append(s.closers, s.DB.Close)

	s.Registry, err = ast.NewRegistryFromNames(cfg.Plugins.Order, cfg.Plugins.Extensions,
		ast.WithParseTimeout(cfg.Plugins.ParseTimeout),
		ast.WithLogger(s.logger),
	)
	if err != nil {
		return fmt.Errorf("register plugins: %w", err)
	}

	schemas := cfg.Plugins.DefaultSchemas
	if schemas == nil {
		schemas = []string{""}
	}
	s.Store = graph.NewBadgerStore(s.DB)
	s.Extractor = graph.NewExtractor(s.Store,
		graph.WithLogger(s.logger),
		graph.WithNormalizer(graph.NewNormalizer(schemas...)),
	)
	s.Manifest = ingest.NewManifest(s.DB)
	return nil
}

func (s *Service) openEmbedder(ctx context.Context, cfg config.Config, opts Options) error {
	inner := opts.Embedder
	if inner == nil {
		switch cfg.Embedding.Provider {
		case "service":
			sc := embed.NewServiceClient(cfg.Embedding.BaseURL, cfg.Embedding.Model,
				embed.WithTimeout(cfg.Embedding.Timeout),
				embed.WithDimension(cfg.Embedding.Dimension),
			)
			// Not fatal: ingestion still builds the graph and search
			// degrades to keyword results.
			if err := sc.Health(ctx); err != nil {
				s.logger.Warn("embedding service not ready", "url", cfg.Embedding.BaseURL, "error", err)
			}
			inner = sc
		default:
			e, err := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
				APIKey:     cfg.Embedding.APIKey,
				BaseURL:    cfg.Embedding.BaseURL,
				Model:      cfg.Embedding.Model,
				Dimensions: cfg.Embedding.Dimension,
			})
			if err != nil {
				return fmt.Errorf("create embedder: %w", err)
			}
			inner = e
		}
	}

	cacheCfg := cache.DefaultConfig()
	if cfg.Cache.TTL > 0 {
		cacheCfg.DefaultTTL = cfg.Cache.TTL
	}
	var c cache.Cache
	switch cfg.Cache.Backend {
	case "redis":
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			Config:   cacheCfg,
		})
		if err != nil {
			return fmt.Errorf("connect embedding cache: %w", err)
		}
		s.closers = append(s.closers, rc.Close)
		c = rc
	default:
		c = cache.NewMemoryCache(cfg.Cache.Size, cacheCfg)
	}

	cachedOpts := []embed.CachedOption{embed.WithCachedLogger(s.logger), embed.WithCacheTTL(cfg.Cache.TTL)}
	if opts.Metrics != nil {
		cachedOpts = append(cachedOpts, embed.WithCacheObserver(opts.Metrics.CacheObserver()))
	}
	s.Embedder = embed.NewCached(inner, c, cachedOpts...)
	return nil
}

func (s *Service) openIndex(ctx context.Context, cfg config.Config, opts Options) error {
	dim := cfg.Embedding.Dimension
	switch cfg.Index.Backend {
	case "weaviate":
		client, err := lweaviate.NewResilientClient(lweaviate.ClientConfig{
			URL:                cfg.Index.WeaviateURL,
			APIKey:             cfg.Index.WeaviateAPIKey,
			AllowStartDegraded: true,
			Logger:             s.logger,
		})
		if err != nil {
			return fmt.Errorf("create weaviate client: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		if opts.Metrics != nil {
			opts.Metrics.WatchWeaviate(client)
		}
		idx, err := index.NewWeaviateIndex(ctx, client, cfg.Index.WeaviateClass, dim, s.logger)
		if err != nil {
			return fmt.Errorf("open weaviate index: %w", err)
		}
		s.Index = idx
	default:
		path := ""
		if !opts.InMemory {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			path = filepath.Join(cfg.DataDir, "index.bleve")
		}
		idx, err := index.NewBleveIndex(path, dim, s.logger)
		if err != nil {
			return fmt.Errorf("open bleve index: %w", err)
		}
		s.Index = idx
	}
	s.closers = append(s.closers, s.Index.Close)
	return nil
}

func (s *Service) openGateway(cfg config.Config, opts Options) error {
	inf := opts.Inferer
	if inf == nil {
		if !cfg.Enrichment.Enabled() {
			return nil
		}
		oi, err := enrich.NewOpenAIInferer(enrich.OpenAIConfig{
			APIKey:   cfg.Enrichment.APIKey,
			BaseURL:  cfg.Enrichment.BaseURL,
			Model:    cfg.Enrichment.Model,
			JSONMode: true,
		})
		if err != nil {
			return fmt.Errorf("create inferer: %w", err)
		}
		inf = oi
	}
	gw, err := enrich.NewGateway(inf, s.Extractor, enrich.Config{
		MaxContextNodes: cfg.Enrichment.MaxContextNodes,
		MinConfidence:   cfg.Enrichment.MinConfidence,
		Timeout:         cfg.Enrichment.Timeout,
		RatePerSecond:   cfg.Enrichment.RatePerSecond,
		Burst:           cfg.Enrichment.Burst,
		Model:           cfg.Enrichment.Model,
		Logger:          s.logger,
	})
	if err != nil {
		return fmt.Errorf("create enrichment gateway: %w", err)
	}
	s.Gateway = gw
	return nil
}

// Search runs a hybrid search in the configured scope with the
// configured defaults for zero arguments.
func (s *Service) Search(ctx context.Context, query string, topN int, weight *float64) (*retrieval.Response, error) {
	if topN <= 0 {
		topN = s.Config.Retrieval.TopN
	}
	w := s.Config.Retrieval.FusionWeight
	if weight != nil {
		w = *weight
	}
	return s.Engine.Search(ctx, retrieval.Request{
		Query:        query,
		TopN:         topN,
		FusionWeight: w,
		Collection:   s.Config.Scope,
	})
}

// Close releases components in reverse order of creation.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
