// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LINEAGE_"

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("plugin", validatePlugin)
}

// validatePlugin accepts names present in ast.Builtins.
func validatePlugin(fl validator.FieldLevel) bool {
	_, ok := ast.Builtins[fl.Field().String()]
	return ok
}

// DefaultPath returns ~/.aleutian/lineage.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "lineage.yaml"), nil
}

// Load reads path over DefaultConfig, applies LINEAGE_* overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Logging.LogDir = expandHome(cfg.Logging.LogDir)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
// An existing file is left alone.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate runs the struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for name := range c.Plugins.Extensions {
		if _, ok := ast.Builtins[name]; !ok {
			return fmt.Errorf("invalid config: extensions for unknown plugin %q", name)
		}
	}

	var errs []error
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		errs = append(errs, errors.New("ingest.chunk_overlap must be smaller than ingest.chunk_size"))
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		errs = append(errs, errors.New("cache.redis_addr is required for the redis backend"))
	}
	if c.Index.Backend == "weaviate" {
		if c.Index.WeaviateURL == "" {
			errs = append(errs, errors.New("index.weaviate_url is required for the weaviate backend"))
		}
		if c.Index.WeaviateClass == "" {
			errs = append(errs, errors.New("index.weaviate_class is required for the weaviate backend"))
		}
	}
	if c.Embedding.Provider == "service" && c.Embedding.BaseURL == "" {
		errs = append(errs, errors.New("embedding.base_url is required for the service provider"))
	}
	if c.Ingest.Enrich && !c.Enrichment.Enabled() {
		errs = append(errs, errors.New("ingest.enrich needs enrichment.model"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"SCOPE":              &c.Scope,
		"DATA_DIR":           &c.DataDir,
		"LOG_LEVEL":          &c.Logging.Level,
		"EMBEDDING_PROVIDER": &c.Embedding.Provider,
		"EMBEDDING_MODEL":    &c.Embedding.Model,
		"EMBEDDING_BASE_URL": &c.Embedding.BaseURL,
		"EMBEDDING_API_KEY":  &c.Embedding.APIKey,
		"CACHE_BACKEND":      &c.Cache.Backend,
		"REDIS_ADDR":         &c.Cache.RedisAddr,
		"REDIS_PASSWORD":     &c.Cache.RedisPassword,
		"INDEX_BACKEND":      &c.Index.Backend,
		"WEAVIATE_URL":       &c.Index.WeaviateURL,
		"WEAVIATE_API_KEY":   &c.Index.WeaviateAPIKey,
		"ENRICH_MODEL":       &c.Enrichment.Model,
		"ENRICH_BASE_URL":    &c.Enrichment.BaseURL,
		"ENRICH_API_KEY":     &c.Enrichment.APIKey,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	// The conventional OpenAI variable fills keys left empty.
	if v, ok := lookup("OPENAI_API_KEY"); ok && v != "" {
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = v
		}
		if c.Enrichment.APIKey == "" {
			c.Enrichment.APIKey = v
		}
	}

	if v, ok := lookup(EnvPrefix + "EMBEDDING_DIMENSION"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sEMBEDDING_DIMENSION: %w", EnvPrefix, err)
		}
		c.Embedding.Dimension = n
	}
	if v, ok := lookup(EnvPrefix + "INGEST_ENRICH"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sINGEST_ENRICH: %w", EnvPrefix, err)
		}
		c.Ingest.Enrich = b
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
