// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLineage/pkg/logging"
	"github.com/AleutianAI/AleutianLineage/services/lineage"
	"github.com/AleutianAI/AleutianLineage/services/lineage/config"
	"github.com/AleutianAI/AleutianLineage/services/lineage/telemetry"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath  string
	scope       string
	dataDir     string
	logLevel    string
	jsonOutput  bool
	metricsAddr string
	inMemory    bool
}

// app holds what PersistentPreRunE sets up.
type app struct {
	flags globalFlags

	cfg       config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	metrics   *telemetry.Metrics
	server    *http.Server
	svc       *lineage.Service
}

func (a *app) setup(cmd *cobra.Command) error {
	path := a.flags.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.flags.scope != "" {
		cfg.Scope = a.flags.scope
	}
	if a.flags.dataDir != "" {
		cfg.DataDir = a.flags.dataDir
	}
	if a.flags.logLevel != "" {
		cfg.Logging.Level = a.flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.LogDir,
		Service: "lineage",
		Format:  logging.Format(cfg.Logging.Format),
		Output:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(a.logger.Slog())

	a.telemetry, err = telemetry.Init(cmd.Context(), cfg.Telemetry, nil)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.metrics = telemetry.NewMetrics(a.telemetry.Registry())

	if a.flags.metricsAddr != "" {
		if err := a.serveMetrics(a.flags.metricsAddr); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.telemetry.Handler())
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// service opens the engine on first use.
func (a *app) service(ctx context.Context) (*lineage.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	svc, err := lineage.New(ctx, a.cfg, lineage.Options{
		Logger:   a.logger.Slog(),
		Metrics:  a.metrics,
		InMemory: a.flags.inMemory,
	})
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return svc, nil
}

func (a *app) teardown() error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
		a.svc = nil
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.server.Shutdown(ctx))
		cancel()
		a.server = nil
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.telemetry.Shutdown(ctx))
		cancel()
		a.telemetry = nil
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
		a.logger = nil
	}
	return errors.Join(errs...)
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
