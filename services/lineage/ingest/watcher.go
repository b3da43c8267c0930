// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// WatchOptions configures a Watcher.
type WatchOptions struct {
	// Debounce coalesces bursts of events. Default: 250ms
	Debounce time.Duration

	// OnBatch is called after each re-ingestion. Report is nil when only
	// removals were processed or the run failed.
	OnBatch func(report *Report, removed []string, err error)
}

// Watcher re-ingests supported files as they change under root.
type Watcher struct {
	pipeline *Pipeline
	scope    string
	root     string
	fsw      *fsnotify.Watcher
	matcher  *Matcher
	opts     WatchOptions
	logger   *slog.Logger
}

// NewWatcher prepares a watcher. Call Run to start it.
func NewWatcher(p *Pipeline, scope, root string, opts WatchOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	m, err := NewMatcher(abs)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		pipeline: p,
		scope:    scope,
		root:     abs,
		fsw:      fsw,
		matcher:  m,
		opts:     opts,
		logger:   p.logger.With("watch_root", abs),
	}, nil
}

// Run watches until ctx is done. Pending changes are flushed on exit.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.logger.Info("watching for changes")

	pending := make(map[string]fsnotify.Op)
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	flush := func(ctx context.Context) {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = make(map[string]fsnotify.Op)
		w.process(ctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			// Flush with a fresh context so the last writes are not lost.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			flush(flushCtx)
			cancel()
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			rel, ok := w.relative(ev.Name)
			if !ok {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(ev.Name); err != nil {
						w.logger.Warn("watch new directory failed", "path", rel, "error", err)
					}
					continue
				}
			}
			if w.matcher.Ignored(rel) {
				continue
			}
			pending[rel] |= ev.Op
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.relative(path); ok && w.matcher.Ignored(rel+"/") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// process re-ingests existing supported files and removes deleted ones.
func (w *Watcher) process(ctx context.Context, changes map[string]fsnotify.Op) {
	paths := make([]string, 0, len(changes))
	for p := range changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var (
		files   []ast.SourceFile
		removed []string
		errs    []error
	)
	for _, rel := range paths {
		if !w.pipeline.Supported(rel) {
			continue
		}
		full := filepath.Join(w.root, filepath.FromSlash(rel))
		content, err := os.ReadFile(full)
		switch {
		case err == nil:
			files = append(files, ast.SourceFile{Path: rel, Content: content})
		case errors.Is(err, fs.ErrNotExist):
			if err := w.pipeline.RemoveFile(ctx, w.scope, rel); err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", rel, err))
				continue
			}
			removed = append(removed, rel)
		default:
			errs = append(errs, fmt.Errorf("read %s: %w", rel, err))
		}
	}

	var report *Report
	if len(files) > 0 {
		r, err := w.pipeline.IngestFiles(ctx, w.scope, files)
		if err != nil {
			errs = append(errs, err)
		}
		report = r
	}
	err := errors.Join(errs...)
	if err != nil {
		w.logger.Warn("re-ingestion had errors", "error", err)
	}
	if len(files) > 0 || len(removed) > 0 || err != nil {
		w.logger.Info("re-ingested changes", "files", len(files), "removed", len(removed))
		if w.opts.OnBatch != nil {
			w.opts.OnBatch(report, removed, err)
		}
	}
}
