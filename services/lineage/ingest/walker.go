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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultIgnorePatterns are skipped in every walk, in gitignore syntax.
var DefaultIgnorePatterns = []string{
	".git/",
	"node_modules/",
	"__pycache__/",
	".venv/",
	"venv/",
	".idea/",
	"*.swp",
	"*.tmp",
	"target/",
}

// Matcher decides which paths are ignored. Paths are relative to the
// walk root with forward slashes.
type Matcher struct {
	gi *ignore.GitIgnore
}

// NewMatcher compiles root/.gitignore, if present, together with
// DefaultIgnorePatterns and extra.
func NewMatcher(root string, extra ...string) (*Matcher, error) {
	lines := append(append([]string{}, DefaultIgnorePatterns...), extra...)
	path := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		gi, err := ignore.CompileIgnoreFileAndLines(path, lines...)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", path, err)
		}
		return &Matcher{gi: gi}, nil
	}
	return &Matcher{gi: ignore.CompileIgnoreLines(lines...)}, nil
}

// Ignored reports whether rel is excluded. Directories should be passed
// with a trailing slash so directory-only patterns apply.
func (m *Matcher) Ignored(rel string) bool {
	return m.gi.MatchesPath(rel)
}

// Walk returns the files under root that are not ignored and that accept
// approves, relative to root with forward slashes, sorted.
func Walk(root string, m *Matcher, accept func(rel string) bool) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if m.Ignored(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || m.Ignored(rel) {
			return nil
		}
		if accept == nil || accept(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
