// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	// DefaultChunkSize is the target chunk length in characters.
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is 10% of DefaultChunkSize.
	DefaultChunkOverlap = DefaultChunkSize / 10
)

var (
	defaultSeparators = []string{"\n\n", "\n", " ", ""}
	sqlSeparators     = []string{
		"\nGO\n", "\nCREATE ", "\nALTER ", "\nINSERT ", "\nMERGE ", "\nWITH ",
		";\n", "\n\n", "\n", " ", "",
	}
	pythonSeparators   = []string{"\nclass ", "\ndef ", "\n\tdef ", "\n    def ", "\n\n", "\n", " ", ""}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ",
		"\n\n", "\n", " ", "",
	}
)

// Chunker splits file content into overlapping chunks at syntax-aware
// boundaries chosen by file extension.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker returns a Chunker. Non-positive size uses DefaultChunkSize;
// overlap is clamped to [0, size).
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 10
	}
	return &Chunker{size: size, overlap: overlap}
}

func separatorsFor(path string) []string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sql", ".ddl", ".psql", ".pgsql", ".tsql", ".hql":
		return sqlSeparators
	case ".py":
		return pythonSeparators
	case ".md":
		return markdownSeparators
	default:
		return defaultSeparators
	}
}

// Split returns the non-blank chunks of content in order.
func (c *Chunker) Split(path, content string) ([]string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.size),
		textsplitter.WithChunkOverlap(c.overlap),
		textsplitter.WithSeparators(separatorsFor(path)),
	)
	parts, err := splitter.SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", path, err)
	}
	chunks := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			chunks = append(chunks, p)
		}
	}
	return chunks, nil
}
