// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy classifies and redacts sensitive content (credentials,
// personal data) before source text leaves the machine for an embedding
// model or lands in a search index.
package policy

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Public is returned by Classify when nothing matches.
const Public = "public"

const redactedPrefix = "[REDACTED:"

//go:embed patterns.yaml
var defaultPatterns []byte

// Engine holds compiled classifications ordered by priority.
//
// Thread Safety: Safe for concurrent use after construction.
type Engine struct {
	classes []Classification
}

// New returns an engine with the built-in patterns.
func New() (*Engine, error) {
	return NewFromYAML(defaultPatterns)
}

// NewFromYAML compiles a classification file.
func NewFromYAML(data []byte) (*Engine, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse classification patterns: %w", err)
	}
	if err := f.compile(); err != nil {
		return nil, err
	}
	return &Engine{classes: f.Classifications}, nil
}

// Classes returns the classification names, highest priority first.
func (e *Engine) Classes() []string {
	names := make([]string, len(e.classes))
	for i, c := range e.classes {
		names[i] = c.Name
	}
	return names
}

// Classify returns the highest priority classification matching data, or
// Public.
func (e *Engine) Classify(data []byte) string {
	for _, c := range e.classes {
		for _, p := range c.Patterns {
			if p.re.Match(data) {
				return c.Name
			}
		}
	}
	return Public
}

// Scan reports every match, line by line. Matched text is not included.
func (e *Engine) Scan(content string) []Finding {
	var findings []Finding
	for i, line := range strings.Split(content, "\n") {
		for _, c := range e.classes {
			for _, p := range c.Patterns {
				if p.re.MatchString(line) {
					findings = append(findings, Finding{
						Line:           i + 1,
						Classification: c.Name,
						PatternID:      p.ID,
						Description:    p.Description,
						Confidence:     p.Confidence,
					})
				}
			}
		}
	}
	return findings
}

// Redactor replaces matches of selected classifications.
type Redactor struct {
	patterns []Pattern
}

// Redactor returns a redactor for the named classifications. Unknown
// names are an error so a typo in config does not disable redaction.
func (e *Engine) Redactor(classes ...string) (*Redactor, error) {
	r := &Redactor{}
	for _, name := range classes {
		found := false
		for _, c := range e.classes {
			if c.Name == name {
				r.patterns = append(r.patterns, c.Patterns...)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown classification %q", name)
		}
	}
	return r, nil
}

// Redact replaces each match with "[REDACTED:<pattern id>]" and returns
// the number of replacements.
func (r *Redactor) Redact(text string) (string, int) {
	n := 0
	for _, p := range r.patterns {
		text = p.re.ReplaceAllStringFunc(text, func(m string) string {
			if strings.Contains(m, redactedPrefix) {
				return m
			}
			n++
			return redactedPrefix + p.ID + "]"
		})
	}
	return text, n
}
