// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
)

// URNPrefix starts every lineage URN.
const URNPrefix = "urn:lineage:"

// DefaultSchemas are dropped from the front of qualified names.
var DefaultSchemas = []string{"dbo", "public"}

// Normalizer canonicalizes entity names so that spelling variants of the
// same identifier map to one URN.
type Normalizer struct {
	defaultSchemas map[string]bool
}

// NewNormalizer creates a normalizer that strips the given default schemas.
// With no arguments it strips DefaultSchemas; NewNormalizer("") strips none.
func NewNormalizer(defaultSchemas ...string) *Normalizer {
	if defaultSchemas == nil {
		defaultSchemas = DefaultSchemas
	}
	n := &Normalizer{defaultSchemas: make(map[string]bool, len(defaultSchemas))}
	for _, s := range defaultSchemas {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			n.defaultSchemas[s] = true
		}
	}
	return n
}

var defaultNormalizer = NewNormalizer()

// Normalize canonicalizes name with the default schemas.
func Normalize(name string) string {
	return defaultNormalizer.Normalize(name)
}

// URN builds the identifier of (scope, label, name) with the default
// normalizer.
func URN(scope string, label ast.Label, name string) (string, error) {
	return defaultNormalizer.URN(scope, label, name)
}

// Normalize lower-cases name, strips [], "" and `` quoting from each
// dot-separated part, trims whitespace and a trailing ';', drops empty
// parts, and removes a leading default schema from multi-part names.
func (n *Normalizer) Normalize(name string) string {
	s := strings.TrimSpace(name)
	s = strings.TrimSpace(strings.TrimSuffix(s, ";"))

	var parts []string
	for _, seg := range splitQualified(s) {
		seg = strings.ToLower(strings.TrimSpace(unquoteIdent(strings.TrimSpace(seg))))
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	if len(parts) > 1 && n.defaultSchemas[parts[0]] {
		parts = parts[1:]
	}
	return strings.Join(parts, ".")
}

// URN returns "urn:lineage:<scope>:<label>:<normalized name>".
func (n *Normalizer) URN(scope string, label ast.Label, name string) (string, error) {
	if err := ValidateScope(scope); err != nil {
		return "", err
	}
	if !label.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	norm := n.Normalize(name)
	if norm == "" || strings.ContainsRune(norm, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return URNPrefix + scope + ":" + strings.ToLower(string(label)) + ":" + norm, nil
}

// ValidateScope rejects scopes that would make URNs ambiguous.
func ValidateScope(scope string) error {
	if scope == "" {
		return fmt.Errorf("%w: empty", ErrInvalidScope)
	}
	for _, r := range scope {
		if r == ':' || r == 0 || unicode.IsSpace(r) {
			return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
		}
	}
	return nil
}

// ScopePrefix is the URN prefix shared by every entity of scope.
func ScopePrefix(scope string) string {
	return URNPrefix + scope + ":"
}

// InScope reports whether urn belongs to scope.
func InScope(urn, scope string) bool {
	return strings.HasPrefix(urn, ScopePrefix(scope))
}

// splitQualified splits on dots outside [..], ".." and `..` quoting.
func splitQualified(s string) []string {
	var (
		parts   []string
		start   int
		closing byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case closing != 0:
			if c == closing {
				closing = 0
			}
		case c == '[':
			closing = ']'
		case c == '"' || c == '`':
			closing = c
		case c == '.':
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func unquoteIdent(s string) string {
	if len(s) < 2 {
		return s
	}
	first, last := s[0], s[len(s)-1]
	if (first == '[' && last == ']') || (first == '"' && last == '"') || (first == '`' && last == '`') {
		return s[1 : len(s)-1]
	}
	return s
}
