// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLMetadataPlugin reads native lineage metadata documents in YAML.
// Decode errors yield an empty degraded result.
type YAMLMetadataPlugin struct {
	maxFileSize int
}

// NewYAMLMetadataPlugin creates a YAMLMetadataPlugin.
func NewYAMLMetadataPlugin() *YAMLMetadataPlugin {
	return &YAMLMetadataPlugin{maxFileSize: DefaultMaxFileSize}
}

// Parse implements Parser.
func (p *YAMLMetadataPlugin) Parse(ctx context.Context, content []byte, pctx ParseContext) (*LineageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("yaml parse canceled: %w", err)
	}
	if err := checkContent(content, p.maxFileSize); err != nil {
		return nil, err
	}

	b := newResultBuilder(pctx.FilePath, "yaml")
	b.result.Metadata[MetaLanguage] = "yaml"
	b.result.Metadata[MetaContentHash] = contentHash(content)

	var doc MetadataDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		b.result.MarkDegraded(fmt.Sprintf("invalid YAML document: %v", err))
		return b.finish(), nil
	}
	if len(doc.Datasets) == 0 && len(doc.Jobs) == 0 {
		b.result.MarkDegraded("unrecognized metadata document")
		return b.finish(), nil
	}
	doc.build(b)
	return b.finish(), nil
}
