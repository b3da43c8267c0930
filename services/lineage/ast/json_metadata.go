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
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// JSONMetadataPlugin reads lineage from JSON metadata documents.
//
// Two shapes are recognized: the native MetadataDocument and a dbt
// manifest (an object with "nodes" keyed by unique_id and a
// "metadata.dbt_schema_version"). Any other document, including invalid
// JSON, yields an empty degraded result.
type JSONMetadataPlugin struct {
	maxFileSize int
}

// NewJSONMetadataPlugin creates a JSONMetadataPlugin.
func NewJSONMetadataPlugin() *JSONMetadataPlugin {
	return &JSONMetadataPlugin{maxFileSize: DefaultMaxFileSize}
}

// Parse implements Parser.
func (p *JSONMetadataPlugin) Parse(ctx context.Context, content []byte, pctx ParseContext) (*LineageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("json parse canceled: %w", err)
	}
	if err := checkContent(content, p.maxFileSize); err != nil {
		return nil, err
	}

	b := newResultBuilder(pctx.FilePath, "json")
	b.result.Metadata[MetaLanguage] = "json"
	b.result.Metadata[MetaContentHash] = contentHash(content)

	if !gjson.ValidBytes(content) {
		b.result.MarkDegraded("invalid JSON document")
		return b.finish(), nil
	}
	doc := gjson.ParseBytes(content)

	switch {
	case doc.Get("metadata.dbt_schema_version").Exists() || doc.Get("nodes").IsObject():
		b.result.Metadata["format"] = "dbt_manifest"
		p.dbtManifest(doc, b)
	case doc.Get("datasets").IsArray() || doc.Get("jobs").IsArray():
		b.result.Metadata["format"] = "native"
		nativeJSON(doc).build(b)
	default:
		b.result.MarkDegraded("unrecognized metadata document")
	}
	return b.finish(), nil
}

func stringList(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func propsOf(r gjson.Result) map[string]any {
	if !r.IsObject() {
		return nil
	}
	m, _ := r.Value().(map[string]any)
	return m
}

// nativeJSON maps a native document with gjson so that unexpected field
// types are ignored rather than failing the whole decode.
func nativeJSON(doc gjson.Result) *MetadataDocument {
	d := &MetadataDocument{}
	doc.Get("datasets").ForEach(func(_, v gjson.Result) bool {
		d.Datasets = append(d.Datasets, MetadataDataset{
			Name:        v.Get("name").String(),
			Type:        v.Get("type").String(),
			Properties:  propsOf(v.Get("properties")),
			DerivedFrom: stringList(v.Get("derived_from")),
		})
		return true
	})
	doc.Get("jobs").ForEach(func(_, v gjson.Result) bool {
		d.Jobs = append(d.Jobs, MetadataJob{
			Name:       v.Get("name").String(),
			Type:       v.Get("type").String(),
			Properties: propsOf(v.Get("properties")),
			Inputs:     stringList(v.Get("inputs")),
			Outputs:    stringList(v.Get("outputs")),
			Executes:   stringList(v.Get("executes")),
		})
		return true
	})
	return d
}

// dbtManifest reads models, seeds, snapshots and sources. Each model
// DERIVES from the nodes in its depends_on.nodes list.
func (p *JSONMetadataPlugin) dbtManifest(doc gjson.Result, b *resultBuilder) {
	names := map[string]string{}

	relationName := func(v gjson.Result) string {
		name := v.Get("alias").String()
		if name == "" {
			name = v.Get("identifier").String()
		}
		if name == "" {
			name = v.Get("name").String()
		}
		if schema := v.Get("schema").String(); schema != "" && name != "" {
			return schema + "." + name
		}
		return name
	}

	var ids []string
	deps := map[string][]string{}
	doc.Get("nodes").ForEach(func(k, v gjson.Result) bool {
		switch v.Get("resource_type").String() {
		case "model", "seed", "snapshot":
		default:
			return true
		}
		name := relationName(v)
		if name == "" {
			b.result.AddDiagnostic(fmt.Sprintf("dbt node %s has no name", k.String()))
			return true
		}
		nodeType := TypeTable
		if v.Get("config.materialized").String() == "view" {
			nodeType = TypeView
		}
		b.define(Node{
			Label: LabelDataAsset,
			Type:  nodeType,
			Name:  name,
			Properties: map[string]any{
				"dbt_unique_id":     k.String(),
				"dbt_resource_type": v.Get("resource_type").String(),
			},
		})
		names[k.String()] = name
		ids = append(ids, k.String())
		deps[k.String()] = stringList(v.Get("depends_on.nodes"))
		return true
	})

	doc.Get("sources").ForEach(func(k, v gjson.Result) bool {
		name := relationName(v)
		if name == "" {
			return true
		}
		b.define(Node{
			Label: LabelDataAsset,
			Type:  TypeTable,
			Name:  name,
			Properties: map[string]any{
				"dbt_unique_id":     k.String(),
				"dbt_resource_type": "source",
			},
		})
		names[k.String()] = name
		return true
	})

	sort.Strings(ids)
	for _, id := range ids {
		target := Ref{Label: LabelDataAsset, Name: names[id]}
		for _, dep := range deps[id] {
			src, ok := names[dep]
			if !ok {
				// depends on a macro, test or disabled node
				continue
			}
			b.link(target, Ref{Label: LabelDataAsset, Name: src}, RelDerives, map[string]any{"dbt_unique_id": dep})
		}
	}
}
