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
	"fmt"
	"sort"
)

// Builtin describes a built-in plugin.
type Builtin struct {
	Name       string
	Extensions []string
	New        func() Parser
}

// Builtins is the explicit registration table of built-in plugins.
var Builtins = map[string]Builtin{
	"sql": {
		Name:       "sql",
		Extensions: []string{".sql", ".ddl", ".psql", ".pgsql", ".tsql"},
		New:        func() Parser { return NewSQLPlugin() },
	},
	"python": {
		Name:       "python",
		Extensions: []string{".py"},
		New:        func() Parser { return NewPythonPlugin() },
	},
	"json": {
		Name:       "json",
		Extensions: []string{".json"},
		New:        func() Parser { return NewJSONMetadataPlugin() },
	},
	"yaml": {
		Name:       "yaml",
		Extensions: []string{".lineage.yaml", ".lineage.yml"},
		New:        func() Parser { return NewYAMLMetadataPlugin() },
	},
}

// DefaultPluginOrder is the registration order used when configuration
// does not list plugins.
var DefaultPluginOrder = []string{"sql", "python", "json", "yaml"}

// BuiltinNames returns the names of all built-in plugins, sorted.
func BuiltinNames() []string {
	names := make([]string, 0, len(Builtins))
	for name := range Builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewRegistryFromNames registers built-in plugins in the given order.
//
// Description:
//
//	Order matters: when two plugins claim the same extension the earlier
//	name wins. extraExtensions adds claims per plugin name on top of the
//	built-in extensions (for example ".hql" for "sql").
//
// Outputs:
//
//	*Registry - The populated registry.
//	error     - ErrUnknownPlugin for a name missing from Builtins.
func NewRegistryFromNames(names []string, extraExtensions map[string][]string, opts ...RegistryOption) (*Registry, error) {
	if len(names) == 0 {
		names = DefaultPluginOrder
	}
	r := NewRegistry(opts...)
	for _, name := range names {
		b, ok := Builtins[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
		}
		exts := append(append([]string{}, b.Extensions...), extraExtensions[name]...)
		if err := r.Register(b.Name, exts, b.New()); err != nil {
			return nil, err
		}
	}
	return r, nil
}
