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
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Calls whose first argument is a SQL statement.
var pythonSQLCalls = map[string]bool{
	"execute": true, "executemany": true, "read_sql": true, "read_sql_query": true,
	"sql": true, "text": true, "execute_sql": true, "query": true,
}

// Calls whose first argument names a table that is read.
var pythonTableReads = map[string]bool{
	"read_sql_table": true, "table": true,
}

// Calls whose first argument names a table that is written.
var pythonTableWrites = map[string]bool{
	"to_sql": true, "saveAsTable": true, "insertInto": true,
}

// PythonPlugin extracts lineage from Python data pipelines.
//
// Description:
//
//	Functions, methods and classes become nodes. Calls to functions of the
//	same file, to self methods and to imported names become CALLS edges.
//	SQL passed to DB-API and pandas/SQLAlchemy/Spark entry points is run
//	through the SQL scanner and attributed to the enclosing function;
//	module-level code is attributed to a Job/Script node for the file.
//
// Thread Safety:
//
//	PythonPlugin is safe for concurrent use. Each Parse creates its own
//	tree-sitter parser.
type PythonPlugin struct {
	maxFileSize int
}

// PythonPluginOption configures PythonPlugin.
type PythonPluginOption func(*PythonPlugin)

// WithPythonMaxFileSize sets the maximum accepted content size.
func WithPythonMaxFileSize(size int) PythonPluginOption {
	return func(p *PythonPlugin) {
		p.maxFileSize = size
	}
}

// NewPythonPlugin creates a PythonPlugin.
func NewPythonPlugin(opts ...PythonPluginOption) *PythonPlugin {
	p := &PythonPlugin{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse implements Parser.
func (p *PythonPlugin) Parse(ctx context.Context, content []byte, pctx ParseContext) (*LineageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("python parse canceled: %w", err)
	}
	if err := checkContent(content, p.maxFileSize); err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("python parse canceled after tree-sitter: %w", err)
	}

	b := newResultBuilder(pctx.FilePath, "python")
	root := tree.RootNode()
	x := &pyExtractor{
		b:       b,
		src:     content,
		file:    pctx.FilePath,
		module:  ModuleName(pctx.FilePath),
		imports: map[string]string{},
		funcs:   map[string]bool{},
	}
	x.collectTopLevel(root)
	x.walk(root, pyScope{vars: map[string]string{}})

	res := b.finish()
	res.Metadata[MetaLanguage] = "python"
	res.Metadata[MetaContentHash] = contentHash(content)
	if root.HasError() {
		res.MarkDegraded("source contains syntax errors")
	}
	for _, d := range x.diagnostics {
		res.AddDiagnostic(d)
	}
	return res, nil
}

// pyScope is the lexical position during the walk.
type pyScope struct {
	owner       *Ref
	class       string
	inClassBody bool
	inFunction  bool
	vars        map[string]string
	parentVars  map[string]string
}

func (s pyScope) lookup(name string) (string, bool) {
	if v, ok := s.vars[name]; ok {
		return v, true
	}
	v, ok := s.parentVars[name]
	return v, ok
}

type pyExtractor struct {
	b    *resultBuilder
	src  []byte
	file string

	// module is the dotted module path of the file ("etl.pipeline").
	module string

	// imports maps a local name to its qualified target.
	imports map[string]string
	// funcs holds module-level function names of this file.
	funcs map[string]bool

	scriptRef   *Ref
	diagnostics []string
}

// ModuleName derives the dotted Python module path from a file path, so
// that "etl/common.py" defines "etl.common" and imports of
// etl.common.notify resolve to the function defined there.
func ModuleName(filePath string) string {
	p := strings.TrimSuffix(strings.ReplaceAll(filePath, "\\", "/"), ".py")
	p = strings.TrimSuffix(p, "/__init__")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimLeft(p, "/")
	if p == "__init__" {
		return ""
	}
	return strings.ReplaceAll(p, "/", ".")
}

func (x *pyExtractor) qualify(name string) string {
	if x.module == "" {
		return name
	}
	return x.module + "." + name
}

func (x *pyExtractor) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(x.src)
}

// collectTopLevel records module-level functions and imports before the
// walk so that calls may precede definitions.
func (x *pyExtractor) collectTopLevel(root *sitter.Node) {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n.Type() == "decorated_definition" {
			n = n.ChildByFieldName("definition")
		}
		if n == nil {
			continue
		}
		switch n.Type() {
		case "function_definition":
			x.funcs[x.text(n.ChildByFieldName("name"))] = true
		case "import_statement", "import_from_statement":
			x.collectImport(n)
		}
	}
}

func (x *pyExtractor) collectImport(n *sitter.Node) {
	module := ""
	var moduleStart uint32
	if n.Type() == "import_from_statement" {
		if m := n.ChildByFieldName("module_name"); m != nil {
			module = x.text(m)
			moduleStart = m.StartByte()
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if module != "" && c.StartByte() == moduleStart {
			continue
		}
		var name, alias string
		switch c.Type() {
		case "dotted_name":
			name = x.text(c)
		case "aliased_import":
			name = x.text(c.ChildByFieldName("name"))
			alias = x.text(c.ChildByFieldName("alias"))
		default:
			continue
		}
		qualified := name
		if module != "" {
			qualified = module + "." + name
		}
		if alias == "" {
			alias = name
			if module == "" {
				// import a.b binds a
				alias = strings.SplitN(name, ".", 2)[0]
				qualified = alias
			}
		}
		x.imports[alias] = qualified
	}
}

func (x *pyExtractor) walk(n *sitter.Node, scope pyScope) {
	switch n.Type() {
	case "function_definition":
		x.function(n, scope)
		return
	case "class_definition":
		x.class(n, scope)
		return
	case "import_statement", "import_from_statement":
		if scope.inFunction || scope.inClassBody {
			x.collectImport(n)
		}
		return
	case "assignment":
		x.assignment(n, scope)
	case "call":
		x.call(n, scope)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		x.walk(n.NamedChild(i), scope)
	}
}

func (x *pyExtractor) function(n *sitter.Node, scope pyScope) {
	name := x.text(n.ChildByFieldName("name"))
	body := n.ChildByFieldName("body")
	if name == "" || body == nil {
		return
	}
	line := int(n.StartPoint().Row) + 1

	inner := pyScope{
		class:      scope.class,
		inFunction: true,
		vars:       map[string]string{},
		parentVars: mergeVars(scope.parentVars, scope.vars),
	}
	switch {
	case scope.inFunction:
		// Nested functions belong to their enclosing function.
		inner.owner = scope.owner
	case scope.inClassBody:
		ref := x.b.define(Node{
			Label:      LabelFunction,
			Type:       TypeMethod,
			Name:       x.qualify(scope.class + "." + name),
			Properties: map[string]any{"file": x.file, "line": line, "class": scope.class},
		})
		inner.owner = &ref
	default:
		ref := x.b.define(Node{
			Label:      LabelFunction,
			Type:       TypeFunction,
			Name:       x.qualify(name),
			Properties: map[string]any{"file": x.file, "line": line},
		})
		inner.owner = &ref
	}
	x.walk(body, inner)
}

func (x *pyExtractor) class(n *sitter.Node, scope pyScope) {
	name := x.text(n.ChildByFieldName("name"))
	body := n.ChildByFieldName("body")
	if name == "" || body == nil {
		return
	}
	if scope.class != "" && scope.inClassBody {
		name = scope.class + "." + name
	}
	ref := x.b.define(Node{
		Label:      LabelClass,
		Type:       TypeClass,
		Name:       x.qualify(name),
		Properties: map[string]any{"file": x.file, "line": int(n.StartPoint().Row) + 1},
	})
	x.walk(body, pyScope{
		owner:       &ref,
		class:       name,
		inClassBody: true,
		vars:        map[string]string{},
		parentVars:  mergeVars(scope.parentVars, scope.vars),
	})
}

// assignment remembers string constants so that execute(QUERY) resolves.
func (x *pyExtractor) assignment(n *sitter.Node, scope pyScope) {
	left := n.ChildByFieldName("left")
	right := n.ChildByFieldName("right")
	if left == nil || right == nil || left.Type() != "identifier" {
		return
	}
	if s, ok := x.stringValue(right, scope); ok {
		scope.vars[x.text(left)] = s
	}
}

func (x *pyExtractor) call(n *sitter.Node, scope pyScope) {
	fn := n.ChildByFieldName("function")
	args := n.ChildByFieldName("arguments")
	if fn == nil {
		return
	}

	var name, object string
	switch fn.Type() {
	case "identifier":
		name = x.text(fn)
	case "attribute":
		name = x.text(fn.ChildByFieldName("attribute"))
		object = x.text(fn.ChildByFieldName("object"))
	default:
		return
	}
	line := int(n.StartPoint().Row) + 1

	switch {
	case object == "" && x.funcs[name]:
		x.link(scope, Ref{Label: LabelFunction, Name: x.qualify(name)}, RelCalls, line)
		return
	case object == "self" && scope.class != "":
		x.link(scope, Ref{Label: LabelFunction, Name: x.qualify(scope.class + "." + name)}, RelCalls, line)
		return
	case pythonSQLCalls[name]:
		if sqlText, row, ok := x.argument(args, scope, "sql", "statement"); ok {
			x.embeddedSQL(sqlText, row, scope)
		}
		return
	case pythonTableReads[name]:
		if name == "table" && object == "" {
			break
		}
		if table, _, ok := x.argument(args, scope, "table_name", "tableName"); ok {
			x.link(scope, Ref{Label: LabelDataAsset, Name: strings.TrimSpace(table)}, RelReadsFrom, line)
		}
		return
	case pythonTableWrites[name]:
		if table, _, ok := x.argument(args, scope, "name", "tableName"); ok {
			x.link(scope, Ref{Label: LabelDataAsset, Name: strings.TrimSpace(table)}, RelWritesTo, line)
		}
		return
	}

	if object == "" {
		if target, ok := x.imports[name]; ok {
			x.link(scope, Ref{Label: LabelFunction, Name: target}, RelCalls, line)
		}
		return
	}
	if module, ok := x.imports[object]; ok && !strings.Contains(object, ".") {
		x.link(scope, Ref{Label: LabelFunction, Name: module + "." + name}, RelCalls, line)
	}
}

// argument returns the first positional argument, or the first of the
// named keyword arguments, as a string.
func (x *pyExtractor) argument(args *sitter.Node, scope pyScope, keywords ...string) (string, int, bool) {
	if args == nil {
		return "", 0, false
	}
	positional := 0
	for i := 0; i < int(args.NamedChildCount()); i++ {
		a := args.NamedChild(i)
		switch a.Type() {
		case "comment":
			continue
		case "keyword_argument":
			key := x.text(a.ChildByFieldName("name"))
			for _, k := range keywords {
				if key == k {
					if s, ok := x.stringValue(a.ChildByFieldName("value"), scope); ok {
						return s, int(a.StartPoint().Row), true
					}
				}
			}
			continue
		}
		positional++
		if positional > 1 {
			// only the first positional argument names SQL or a table
			continue
		}
		if s, ok := x.stringValue(a, scope); ok {
			return s, int(a.StartPoint().Row), true
		}
	}
	return "", 0, false
}

func (x *pyExtractor) stringValue(n *sitter.Node, scope pyScope) (string, bool) {
	if n == nil {
		return "", false
	}
	switch n.Type() {
	case "string":
		return unquotePython(x.text(n)), true
	case "concatenated_string":
		var sb strings.Builder
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if s, ok := x.stringValue(n.NamedChild(i), scope); ok {
				sb.WriteString(s)
			}
		}
		return sb.String(), true
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return x.stringValue(n.NamedChild(0), scope)
		}
	case "identifier":
		return scope.lookup(x.text(n))
	}
	return "", false
}

// embeddedSQL scans a SQL string and attributes its lineage to the scope
// owner. Lexer problems in embedded SQL are diagnostics only.
func (x *pyExtractor) embeddedSQL(sqlText string, row int, scope pyScope) {
	lexed := lexSQL(sqlText)
	w := newSQLWalker(x.b, x.file, row, func() Ref { return x.owner(scope) })
	w.run(lexed.tokens)
	for _, p := range lexed.problems {
		x.diagnostics = append(x.diagnostics, fmt.Sprintf("embedded SQL at line %d: %s", row+1, p))
	}
}

func (x *pyExtractor) owner(scope pyScope) Ref {
	if scope.owner != nil {
		return *scope.owner
	}
	if x.scriptRef == nil {
		ref := x.b.define(Node{
			Label:      LabelJob,
			Type:       TypeScript,
			Name:       x.file,
			Properties: map[string]any{"file": x.file},
		})
		x.scriptRef = &ref
	}
	return *x.scriptRef
}

func (x *pyExtractor) link(scope pyScope, dst Ref, rel Relationship, line int) {
	if dst.Name == "" {
		return
	}
	x.b.link(x.owner(scope), dst, rel, map[string]any{"file": x.file, "line": line})
}

func mergeVars(outer, inner map[string]string) map[string]string {
	merged := make(map[string]string, len(outer)+len(inner))
	for k, v := range outer {
		merged[k] = v
	}
	for k, v := range inner {
		merged[k] = v
	}
	return merged
}

// unquotePython strips string prefixes (r, b, f, u) and quotes.
func unquotePython(raw string) string {
	i := 0
	for i < len(raw) && i < 2 && strings.ContainsRune("rRbBuUfF", rune(raw[i])) {
		i++
	}
	s := raw[i:]
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}
