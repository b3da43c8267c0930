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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/sql"
)

// DefaultMaxFileSize is the default per-file size limit of built-in plugins.
const DefaultMaxFileSize = 10 * 1024 * 1024

// SQLPlugin extracts lineage from SQL scripts.
//
// Description:
//
//	Lineage comes from a dialect-tolerant token scanner that understands
//	CREATE TABLE/VIEW/PROCEDURE/FUNCTION/TRIGGER definitions and the DML
//	statements inside and outside routine bodies (ANSI, T-SQL, PL/pgSQL,
//	MySQL). The tree-sitter SQL grammar runs alongside as a syntax check;
//	its error count is reported in metadata but does not degrade the
//	result, because the grammar rejects most vendor extensions.
//
//	Statements inside a routine produce edges from the routine node.
//	Statements outside any routine produce edges from a Job/Script node
//	named after the file.
//
// Thread Safety:
//
//	SQLPlugin is safe for concurrent use.
type SQLPlugin struct {
	maxFileSize int
	syntaxCheck bool
}

// SQLPluginOption configures SQLPlugin.
type SQLPluginOption func(*SQLPlugin)

// WithSQLMaxFileSize sets the maximum accepted content size.
func WithSQLMaxFileSize(size int) SQLPluginOption {
	return func(p *SQLPlugin) {
		p.maxFileSize = size
	}
}

// WithSQLSyntaxCheck toggles the tree-sitter syntax check.
func WithSQLSyntaxCheck(enabled bool) SQLPluginOption {
	return func(p *SQLPlugin) {
		p.syntaxCheck = enabled
	}
}

// NewSQLPlugin creates a SQLPlugin.
func NewSQLPlugin(opts ...SQLPluginOption) *SQLPlugin {
	p := &SQLPlugin{maxFileSize: DefaultMaxFileSize, syntaxCheck: true}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse implements Parser.
func (p *SQLPlugin) Parse(ctx context.Context, content []byte, pctx ParseContext) (*LineageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sql parse canceled: %w", err)
	}
	if err := checkContent(content, p.maxFileSize); err != nil {
		return nil, err
	}

	b := newResultBuilder(pctx.FilePath, "sql")
	w := newSQLWalker(b, pctx.FilePath, 0, nil)

	lexed := lexSQL(string(content))
	w.run(lexed.tokens)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sql parse canceled: %w", err)
	}

	res := b.finish()
	res.Metadata[MetaLanguage] = "sql"
	res.Metadata[MetaContentHash] = contentHash(content)
	for _, problem := range lexed.problems {
		res.MarkDegraded(problem)
	}

	if p.syntaxCheck {
		if n, err := syntaxErrorCount(ctx, content); err == nil {
			res.Metadata["syntax_errors"] = n
		}
	}
	return res, nil
}

// checkContent rejects content that no plugin can process.
func checkContent(content []byte, maxSize int) error {
	if maxSize > 0 && len(content) > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFileTooLarge, len(content), maxSize)
	}
	if !utf8.Valid(content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
	}
	return nil
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// syntaxErrorCount parses with the tree-sitter SQL grammar and counts error
// and missing nodes.
func syntaxErrorCount(ctx context.Context, content []byte) (int, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(sql.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return 0, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return 0, nil
	}
	count := 0
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.IsError() || n.IsMissing() {
			count++
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)
	return count, nil
}

// containerMode says how a routine body ends.
type containerMode int

const (
	containerNone containerMode = iota
	// containerBatch bodies end at GO, the next CREATE/ALTER, EOF, or when
	// a BEGIN block they opened closes.
	containerBatch
	// containerDollar bodies end at the closing dollar tag.
	containerDollar
)

// sqlWalker splits a token stream into statements and turns the facts of
// each statement into nodes and edges.
type sqlWalker struct {
	b          *resultBuilder
	file       string
	lineOffset int
	scanner    sqlScanner

	// owner overrides the script node for statements outside routines.
	owner func() Ref

	container      *Ref
	containerMode  containerMode
	containerDepth int
	containerBlock bool
	containerTag   string

	dollarTags []string
	openingTag *string
	scriptRef  *Ref
}

func newSQLWalker(b *resultBuilder, file string, lineOffset int, owner func() Ref) *sqlWalker {
	return &sqlWalker{b: b, file: file, lineOffset: lineOffset, owner: owner}
}

func (w *sqlWalker) run(toks []token) {
	start := 0
	depth := 0
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.isPunct("("):
			depth++
		case t.isPunct(")"):
			if depth > 0 {
				depth--
			}
		case t.isPunct(";") && depth == 0:
			w.statement(toks[start:i])
			start = i + 1
		case t.kind == tokDollar:
			if !w.isClosingTag(t.text) {
				tag := t.text
				w.openingTag = &tag
			}
			w.statement(toks[start:i])
			w.openingTag = nil
			w.dollar(t.text)
			start = i + 1
			depth = 0
		case t.is("go") && isBatchSeparator(toks, i):
			w.statement(toks[start:i])
			if w.containerMode == containerBatch {
				w.endContainer()
			}
			start = i + 1
			if start < len(toks) && toks[start].kind == tokNumber && toks[start].line == t.line {
				start++
				i++
			}
		}
	}
	w.statement(toks[start:])
	w.endContainer()
}

// isBatchSeparator reports whether the GO at i stands alone on its line.
func isBatchSeparator(toks []token, i int) bool {
	line := toks[i].line
	if i > 0 && toks[i-1].line == line {
		return false
	}
	if i+1 < len(toks) && toks[i+1].line == line && toks[i+1].kind != tokNumber {
		return false
	}
	return true
}

func (w *sqlWalker) isClosingTag(tag string) bool {
	n := len(w.dollarTags)
	return n > 0 && w.dollarTags[n-1] == tag
}

// dollar handles an opening or closing dollar-quote tag.
func (w *sqlWalker) dollar(tag string) {
	if w.isClosingTag(tag) {
		w.dollarTags = w.dollarTags[:len(w.dollarTags)-1]
		if w.containerMode == containerDollar && w.containerTag == tag && len(w.dollarTags) == 0 {
			w.endContainer()
		}
		w.scanner.intoVariables = len(w.dollarTags) > 0
		return
	}
	w.dollarTags = append(w.dollarTags, tag)
	w.scanner.intoVariables = true
}

func (w *sqlWalker) endContainer() {
	w.container = nil
	w.containerMode = containerNone
	w.containerDepth = 0
	w.containerBlock = false
	w.containerTag = ""
	w.scanner.intoVariables = len(w.dollarTags) > 0
}

// statement processes one statement.
func (w *sqlWalker) statement(toks []token) {
	if len(toks) == 0 {
		return
	}

	if toks[0].isAny("create", "alter") && w.containerMode == containerBatch &&
		!(w.containerBlock && w.containerDepth > 0) {
		w.endContainer()
	}

	facts := w.scanner.scan(toks)
	switch facts.kind {
	case stmtCreateRoutine:
		w.routine(toks, facts)
		return
	case stmtCreateTable, stmtCreateView:
		w.definition(facts, toks[0].line)
	default:
		w.attribute(facts)
	}
	if w.containerMode == containerBatch {
		w.trackBlocks(toks)
	}
}

// definition defines a table or view. Views and CREATE TABLE AS SELECT
// derive from every relation they read.
func (w *sqlWalker) definition(facts sqlFacts, line int) {
	if isTempName(facts.defines.Name) {
		return
	}
	ref := w.b.define(w.withOrigin(*facts.defines, line))
	if facts.kind != stmtCreateView && !facts.ctas {
		return
	}
	for _, r := range facts.reads {
		if isTempName(r.name) {
			continue
		}
		w.link(ref, Ref{Label: LabelDataAsset, Name: r.name}, RelDerives, r.line)
	}
}

// routine defines a procedure, function, or trigger node and opens its
// body as the current container.
func (w *sqlWalker) routine(toks []token, facts sqlFacts) {
	ref := w.b.define(w.withOrigin(*facts.defines, toks[0].line))
	for _, e := range facts.executes {
		w.link(ref, Ref{Label: LabelFunction, Name: e.name}, RelExecutes, e.line)
	}

	if w.openingTag != nil {
		if len(w.dollarTags) == 0 {
			w.container = &ref
			w.containerMode = containerDollar
			w.containerTag = *w.openingTag
		}
		return
	}

	if facts.bodyStart < 0 || facts.bodyStart >= len(toks) {
		return
	}
	body := toks[facts.bodyStart:]
	if body[0].kind == tokString {
		// LANGUAGE sql AS '...'
		return
	}

	w.container = &ref
	w.containerMode = containerBatch
	w.scanner.intoVariables = len(w.dollarTags) > 0 || toks[facts.bodyStart-1].is("is")

	bodyFacts := w.scanner.scan(body)
	switch bodyFacts.kind {
	case stmtCreateTable, stmtCreateView:
		w.definition(bodyFacts, body[0].line)
	case stmtDML:
		w.attribute(bodyFacts)
	}
	w.trackBlocks(body)
}

func (w *sqlWalker) trackBlocks(toks []token) {
	delta, opened := blockDelta(toks)
	w.containerDepth += delta
	if opened {
		w.containerBlock = true
	}
	if w.containerBlock && w.containerDepth <= 0 {
		w.endContainer()
	}
}

// attribute links DML facts to the current owner.
func (w *sqlWalker) attribute(facts sqlFacts) {
	if len(facts.reads) == 0 && len(facts.writes) == 0 && len(facts.executes) == 0 {
		return
	}
	owner := w.currentOwner()
	for _, r := range facts.reads {
		if isTempName(r.name) {
			continue
		}
		w.link(owner, Ref{Label: LabelDataAsset, Name: r.name}, RelReadsFrom, r.line)
	}
	for _, wr := range facts.writes {
		if isTempName(wr.name) {
			continue
		}
		w.link(owner, Ref{Label: LabelDataAsset, Name: wr.name}, RelWritesTo, wr.line)
	}
	for _, e := range facts.executes {
		w.link(owner, Ref{Label: LabelFunction, Name: e.name}, RelExecutes, e.line)
	}
}

func (w *sqlWalker) currentOwner() Ref {
	if w.container != nil {
		return *w.container
	}
	if w.owner != nil {
		return w.owner()
	}
	if w.scriptRef == nil {
		ref := w.b.define(Node{
			Label:      LabelJob,
			Type:       TypeScript,
			Name:       w.file,
			Properties: map[string]any{"file": w.file},
		})
		w.scriptRef = &ref
	}
	return *w.scriptRef
}

func (w *sqlWalker) withOrigin(n Node, line int) Node {
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	n.Properties["file"] = w.file
	n.Properties["line"] = line + w.lineOffset
	return n
}

func (w *sqlWalker) link(src, dst Ref, rel Relationship, line int) {
	w.b.link(src, dst, rel, map[string]any{
		"file": w.file,
		"line": line + w.lineOffset,
	})
}

// isTempName reports T-SQL temp tables (#t, ##t), which never leave the
// session and carry no lineage.
func isTempName(name string) bool {
	return strings.HasPrefix(name, "#")
}
