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
	"strings"
)

// reservedNames lists words that can follow FROM/JOIN/INTO without being a
// relation name. inserted and deleted are T-SQL trigger pseudo-tables.
var reservedNames = map[string]bool{
	"select": true, "where": true, "set": true, "values": true, "on": true,
	"as": true, "join": true, "left": true, "right": true, "inner": true,
	"outer": true, "full": true, "cross": true, "group": true, "order": true,
	"by": true, "having": true, "limit": true, "union": true, "except": true,
	"intersect": true, "into": true, "from": true, "using": true, "when": true,
	"then": true, "else": true, "end": true, "begin": true, "case": true,
	"and": true, "or": true, "not": true, "null": true, "default": true,
	"table": true, "with": true, "returning": true, "output": true, "top": true,
	"distinct": true, "all": true, "lateral": true, "unnest": true, "if": true,
	"exists": true, "go": true, "natural": true, "window": true, "qualify": true,
	"fetch": true, "offset": true, "for": true, "option": true, "pivot": true,
	"unpivot": true, "tablesample": true, "dual": true, "inserted": true,
	"deleted": true,
}

// parenFunctionsWithFrom are SQL functions whose argument syntax uses FROM.
var parenFunctionsWithFrom = map[string]bool{
	"extract": true, "substring": true, "substr": true, "trim": true,
	"position": true, "overlay": true,
}

// stmtKind classifies what a statement defines.
type stmtKind int

const (
	stmtDML stmtKind = iota
	stmtCreateTable
	stmtCreateView
	stmtCreateRoutine
	stmtOther
)

// sqlFacts is the lineage extracted from one statement.
type sqlFacts struct {
	kind      stmtKind
	defines   *Node
	ctas      bool
	reads     []sqlName
	writes    []sqlName
	executes  []sqlName
	bodyStart int
}

type sqlName struct {
	name string
	line int
}

// sqlScanner extracts lineage from a token stream.
type sqlScanner struct {
	toks []token

	// intoVariables is set inside PL/pgSQL and PL/SQL bodies, where
	// SELECT ... INTO targets are variables rather than tables.
	intoVariables bool
}

// readName reads a possibly qualified relation name starting at i.
func readName(toks []token, i int) (string, int, bool) {
	if i >= len(toks) {
		return "", i, false
	}
	t := toks[i]
	if t.kind != tokWord && t.kind != tokQuoted {
		return "", i, false
	}
	if t.kind == tokWord && reservedNames[t.lower()] {
		return "", i, false
	}
	var sb strings.Builder
	sb.WriteString(t.text)
	j := i + 1
	for j+1 < len(toks) && toks[j].isPunct(".") {
		next := toks[j+1]
		if next.isPunct(".") {
			// db..table (T-SQL default schema)
			sb.WriteString(".")
			j++
			continue
		}
		if next.kind != tokWord && next.kind != tokQuoted {
			break
		}
		sb.WriteString(".")
		sb.WriteString(next.text)
		j += 2
	}
	return sb.String(), j, true
}

// skipParens returns the index after the parenthesis group opening at i.
func skipParens(toks []token, i int) int {
	if i >= len(toks) || !toks[i].isPunct("(") {
		return i
	}
	depth := 0
	for j := i; j < len(toks); j++ {
		switch {
		case toks[j].isPunct("("):
			depth++
		case toks[j].isPunct(")"):
			depth--
			if depth == 0 {
				return j + 1
			}
		}
	}
	return len(toks)
}

// cteNames collects names introduced by WITH clauses in the statement.
func cteNames(toks []token) map[string]bool {
	names := map[string]bool{}
	for i := 0; i < len(toks); i++ {
		if !toks[i].is("with") {
			continue
		}
		j := i + 1
		if j < len(toks) && toks[j].is("recursive") {
			j++
		}
		for j < len(toks) {
			if toks[j].kind != tokWord && toks[j].kind != tokQuoted {
				break
			}
			name := toks[j].text
			j++
			if j < len(toks) && toks[j].isPunct("(") {
				j = skipParens(toks, j)
			}
			if j >= len(toks) || !toks[j].is("as") {
				break
			}
			j++
			for j < len(toks) && toks[j].isAny("not", "materialized") {
				j++
			}
			if j >= len(toks) || !toks[j].isPunct("(") {
				break
			}
			names[strings.ToLower(name)] = true
			j = skipParens(toks, j)
			if j < len(toks) && toks[j].isPunct(",") {
				j++
				continue
			}
			break
		}
	}
	return names
}

// scan extracts facts from one statement.
func (s *sqlScanner) scan(toks []token) sqlFacts {
	facts := sqlFacts{kind: stmtDML, bodyStart: -1}
	if len(toks) == 0 {
		facts.kind = stmtOther
		return facts
	}

	start := 0
	for start < len(toks) && toks[start].isAny("begin", "end") {
		start++
	}
	if start < len(toks) && toks[start].isAny("create", "alter") {
		if s.scanCreate(toks, start, &facts) {
			if facts.kind == stmtCreateRoutine {
				return facts
			}
		}
	}

	ctes := cteNames(toks)
	s.scanDML(toks, &facts, ctes)
	return facts
}

// scanCreate handles CREATE/ALTER headers. It returns true when the
// statement defines a relation or routine.
func (s *sqlScanner) scanCreate(toks []token, i int, facts *sqlFacts) bool {
	isAlter := toks[i].is("alter")
	j := i + 1
	for j < len(toks) && toks[j].isAny("or", "replace", "alter", "temp", "temporary", "global",
		"local", "unlogged", "materialized", "external", "transient", "volatile", "secure",
		"recursive", "definer", "sql", "security", "=", "invoker") {
		j++
	}
	// MySQL DEFINER=`user`@`host`
	for j < len(toks) && (toks[j].isPunct("=") || toks[j].kind == tokQuoted || toks[j].kind == tokVariable) {
		j++
	}
	if j >= len(toks) {
		return false
	}
	kindTok := toks[j]
	j++
	if j+2 < len(toks) && toks[j].is("if") && toks[j+1].is("not") && toks[j+2].is("exists") {
		j += 3
	}

	switch {
	case kindTok.is("table") && !isAlter:
		name, next, ok := readName(toks, j)
		if !ok {
			return false
		}
		facts.kind = stmtCreateTable
		facts.defines = &Node{Label: LabelDataAsset, Type: TypeTable, Name: name, Properties: map[string]any{}}
		if next < len(toks) && toks[next].isPunct("(") {
			if cols := columnList(toks[next:skipParens(toks, next)]); len(cols) > 0 {
				facts.defines.Properties["columns"] = cols
			}
			next = skipParens(toks, next)
		}
		for k := next; k < len(toks); k++ {
			if toks[k].is("as") || toks[k].is("select") {
				facts.ctas = true
				break
			}
		}
		return true

	case kindTok.is("view"):
		name, _, ok := readName(toks, j)
		if !ok {
			return false
		}
		facts.kind = stmtCreateView
		facts.defines = &Node{Label: LabelDataAsset, Type: TypeView, Name: name, Properties: map[string]any{}}
		return true

	case kindTok.isAny("procedure", "proc", "function", "trigger"):
		name, next, ok := readName(toks, j)
		if !ok {
			return false
		}
		nodeType := TypeProcedure
		switch {
		case kindTok.is("function"):
			nodeType = TypeFunction
		case kindTok.is("trigger"):
			nodeType = TypeTrigger
		}
		facts.kind = stmtCreateRoutine
		facts.defines = &Node{Label: LabelFunction, Type: nodeType, Name: name, Properties: map[string]any{}}
		facts.bodyStart = routineBodyStart(toks, next, kindTok.is("trigger"))
		if kindTok.is("trigger") {
			s.scanTriggerHeader(toks[next:], facts)
		}
		return true
	}
	return false
}

// routineBodyStart finds the first body token after a routine header: the
// token after AS/IS at paren depth zero, or BEGIN. Returns -1 when the body
// is not in this statement (dollar-quoted or missing).
func routineBodyStart(toks []token, i int, trigger bool) int {
	depth := 0
	for j := i; j < len(toks); j++ {
		t := toks[j]
		switch {
		case t.isPunct("("):
			depth++
		case t.isPunct(")"):
			depth--
		case depth > 0:
		case trigger && t.isAny("execute", "for"):
			// Trigger headers have no AS body; lineage comes from scanTriggerHeader.
			if t.is("execute") {
				return -1
			}
		case t.isAny("as", "is"):
			return j + 1
		case t.is("begin"):
			return j
		}
	}
	return -1
}

// scanTriggerHeader records EXECUTE FUNCTION/PROCEDURE targets of
// PostgreSQL trigger definitions.
func (s *sqlScanner) scanTriggerHeader(toks []token, facts *sqlFacts) {
	for i := 0; i+1 < len(toks); i++ {
		if !toks[i].is("execute") || !toks[i+1].isAny("function", "procedure") {
			continue
		}
		if name, _, ok := readName(toks, i+2); ok {
			facts.executes = append(facts.executes, sqlName{name: name, line: toks[i].line})
		}
	}
}

// columnList returns the column names declared in a CREATE TABLE body,
// skipping table constraints.
func columnList(toks []token) []string {
	if len(toks) < 2 {
		return nil
	}
	inner := toks[1 : len(toks)-1]
	var cols []string
	expectName := true
	depth := 0
	for _, t := range inner {
		switch {
		case t.isPunct("("):
			depth++
		case t.isPunct(")"):
			depth--
		case depth == 0 && t.isPunct(","):
			expectName = true
		case expectName && depth == 0:
			expectName = false
			if t.kind == tokWord && t.isAny("constraint", "primary", "foreign", "unique", "check", "index", "key", "exclude", "period") {
				continue
			}
			if t.kind == tokWord || t.kind == tokQuoted {
				cols = append(cols, t.text)
			}
		}
	}
	return cols
}

// scanDML finds relation reads, writes and routine executions.
func (s *sqlScanner) scanDML(toks []token, facts *sqlFacts, ctes map[string]bool) {
	from := 0
	if facts.kind == stmtCreateTable || facts.kind == stmtCreateView {
		// Skip the header so the defined name is not read as a relation.
		for from < len(toks) && !toks[from].isAny("as", "select") {
			from++
		}
	}

	addRead := func(name string, line int) {
		if !ctes[strings.ToLower(name)] {
			facts.reads = append(facts.reads, sqlName{name: name, line: line})
		}
	}
	addWrite := func(name string, line int) {
		if !ctes[strings.ToLower(name)] {
			facts.writes = append(facts.writes, sqlName{name: name, line: line})
		}
	}

	var parenOpeners []string
	lastVerb := ""
	for i := from; i < len(toks); i++ {
		t := toks[i]
		prev := token{}
		if i > 0 {
			prev = toks[i-1]
		}

		switch {
		case t.isPunct("("):
			opener := ""
			if prev.kind == tokWord {
				opener = prev.lower()
			}
			parenOpeners = append(parenOpeners, opener)
			continue
		case t.isPunct(")"):
			if n := len(parenOpeners); n > 0 {
				parenOpeners = parenOpeners[:n-1]
			}
			continue
		case t.kind != tokWord:
			continue
		}

		switch t.lower() {
		case "select":
			lastVerb = "select"

		case "insert":
			if prev.isAny("after", "before", "on", "for", "instead", "or", "of") {
				continue
			}
			lastVerb = "insert"
			j := i + 1
			for j < len(toks) && toks[j].isAny("into", "overwrite", "table", "ignore", "low_priority", "high_priority", "delayed") {
				j++
			}
			if name, _, ok := readName(toks, j); ok {
				addWrite(name, t.line)
			}

		case "update":
			if prev.isAny("on", "for", "after", "before", "of", "do", "instead", "or", "key") {
				continue
			}
			if i+1 < len(toks) && toks[i+1].isAny("set", "cascade", "nowait", "of", "restrict", "no") {
				continue
			}
			j := i + 1
			if j < len(toks) && toks[j].is("only") {
				j++
			}
			if name, _, ok := readName(toks, j); ok {
				addWrite(name, t.line)
			}

		case "delete":
			if prev.isAny("on", "for", "after", "before", "instead", "or") {
				continue
			}
			j := i + 1
			if j < len(toks) && toks[j].is("from") {
				j++
				i = j - 1
			}
			if j < len(toks) && toks[j].is("only") {
				j++
			}
			if name, _, ok := readName(toks, j); ok {
				addWrite(name, t.line)
			}

		case "merge":
			j := i + 1
			if j < len(toks) && toks[j].is("into") {
				j++
			}
			if name, _, ok := readName(toks, j); ok {
				addWrite(name, t.line)
			}

		case "truncate":
			j := i + 1
			if j < len(toks) && toks[j].is("table") {
				j++
			}
			if name, _, ok := readName(toks, j); ok {
				addWrite(name, t.line)
			}

		case "into":
			if lastVerb != "select" || s.intoVariables || prev.isAny("insert", "merge") {
				continue
			}
			j := i + 1
			for j < len(toks) && toks[j].isAny("temp", "temporary", "unlogged", "table") {
				j++
			}
			if name, _, ok := readName(toks, j); ok {
				addWrite(name, t.line)
			}

		case "from", "join", "using":
			if t.is("from") && len(parenOpeners) > 0 && parenFunctionsWithFrom[parenOpeners[len(parenOpeners)-1]] {
				continue
			}
			if t.is("from") && prev.is("distinct") {
				continue
			}
			if t.is("using") && i+1 < len(toks) && toks[i+1].isPunct("(") {
				continue
			}
			s.readRelationList(toks, i+1, t.is("from"), addRead)

		case "exec", "execute", "call":
			if prev.is("grant") || prev.is("revoke") {
				continue
			}
			j := i + 1
			if j < len(toks) && toks[j].isAny("function", "procedure") {
				j++
			}
			if j < len(toks) && toks[j].kind == tokVariable && j+1 < len(toks) && toks[j+1].isPunct("=") {
				// EXEC @rc = proc
				j += 2
			}
			if j >= len(toks) || toks[j].isAny("immediate", "sp_executesql", "on", "as") {
				continue
			}
			if name, _, ok := readName(toks, j); ok {
				facts.executes = append(facts.executes, sqlName{name: name, line: t.line})
			}
		}
	}
}

// readRelationList reads one relation (or a comma-separated list after
// FROM) starting at i.
func (s *sqlScanner) readRelationList(toks []token, i int, allowList bool, add func(string, int)) {
	for i < len(toks) {
		for i < len(toks) && toks[i].isAny("lateral", "only") {
			i++
		}
		if i >= len(toks) || toks[i].isPunct("(") {
			return
		}
		name, next, ok := readName(toks, i)
		if !ok {
			return
		}
		if next < len(toks) && toks[next].isPunct("(") {
			// table-valued function call
			return
		}
		add(name, toks[i].line)
		if !allowList {
			return
		}

		j := next
		if j < len(toks) && toks[j].is("as") {
			j++
		}
		if j < len(toks) && toks[j].kind == tokWord && !reservedNames[toks[j].lower()] {
			j++
		}
		if j+1 < len(toks) && toks[j].is("with") && toks[j+1].isPunct("(") {
			j = skipParens(toks, j+1)
		}
		if j < len(toks) && toks[j].isPunct(",") {
			i = j + 1
			continue
		}
		return
	}
}

// blockDelta returns the BEGIN/CASE/END nesting change of a token stream.
// END IF / END LOOP / END WHILE close blocks that were never counted.
func blockDelta(toks []token) (delta int, opened bool) {
	for i, t := range toks {
		switch {
		case t.is("begin"):
			if i+1 < len(toks) && toks[i+1].isAny("tran", "transaction", "work", "distributed") {
				continue
			}
			delta++
			opened = true
		case t.is("case"):
			if i > 0 && toks[i-1].is("end") {
				continue
			}
			delta++
		case t.is("end"):
			if i+1 < len(toks) && toks[i+1].isAny("if", "loop", "while", "repeat", "for") {
				continue
			}
			delta--
		}
	}
	return delta, opened
}
