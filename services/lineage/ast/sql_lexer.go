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
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokString
	tokNumber
	tokPunct
	tokVariable
	tokDollar
)

// token is one lexical SQL token. For tokQuoted the text keeps its original
// quoting ("x", [x], `x`); for tokDollar it holds the tag between the
// dollar signs.
type token struct {
	kind tokenKind
	text string
	line int
}

func (t token) is(keyword string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, keyword)
}

func (t token) isAny(keywords ...string) bool {
	for _, k := range keywords {
		if t.is(k) {
			return true
		}
	}
	return false
}

func (t token) isPunct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

func (t token) lower() string {
	return strings.ToLower(t.text)
}

type lexResult struct {
	tokens   []token
	problems []string
}

// sqlLexer tokenizes SQL across dialects (ANSI, T-SQL, PL/pgSQL, MySQL).
// It never fails; problems such as unterminated literals are collected and
// tokenization continues.
type sqlLexer struct {
	src      string
	pos      int
	line     int
	depth    int
	dollars  []string
	out      lexResult
	negative bool
}

func lexSQL(src string) lexResult {
	l := &sqlLexer{src: src, line: 1}
	l.run()
	if l.depth != 0 || l.negative {
		l.problem("unbalanced parentheses")
	}
	for _, tag := range l.dollars {
		l.problem(fmt.Sprintf("unterminated dollar-quoted body $%s$", tag))
	}
	return l.out
}

func (l *sqlLexer) problem(msg string) {
	l.out.problems = append(l.out.problems, msg)
}

func (l *sqlLexer) emit(kind tokenKind, text string, line int) {
	l.out.tokens = append(l.out.tokens, token{kind: kind, text: text, line: line})
}

func (l *sqlLexer) peek(offset int) byte {
	if l.pos+offset >= len(l.src) {
		return 0
	}
	return l.src[l.pos+offset]
}

func (l *sqlLexer) prevSignificant() byte {
	if l.pos == 0 {
		return 0
	}
	return l.src[l.pos-1]
}

func (l *sqlLexer) run() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r' || c == '\f':
			l.pos++
		case c == '-' && l.peek(1) == '-':
			l.skipLineComment()
		case c == '/' && l.peek(1) == '*':
			l.skipBlockComment()
		case c == '\'':
			l.lexString()
		case c == '"':
			l.lexDelimited('"', '"', "quoted identifier")
		case c == '`':
			l.lexDelimited('`', '`', "quoted identifier")
		case c == '[':
			l.lexBracket()
		case c == '$':
			l.lexDollar()
		case c == '@':
			l.lexVariable()
		case c == ':' && l.peek(1) == ':':
			l.emit(tokPunct, "::", l.line)
			l.pos += 2
		case c == ':' && isIdentStart(rune(l.peek(1))):
			l.lexVariable()
		case c >= '0' && c <= '9':
			l.lexNumber()
		case c == '#' && isIdentStart(rune(l.peek(1))):
			l.lexWord()
		case c < utf8.RuneSelf && isIdentStart(rune(c)):
			l.lexWord()
		case c >= utf8.RuneSelf:
			r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
			if isIdentStart(r) {
				l.lexWord()
			} else {
				l.pos += utf8.RuneLen(r)
			}
		default:
			l.lexPunct()
		}
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || r == '#' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (l *sqlLexer) skipLineComment() {
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.pos++
	}
}

// skipBlockComment handles nested /* */ comments.
func (l *sqlLexer) skipBlockComment() {
	depth := 0
	for l.pos < len(l.src) {
		switch {
		case l.src[l.pos] == '/' && l.peek(1) == '*':
			depth++
			l.pos += 2
		case l.src[l.pos] == '*' && l.peek(1) == '/':
			depth--
			l.pos += 2
			if depth == 0 {
				return
			}
		default:
			if l.src[l.pos] == '\n' {
				l.line++
			}
			l.pos++
		}
	}
	l.problem("unterminated block comment")
}

func (l *sqlLexer) lexString() {
	start, line := l.pos, l.line
	l.pos++
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\n' {
			l.line++
		}
		if c == '\'' {
			if l.peek(1) == '\'' {
				l.pos += 2
				continue
			}
			l.pos++
			l.emit(tokString, l.src[start:l.pos], line)
			return
		}
		l.pos++
	}
	l.problem(fmt.Sprintf("unterminated string literal at line %d", line))
	l.emit(tokString, l.src[start:], line)
}

func (l *sqlLexer) lexDelimited(open, closing byte, what string) {
	start, line := l.pos, l.line
	l.pos++
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\n' {
			l.line++
		}
		if c == closing {
			if l.peek(1) == closing && open == closing {
				l.pos += 2
				continue
			}
			l.pos++
			l.emit(tokQuoted, l.src[start:l.pos], line)
			return
		}
		l.pos++
	}
	l.problem(fmt.Sprintf("unterminated %s at line %d", what, line))
	l.emit(tokQuoted, l.src[start:], line)
}

// lexBracket distinguishes T-SQL [identifiers] from array subscripts such
// as arr[1]: a bracket directly after an identifier, ')' or ']' is a
// subscript, as is one without a closing bracket on the same line.
func (l *sqlLexer) lexBracket() {
	prev := rune(l.prevSignificant())
	subscript := isIdentPart(prev) || prev == ')' || prev == ']'
	end := strings.IndexAny(l.src[l.pos:], "]\n")
	if subscript || end < 0 || l.src[l.pos+end] != ']' || end == 1 {
		l.lexPunct()
		return
	}
	l.emit(tokQuoted, l.src[l.pos:l.pos+end+1], l.line)
	l.pos += end + 1
}

// lexDollar handles PostgreSQL dollar quoting ($$ and $tag$) and positional
// parameters ($1). Dollar-quoted bodies are not skipped: their content is
// tokenized as SQL so that function bodies contribute lineage.
func (l *sqlLexer) lexDollar() {
	if d := l.peek(1); d >= '0' && d <= '9' {
		start := l.pos
		l.pos++
		for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
			l.pos++
		}
		l.emit(tokVariable, l.src[start:l.pos], l.line)
		return
	}
	end := l.pos + 1
	for end < len(l.src) && l.src[end] != '$' {
		r := rune(l.src[end])
		if !(r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			l.lexPunct()
			return
		}
		end++
	}
	if end >= len(l.src) {
		l.lexPunct()
		return
	}
	tag := l.src[l.pos+1 : end]
	l.emit(tokDollar, tag, l.line)
	l.pos = end + 1
	if n := len(l.dollars); n > 0 && l.dollars[n-1] == tag {
		l.dollars = l.dollars[:n-1]
		return
	}
	l.dollars = append(l.dollars, tag)
}

func (l *sqlLexer) lexVariable() {
	start := l.pos
	l.pos++
	for l.pos < len(l.src) && (l.src[l.pos] == '@' || isIdentPart(rune(l.src[l.pos]))) {
		l.pos++
	}
	l.emit(tokVariable, l.src[start:l.pos], l.line)
}

func (l *sqlLexer) lexNumber() {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' || c == 'x' || c == 'X' ||
			(c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			l.pos++
			continue
		}
		break
	}
	l.emit(tokNumber, l.src[start:l.pos], l.line)
}

func (l *sqlLexer) lexWord() {
	start := l.pos
	if l.src[l.pos] == '#' {
		l.pos++
	}
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !isIdentPart(r) {
			break
		}
		l.pos += size
	}
	word := l.src[start:l.pos]

	// N'..', E'..', X'..', B'..' string prefixes.
	if l.pos < len(l.src) && l.src[l.pos] == '\'' && len(word) == 1 && strings.ContainsAny(word, "NnEeXxBb") {
		l.lexString()
		return
	}
	l.emit(tokWord, word, l.line)
}

func (l *sqlLexer) lexPunct() {
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "<>", ">=", "<=", "!=", "||", "=>", "->":
		l.emit(tokPunct, two, l.line)
		l.pos += 2
		return
	}
	c := l.src[l.pos]
	switch c {
	case '(':
		l.depth++
	case ')':
		l.depth--
		if l.depth < 0 {
			l.negative = true
			l.depth = 0
		}
	}
	l.emit(tokPunct, string(c), l.line)
	l.pos++
}
