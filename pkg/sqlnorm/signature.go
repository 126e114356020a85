// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlnorm

import (
	"regexp"
	"strings"
)

// sqlKeywords is the keyword vocabulary kept in pattern signatures. Anything
// tokenized as a word and not present here is treated as an identifier and
// replaced, so queries over different tables share a signature when their
// clause shape matches.
var sqlKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "join": true, "inner": true,
	"left": true, "right": true, "full": true, "outer": true, "cross": true,
	"on": true, "and": true, "or": true, "not": true, "in": true,
	"exists": true, "between": true, "like": true, "ilike": true, "is": true,
	"group": true, "by": true, "having": true, "order": true, "asc": true,
	"desc": true, "limit": true, "offset": true, "fetch": true, "first": true,
	"union": true, "intersect": true, "except": true, "all": true,
	"distinct": true, "as": true, "with": true, "recursive": true,
	"insert": true, "into": true, "values": true, "update": true, "set": true,
	"delete": true, "create": true, "drop": true, "alter": true, "table": true,
	"index": true, "view": true, "case": true, "when": true, "then": true,
	"else": true, "end": true, "over": true, "partition": true, "rows": true,
	"range": true, "count": true, "sum": true, "avg": true, "min": true,
	"max": true, "cast": true, "coalesce": true, "nullif": true,
	"substring": true, "lower": true, "upper": true, "trim": true,
	"analyze": true, "vacuum": true, "explain": true, "top": true,
	"using": true, "returning": true, "window": true, "lateral": true,
}

var reSigToken = regexp.MustCompile(`[a-z_][a-z0-9_.]*|\?|[(),]|[=<>!]+|[+\-*/%]|\|\|`)

// Signature derives the structural signature of a query: the keyword
// skeleton plus operator tree with all table and column identifiers
// removed. Two queries over different tables share a signature when their
// clause shape matches.
func Signature(sql string) string {
	norm := Normalize(sql)
	tokens := reSigToken.FindAllString(norm, -1)
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		switch {
		case sqlKeywords[tok]:
			out = append(out, tok)
		case tok == "?" || tok == "(" || tok == ")" || tok == ",":
			out = append(out, tok)
		case strings.ContainsAny(tok, "=<>!+-*/%|"):
			out = append(out, tok)
		default:
			// Identifier. Keep a single placeholder so arity survives.
			out = append(out, "#")
		}
	}
	return strings.Join(out, " ")
}

// Statement kinds returned by Classify.
const (
	StmtSelect  = "select"
	StmtInsert  = "insert"
	StmtUpdate  = "update"
	StmtDelete  = "delete"
	StmtDDL     = "ddl"
	StmtOther   = "other"
)

// Classify returns the coarse statement kind of the first statement.
func Classify(sql string) string {
	norm := Normalize(sql)
	switch {
	case strings.HasPrefix(norm, "select"), strings.HasPrefix(norm, "with"):
		return StmtSelect
	case strings.HasPrefix(norm, "insert"):
		return StmtInsert
	case strings.HasPrefix(norm, "update"):
		return StmtUpdate
	case strings.HasPrefix(norm, "delete"):
		return StmtDelete
	case strings.HasPrefix(norm, "create"), strings.HasPrefix(norm, "drop"),
		strings.HasPrefix(norm, "alter"), strings.HasPrefix(norm, "truncate"):
		return StmtDDL
	}
	return StmtOther
}

var reFromJoin = regexp.MustCompile(`\b(?:from|join|into|update)\s+([a-z_][a-z0-9_.]*)`)

// Tables extracts the table names syntactically referenced by the SQL, in
// first-reference order without duplicates. Subquery aliases and keywords
// that can follow FROM are excluded.
func Tables(sql string) []string {
	norm := Normalize(sql)
	seen := map[string]bool{}
	var tables []string
	for _, m := range reFromJoin.FindAllStringSubmatch(norm, -1) {
		name := m[1]
		if sqlKeywords[name] || seen[name] {
			continue
		}
		seen[name] = true
		tables = append(tables, name)
	}
	return tables
}

// SplitStatements splits a batch on top-level semicolons, ignoring
// semicolons inside string literals. Empty statements are dropped.
func SplitStatements(sql string) []string {
	var stmts []string
	var cur strings.Builder
	inString := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			inString = !inString
			cur.WriteByte(c)
		case c == ';' && !inString:
			if s := strings.TrimSpace(cur.String()); s != "" && Normalize(s) != "" {
				stmts = append(stmts, s)
			}
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" && Normalize(s) != "" {
		stmts = append(stmts, s)
	}
	return stmts
}
