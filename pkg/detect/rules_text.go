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

package detect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/plan"
	"github.com/dbpulse/dbpulse/pkg/sqlnorm"
)

// The textual rules run on the normalized SQL form: lowercased, literals
// replaced with ?, whitespace collapsed. Patterns below assume that shape.
var (
	reSelectStar    = regexp.MustCompile(`\bselect\s+(?:[a-z_][a-z0-9_]*\.)?\*`)
	reLeadingLike   = regexp.MustCompile(`\blike\s+\?`)
	reWildcardLike  = regexp.MustCompile(`(?i)\blike\s+n?'[%_]`)
	reScalarSubq    = regexp.MustCompile(`\(\s*select\b`)
	reORChain       = regexp.MustCompile(`\b([a-z_][a-z0-9_.]*)\s*=\s*\?(?:\s+or\s+([a-z_][a-z0-9_.]*)\s*=\s*\?)+`)
	reOREq          = regexp.MustCompile(`([a-z_][a-z0-9_.]*)\s*=\s*\?`)
	reFuncOnColumn  = regexp.MustCompile(`\b(lower|upper|substring|substr|trim|ltrim|rtrim|coalesce|cast|convert|date|year|month|day|to_char|date_format|datepart)\s*\(\s*([a-z_][a-z0-9_.]*)`)
	reNotInSubquery = regexp.MustCompile(`\bnot\s+in\s*\(\s*select\b`)
	reWherePart     = regexp.MustCompile(`\bwhere\b(.*?)(?:\bgroup\s+by\b|\border\s+by\b|\blimit\b|$)`)
	reWindowFunc    = regexp.MustCompile(`\bover\s*\(`)
	reJoin          = regexp.MustCompile(`\bjoin\b`)
)

// detectSuboptimalPattern covers the purely textual anti-patterns:
// SELECT *, leading-wildcard LIKE, long OR chains on one column, functions
// wrapping columns in WHERE, scalar subqueries in the select list, NOT IN
// against a subquery, and plain UNION.
func detectSuboptimalPattern(in Input, cfg Config) []model.DetectedIssue {
	sql := in.SQL
	if sql == "" {
		return nil
	}
	var issues []model.DetectedIssue
	add := func(sev model.Severity, title, desc string, recs ...string) {
		issues = append(issues, model.DetectedIssue{
			Type:            model.IssueSuboptimalPattern,
			Severity:        sev,
			Title:           title,
			Description:     desc,
			Recommendations: recs,
		})
	}

	if sqlnorm.Classify(sql) == sqlnorm.StmtSelect && reSelectStar.MatchString(sql) {
		add(model.SeverityLow, "SELECT * retrieves all columns",
			"The statement selects every column; unused columns widen the rows moved and block index-only access.",
			"List only the columns the caller reads")
	}

	// Normalization replaces every LIKE pattern with a bare ?, so the check
	// runs on the raw text when available and only falls back to flagging a
	// bound pattern as potentially unanchored.
	if in.Raw != "" {
		if reWildcardLike.MatchString(in.Raw) {
			add(model.SeverityMedium, "LIKE pattern starts with a wildcard",
				"A leading-wildcard LIKE cannot use a btree index; the predicate scans every candidate row.",
				"Anchor the pattern or use a trigram / full-text index for substring search")
		}
	} else if reLeadingLike.MatchString(sql) {
		add(model.SeverityLow, "LIKE with parameterized pattern",
			"A LIKE predicate with a bound pattern cannot use a btree index when the pattern starts with a wildcard.",
			"Anchor the pattern or use a trigram / full-text index for substring search")
	}

	if m := reORChain.FindString(sql); m != "" {
		cols := map[string]int{}
		for _, eq := range reOREq.FindAllStringSubmatch(m, -1) {
			cols[eq[1]]++
		}
		for col, cnt := range cols {
			if cnt > cfg.ORBranches {
				add(model.SeverityMedium, fmt.Sprintf("OR chain on %s", col),
					fmt.Sprintf("%d OR-ed equality tests on %s defeat index range planning.", cnt, col),
					fmt.Sprintf("Rewrite as %s IN (...)", col))
			}
		}
	}

	if where := reWherePart.FindStringSubmatch(sql); where != nil {
		for _, m := range reFuncOnColumn.FindAllStringSubmatch(where[1], -1) {
			col := m[2]
			bare := col
			if i := strings.LastIndexByte(bare, '.'); i >= 0 {
				bare = bare[i+1:]
			}
			if !columnIndexed(in.Hints, bare) {
				continue
			}
			add(model.SeverityMedium, fmt.Sprintf("function %s() wraps indexed column %s", m[1], col),
				fmt.Sprintf("Applying %s() to %s in the WHERE clause prevents the index on it from being used.", m[1], col),
				"Move the computation to the compared value, or add an expression index")
		}
	}

	if list := selectList(sql); list != "" && reScalarSubq.MatchString(list) {
		add(model.SeverityMedium, "scalar subquery in the select list",
			"A subquery in the select list executes once per output row; the statement hides an N+1 inside itself.",
			"Join the subquery's table and aggregate once, or use a lateral / apply join")
	}

	if reNotInSubquery.MatchString(sql) {
		add(model.SeverityMedium, "NOT IN against a subquery",
			"NOT IN with a subquery has surprising NULL semantics and often plans as a repeated scan.",
			"Rewrite as NOT EXISTS or an anti-join")
	}

	if strings.Contains(sql, " union ") && !strings.Contains(sql, " union all ") {
		add(model.SeverityLow, "UNION forces a duplicate-elimination sort",
			"UNION deduplicates its branches; when the branches cannot overlap the sort is wasted work.",
			"Use UNION ALL when duplicates are impossible or acceptable")
	}
	return issues
}

// selectList returns the text between the leading SELECT keyword and its
// matching top-level FROM, so subqueries keep their own FROM clauses.
func selectList(sql string) string {
	if !strings.HasPrefix(sql, "select") {
		return ""
	}
	depth := 0
	for i := 0; i < len(sql); i++ {
		switch sql[i] {
		case '(':
			depth++
		case ')':
			depth--
		case 'f':
			if depth == 0 && i > 0 && sql[i-1] == ' ' && strings.HasPrefix(sql[i:], "from ") {
				return sql[:i]
			}
		}
	}
	return sql
}

func columnIndexed(h SchemaHints, col string) bool {
	for _, idxs := range h.Indexes {
		for _, idx := range idxs {
			for _, c := range idx.Columns {
				if strings.EqualFold(c, col) {
					return true
				}
			}
		}
	}
	return false
}

// detectORMGenerated flags the shapes object mappers emit: wide SELECT *
// across many joins, and the N+1 pattern of the same single-row lookup
// repeated with different bindings.
func detectORMGenerated(in Input, cfg Config) []model.DetectedIssue {
	var issues []model.DetectedIssue
	joins := len(reJoin.FindAllString(in.SQL, -1))
	if joins >= 5 && reSelectStar.MatchString(in.SQL) {
		issues = append(issues, model.DetectedIssue{
			Type:     model.IssueORMGenerated,
			Severity: model.SeverityMedium,
			Title:    fmt.Sprintf("SELECT * across %d joins", joins),
			Description: fmt.Sprintf(
				"Selecting every column across %d joins is the shape of eager object-graph loading; most of the row is usually discarded.",
				joins),
			Recommendations: []string{
				"Project only the needed columns, or split the fetch per association",
			},
			Metrics: map[string]any{"joins": joins},
		})
	}
	if in.Workload.RepeatedLookups >= cfg.NPlusOneLookups && isSingleRowLookup(in) {
		issues = append(issues, model.DetectedIssue{
			Type:     model.IssueORMGenerated,
			Severity: model.SeverityHigh,
			Title:    "repeated single-row lookup (N+1)",
			Description: fmt.Sprintf(
				"The same single-row lookup ran %d times in the sampled window with different bindings; a parent query is iterating.",
				in.Workload.RepeatedLookups),
			Recommendations: []string{
				"Batch the lookups with IN (...) or join them into the parent query",
			},
			Metrics: map[string]any{"repeated_lookups": in.Workload.RepeatedLookups},
		})
	}
	return issues
}

func isSingleRowLookup(in Input) bool {
	if in.Plan != nil && in.Plan.Root != nil {
		single := false
		in.Plan.Walk(func(n *plan.Node, _ int) {
			if isScan(n.OpType) && n.EstRows <= 2 {
				single = true
			}
		})
		return single
	}
	// No plan: fall back on shape. One table, an equality on a parameter,
	// no joins.
	return sqlnorm.Classify(in.SQL) == sqlnorm.StmtSelect &&
		!reJoin.MatchString(in.SQL) &&
		strings.Contains(in.SQL, "= ?")
}

// detectInefficientReporting flags analytical statements that aggregate or
// window over large inputs with nothing bounding the result.
func detectInefficientReporting(in Input, cfg Config) []model.DetectedIssue {
	var issues []model.DetectedIssue
	if n := len(reWindowFunc.FindAllString(in.SQL, -1)); n >= 3 {
		issues = append(issues, model.DetectedIssue{
			Type:     model.IssueInefficientReporting,
			Severity: model.SeverityMedium,
			Title:    fmt.Sprintf("%d window functions in one statement", n),
			Description: fmt.Sprintf(
				"%d window functions force repeated sorts or a very wide windowing pass over the full input.",
				n),
			Recommendations: []string{
				"Share window frames with a common PARTITION BY/ORDER BY, or stage the input in a temp table",
			},
			Metrics: map[string]any{"window_functions": n},
		})
	}
	if in.Plan == nil || in.Plan.Root == nil {
		return issues
	}
	hasLimit := false
	in.Plan.Walk(func(n *plan.Node, _ int) {
		if n.OpType == plan.OpLimit {
			hasLimit = true
		}
	})
	if hasLimit || strings.Contains(in.SQL, " limit ") {
		return issues
	}
	in.Plan.Walk(func(n *plan.Node, _ int) {
		if n.OpType != plan.OpAggregate && n.OpType != plan.OpWindow {
			return
		}
		inputRows := 0.0
		for _, c := range n.Children {
			if c.EstRows > inputRows {
				inputRows = c.EstRows
			}
		}
		if inputRows < cfg.ReportingRows {
			return
		}
		issues = append(issues, model.DetectedIssue{
			Type:     model.IssueInefficientReporting,
			Severity: model.SeverityMedium,
			Title:    "unbounded aggregation over a large input",
			Description: fmt.Sprintf(
				"An aggregation consumes an estimated %.0f rows with no LIMIT or narrowing predicate above it.",
				inputRows),
			Recommendations: []string{
				"Pre-aggregate into a summary table, or bound the range being reported on",
			},
			Metrics: map[string]any{"input_rows": inputRows},
		})
	})
	return issues
}
