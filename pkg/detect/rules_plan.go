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
)

var reFilterColumn = regexp.MustCompile(`\(?([a-z_][a-z0-9_]*(?:\.[a-z_][a-z0-9_]*)?)\s*(?:=|<|>|<=|>=|<>|!=|~~| like | in )`)

// filterColumns extracts the column names a filter predicate constrains.
// Qualified names are reduced to the bare column.
func filterColumns(filter string) []string {
	var cols []string
	seen := map[string]bool{}
	for _, m := range reFilterColumn.FindAllStringSubmatch(strings.ToLower(filter), -1) {
		c := m[1]
		if i := strings.LastIndexByte(c, '.'); i >= 0 {
			c = c[i+1:]
		}
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	return cols
}

// indexCovers reports whether some index on the table has one of the
// filtered columns as its leading column.
func indexCovers(indexes []IndexHint, cols []string) bool {
	for _, idx := range indexes {
		if len(idx.Columns) == 0 {
			continue
		}
		lead := strings.ToLower(idx.Columns[0])
		for _, c := range cols {
			if c == lead {
				return true
			}
		}
	}
	return false
}

// detectMissingIndex flags filtered sequential scans over many rows where
// no existing index leads with one of the filtered columns.
func detectMissingIndex(in Input, cfg Config) []model.DetectedIssue {
	if in.Plan == nil || in.Plan.Root == nil {
		return nil
	}
	var issues []model.DetectedIssue
	in.Plan.Walk(func(n *plan.Node, _ int) {
		if n.OpType != plan.OpSeqScan || n.Filter == "" || n.EstRows < cfg.SeqScanRows {
			return
		}
		cols := filterColumns(n.Filter)
		if len(cols) == 0 {
			return
		}
		if indexCovers(in.Hints.Indexes[n.Relation], cols) {
			return
		}
		sev := model.SeverityHigh
		if rows, ok := in.Hints.TableRows[n.Relation]; ok && float64(rows) >= cfg.LargeTableRows*10 {
			sev = model.SeverityCritical
		}
		issues = append(issues, model.DetectedIssue{
			Type:     model.IssueMissingIndex,
			Severity: sev,
			Title:    fmt.Sprintf("sequential scan with filter on %s", n.Relation),
			Description: fmt.Sprintf(
				"The planner scans %s (est. %.0f rows) and filters on %s with no index leading on those columns.",
				n.Relation, n.EstRows, strings.Join(cols, ", ")),
			AffectedObjects: append([]string{n.Relation}, cols...),
			Recommendations: []string{
				fmt.Sprintf("CREATE INDEX ON %s (%s)", n.Relation, strings.Join(cols, ", ")),
			},
			Metrics: map[string]any{"estimated_rows": n.EstRows, "filter": n.Filter},
		})
	})
	return issues
}

// detectInefficientIndex flags index scans that still return a large
// fraction of the table: the index exists but barely narrows the search.
func detectInefficientIndex(in Input, cfg Config) []model.DetectedIssue {
	if in.Plan == nil || in.Plan.Root == nil {
		return nil
	}
	var issues []model.DetectedIssue
	in.Plan.Walk(func(n *plan.Node, _ int) {
		if n.OpType != plan.OpIndexScan && n.OpType != plan.OpBitmapScan {
			return
		}
		rows, ok := in.Hints.TableRows[n.Relation]
		if !ok || rows == 0 {
			return
		}
		sel := n.EstRows / float64(rows)
		if sel < cfg.IndexSelectivity {
			return
		}
		issues = append(issues, model.DetectedIssue{
			Type:     model.IssueInefficientIndex,
			Severity: model.SeverityMedium,
			Title:    fmt.Sprintf("low-selectivity index access on %s", n.Relation),
			Description: fmt.Sprintf(
				"Index %s returns an estimated %.0f of %d rows (%.0f%% of the table); the index does little to narrow the scan.",
				n.IndexName, n.EstRows, rows, sel*100),
			AffectedObjects: []string{n.Relation, n.IndexName},
			Recommendations: []string{
				"Consider a more selective or composite index matching the predicate",
			},
			Metrics: map[string]any{"selectivity": sel, "index": n.IndexName},
		})
	})
	return issues
}

// detectPoorJoinStrategy flags nested loops whose input row product makes
// them quadratic, and hash joins whose build side will not fit in memory.
func detectPoorJoinStrategy(in Input, cfg Config) []model.DetectedIssue {
	if in.Plan == nil || in.Plan.Root == nil {
		return nil
	}
	var issues []model.DetectedIssue
	in.Plan.Walk(func(n *plan.Node, _ int) {
		switch n.OpType {
		case plan.OpNestedLoop:
			if len(n.Children) < 2 {
				return
			}
			product := n.Children[0].EstRows * n.Children[1].EstRows
			if product < cfg.JoinRowProduct {
				return
			}
			issues = append(issues, model.DetectedIssue{
				Type:     model.IssuePoorJoinStrategy,
				Severity: model.SeverityHigh,
				Title:    "nested loop over large inputs",
				Description: fmt.Sprintf(
					"A nested loop join combines inputs of %.0f and %.0f estimated rows (%.2g comparisons).",
					n.Children[0].EstRows, n.Children[1].EstRows, product),
				AffectedObjects: joinRelations(n),
				Recommendations: []string{
					"Check join predicates for sargability so a hash or merge join is possible",
					"Verify statistics on the joined tables are current",
				},
				Metrics: map[string]any{"row_product": product},
			})
		case plan.OpHashJoin:
			if len(n.Children) < 2 {
				return
			}
			// Convention across engines: the build side is the second child.
			build := n.Children[1]
			if build.EstRows < cfg.HashBuildRows {
				return
			}
			issues = append(issues, model.DetectedIssue{
				Type:     model.IssuePoorJoinStrategy,
				Severity: model.SeverityMedium,
				Title:    "hash join with oversized build side",
				Description: fmt.Sprintf(
					"The hash join builds on an estimated %.0f rows, likely spilling past working memory.",
					build.EstRows),
				AffectedObjects: joinRelations(n),
				Recommendations: []string{
					"Filter the build side earlier or join on a more selective key",
				},
				Metrics: map[string]any{"build_rows": build.EstRows},
			})
		}
	})
	return issues
}

func joinRelations(n *plan.Node) []string {
	var rels []string
	for _, c := range n.Children {
		c.Walk(func(d *plan.Node) {
			if d.Relation != "" {
				rels = append(rels, d.Relation)
			}
		})
	}
	return rels
}

// detectFullTableScan flags unfiltered scans over large tables. Filtered
// scans belong to MISSING_INDEX; this rule is about queries that really do
// read everything.
func detectFullTableScan(in Input, cfg Config) []model.DetectedIssue {
	if in.Plan == nil || in.Plan.Root == nil {
		return nil
	}
	var issues []model.DetectedIssue
	in.Plan.Walk(func(n *plan.Node, _ int) {
		if n.OpType != plan.OpSeqScan || n.Filter != "" {
			return
		}
		rows := n.EstRows
		if hinted, ok := in.Hints.TableRows[n.Relation]; ok {
			rows = float64(hinted)
		}
		if rows < cfg.LargeTableRows {
			return
		}
		issues = append(issues, model.DetectedIssue{
			Type:     model.IssueFullTableScan,
			Severity: model.SeverityHigh,
			Title:    fmt.Sprintf("full scan of %s", n.Relation),
			Description: fmt.Sprintf(
				"The query reads all of %s (est. %.0f rows) with no predicate to narrow it.",
				n.Relation, rows),
			AffectedObjects: []string{n.Relation},
			Recommendations: []string{
				"Add a WHERE clause or LIMIT if the full result is not needed",
			},
			Metrics: map[string]any{"estimated_rows": rows},
		})
	})
	return issues
}

// detectStaleStatistics flags scan nodes whose estimate diverges from the
// observed row count by the configured ratio. Requires an analyzed plan.
func detectStaleStatistics(in Input, cfg Config) []model.DetectedIssue {
	if in.Plan == nil || in.Plan.Root == nil || !in.Plan.Analyzed {
		return nil
	}
	var issues []model.DetectedIssue
	in.Plan.Walk(func(n *plan.Node, _ int) {
		if !n.HasActual || n.Relation == "" {
			return
		}
		if !isScan(n.OpType) {
			return
		}
		r := mismatchRatio(n.EstRows, n.ActualRows)
		if r < cfg.StaleStatsRatio {
			return
		}
		issues = append(issues, model.DetectedIssue{
			Type:     model.IssueStaleStatistics,
			Severity: model.SeverityMedium,
			Title:    fmt.Sprintf("estimate drift on %s", n.Relation),
			Description: fmt.Sprintf(
				"Scan of %s estimated %.0f rows but produced %.0f (%.0fx off); table statistics look stale.",
				n.Relation, n.EstRows, n.ActualRows, r),
			AffectedObjects: []string{n.Relation},
			Recommendations: []string{analyzeStatement(in.Engine, n.Relation)},
			Metrics:         map[string]any{"estimated": n.EstRows, "actual": n.ActualRows, "ratio": r},
		})
	})
	return issues
}

// detectWrongCardinality flags join and aggregate nodes whose estimate is
// far from the observed count: the planner picked its strategy on bad math.
func detectWrongCardinality(in Input, cfg Config) []model.DetectedIssue {
	if in.Plan == nil || in.Plan.Root == nil || !in.Plan.Analyzed {
		return nil
	}
	var issues []model.DetectedIssue
	in.Plan.WalkPath(func(n *plan.Node, path string) {
		if !n.HasActual {
			return
		}
		switch n.OpType {
		case plan.OpNestedLoop, plan.OpHashJoin, plan.OpMergeJoin, plan.OpAggregate:
		default:
			return
		}
		r := mismatchRatio(n.EstRows, n.ActualRows)
		if r < cfg.StaleStatsRatio {
			return
		}
		issues = append(issues, model.DetectedIssue{
			Type:     model.IssueWrongCardinality,
			Severity: model.SeverityMedium,
			Title:    fmt.Sprintf("misestimated %s", strings.ToLower(string(n.OpType))),
			Description: fmt.Sprintf(
				"Node %s estimated %.0f rows but produced %.0f; the join strategy was chosen on a wrong cardinality.",
				path, n.EstRows, n.ActualRows),
			AffectedObjects: joinRelations(n),
			Recommendations: []string{
				"Refresh statistics on the joined tables",
				"Consider extended statistics on correlated columns",
			},
			Metrics: map[string]any{"estimated": n.EstRows, "actual": n.ActualRows, "ratio": r, "node": path},
		})
	})
	return issues
}

// detectHighIO flags plans that read a large fraction of their pages from
// disk rather than cache. Only engines reporting buffer counters feed this.
func detectHighIO(in Input, cfg Config) []model.DetectedIssue {
	if in.Plan == nil {
		return nil
	}
	hits, reads := in.Plan.Metrics.BufferHits, in.Plan.Metrics.BufferReads
	total := hits + reads
	if total < 1000 {
		return nil
	}
	ratio := float64(reads) / float64(total)
	if ratio < cfg.IOReadRatio {
		return nil
	}
	sev := model.SeverityMedium
	if ratio >= 0.7 {
		sev = model.SeverityHigh
	}
	return []model.DetectedIssue{{
		Type:     model.IssueHighIOWorkload,
		Severity: sev,
		Title:    "query reads mostly from disk",
		Description: fmt.Sprintf(
			"%.0f%% of %d buffer accesses missed the cache; the working set does not fit or the scan is too wide.",
			ratio*100, total),
		Recommendations: []string{
			"Narrow the scanned column set and row range",
			"Check whether the hot tables fit the buffer cache",
		},
		Metrics: map[string]any{"buffer_hits": hits, "buffer_reads": reads, "read_ratio": ratio},
	}}
}

func isScan(op plan.OpType) bool {
	switch op {
	case plan.OpSeqScan, plan.OpIndexScan, plan.OpIndexOnlyScan, plan.OpBitmapScan:
		return true
	}
	return false
}

// mismatchRatio returns max(est,actual)/max(1,min(est,actual)).
func mismatchRatio(est, actual float64) float64 {
	lo, hi := est, actual
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo < 1 {
		lo = 1
	}
	return hi / lo
}

func analyzeStatement(engine model.Engine, table string) string {
	switch engine {
	case model.EngineMySQL:
		return fmt.Sprintf("ANALYZE TABLE %s", table)
	case model.EngineMSSQL:
		return fmt.Sprintf("UPDATE STATISTICS %s", table)
	case model.EngineOracle:
		return fmt.Sprintf("EXEC DBMS_STATS.GATHER_TABLE_STATS(NULL, '%s')", strings.ToUpper(table))
	default:
		return fmt.Sprintf("ANALYZE %s", table)
	}
}
