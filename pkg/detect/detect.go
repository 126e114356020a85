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

// Package detect implements the rule library that turns a normalized plan
// and SQL text into structured performance issues. Every detector is pure:
// no I/O, no clocks beyond the provided timestamp, deterministic output.
package detect

import (
	"fmt"
	"sort"
	"time"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/plan"
)

// IndexHint describes one existing index on a table.
type IndexHint struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
}

// SchemaHints is the catalog context detectors match plans against.
type SchemaHints struct {
	// TableRows maps table name to its (approximate) row count.
	TableRows map[string]int64
	// Indexes maps table name to its indexes.
	Indexes map[string][]IndexHint
}

// WorkloadHints carries workload-sample context for the textual detectors.
type WorkloadHints struct {
	// RepeatedLookups is how often the same fingerprint was observed with
	// different literal bindings in the sampled window (N+1 signal).
	RepeatedLookups int64
}

// Input is everything a detector may look at.
type Input struct {
	Plan *plan.Plan
	SQL  string // normalized form; most rules match against this
	// Raw is the statement as written. Only rules that need literal text,
	// such as LIKE pattern inspection, read it; it may be empty.
	Raw      string
	Engine   model.Engine
	Hints    SchemaHints
	Workload WorkloadHints
	Now      time.Time
}

// Config holds the detector thresholds.
type Config struct {
	// SeqScanRows is the estimated row threshold for MISSING_INDEX.
	SeqScanRows float64
	// LargeTableRows is the per-run FULL_TABLE_SCAN threshold.
	LargeTableRows float64
	// StaleStatsRatio is the estimate/actual mismatch ratio.
	StaleStatsRatio float64
	// JoinRowProduct flags nested loops whose row product exceeds it.
	JoinRowProduct float64
	// HashBuildRows approximates the work-memory heuristic for hash joins.
	HashBuildRows float64
	// IndexSelectivity flags index scans returning this fraction of the table.
	IndexSelectivity float64
	// ORBranches is the OR-chain length that suggests an IN rewrite.
	ORBranches int
	// IOReadRatio flags workloads reading this fraction from disk.
	IOReadRatio float64
	// ReportingRows flags unbounded aggregations above this estimate.
	ReportingRows float64
	// NPlusOneLookups flags repeated single-row lookups at this count.
	NPlusOneLookups int64
}

// DefaultConfig returns the documented thresholds.
func DefaultConfig() Config {
	return Config{
		SeqScanRows:      10000,
		LargeTableRows:   100000,
		StaleStatsRatio:  10.0,
		JoinRowProduct:   1e8,
		HashBuildRows:    1e6,
		IndexSelectivity: 0.2,
		ORBranches:       3,
		IOReadRatio:      0.3,
		ReportingRows:    100000,
		NPlusOneLookups:  20,
	}
}

type detector func(in Input, cfg Config) []model.DetectedIssue

// The run order is irrelevant; the result is sorted deterministically.
var detectors = []detector{
	detectMissingIndex,
	detectInefficientIndex,
	detectPoorJoinStrategy,
	detectFullTableScan,
	detectSuboptimalPattern,
	detectStaleStatistics,
	detectWrongCardinality,
	detectORMGenerated,
	detectHighIO,
	detectInefficientReporting,
}

// Run executes every detector and assembles a stable DetectionResult:
// issues ordered by severity desc, type asc, title asc.
func Run(in Input, cfg Config) model.DetectionResult {
	var issues []model.DetectedIssue
	for _, d := range detectors {
		issues = append(issues, d(in, cfg)...)
	}
	for i := range issues {
		issues[i].DetectedAt = in.Now
	}
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() < b.Severity.Rank()
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Title < b.Title
	})

	counts := map[model.Severity]int{}
	for _, is := range issues {
		counts[is.Severity]++
	}
	summary := fmt.Sprintf("%d issues (%d critical, %d high, %d medium, %d low)",
		len(issues), counts[model.SeverityCritical], counts[model.SeverityHigh],
		counts[model.SeverityMedium], counts[model.SeverityLow])
	if len(issues) == 0 {
		summary = "no issues detected"
	}
	return model.DetectionResult{
		Issues:           issues,
		Summary:          summary,
		CountsBySeverity: counts,
		Total:            len(issues),
	}
}

// ImprovementHint estimates the relative improvement addressing an issue
// type tends to yield. Used only for the design-level estimate; ground
// truth comes from the validator.
func ImprovementHint(t model.IssueType) float64 {
	switch t {
	case model.IssueMissingIndex:
		return 40
	case model.IssueFullTableScan:
		return 30
	case model.IssuePoorJoinStrategy:
		return 25
	case model.IssueInefficientIndex:
		return 15
	case model.IssueStaleStatistics:
		return 15
	case model.IssueWrongCardinality:
		return 10
	case model.IssueHighIOWorkload:
		return 10
	case model.IssueORMGenerated:
		return 10
	case model.IssueInefficientReporting:
		return 10
	case model.IssueSuboptimalPattern:
		return 5
	}
	return 0
}

// SeverityWeight scales improvement hints by urgency.
func SeverityWeight(s model.Severity) float64 {
	switch s {
	case model.SeverityCritical:
		return 1.0
	case model.SeverityHigh:
		return 0.8
	case model.SeverityMedium:
		return 0.5
	case model.SeverityLow:
		return 0.25
	}
	return 0
}
