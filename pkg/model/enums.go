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

package model

import "fmt"

// Engine identifies a supported target database engine.
type Engine string

const (
	EnginePostgres Engine = "postgresql"
	EngineMySQL    Engine = "mysql"
	EngineMSSQL    Engine = "mssql"
	EngineOracle   Engine = "oracle"
)

// ParseEngine validates a raw engine string against the supported set.
func ParseEngine(s string) (Engine, error) {
	switch Engine(s) {
	case EnginePostgres, EngineMySQL, EngineMSSQL, EngineOracle:
		return Engine(s), nil
	}
	return "", fmt.Errorf("%w: unknown engine %q", ErrInput, s)
}

// IssueType is the controlled taxonomy of detected performance problems.
type IssueType string

const (
	IssueMissingIndex          IssueType = "missing_index"
	IssueInefficientIndex      IssueType = "inefficient_index"
	IssuePoorJoinStrategy      IssueType = "poor_join_strategy"
	IssueFullTableScan         IssueType = "full_table_scan"
	IssueSuboptimalPattern     IssueType = "suboptimal_pattern"
	IssueStaleStatistics       IssueType = "stale_statistics"
	IssueWrongCardinality      IssueType = "wrong_cardinality"
	IssueORMGenerated          IssueType = "orm_generated"
	IssueHighIOWorkload        IssueType = "high_io_workload"
	IssueInefficientReporting  IssueType = "inefficient_reporting"
)

// Severity orders issues from most to least urgent.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank returns the total order used for sorting, lower is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	}
	return 4
}

// OptimizationStatus tracks an optimization through its lifecycle.
type OptimizationStatus string

const (
	StatusGenerated        OptimizationStatus = "generated"
	StatusApplied          OptimizationStatus = "applied"
	StatusReverted         OptimizationStatus = "reverted"
	StatusValidated        OptimizationStatus = "validated"
	StatusValidationFailed OptimizationStatus = "validation_failed"
)

// FixType classifies the DDL/DML a fix executes.
type FixType string

const (
	FixIndexCreate        FixType = "index_create"
	FixIndexDrop          FixType = "index_drop"
	FixStatisticsUpdate   FixType = "statistics_update"
	FixVacuum             FixType = "vacuum"
	FixQueryRewriteRecord FixType = "query_rewrite_record"
	FixConfigChange       FixType = "config_change"
)

// ParseFixType validates a raw fix type string.
func ParseFixType(s string) (FixType, error) {
	switch FixType(s) {
	case FixIndexCreate, FixIndexDrop, FixStatisticsUpdate, FixVacuum,
		FixQueryRewriteRecord, FixConfigChange:
		return FixType(s), nil
	}
	return "", fmt.Errorf("%w: unknown fix type %q", ErrInput, s)
}

// FixStatus tracks an applied fix.
type FixStatus string

const (
	FixDryRunOK     FixStatus = "dry_run_ok"
	FixDryRunFailed FixStatus = "dry_run_failed"
	FixApplied      FixStatus = "applied"
	FixReverted     FixStatus = "reverted"
	FixFailed       FixStatus = "failed"
)

// FeedbackStatus classifies the measured outcome of an optimization.
type FeedbackStatus string

const (
	FeedbackSuccess FeedbackStatus = "success"
	FeedbackFailed  FeedbackStatus = "failed"
	FeedbackPartial FeedbackStatus = "partial"
)

// PatternType categorizes reusable rewrite patterns.
type PatternType string

const (
	PatternJoinOptimization        PatternType = "join_optimization"
	PatternSubqueryOptimization    PatternType = "subquery_optimization"
	PatternIndexRecommendation     PatternType = "index_recommendation"
	PatternQueryRewrite            PatternType = "query_rewrite"
	PatternAggregationOptimization PatternType = "aggregation_optimization"
	PatternWindowFunction          PatternType = "window_function"
	PatternCTEOptimization         PatternType = "cte_optimization"
	PatternAntiPattern             PatternType = "anti_pattern"
)

// WorkloadClass is the inferred shape of a connection's traffic.
type WorkloadClass string

const (
	WorkloadOLTP  WorkloadClass = "oltp"
	WorkloadOLAP  WorkloadClass = "olap"
	WorkloadMixed WorkloadClass = "mixed"
)

// IndexAction says whether a recommendation creates or drops an index.
type IndexAction string

const (
	IndexActionCreate IndexAction = "create"
	IndexActionDrop   IndexAction = "drop"
)

// RecommendationStatus tracks an index recommendation.
type RecommendationStatus string

const (
	RecommendationPending  RecommendationStatus = "recommended"
	RecommendationCreated  RecommendationStatus = "created"
	RecommendationDropped  RecommendationStatus = "dropped"
	RecommendationRejected RecommendationStatus = "rejected"
)

// Parse strategies recorded on optimizations, in fallback order.
const (
	StrategyTaggedSection  = "tagged_section"
	StrategyFencedBlock    = "fenced_block"
	StrategyFirstStatement = "first_statement"
	StrategyKeywordSpan    = "keyword_span"
	StrategyFullResponse   = "full_response"
	StrategyEmergency      = "emergency_extraction"
	StrategyRawResponse    = "raw_response"
	StrategyFailedUpstream = "failed_upstream"
)
