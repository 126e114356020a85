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

// Package model holds the persistent entities and value objects shared by
// every engine component. The observability store owns all rows; other
// components hold only ids and snapshots.
package model

import (
	"time"
)

// Connection is a target database the engine monitors.
type Connection struct {
	ID                int64     `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	Engine            Engine    `db:"engine" json:"engine"`
	Host              string    `db:"host" json:"host"`
	Port              int       `db:"port" json:"port"`
	Database          string    `db:"database_name" json:"database"`
	Username          string    `db:"username" json:"username"`
	// EncryptedPassword is opaque ciphertext, decryptable only through the
	// secret store. It never leaves the process as plaintext except inside
	// a DecryptedCredentials value.
	EncryptedPassword string     `db:"encrypted_password" json:"-"`
	MonitoringEnabled bool       `db:"monitoring_enabled" json:"monitoring_enabled"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	DeletedAt         *time.Time `db:"deleted_at" json:"-"`
}

// DecryptedCredentials carries plaintext credentials to a gateway dial.
// Callers must not persist or log it.
type DecryptedCredentials struct {
	Engine   Engine
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// DiscoveredQuery is one logically distinct query observed on a connection.
type DiscoveredQuery struct {
	ID           int64     `db:"id" json:"id"`
	ConnectionID int64     `db:"connection_id" json:"connection_id"`
	Fingerprint  string    `db:"fingerprint" json:"fingerprint"`
	SampleSQL    string    `db:"sample_sql" json:"sample_sql"`
	Normalized   string    `db:"normalized_sql" json:"normalized_sql"`
	FirstSeen    time.Time `db:"first_seen" json:"first_seen"`
	LastSeen     time.Time `db:"last_seen" json:"last_seen"`
	Calls        int64     `db:"calls" json:"calls"`
	TotalTimeMS  float64   `db:"total_time_ms" json:"total_time_ms"`
	Rows         int64     `db:"rows_returned" json:"rows"`
	MeanTimeMS   float64   `db:"mean_time_ms" json:"mean_time_ms"`
	// NativeID stores the engine's own identifier, e.g. queryid on
	// PostgreSQL or sql_id on Oracle. Opaque to the engine.
	NativeID string `db:"native_id" json:"native_id,omitempty"`
}

// QuerySample is one row read from a target's performance catalog during a
// discovery poll. Counters are lifetime totals as reported by the engine.
type QuerySample struct {
	SQL         string
	NativeID    string
	Calls       int64
	TotalTimeMS float64
	MeanTimeMS  float64
	Rows        int64
}

// DetectedIssue is a structured finding attached to an optimization.
type DetectedIssue struct {
	Type            IssueType      `json:"type"`
	Severity        Severity       `json:"severity"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	AffectedObjects []string       `json:"affected_objects"`
	Recommendations []string       `json:"recommendations"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	DetectedAt      time.Time      `json:"detected_at"`
}

// DetectionResult is the full output of one detector run over a query.
type DetectionResult struct {
	Issues           []DetectedIssue  `json:"issues"`
	Summary          string           `json:"summary"`
	CountsBySeverity map[Severity]int `json:"counts_by_severity"`
	Total            int              `json:"total"`
}

// Optimization is one end-to-end attempt to improve a query.
type Optimization struct {
	ID             int64  `db:"id" json:"id"`
	ConnectionID   int64  `db:"connection_id" json:"connection_id"`
	QueryID        *int64 `db:"query_id" json:"query_id,omitempty"`
	OriginalSQL    string `db:"original_sql" json:"original_sql"`
	OptimizedSQL   string `db:"optimized_sql" json:"optimized_sql"`
	Explanation    string `db:"explanation" json:"explanation"`
	// Recommendations are general prose suggestions in response order.
	Recommendations []string        `json:"recommendations"`
	ExecutionPlan   []byte          `db:"execution_plan" json:"execution_plan,omitempty"`
	EstimatedPct    float64         `db:"estimated_improvement_pct" json:"estimated_improvement_pct"`
	Issues          []DetectedIssue `json:"detected_issues"`
	ParseStrategy   string          `db:"parse_strategy" json:"parse_strategy"`
	Status          OptimizationStatus `db:"status" json:"status"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	AppliedAt       *time.Time         `db:"applied_at" json:"applied_at,omitempty"`
	Validation      *ValidationResult  `json:"validation_result,omitempty"`
}

// SafetyCheckResult records every gate the applicator evaluated.
type SafetyCheckResult struct {
	ChecksPerformed []string `json:"checks_performed"`
	Warnings        []string `json:"warnings"`
	Errors          []string `json:"errors"`
	Passed          bool     `json:"passed"`
}

// AppliedFix is a DDL/DML change executed against a target database.
type AppliedFix struct {
	ID             int64             `db:"id" json:"id"`
	OptimizationID int64             `db:"optimization_id" json:"optimization_id"`
	ConnectionID   int64             `db:"connection_id" json:"connection_id"`
	FixType        FixType           `db:"fix_type" json:"fix_type"`
	ForwardSQL     string            `db:"forward_sql" json:"forward_sql"`
	RollbackSQL    string            `db:"rollback_sql" json:"rollback_sql"`
	Status         FixStatus         `db:"status" json:"status"`
	ExecutionSec   float64           `db:"execution_sec" json:"execution_sec"`
	SafetyCheck    SafetyCheckResult `json:"safety_check"`
	AppliedAt      *time.Time        `db:"applied_at" json:"applied_at,omitempty"`
	RevertedAt     *time.Time        `db:"reverted_at" json:"reverted_at,omitempty"`
}

// PerformanceMetrics is the per-execution measurement value object. Any
// subset may be absent depending on what the engine exposes.
type PerformanceMetrics struct {
	ExecutionTimeMS float64 `json:"execution_time_ms"`
	PlanningTimeMS  float64 `json:"planning_time_ms,omitempty"`
	RowsReturned    int64   `json:"rows_returned"`
	BufferHits      int64   `json:"buffer_hits,omitempty"`
	BufferReads     int64   `json:"buffer_reads,omitempty"`
	IOCost          float64 `json:"io_cost,omitempty"`
}

// ValidationResult aggregates before/after measurements over N iterations.
type ValidationResult struct {
	Iterations     int                `json:"iterations"`
	Original       PerformanceMetrics `json:"original_mean"`
	Optimized      PerformanceMetrics `json:"optimized_mean"`
	OriginalStdDev float64            `json:"original_stddev_ms"`
	OptimizedStdDev float64           `json:"optimized_stddev_ms"`
	ImprovementPct float64            `json:"improvement_pct"`
	IsFaster       bool               `json:"is_faster"`
	// RevertRecommended is set when the rewrite did not validate and any
	// applied fix should be undone.
	RevertRecommended bool      `json:"revert_recommended"`
	MeasuredAt        time.Time `json:"measured_at"`
}

// Feedback is the ground-truth record after applying an optimization.
type Feedback struct {
	ID             int64              `db:"id" json:"id"`
	OptimizationID int64              `db:"optimization_id" json:"optimization_id"`
	Before         PerformanceMetrics `json:"before_metrics"`
	After          PerformanceMetrics `json:"after_metrics"`
	ActualPct      float64            `db:"actual_improvement_pct" json:"actual_improvement_pct"`
	EstimatedPct   float64            `db:"estimated_improvement_pct" json:"estimated_improvement_pct"`
	AccuracyScore  float64            `db:"accuracy_score" json:"accuracy_score"`
	Rating         *int               `db:"rating" json:"rating,omitempty"`
	Comment        string             `db:"comment" json:"comment,omitempty"`
	Status         FeedbackStatus     `db:"status" json:"status"`
	AppliedAt      time.Time          `db:"applied_at" json:"applied_at"`
	MeasuredAt     time.Time          `db:"measured_at" json:"measured_at"`
}

// OptimizationPattern is a reusable rewrite keyed by structural signature.
type OptimizationPattern struct {
	ID                int64       `db:"id" json:"id"`
	Type              PatternType `db:"pattern_type" json:"pattern_type"`
	Signature         string      `db:"signature" json:"signature"`
	OriginalTemplate  string      `db:"original_template" json:"original_template"`
	OptimizedTemplate string      `db:"optimized_template" json:"optimized_template"`
	Engine            Engine      `db:"engine" json:"engine"`
	Applications      int64       `db:"applications" json:"applications"`
	Successes         int64       `db:"successes" json:"successes"`
	SuccessRate       float64     `db:"success_rate" json:"success_rate"`
	AvgImprovementPct float64     `db:"avg_improvement_pct" json:"avg_improvement_pct"`
	// M2 is the Welford second moment, kept so the rolling mean can be
	// extended without replaying history.
	M2        float64   `db:"m2" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// WorkloadSample is a time-bucketed roll-up per connection.
type WorkloadSample struct {
	ConnectionID int64         `db:"connection_id" json:"connection_id"`
	BucketStart  time.Time     `db:"bucket_start" json:"bucket_start"`
	TotalQueries int64         `db:"total_queries" json:"total_queries"`
	SlowQueries  int64         `db:"slow_queries" json:"slow_queries"`
	MeanTimeMS   float64       `db:"mean_time_ms" json:"mean_time_ms"`
	Class        WorkloadClass `db:"workload_class" json:"workload_class"`
	Degraded     bool          `db:"degraded" json:"degraded"`
}

// IndexRecommendation is an index a plan suggests should exist or go away.
type IndexRecommendation struct {
	ID               int64                `db:"id" json:"id"`
	ConnectionID     int64                `db:"connection_id" json:"connection_id"`
	TableName        string               `db:"table_name" json:"table"`
	Columns          []string             `json:"columns"`
	Kind             string               `db:"index_kind" json:"index_kind"`
	Action           IndexAction          `db:"action" json:"action"`
	EstimatedBenefit float64              `db:"estimated_benefit" json:"estimated_benefit"`
	TimesReferenced  int64                `db:"times_referenced" json:"times_referenced"`
	Status           RecommendationStatus `db:"status" json:"status"`
	CreatedAt        time.Time            `db:"created_at" json:"created_at"`
	ActedAt          *time.Time           `db:"acted_at" json:"acted_at,omitempty"`
}

// ResetEvent records a detected counter reset on a target's performance
// catalog, e.g. pg_stat_statements_reset().
type ResetEvent struct {
	ID           int64     `db:"id" json:"id"`
	ConnectionID int64     `db:"connection_id" json:"connection_id"`
	QueryID      int64     `db:"query_id" json:"query_id"`
	PrevCalls    int64     `db:"prev_calls" json:"prev_calls"`
	NewCalls     int64     `db:"new_calls" json:"new_calls"`
	ObservedAt   time.Time `db:"observed_at" json:"observed_at"`
}
