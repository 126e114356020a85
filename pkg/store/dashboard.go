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

package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// DashboardStats is the aggregate snapshot served to the transport layer.
// With no connections every field is zero; reads never fail on empty state.
type DashboardStats struct {
	TotalConnections        int64               `db:"-" json:"total_connections"`
	TotalQueriesDiscovered  int64               `db:"-" json:"total_queries_discovered"`
	TotalOptimizations      int64               `db:"-" json:"total_optimizations"`
	AvgImprovementPct       float64             `db:"-" json:"avg_improvement_pct"`
	TotalDetectedIssues     int64               `db:"-" json:"total_detected_issues"`
	OptimizationsWithIssues int64               `db:"-" json:"optimizations_with_issues"`
	TopBottlenecks          []QueryWithSeverity `db:"-" json:"top_bottlenecks"`
}

// QueryWithSeverity is a discovered query annotated with its worst issue.
type QueryWithSeverity struct {
	QueryID      int64   `db:"query_id" json:"query_id"`
	ConnectionID int64   `db:"connection_id" json:"connection_id"`
	SampleSQL    string  `db:"sample_sql" json:"sample_sql"`
	MeanTimeMS   float64 `db:"mean_time_ms" json:"mean_time_ms"`
	Calls        int64   `db:"calls" json:"calls"`
	IssueCount   int64   `db:"issue_count" json:"issue_count"`
}

// GetDashboardStats assembles the dashboard snapshot inside one repeatable
// read transaction so all aggregates agree.
func (s *Store) GetDashboardStats(ctx context.Context) (*DashboardStats, error) {
	var st DashboardStats
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &st.TotalConnections,
			`SELECT count(*) FROM connections WHERE deleted_at IS NULL`); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &st.TotalQueriesDiscovered,
			`SELECT count(*) FROM queries`); err != nil {
			return err
		}
		row := tx.QueryRowxContext(ctx, `
			SELECT count(*),
			       coalesce(avg(estimated_improvement_pct), 0),
			       coalesce(sum(jsonb_array_length(detected_issues)), 0),
			       count(*) FILTER (WHERE jsonb_array_length(detected_issues) > 0)
			FROM optimizations`)
		if err := row.Scan(&st.TotalOptimizations, &st.AvgImprovementPct,
			&st.TotalDetectedIssues, &st.OptimizationsWithIssues); err != nil {
			return err
		}
		st.TopBottlenecks = []QueryWithSeverity{}
		return tx.SelectContext(ctx, &st.TopBottlenecks, `
			SELECT q.id AS query_id, q.connection_id, q.sample_sql, q.mean_time_ms, q.calls,
			       coalesce(sum(jsonb_array_length(o.detected_issues)), 0) AS issue_count
			FROM queries q
			LEFT JOIN optimizations o ON o.query_id = q.id
			GROUP BY q.id, q.connection_id, q.sample_sql, q.mean_time_ms, q.calls
			ORDER BY q.mean_time_ms DESC
			LIMIT 5`)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// QueriesWithIssues returns discovered queries whose optimizations carry at
// least one detected issue, worst first.
func (s *Store) QueriesWithIssues(ctx context.Context, limit int) ([]QueryWithSeverity, error) {
	out := []QueryWithSeverity{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &out, `
			SELECT q.id AS query_id, q.connection_id, q.sample_sql, q.mean_time_ms, q.calls,
			       sum(jsonb_array_length(o.detected_issues)) AS issue_count
			FROM queries q
			JOIN optimizations o ON o.query_id = q.id
			WHERE jsonb_array_length(o.detected_issues) > 0
			GROUP BY q.id, q.connection_id, q.sample_sql, q.mean_time_ms, q.calls
			ORDER BY issue_count DESC, q.mean_time_ms DESC
			LIMIT $1`, limit))
	})
	return out, err
}

// TrendPoint is one hourly bucket in the performance trend series.
type TrendPoint struct {
	Bucket       time.Time `db:"bucket" json:"bucket"`
	TotalQueries int64     `db:"total_queries" json:"total_queries"`
	SlowQueries  int64     `db:"slow_queries" json:"slow_queries"`
	MeanTimeMS   float64   `db:"mean_time_ms" json:"mean_time_ms"`
}

// PerformanceTrends returns hourly workload buckets across all connections
// for the trailing window.
func (s *Store) PerformanceTrends(ctx context.Context, hours int) ([]TrendPoint, error) {
	out := []TrendPoint{}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &out, `
			SELECT bucket_start AS bucket,
			       sum(total_queries) AS total_queries,
			       sum(slow_queries) AS slow_queries,
			       coalesce(avg(mean_time_ms), 0) AS mean_time_ms
			FROM workload_samples
			WHERE bucket_start >= $1
			GROUP BY bucket_start
			ORDER BY bucket_start`, since))
	})
	return out, err
}

// DetectionSummary counts detected issues by type across all optimizations.
func (s *Store) DetectionSummary(ctx context.Context) (map[model.IssueType]int64, error) {
	rows := []struct {
		Type  model.IssueType `db:"issue_type"`
		Count int64           `db:"n"`
	}{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &rows, `
			SELECT issue->>'type' AS issue_type, count(*) AS n
			FROM optimizations, jsonb_array_elements(detected_issues) AS issue
			GROUP BY issue->>'type'
			ORDER BY n DESC`))
	})
	if err != nil {
		return nil, err
	}
	out := make(map[model.IssueType]int64, len(rows))
	for _, r := range rows {
		out[r.Type] = r.Count
	}
	return out, nil
}
