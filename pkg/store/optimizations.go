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
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// optimizationRow is the scan target; JSON blobs are validated on read.
type optimizationRow struct {
	ID              int64                    `db:"id"`
	ConnectionID    int64                    `db:"connection_id"`
	QueryID         *int64                   `db:"query_id"`
	OriginalSQL     string                   `db:"original_sql"`
	OptimizedSQL    string                   `db:"optimized_sql"`
	Explanation     string                   `db:"explanation"`
	Recommendations []byte                   `db:"recommendations"`
	ExecutionPlan   []byte                   `db:"execution_plan"`
	EstimatedPct    float64                  `db:"estimated_improvement_pct"`
	DetectedIssues  []byte                   `db:"detected_issues"`
	Validation      []byte                   `db:"validation_result"`
	ParseStrategy   string                   `db:"parse_strategy"`
	Status          model.OptimizationStatus `db:"status"`
	CreatedAt       time.Time                `db:"created_at"`
	AppliedAt       *time.Time               `db:"applied_at"`
}

func (r *optimizationRow) toModel() (*model.Optimization, error) {
	opt := &model.Optimization{
		ID: r.ID, ConnectionID: r.ConnectionID, QueryID: r.QueryID,
		OriginalSQL: r.OriginalSQL, OptimizedSQL: r.OptimizedSQL,
		Explanation: r.Explanation, ExecutionPlan: r.ExecutionPlan,
		EstimatedPct: r.EstimatedPct, ParseStrategy: r.ParseStrategy,
		Status: r.Status, CreatedAt: r.CreatedAt, AppliedAt: r.AppliedAt,
	}
	if len(r.Recommendations) > 0 {
		if err := json.Unmarshal(r.Recommendations, &opt.Recommendations); err != nil {
			return nil, fmt.Errorf("%w: corrupt recommendations on optimization %d: %s", model.ErrFatal, r.ID, err)
		}
	}
	if len(r.DetectedIssues) > 0 {
		if err := json.Unmarshal(r.DetectedIssues, &opt.Issues); err != nil {
			return nil, fmt.Errorf("%w: corrupt detected_issues on optimization %d: %s", model.ErrFatal, r.ID, err)
		}
	}
	if len(r.Validation) > 0 {
		opt.Validation = &model.ValidationResult{}
		if err := json.Unmarshal(r.Validation, opt.Validation); err != nil {
			return nil, fmt.Errorf("%w: corrupt validation_result on optimization %d: %s", model.ErrFatal, r.ID, err)
		}
	}
	return opt, nil
}

// CreateOptimization persists a new optimization in GENERATED state.
func (s *Store) CreateOptimization(ctx context.Context, opt *model.Optimization) error {
	recs, err := json.Marshal(orEmpty(opt.Recommendations))
	if err != nil {
		return err
	}
	issues, err := json.Marshal(orEmptyIssues(opt.Issues))
	if err != nil {
		return err
	}
	plan := opt.ExecutionPlan
	if len(plan) == 0 {
		plan = nil
	}
	opt.Status = model.StatusGenerated
	return retry(ctx, func() error {
		row := s.db.QueryRowxContext(ctx, `
			INSERT INTO optimizations (connection_id, query_id, original_sql, optimized_sql,
				explanation, recommendations, execution_plan, estimated_improvement_pct,
				detected_issues, parse_strategy, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id, created_at`,
			opt.ConnectionID, opt.QueryID, opt.OriginalSQL, opt.OptimizedSQL,
			opt.Explanation, recs, plan, opt.EstimatedPct, issues,
			opt.ParseStrategy, opt.Status)
		return mapError(row.Scan(&opt.ID, &opt.CreatedAt))
	})
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func orEmptyIssues(is []model.DetectedIssue) []model.DetectedIssue {
	if is == nil {
		return []model.DetectedIssue{}
	}
	return is
}

// GetOptimization returns one optimization by id.
func (s *Store) GetOptimization(ctx context.Context, id int64) (*model.Optimization, error) {
	var row optimizationRow
	err := retry(ctx, func() error {
		return mapError(s.db.GetContext(ctx, &row, `SELECT * FROM optimizations WHERE id = $1`, id))
	})
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// ListOptimizations returns optimizations newest first.
func (s *Store) ListOptimizations(ctx context.Context, connectionID int64, limit int) ([]*model.Optimization, error) {
	rows := []optimizationRow{}
	q := `SELECT * FROM optimizations ORDER BY created_at DESC LIMIT $1`
	args := []any{limit}
	if connectionID > 0 {
		q = `SELECT * FROM optimizations WHERE connection_id = $2 ORDER BY created_at DESC LIMIT $1`
		args = append(args, connectionID)
	}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &rows, q, args...))
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.Optimization, 0, len(rows))
	for i := range rows {
		opt, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, opt)
	}
	return out, nil
}

// TransitionOptimization moves an optimization between statuses under the
// per-optimization advisory lock, refusing illegal moves with ErrConflict.
func (s *Store) TransitionOptimization(ctx context.Context, id int64, to model.OptimizationStatus) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockOptimization(ctx, tx, id); err != nil {
			return err
		}
		var from model.OptimizationStatus
		if err := tx.GetContext(ctx, &from, `SELECT status FROM optimizations WHERE id = $1`, id); err != nil {
			return err
		}
		if err := model.CheckTransition(from, to); err != nil {
			return err
		}
		if to == model.StatusApplied {
			_, err := tx.ExecContext(ctx, `
				UPDATE optimizations SET status = $2, applied_at = $3 WHERE id = $1`,
				id, to, time.Now().UTC())
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE optimizations SET status = $2 WHERE id = $1`, id, to)
		return err
	})
}

// SetValidationResult stores the measured result and moves the optimization
// to VALIDATED or VALIDATION_FAILED in one transaction.
func (s *Store) SetValidationResult(ctx context.Context, id int64, vr *model.ValidationResult, to model.OptimizationStatus) error {
	if to != model.StatusValidated && to != model.StatusValidationFailed {
		return fmt.Errorf("%w: validation result requires a validation status, got %s", model.ErrInput, to)
	}
	raw, err := json.Marshal(vr)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockOptimization(ctx, tx, id); err != nil {
			return err
		}
		var from model.OptimizationStatus
		if err := tx.GetContext(ctx, &from, `SELECT status FROM optimizations WHERE id = $1`, id); err != nil {
			return err
		}
		if err := model.CheckTransition(from, to); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE optimizations SET status = $2, validation_result = $3 WHERE id = $1`,
			id, to, raw)
		return err
	})
}

// CountOptimizations returns total optimizations and how many carry at
// least one detected issue.
func (s *Store) CountOptimizations(ctx context.Context) (total, withIssues int64, err error) {
	err = retry(ctx, func() error {
		return mapError(s.db.QueryRowxContext(ctx, `
			SELECT count(*),
			       count(*) FILTER (WHERE jsonb_array_length(detected_issues) > 0)
			FROM optimizations`).Scan(&total, &withIssues))
	})
	return total, withIssues, err
}
