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

	"github.com/dbpulse/dbpulse/pkg/model"
)

type feedbackRow struct {
	ID             int64                `db:"id"`
	OptimizationID int64                `db:"optimization_id"`
	Before         []byte               `db:"before_metrics"`
	After          []byte               `db:"after_metrics"`
	ActualPct      float64              `db:"actual_improvement_pct"`
	EstimatedPct   float64              `db:"estimated_improvement_pct"`
	AccuracyScore  float64              `db:"accuracy_score"`
	Rating         *int                 `db:"rating"`
	Comment        string               `db:"comment"`
	Status         model.FeedbackStatus `db:"status"`
	AppliedAt      time.Time            `db:"applied_at"`
	MeasuredAt     time.Time            `db:"measured_at"`
}

func (r *feedbackRow) toModel() (*model.Feedback, error) {
	fb := &model.Feedback{
		ID: r.ID, OptimizationID: r.OptimizationID,
		ActualPct: r.ActualPct, EstimatedPct: r.EstimatedPct,
		AccuracyScore: r.AccuracyScore, Rating: r.Rating, Comment: r.Comment,
		Status: r.Status, AppliedAt: r.AppliedAt, MeasuredAt: r.MeasuredAt,
	}
	if err := json.Unmarshal(r.Before, &fb.Before); err != nil {
		return nil, fmt.Errorf("%w: corrupt before_metrics on feedback %d: %s", model.ErrFatal, r.ID, err)
	}
	if err := json.Unmarshal(r.After, &fb.After); err != nil {
		return nil, fmt.Errorf("%w: corrupt after_metrics on feedback %d: %s", model.ErrFatal, r.ID, err)
	}
	return fb, nil
}

// CreateFeedback persists one feedback record.
func (s *Store) CreateFeedback(ctx context.Context, fb *model.Feedback) error {
	before, err := json.Marshal(fb.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(fb.After)
	if err != nil {
		return err
	}
	return retry(ctx, func() error {
		row := s.db.QueryRowxContext(ctx, `
			INSERT INTO feedback (optimization_id, before_metrics, after_metrics,
				actual_improvement_pct, estimated_improvement_pct, accuracy_score,
				rating, comment, status, applied_at, measured_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			fb.OptimizationID, before, after, fb.ActualPct, fb.EstimatedPct,
			fb.AccuracyScore, fb.Rating, fb.Comment, fb.Status, fb.AppliedAt, fb.MeasuredAt)
		return mapError(row.Scan(&fb.ID))
	})
}

// FeedbackStats summarizes recorded outcomes, optionally per connection.
type FeedbackStats struct {
	Total           int64   `db:"total"`
	MeanAccuracy    float64 `db:"mean_accuracy"`
	MeanImprovement float64 `db:"mean_improvement"`
	SuccessRate     float64 `db:"success_rate"`
}

// GetFeedbackStats aggregates outcomes in a single snapshot. With no rows
// all fields are zero.
func (s *Store) GetFeedbackStats(ctx context.Context, connectionID int64) (*FeedbackStats, error) {
	var st FeedbackStats
	q := `
		SELECT count(*) AS total,
		       coalesce(avg(accuracy_score), 0) AS mean_accuracy,
		       coalesce(avg(actual_improvement_pct), 0) AS mean_improvement,
		       coalesce(avg(CASE WHEN status = 'success' THEN 1.0 ELSE 0.0 END), 0) AS success_rate
		FROM feedback f`
	args := []any{}
	if connectionID > 0 {
		q += ` JOIN optimizations o ON o.id = f.optimization_id WHERE o.connection_id = $1`
		args = append(args, connectionID)
	}
	err := retry(ctx, func() error {
		return mapError(s.db.GetContext(ctx, &st, q, args...))
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListFeedback returns feedback for an optimization, oldest first.
func (s *Store) ListFeedback(ctx context.Context, optimizationID int64) ([]*model.Feedback, error) {
	rows := []feedbackRow{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &rows, `
			SELECT * FROM feedback WHERE optimization_id = $1 ORDER BY id`, optimizationID))
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.Feedback, 0, len(rows))
	for i := range rows {
		fb, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, fb)
	}
	return out, nil
}
