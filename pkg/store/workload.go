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

// UpsertWorkloadSample merges a roll-up into the connection's hourly bucket.
func (s *Store) UpsertWorkloadSample(ctx context.Context, ws *model.WorkloadSample) error {
	bucket := ws.BucketStart.Truncate(time.Hour)
	return retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workload_samples (connection_id, bucket_start, total_queries, slow_queries, mean_time_ms, workload_class, degraded)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (connection_id, bucket_start) DO UPDATE
			SET total_queries = workload_samples.total_queries + EXCLUDED.total_queries,
			    slow_queries = workload_samples.slow_queries + EXCLUDED.slow_queries,
			    mean_time_ms = (workload_samples.mean_time_ms + EXCLUDED.mean_time_ms) / 2,
			    workload_class = EXCLUDED.workload_class,
			    degraded = workload_samples.degraded OR EXCLUDED.degraded`,
			ws.ConnectionID, bucket, ws.TotalQueries, ws.SlowQueries,
			ws.MeanTimeMS, ws.Class, ws.Degraded)
		return mapError(err)
	})
}

// ListWorkloadSamples returns buckets for a connection since the cutoff,
// oldest first.
func (s *Store) ListWorkloadSamples(ctx context.Context, connectionID int64, since time.Time) ([]model.WorkloadSample, error) {
	ws := []model.WorkloadSample{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &ws, `
			SELECT * FROM workload_samples
			WHERE connection_id = $1 AND bucket_start >= $2
			ORDER BY bucket_start`, connectionID, since))
	})
	return ws, err
}

type indexRecommendationRow struct {
	ID               int64                      `db:"id"`
	ConnectionID     int64                      `db:"connection_id"`
	TableName        string                     `db:"table_name"`
	Columns          []byte                     `db:"columns"`
	Kind             string                     `db:"index_kind"`
	Action           model.IndexAction          `db:"action"`
	EstimatedBenefit float64                    `db:"estimated_benefit"`
	TimesReferenced  int64                      `db:"times_referenced"`
	Status           model.RecommendationStatus `db:"status"`
	CreatedAt        time.Time                  `db:"created_at"`
	ActedAt          *time.Time                 `db:"acted_at"`
}

func (r *indexRecommendationRow) toModel() (*model.IndexRecommendation, error) {
	rec := &model.IndexRecommendation{
		ID: r.ID, ConnectionID: r.ConnectionID, TableName: r.TableName,
		Kind: r.Kind, Action: r.Action, EstimatedBenefit: r.EstimatedBenefit,
		TimesReferenced: r.TimesReferenced, Status: r.Status,
		CreatedAt: r.CreatedAt, ActedAt: r.ActedAt,
	}
	if len(r.Columns) > 0 {
		if err := json.Unmarshal(r.Columns, &rec.Columns); err != nil {
			return nil, fmt.Errorf("%w: corrupt columns on recommendation %d: %s", model.ErrFatal, r.ID, err)
		}
	}
	return rec, nil
}

// CreateIndexRecommendation persists one recommendation in RECOMMENDED state.
func (s *Store) CreateIndexRecommendation(ctx context.Context, rec *model.IndexRecommendation) error {
	cols, err := json.Marshal(orEmpty(rec.Columns))
	if err != nil {
		return err
	}
	rec.Status = model.RecommendationPending
	return retry(ctx, func() error {
		row := s.db.QueryRowxContext(ctx, `
			INSERT INTO index_recommendations (connection_id, table_name, columns, index_kind, action, estimated_benefit, times_referenced, status)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
			RETURNING id, created_at`,
			rec.ConnectionID, rec.TableName, cols, rec.Kind, rec.Action,
			rec.EstimatedBenefit, rec.Status)
		return mapError(row.Scan(&rec.ID, &rec.CreatedAt))
	})
}

// ListIndexRecommendations returns recommendations for a connection,
// optionally filtered by status.
func (s *Store) ListIndexRecommendations(ctx context.Context, connectionID int64, status model.RecommendationStatus) ([]*model.IndexRecommendation, error) {
	rows := []indexRecommendationRow{}
	q := `SELECT * FROM index_recommendations WHERE connection_id = $1 ORDER BY estimated_benefit DESC`
	args := []any{connectionID}
	if status != "" {
		q = `SELECT * FROM index_recommendations WHERE connection_id = $1 AND status = $2 ORDER BY estimated_benefit DESC`
		args = append(args, status)
	}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &rows, q, args...))
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.IndexRecommendation, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateRecommendationStatus stamps a recommendation with its outcome.
func (s *Store) UpdateRecommendationStatus(ctx context.Context, id int64, status model.RecommendationStatus) error {
	return retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE index_recommendations SET status = $2, acted_at = $3 WHERE id = $1`,
			id, status, time.Now().UTC())
		if err != nil {
			return mapError(err)
		}
		return noneUpdatedIsNotFound(res)
	})
}

// TouchIndexRecommendation bumps the reference counter when another
// optimization points at the same index.
func (s *Store) TouchIndexRecommendation(ctx context.Context, id int64) error {
	return retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE index_recommendations SET times_referenced = times_referenced + 1 WHERE id = $1`, id)
		if err != nil {
			return mapError(err)
		}
		return noneUpdatedIsNotFound(res)
	})
}
