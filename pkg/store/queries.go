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
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// UpsertQuery inserts or updates one discovered query atomically, keeping
// lifetime counters monotonic. When the source counters went backwards (the
// performance catalog was reset) the row is rebaselined from the current
// sample and a reset event is recorded.
func (s *Store) UpsertQuery(ctx context.Context, connectionID int64, fingerprint string, sample model.QuerySample, normalized string, now time.Time) (*model.DiscoveredQuery, error) {
	var out model.DiscoveredQuery
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var existing model.DiscoveredQuery
		err := tx.GetContext(ctx, &existing, `
			SELECT * FROM queries
			WHERE connection_id = $1 AND fingerprint = $2 FOR UPDATE`,
			connectionID, fingerprint)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			row := tx.QueryRowxContext(ctx, `
				INSERT INTO queries (connection_id, fingerprint, sample_sql, normalized_sql,
					first_seen, last_seen, calls, total_time_ms, rows_returned, mean_time_ms, native_id)
				VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8, $9, $10)
				RETURNING id`,
				connectionID, fingerprint, sample.SQL, normalized, now,
				sample.Calls, sample.TotalTimeMS, sample.Rows, meanOf(sample), sample.NativeID)
			if err := row.Scan(&out.ID); err != nil {
				return err
			}
			out = model.DiscoveredQuery{
				ID: out.ID, ConnectionID: connectionID, Fingerprint: fingerprint,
				SampleSQL: sample.SQL, Normalized: normalized,
				FirstSeen: now, LastSeen: now,
				Calls: sample.Calls, TotalTimeMS: sample.TotalTimeMS,
				Rows: sample.Rows, MeanTimeMS: meanOf(sample), NativeID: sample.NativeID,
			}
			return nil
		case err != nil:
			return err
		}

		if sample.Calls < existing.Calls || sample.TotalTimeMS < existing.TotalTimeMS {
			// Source reset. Rebaseline and keep the event for audit.
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO reset_events (connection_id, query_id, prev_calls, new_calls, observed_at)
				VALUES ($1, $2, $3, $4, $5)`,
				connectionID, existing.ID, existing.Calls, sample.Calls, now); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE queries
			SET sample_sql = $2, last_seen = $3, calls = $4, total_time_ms = $5,
			    rows_returned = $6, mean_time_ms = $7, native_id = $8
			WHERE id = $1`,
			existing.ID, sample.SQL, now, sample.Calls, sample.TotalTimeMS,
			sample.Rows, meanOf(sample), sample.NativeID)
		if err != nil {
			return err
		}
		out = existing
		out.SampleSQL = sample.SQL
		out.LastSeen = now
		out.Calls = sample.Calls
		out.TotalTimeMS = sample.TotalTimeMS
		out.Rows = sample.Rows
		out.MeanTimeMS = meanOf(sample)
		out.NativeID = sample.NativeID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func meanOf(s model.QuerySample) float64 {
	if s.MeanTimeMS > 0 {
		return s.MeanTimeMS
	}
	if s.Calls > 0 {
		return s.TotalTimeMS / float64(s.Calls)
	}
	return 0
}

// GetQuery returns one discovered query by id.
func (s *Store) GetQuery(ctx context.Context, id int64) (*model.DiscoveredQuery, error) {
	var q model.DiscoveredQuery
	err := retry(ctx, func() error {
		return mapError(s.db.GetContext(ctx, &q, `SELECT * FROM queries WHERE id = $1`, id))
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ListQueries returns queries for a connection ordered by lifetime total
// execution time, slowest first.
func (s *Store) ListQueries(ctx context.Context, connectionID int64, limit int) ([]model.DiscoveredQuery, error) {
	qs := []model.DiscoveredQuery{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &qs, `
			SELECT * FROM queries WHERE connection_id = $1
			ORDER BY total_time_ms DESC LIMIT $2`, connectionID, limit))
	})
	return qs, err
}

// TopQueries returns the slowest queries across all connections.
func (s *Store) TopQueries(ctx context.Context, limit int) ([]model.DiscoveredQuery, error) {
	qs := []model.DiscoveredQuery{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &qs, `
			SELECT * FROM queries ORDER BY mean_time_ms DESC LIMIT $1`, limit))
	})
	return qs, err
}

// CountQueries returns the lifetime number of discovered queries.
func (s *Store) CountQueries(ctx context.Context) (int64, error) {
	var n int64
	err := retry(ctx, func() error {
		return mapError(s.db.GetContext(ctx, &n, `SELECT count(*) FROM queries`))
	})
	return n, err
}

// ResetEvents returns the recorded counter resets for a connection.
func (s *Store) ResetEvents(ctx context.Context, connectionID int64) ([]model.ResetEvent, error) {
	evs := []model.ResetEvent{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &evs, `
			SELECT * FROM reset_events WHERE connection_id = $1 ORDER BY observed_at`, connectionID))
	})
	return evs, err
}
