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

type fixRow struct {
	ID             int64           `db:"id"`
	OptimizationID int64           `db:"optimization_id"`
	ConnectionID   int64           `db:"connection_id"`
	FixType        model.FixType   `db:"fix_type"`
	ForwardSQL     string          `db:"forward_sql"`
	RollbackSQL    string          `db:"rollback_sql"`
	Status         model.FixStatus `db:"status"`
	ExecutionSec   float64         `db:"execution_sec"`
	SafetyCheck    []byte          `db:"safety_check"`
	AppliedAt      *time.Time      `db:"applied_at"`
	RevertedAt     *time.Time      `db:"reverted_at"`
}

func (r *fixRow) toModel() (*model.AppliedFix, error) {
	fix := &model.AppliedFix{
		ID: r.ID, OptimizationID: r.OptimizationID, ConnectionID: r.ConnectionID,
		FixType: r.FixType, ForwardSQL: r.ForwardSQL, RollbackSQL: r.RollbackSQL,
		Status: r.Status, ExecutionSec: r.ExecutionSec,
		AppliedAt: r.AppliedAt, RevertedAt: r.RevertedAt,
	}
	if len(r.SafetyCheck) > 0 {
		if err := json.Unmarshal(r.SafetyCheck, &fix.SafetyCheck); err != nil {
			return nil, fmt.Errorf("%w: corrupt safety_check on fix %d: %s", model.ErrFatal, r.ID, err)
		}
	}
	return fix, nil
}

// CreateFix records an applied (or attempted) fix. An APPLIED fix must
// carry non-empty rollback SQL; applying twice on the same optimization
// without an intervening revert is a conflict.
func (s *Store) CreateFix(ctx context.Context, fix *model.AppliedFix) error {
	if fix.Status == model.FixApplied && fix.RollbackSQL == "" {
		return fmt.Errorf("%w: applied fix requires rollback SQL", model.ErrInput)
	}
	safety, err := json.Marshal(fix.SafetyCheck)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockOptimization(ctx, tx, fix.OptimizationID); err != nil {
			return err
		}
		if fix.Status == model.FixApplied {
			var active int64
			if err := tx.GetContext(ctx, &active, `
				SELECT count(*) FROM applied_fixes
				WHERE optimization_id = $1 AND status = 'applied'`, fix.OptimizationID); err != nil {
				return err
			}
			if active > 0 {
				return fmt.Errorf("%w: optimization %d already has an applied fix", model.ErrConflict, fix.OptimizationID)
			}
		}
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO applied_fixes (optimization_id, connection_id, fix_type, forward_sql,
				rollback_sql, status, execution_sec, safety_check, applied_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			fix.OptimizationID, fix.ConnectionID, fix.FixType, fix.ForwardSQL,
			fix.RollbackSQL, fix.Status, fix.ExecutionSec, safety, fix.AppliedAt)
		return row.Scan(&fix.ID)
	})
}

// GetFix returns one fix by id.
func (s *Store) GetFix(ctx context.Context, id int64) (*model.AppliedFix, error) {
	var row fixRow
	err := retry(ctx, func() error {
		return mapError(s.db.GetContext(ctx, &row, `SELECT * FROM applied_fixes WHERE id = $1`, id))
	})
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// MarkFixReverted stamps a fix REVERTED with the revert time.
func (s *Store) MarkFixReverted(ctx context.Context, id int64, at time.Time) error {
	return retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE applied_fixes SET status = $2, reverted_at = $3
			WHERE id = $1 AND status = $4`,
			id, model.FixReverted, at, model.FixApplied)
		if err != nil {
			return mapError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return mapError(err)
		}
		if n == 0 {
			return fmt.Errorf("%w: fix %d is not in applied state", model.ErrConflict, id)
		}
		return nil
	})
}

// ListFixes returns all fixes for an optimization, oldest first.
func (s *Store) ListFixes(ctx context.Context, optimizationID int64) ([]*model.AppliedFix, error) {
	rows := []fixRow{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &rows, `
			SELECT * FROM applied_fixes WHERE optimization_id = $1 ORDER BY id`, optimizationID))
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.AppliedFix, 0, len(rows))
	for i := range rows {
		fix, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, fix)
	}
	return out, nil
}

// FixHistory returns fixes newest first. A zero connectionID spans all
// connections; a zero limit returns everything.
func (s *Store) FixHistory(ctx context.Context, connectionID int64, limit int) ([]*model.AppliedFix, error) {
	q := `SELECT * FROM applied_fixes`
	args := []any{}
	if connectionID > 0 {
		args = append(args, connectionID)
		q += fmt.Sprintf(" WHERE connection_id = $%d", len(args))
	}
	q += " ORDER BY id DESC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows := []fixRow{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &rows, q, args...))
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.AppliedFix, 0, len(rows))
	for i := range rows {
		fix, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, fix)
	}
	return out, nil
}
