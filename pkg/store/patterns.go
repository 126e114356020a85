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
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// SeedPattern inserts a pattern if its (engine, signature) does not exist
// yet. Idempotent; repeated seeding leaves the library unchanged.
func (s *Store) SeedPattern(ctx context.Context, p *model.OptimizationPattern) error {
	return retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO patterns (pattern_type, signature, original_template, optimized_template, engine)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (engine, signature) DO NOTHING`,
			p.Type, p.Signature, p.OriginalTemplate, p.OptimizedTemplate, p.Engine)
		return mapError(err)
	})
}

// FindPatternsBySignature returns candidate patterns for an engine and
// signature, best-established first: success_rate * log(1 + applications).
func (s *Store) FindPatternsBySignature(ctx context.Context, engine model.Engine, signature string) ([]model.OptimizationPattern, error) {
	ps := []model.OptimizationPattern{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &ps, `
			SELECT * FROM patterns
			WHERE engine = $1 AND signature = $2
			ORDER BY success_rate * ln(1 + applications) DESC, id`, engine, signature))
	})
	return ps, err
}

// RecordPatternOutcome atomically bumps a pattern's counters and extends
// its rolling aggregates with Welford's streaming update.
func (s *Store) RecordPatternOutcome(ctx context.Context, engine model.Engine, signature string, improvementPct float64, success bool) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var p model.OptimizationPattern
		err := tx.GetContext(ctx, &p, `
			SELECT * FROM patterns WHERE engine = $1 AND signature = $2 FOR UPDATE`,
			engine, signature)
		if err != nil {
			return err
		}
		p.Applications++
		if success {
			p.Successes++
		}
		// Welford: mean and M2 extend without replaying history.
		delta := improvementPct - p.AvgImprovementPct
		p.AvgImprovementPct += delta / float64(p.Applications)
		p.M2 += delta * (improvementPct - p.AvgImprovementPct)
		p.SuccessRate = float64(p.Successes) / float64(p.Applications)

		_, err = tx.ExecContext(ctx, `
			UPDATE patterns
			SET applications = $2, successes = $3, success_rate = $4,
			    avg_improvement_pct = $5, m2 = $6
			WHERE id = $1`,
			p.ID, p.Applications, p.Successes, p.SuccessRate, p.AvgImprovementPct, p.M2)
		return err
	})
}

// ListPatterns returns patterns filtered by optional engine and type.
func (s *Store) ListPatterns(ctx context.Context, engine model.Engine, pType model.PatternType, limit int) ([]model.OptimizationPattern, error) {
	q := `SELECT * FROM patterns WHERE TRUE`
	args := []any{}
	if engine != "" {
		args = append(args, engine)
		q += fmt.Sprintf(" AND engine = $%d", len(args))
	}
	if pType != "" {
		args = append(args, pType)
		q += fmt.Sprintf(" AND pattern_type = $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY success_rate DESC, applications DESC LIMIT $%d", len(args))

	ps := []model.OptimizationPattern{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &ps, q, args...))
	})
	return ps, err
}

// SearchPatterns matches free text against pattern templates.
func (s *Store) SearchPatterns(ctx context.Context, query string, limit int) ([]model.OptimizationPattern, error) {
	ps := []model.OptimizationPattern{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &ps, `
			SELECT * FROM patterns
			WHERE original_template ILIKE '%' || $1 || '%'
			   OR optimized_template ILIKE '%' || $1 || '%'
			ORDER BY applications DESC LIMIT $2`, query, limit))
	})
	return ps, err
}

// PatternStatistics summarizes the pattern library.
type PatternStatistics struct {
	Total             int64   `db:"total"`
	TotalApplications int64   `db:"total_applications"`
	MeanSuccessRate   float64 `db:"mean_success_rate"`
	MeanImprovement   float64 `db:"mean_improvement"`
}

// GetPatternStatistics aggregates over the whole library.
func (s *Store) GetPatternStatistics(ctx context.Context) (*PatternStatistics, error) {
	var st PatternStatistics
	err := retry(ctx, func() error {
		return mapError(s.db.GetContext(ctx, &st, `
			SELECT count(*) AS total,
			       coalesce(sum(applications), 0) AS total_applications,
			       coalesce(avg(success_rate), 0) AS mean_success_rate,
			       coalesce(avg(avg_improvement_pct), 0) AS mean_improvement
			FROM patterns`))
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// TopPatterns returns the best-scoring patterns across all engines.
func (s *Store) TopPatterns(ctx context.Context, limit int) ([]model.OptimizationPattern, error) {
	ps := []model.OptimizationPattern{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &ps, `
			SELECT * FROM patterns
			ORDER BY success_rate * ln(1 + applications) DESC, id LIMIT $1`, limit))
	})
	return ps, err
}
