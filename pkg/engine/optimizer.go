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

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-kit/log"

	"github.com/dbpulse/dbpulse/pkg/apply"
	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/plan"
)

// OptimizerService fronts the optimization pipeline: generation, plan
// explanation, fix derivation, application, validation and rollback.
type OptimizerService struct {
	opts   Opts
	logger log.Logger
}

// Optimize runs one optimization attempt for ad-hoc SQL on a connection.
// includePlan keeps the captured execution plan on the result; transports
// that do not render plans drop the payload early.
func (s *OptimizerService) Optimize(ctx context.Context, connectionID int64, sql string, includePlan bool) (*model.Optimization, error) {
	conn, err := s.opts.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	opt, err := s.opts.Optimizer.Optimize(ctx, *conn, nil, sql)
	if err != nil {
		return nil, err
	}
	if !includePlan {
		opt.ExecutionPlan = nil
	}
	return opt, nil
}

// ExplainPlan renders a prose explanation of a statement's plan. A
// caller-supplied plan snapshot skips the target round trip.
func (s *OptimizerService) ExplainPlan(ctx context.Context, connectionID int64, sql string, snapshot []byte) (*plan.Explanation, error) {
	var p *plan.Plan
	if len(snapshot) > 0 {
		var err error
		if p, err = plan.FromSnapshot(snapshot); err != nil {
			return nil, err
		}
	} else {
		conn, err := s.opts.Store.GetConnection(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		err = s.opts.Targets.Do(*conn, func(a gateway.Adapter) error {
			p, err = a.Explain(ctx, sql, false)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return plan.Explain(p), nil
}

// FixSuggestion is one actionable fix derived from an optimization.
type FixSuggestion struct {
	FixType   model.FixType   `json:"fix_type"`
	SQL       string          `json:"sql,omitempty"`
	Rationale string          `json:"rationale"`
	IssueType model.IssueType `json:"issue_type,omitempty"`
}

// FixPlan groups suggestions by category.
type FixPlan struct {
	Indexes     []FixSuggestion `json:"indexes"`
	Maintenance []FixSuggestion `json:"maintenance"`
	Rewrites    []FixSuggestion `json:"rewrites"`
	Config      []FixSuggestion `json:"config"`
}

// GenerateFixes derives concrete fixes from an optimization's detected
// issues and rewrite. categories filters the output; empty means all.
func (s *OptimizerService) GenerateFixes(ctx context.Context, optimizationID int64, categories map[string]bool) (*FixPlan, error) {
	opt, err := s.opts.Store.GetOptimization(ctx, optimizationID)
	if err != nil {
		return nil, err
	}
	want := func(cat string) bool { return len(categories) == 0 || categories[cat] }
	fp := &FixPlan{
		Indexes:     []FixSuggestion{},
		Maintenance: []FixSuggestion{},
		Rewrites:    []FixSuggestion{},
		Config:      []FixSuggestion{},
	}

	for _, issue := range opt.Issues {
		for _, rec := range issue.Recommendations {
			upper := strings.ToUpper(strings.TrimSpace(rec))
			switch {
			case strings.HasPrefix(upper, "CREATE INDEX") || strings.HasPrefix(upper, "CREATE UNIQUE INDEX"):
				if want("indexes") {
					fp.Indexes = append(fp.Indexes, FixSuggestion{
						FixType: model.FixIndexCreate, SQL: rec,
						Rationale: issue.Title, IssueType: issue.Type,
					})
				}
			case strings.HasPrefix(upper, "DROP INDEX"):
				if want("indexes") {
					fp.Indexes = append(fp.Indexes, FixSuggestion{
						FixType: model.FixIndexDrop, SQL: rec,
						Rationale: issue.Title, IssueType: issue.Type,
					})
				}
			case strings.HasPrefix(upper, "ANALYZE") || strings.HasPrefix(upper, "UPDATE STATISTICS") ||
				strings.HasPrefix(upper, "BEGIN DBMS_STATS"):
				if want("maintenance") {
					fp.Maintenance = append(fp.Maintenance, FixSuggestion{
						FixType: model.FixStatisticsUpdate, SQL: rec,
						Rationale: issue.Title, IssueType: issue.Type,
					})
				}
			case strings.HasPrefix(upper, "VACUUM"):
				if want("maintenance") {
					fp.Maintenance = append(fp.Maintenance, FixSuggestion{
						FixType: model.FixVacuum, SQL: rec,
						Rationale: issue.Title, IssueType: issue.Type,
					})
				}
			case issue.Type == model.IssueHighIOWorkload:
				if want("config") {
					fp.Config = append(fp.Config, FixSuggestion{
						FixType: model.FixConfigChange,
						Rationale: fmt.Sprintf("%s: %s", issue.Title, rec),
						IssueType: issue.Type,
					})
				}
			}
		}
	}

	if want("rewrites") && opt.OptimizedSQL != "" && opt.OptimizedSQL != opt.OriginalSQL &&
		opt.ParseStrategy != model.StrategyFailedUpstream && opt.ParseStrategy != model.StrategyRawResponse {
		fp.Rewrites = append(fp.Rewrites, FixSuggestion{
			FixType:   model.FixQueryRewriteRecord,
			SQL:       opt.OptimizedSQL,
			Rationale: "rewritten statement from this optimization",
		})
	}
	return fp, nil
}

// ApplyFix applies one fix for an optimization through the safety gates.
func (s *OptimizerService) ApplyFix(ctx context.Context, optimizationID int64, fixType model.FixType, sql string, dryRun, skipSafety bool) (*model.AppliedFix, error) {
	opt, err := s.opts.Store.GetOptimization(ctx, optimizationID)
	if err != nil {
		return nil, err
	}
	conn, err := s.opts.Store.GetConnection(ctx, opt.ConnectionID)
	if err != nil {
		return nil, err
	}
	return s.opts.Applicator.Apply(ctx, apply.Request{
		OptimizationID: optimizationID,
		Connection:     *conn,
		FixType:        fixType,
		ForwardSQL:     sql,
		DryRun:         dryRun,
		SkipSafety:     skipSafety,
	})
}

// Validate measures an optimization before/after and settles its status.
// iterations of zero uses the configured default.
func (s *OptimizerService) Validate(ctx context.Context, optimizationID int64, iterations int) (*model.ValidationResult, error) {
	opt, err := s.opts.Store.GetOptimization(ctx, optimizationID)
	if err != nil {
		return nil, err
	}
	if opt.OptimizedSQL == "" {
		return nil, fmt.Errorf("%w: optimization %d has no rewrite to measure", model.ErrInput, optimizationID)
	}
	conn, err := s.opts.Store.GetConnection(ctx, opt.ConnectionID)
	if err != nil {
		return nil, err
	}
	vo := s.opts.ValidatorOpts
	if iterations > 0 {
		vo.Config.Iterations = iterations
	}
	return apply.NewValidator(vo).Validate(ctx, *conn, opt)
}

// Rollback undoes one applied fix, or the most recent fix on the fix's
// connection when fixID is nil. With nil and no applied fixes anywhere it
// returns ErrNotFound.
func (s *OptimizerService) Rollback(ctx context.Context, fixID *int64) (*model.AppliedFix, error) {
	if fixID != nil {
		fix, err := s.opts.Store.GetFix(ctx, *fixID)
		if err != nil {
			return nil, err
		}
		conn, err := s.opts.Store.GetConnection(ctx, fix.ConnectionID)
		if err != nil {
			return nil, err
		}
		return s.opts.Applicator.RollbackFix(ctx, *conn, *fixID)
	}

	// No fix named: roll back the newest applied fix across connections.
	fixes, err := s.opts.Store.FixHistory(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, fix := range fixes {
		if fix.Status != model.FixApplied {
			continue
		}
		conn, err := s.opts.Store.GetConnection(ctx, fix.ConnectionID)
		if err != nil {
			return nil, err
		}
		return s.opts.Applicator.RollbackFix(ctx, *conn, fix.ID)
	}
	return nil, fmt.Errorf("%w: no applied fixes to roll back", model.ErrNotFound)
}
