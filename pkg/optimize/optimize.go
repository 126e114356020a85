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

// Package optimize orchestrates one optimization attempt: gather context
// from the target, detect issues, ask the completion service for a
// rewrite, extract it, and persist the result. A completion failure never
// fails the attempt; it records an empty rewrite with the failed_upstream
// strategy so the detected issues still reach the caller.
package optimize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dbpulse/dbpulse/pkg/config"
	"github.com/dbpulse/dbpulse/pkg/detect"
	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/plan"
	"github.com/dbpulse/dbpulse/pkg/sqlnorm"
)

// CompletionService produces a free-text rewrite for a prompt. The
// implementation wraps whatever LLM endpoint is deployed.
type CompletionService interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Store is the slice of the observability store the optimizer writes to.
type Store interface {
	CreateOptimization(ctx context.Context, opt *model.Optimization) error
	FindPatternsBySignature(ctx context.Context, engine model.Engine, signature string) ([]model.OptimizationPattern, error)
}

// Targets is the slice of the gateway pool the optimizer reads through.
type Targets interface {
	Do(conn model.Connection, fn func(gateway.Adapter) error) error
}

// Opts configures an Optimizer.
type Opts struct {
	Logger     log.Logger
	Store      Store
	Targets    Targets
	Completion CompletionService
	Config     config.OptimizerConfig
	Detector   detect.Config
	// MaxPatterns caps candidate patterns folded into the prompt.
	MaxPatterns int
	now         func() time.Time
}

// Optimizer runs optimization attempts.
type Optimizer struct {
	opts   Opts
	logger log.Logger
}

// New builds an Optimizer.
func New(opts Opts) *Optimizer {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.MaxPatterns <= 0 {
		opts.MaxPatterns = 5
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Optimizer{opts: opts, logger: opts.Logger}
}

// Optimize runs one end-to-end attempt for sql on the given connection.
// queryID links to a discovered query when the attempt came from the
// monitor; ad-hoc attempts pass nil.
func (o *Optimizer) Optimize(ctx context.Context, conn model.Connection, queryID *int64, sql string) (*model.Optimization, error) {
	normalized := sqlnorm.Normalize(sql)
	if normalized == "" {
		return nil, fmt.Errorf("%w: statement is empty after normalization", model.ErrInput)
	}
	logger := log.With(o.logger, "connection", conn.Name, "fingerprint", sqlnorm.Fingerprint(normalized))

	tctx := o.gatherTargetContext(ctx, conn, sql, logger)

	issues := detect.Run(detect.Input{
		Plan:   tctx.plan,
		SQL:    normalized,
		Raw:    sql,
		Engine: conn.Engine,
		Hints:  tctx.hints,
		Now:    o.opts.now(),
	}, o.opts.Detector)

	signature := sqlnorm.Signature(sql)
	patterns, err := o.opts.Store.FindPatternsBySignature(ctx, conn.Engine, signature)
	if err != nil {
		level.Warn(logger).Log("msg", "loading candidate patterns", "err", err)
		patterns = nil
	}
	if len(patterns) > o.opts.MaxPatterns {
		patterns = patterns[:o.opts.MaxPatterns]
	}

	prompt := BuildPrompt(PromptInput{
		Engine:    conn.Engine,
		SQL:       sql,
		SchemaDDL: tctx.schemaDDL,
		Plan:      tctx.plan,
		Issues:    issues.Issues,
		Patterns:  patterns,
	})

	opt := &model.Optimization{
		ConnectionID: conn.ID,
		QueryID:      queryID,
		OriginalSQL:  sql,
		Issues:       issues.Issues,
		EstimatedPct: EstimateImprovement(issues.Issues),
		Status:       model.StatusGenerated,
		CreatedAt:    o.opts.now(),
	}
	if tctx.plan != nil {
		if raw, err := tctx.plan.Snapshot(); err == nil {
			opt.ExecutionPlan = raw
		}
	}

	response, err := o.complete(ctx, prompt)
	if err != nil {
		// The attempt survives an upstream failure: the rewrite stays
		// empty and the strategy records what happened.
		level.Warn(logger).Log("msg", "completion service failed", "err", err)
		opt.OptimizedSQL = ""
		opt.ParseStrategy = model.StrategyFailedUpstream
		opt.Explanation = "Rewrite unavailable: the completion service did not answer. The detected issues above still apply."
		opt.EstimatedPct = 0
	} else {
		extracted, strategy, recs := ParseCompletion(response)
		opt.OptimizedSQL = extracted
		opt.ParseStrategy = strategy
		opt.Recommendations = recs
		opt.Explanation = summarizeResponse(response)
		if strategy == model.StrategyRawResponse {
			// Nothing SQL-shaped was found; keep the whole response for
			// inspection but claim no improvement.
			opt.EstimatedPct = 0
		}
	}

	if err := o.opts.Store.CreateOptimization(ctx, opt); err != nil {
		return nil, err
	}
	level.Info(logger).Log("msg", "optimization generated", "id", opt.ID,
		"strategy", opt.ParseStrategy, "issues", len(opt.Issues), "estimated_pct", opt.EstimatedPct)
	return opt, nil
}

// targetContext is what could be gathered from the target; any part may be
// missing when the target is limited or unreachable.
type targetContext struct {
	plan      *plan.Plan
	schemaDDL string
	hints     detect.SchemaHints
}

func (o *Optimizer) gatherTargetContext(ctx context.Context, conn model.Connection, sql string, logger log.Logger) targetContext {
	var tctx targetContext
	tables := sqlnorm.Tables(sql)
	err := o.opts.Targets.Do(conn, func(a gateway.Adapter) error {
		// Actual row counts make the detectors far more precise, so try an
		// executing explain first and settle for estimates when the target
		// refuses it.
		p, err := a.Explain(ctx, sql, true)
		if err != nil {
			level.Debug(logger).Log("msg", "explain analyze failed, retrying without execution", "err", err)
			p, err = a.Explain(ctx, sql, false)
		}
		if err != nil {
			level.Debug(logger).Log("msg", "explain failed, continuing without plan", "err", err)
		} else {
			tctx.plan = p
		}
		if ddl, err := a.SchemaDDL(ctx, tables); err == nil {
			tctx.schemaDDL = ddl
		} else {
			level.Debug(logger).Log("msg", "schema context unavailable", "err", err)
		}
		if rows, err := a.TableStats(ctx, tables); err == nil {
			tctx.hints.TableRows = rows
		}
		indexes := map[string][]detect.IndexHint{}
		for _, table := range tables {
			infos, err := a.ListIndexes(ctx, table)
			if err != nil {
				continue
			}
			for _, info := range infos {
				indexes[info.Table] = append(indexes[info.Table], detect.IndexHint{
					Name: info.Name, Table: info.Table, Columns: info.Columns, Unique: info.Unique,
				})
			}
		}
		tctx.hints.Indexes = indexes
		return nil
	})
	if err != nil {
		level.Warn(logger).Log("msg", "target context unavailable", "err", err)
	}
	return tctx
}

// complete calls the completion service under the configured deadlines:
// the soft timeout logs, the hard timeout cancels.
func (o *Optimizer) complete(ctx context.Context, prompt string) (string, error) {
	if o.opts.Completion == nil {
		return "", fmt.Errorf("%w: no completion service configured", model.ErrUpstream)
	}
	hard := time.Duration(o.opts.Config.CompletionHardTimeoutSec) * time.Second
	if hard <= 0 {
		hard = 330 * time.Second
	}
	soft := time.Duration(o.opts.Config.CompletionSoftTimeoutSec) * time.Second
	if soft <= 0 || soft > hard {
		soft = hard
	}
	ctx, cancel := context.WithTimeout(ctx, hard)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := o.opts.Completion.Complete(ctx, prompt)
		done <- result{text, err}
	}()

	softTimer := time.NewTimer(soft)
	defer softTimer.Stop()
	for {
		select {
		case r := <-done:
			if r.err != nil {
				return "", fmt.Errorf("%w: %w", model.ErrUpstream, r.err)
			}
			return r.text, nil
		case <-softTimer.C:
			level.Warn(o.logger).Log("msg", "completion exceeded soft deadline", "soft", soft, "hard", hard)
		case <-ctx.Done():
			return "", fmt.Errorf("%w: completion deadline exceeded: %w", model.ErrUpstream, ctx.Err())
		}
	}
}

// EstimateImprovement turns detected issues into the design-level estimate
// recorded on the optimization: the severity-weighted sum of per-type
// hints, clamped to [0, 95].
func EstimateImprovement(issues []model.DetectedIssue) float64 {
	var sum float64
	for _, is := range issues {
		sum += detect.SeverityWeight(is.Severity) * detect.ImprovementHint(is.Type)
	}
	if sum > 95 {
		return 95
	}
	if sum < 0 {
		return 0
	}
	return sum
}

// summarizeResponse keeps the prose around the extracted SQL as the
// explanation, bounded so the row stays readable.
func summarizeResponse(response string) string {
	cleaned := reTaggedSQL.ReplaceAllString(response, "")
	cleaned = reDelimited.ReplaceAllString(cleaned, "")
	cleaned = reFencedSQL.ReplaceAllString(cleaned, "")
	cleaned = trimTo(cleaned, 4000)
	if cleaned == "" {
		return "Rewrite extracted from completion response."
	}
	return cleaned
}

func trimTo(s string, n int) string {
	lines := make([]string, 0, 16)
	for _, l := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			lines = append(lines, t)
		}
	}
	s = strings.Join(lines, "\n")
	if len(s) <= n {
		return s
	}
	return s[:n]
}
