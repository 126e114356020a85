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

package optimize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbpulse/dbpulse/pkg/config"
	"github.com/dbpulse/dbpulse/pkg/detect"
	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/plan"
)

func TestParseCompletionLadder(t *testing.T) {
	for _, tc := range []struct {
		doc      string
		response string
		wantSQL  string
		strategy string
	}{
		{
			doc:      "tagged section wins over everything",
			response: "Here you go.\n<optimized_query>\nSELECT id FROM orders WHERE status IN ('a','b')\n</optimized_query>\n```sql\nSELECT 1\n```",
			wantSQL:  "SELECT id FROM orders WHERE status IN ('a','b')",
			strategy: model.StrategyTaggedSection,
		},
		{
			doc:      "SQL tag form of the tagged section",
			response: "Rewritten:\n<SQL>\nSELECT id FROM orders WHERE status = 'a'\n</SQL>\nNotes follow.",
			wantSQL:  "SELECT id FROM orders WHERE status = 'a'",
			strategy: model.StrategyTaggedSection,
		},
		{
			doc:      "delimited optimized sql block",
			response: "Analysis first.\n--- OPTIMIZED SQL ---\nSELECT id FROM orders WHERE status = 'a'\n--- NOTES ---\nUses the status index.",
			wantSQL:  "SELECT id FROM orders WHERE status = 'a'",
			strategy: model.StrategyTaggedSection,
		},
		{
			doc:      "fenced block when no tags",
			response: "Use this:\n```sql\nSELECT id FROM orders WHERE status = 'a'\n```\nIt avoids the OR chain.",
			wantSQL:  "SELECT id FROM orders WHERE status = 'a'",
			strategy: model.StrategyFencedBlock,
		},
		{
			doc:      "bare statement in prose",
			response: "SELECT id FROM orders WHERE status = 'a';\nThis uses the status index.",
			wantSQL:  "SELECT id FROM orders WHERE status = 'a'",
			strategy: model.StrategyFirstStatement,
		},
		{
			doc:      "plain statement is accepted whole",
			response: "SELECT id FROM orders WHERE status = 'a'",
			wantSQL:  "SELECT id FROM orders WHERE status = 'a'",
			strategy: model.StrategyFirstStatement,
		},
		{
			doc:      "no SQL at all falls through to raw",
			response: "I cannot improve this query further.",
			wantSQL:  "I cannot improve this query further.",
			strategy: model.StrategyRawResponse,
		},
	} {
		t.Run(tc.doc, func(t *testing.T) {
			sql, strategy, _ := ParseCompletion(tc.response)
			require.Equal(t, tc.wantSQL, sql)
			require.Equal(t, tc.strategy, strategy)
		})
	}
}

func TestParseCompletionCollectsRecommendations(t *testing.T) {
	resp := "<optimized_query>SELECT id FROM t WHERE a = 1</optimized_query>\n" +
		"Notes:\n- Add an index on t(a)\n- Refresh statistics weekly\n"
	_, _, recs := ParseCompletion(resp)
	require.Equal(t, []string{"Add an index on t(a)", "Refresh statistics weekly"}, recs)
}

func TestParseCompletionRejectsMultiStatementRungs(t *testing.T) {
	resp := "<optimized_query>SELECT 1 FROM a; DROP TABLE b</optimized_query>"
	sql, strategy, _ := ParseCompletion(resp)
	// The tagged rung rejects the pair; the ladder falls to the first
	// single statement.
	require.Equal(t, "SELECT 1 FROM a", sql)
	require.NotEqual(t, model.StrategyTaggedSection, strategy)
}

func TestEstimateImprovementClamped(t *testing.T) {
	require.Zero(t, EstimateImprovement(nil))

	one := []model.DetectedIssue{{Type: model.IssueMissingIndex, Severity: model.SeverityCritical}}
	require.Equal(t, 40.0, EstimateImprovement(one))

	var many []model.DetectedIssue
	for i := 0; i < 10; i++ {
		many = append(many, model.DetectedIssue{Type: model.IssueMissingIndex, Severity: model.SeverityCritical})
	}
	require.Equal(t, 95.0, EstimateImprovement(many))
}

type fakeOptStore struct {
	created  []*model.Optimization
	patterns []model.OptimizationPattern
}

func (f *fakeOptStore) CreateOptimization(_ context.Context, opt *model.Optimization) error {
	opt.ID = int64(len(f.created) + 1)
	f.created = append(f.created, opt)
	return nil
}

func (f *fakeOptStore) FindPatternsBySignature(context.Context, model.Engine, string) ([]model.OptimizationPattern, error) {
	return f.patterns, nil
}

type fakeOptAdapter struct {
	gateway.Adapter
	plan *plan.Plan
}

func (a *fakeOptAdapter) Explain(context.Context, string, bool) (*plan.Plan, error) {
	if a.plan == nil {
		return nil, fmt.Errorf("%w: no explain", model.ErrCapability)
	}
	return a.plan, nil
}
func (a *fakeOptAdapter) SchemaDDL(context.Context, []string) (string, error) {
	return "CREATE TABLE orders (id bigint, status text);", nil
}
func (a *fakeOptAdapter) TableStats(context.Context, []string) (map[string]int64, error) {
	return map[string]int64{"orders": 2000000}, nil
}
func (a *fakeOptAdapter) ListIndexes(context.Context, string) ([]gateway.IndexInfo, error) {
	return []gateway.IndexInfo{{Name: "orders_pkey", Table: "orders", Columns: []string{"id"}}}, nil
}

type fakeOptTargets struct{ adapter gateway.Adapter }

func (f *fakeOptTargets) Do(_ model.Connection, fn func(gateway.Adapter) error) error {
	return fn(f.adapter)
}

type staticCompletion struct {
	response string
	err      error
	prompts  []string
}

func (s *staticCompletion) Complete(_ context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.response, s.err
}

func testPlan() *plan.Plan {
	return &plan.Plan{
		Engine: model.EnginePostgres,
		Root: &plan.Node{
			OpType: plan.OpSeqScan, Relation: "orders",
			EstRows: 500000, EstCost: 9000, Filter: "(status = ?)",
		},
	}
}

func newOptimizer(store *fakeOptStore, completion CompletionService) *Optimizer {
	return New(Opts{
		Store:      store,
		Targets:    &fakeOptTargets{adapter: &fakeOptAdapter{plan: testPlan()}},
		Completion: completion,
		Config: config.OptimizerConfig{
			CompletionSoftTimeoutSec: 1,
			CompletionHardTimeoutSec: 2,
		},
		Detector: detect.DefaultConfig(),
	})
}

func TestOptimizeEndToEnd(t *testing.T) {
	store := &fakeOptStore{patterns: []model.OptimizationPattern{{
		Type:              model.PatternQueryRewrite,
		OriginalTemplate:  "select * from # where # = ?",
		OptimizedTemplate: "select id from # where # = ?",
		SuccessRate:       0.9,
		Applications:      12,
	}}}
	completion := &staticCompletion{
		response: "<optimized_query>SELECT id FROM orders WHERE status = 'open'</optimized_query>\nThe rewrite avoids the wide scan.\n- Create an index on orders(status)",
	}
	o := newOptimizer(store, completion)
	conn := model.Connection{ID: 1, Name: "prod", Engine: model.EnginePostgres}

	opt, err := o.Optimize(context.Background(), conn, nil, "SELECT * FROM orders WHERE status = 'open'")
	require.NoError(t, err)
	require.Equal(t, model.StatusGenerated, opt.Status)
	require.Equal(t, model.StrategyTaggedSection, opt.ParseStrategy)
	require.Equal(t, "SELECT id FROM orders WHERE status = 'open'", opt.OptimizedSQL)
	require.NotEmpty(t, opt.Issues)
	require.Greater(t, opt.EstimatedPct, 0.0)
	require.NotEmpty(t, opt.ExecutionPlan)
	require.Len(t, store.created, 1)

	// The prompt carried schema, plan and pattern context.
	require.Len(t, completion.prompts, 1)
	prompt := completion.prompts[0]
	require.Contains(t, prompt, "CREATE TABLE orders")
	require.Contains(t, prompt, "## Execution plan")
	require.Contains(t, prompt, "structurally similar queries")
	require.Contains(t, prompt, "<optimized_query>")
}

func TestOptimizeSurvivesCompletionFailure(t *testing.T) {
	store := &fakeOptStore{}
	completion := &staticCompletion{err: errors.New("upstream 503")}
	o := newOptimizer(store, completion)
	conn := model.Connection{ID: 1, Name: "prod", Engine: model.EnginePostgres}

	opt, err := o.Optimize(context.Background(), conn, nil, "SELECT * FROM orders WHERE status = 'open'")
	require.NoError(t, err)
	require.Equal(t, model.StrategyFailedUpstream, opt.ParseStrategy)
	require.Empty(t, opt.OptimizedSQL, "an unanswered attempt must not pose as a rewrite")
	require.Zero(t, opt.EstimatedPct)
	require.NotEmpty(t, opt.Issues, "detection still runs without the completion service")
}

func TestOptimizeRejectsEmptySQL(t *testing.T) {
	o := newOptimizer(&fakeOptStore{}, &staticCompletion{})
	_, err := o.Optimize(context.Background(), model.Connection{ID: 1}, nil, "-- nothing here")
	require.ErrorIs(t, err, model.ErrInput)
}

func TestOptimizeRawResponseStoresWholeAnswer(t *testing.T) {
	store := &fakeOptStore{}
	completion := &staticCompletion{response: "This query is already optimal."}
	o := newOptimizer(store, completion)
	conn := model.Connection{ID: 1, Name: "prod", Engine: model.EnginePostgres}

	opt, err := o.Optimize(context.Background(), conn, nil, "SELECT id FROM orders WHERE id = 7")
	require.NoError(t, err)
	require.Equal(t, model.StrategyRawResponse, opt.ParseStrategy)
	require.Equal(t, "This query is already optimal.", opt.OptimizedSQL)
	require.Zero(t, opt.EstimatedPct)
}

type explainRecordingAdapter struct {
	fakeOptAdapter
	calls []bool
}

func (a *explainRecordingAdapter) Explain(_ context.Context, _ string, analyze bool) (*plan.Plan, error) {
	a.calls = append(a.calls, analyze)
	if analyze {
		return nil, fmt.Errorf("%w: execution not permitted", model.ErrCapability)
	}
	return a.plan, nil
}

func TestOptimizeExplainPrefersActualRows(t *testing.T) {
	adapter := &explainRecordingAdapter{fakeOptAdapter: fakeOptAdapter{plan: testPlan()}}
	o := New(Opts{
		Store:      &fakeOptStore{},
		Targets:    &fakeOptTargets{adapter: adapter},
		Completion: &staticCompletion{response: "<SQL>SELECT id FROM orders</SQL>"},
		Detector:   detect.DefaultConfig(),
	})
	conn := model.Connection{ID: 1, Name: "prod", Engine: model.EnginePostgres}

	opt, err := o.Optimize(context.Background(), conn, nil, "SELECT * FROM orders WHERE status = 'open'")
	require.NoError(t, err)
	// Executing explain first, estimate-only as the fallback.
	require.Equal(t, []bool{true, false}, adapter.calls)
	require.NotEmpty(t, opt.ExecutionPlan)
}

func TestBuildPromptOmitsEmptySections(t *testing.T) {
	prompt := BuildPrompt(PromptInput{
		Engine: model.EngineMySQL,
		SQL:    "select 1 from t",
	})
	require.Contains(t, prompt, "MySQL")
	require.NotContains(t, prompt, "## Schema")
	require.NotContains(t, prompt, "## Detected issues")
	require.True(t, strings.Contains(prompt, "<optimized_query>"))
}
