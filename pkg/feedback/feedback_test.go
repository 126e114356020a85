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

package feedback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/sqlnorm"
)

type outcomeRecord struct {
	engine         model.Engine
	signature      string
	improvementPct float64
	success        bool
}

type fakeFeedbackStore struct {
	mtx           sync.Mutex
	optimizations map[int64]*model.Optimization
	feedback      []*model.Feedback
	outcomes      []outcomeRecord
	patterns      map[string][]model.OptimizationPattern
	seeded        []*model.OptimizationPattern
	findCalls     int
	findErr       error
}

func newFakeFeedbackStore() *fakeFeedbackStore {
	return &fakeFeedbackStore{
		optimizations: map[int64]*model.Optimization{},
		patterns:      map[string][]model.OptimizationPattern{},
	}
}

func (f *fakeFeedbackStore) GetOptimization(_ context.Context, id int64) (*model.Optimization, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	opt, ok := f.optimizations[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return opt, nil
}

func (f *fakeFeedbackStore) CreateFeedback(_ context.Context, fb *model.Feedback) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	fb.ID = int64(len(f.feedback) + 1)
	f.feedback = append(f.feedback, fb)
	return nil
}

func (f *fakeFeedbackStore) RecordPatternOutcome(_ context.Context, engine model.Engine, signature string, improvementPct float64, success bool) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.outcomes = append(f.outcomes, outcomeRecord{engine, signature, improvementPct, success})
	return nil
}

func (f *fakeFeedbackStore) FindPatternsBySignature(_ context.Context, engine model.Engine, signature string) ([]model.OptimizationPattern, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.patterns[string(engine)+"/"+signature], nil
}

func (f *fakeFeedbackStore) SeedPattern(_ context.Context, p *model.OptimizationPattern) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for _, existing := range f.seeded {
		if existing.Engine == p.Engine && existing.Signature == p.Signature {
			return nil
		}
	}
	f.seeded = append(f.seeded, p)
	return nil
}

func staticEngine(engine model.Engine) ConnectionEngine {
	return func(context.Context, int64) (model.Engine, error) {
		return engine, nil
	}
}

func newRecorder(t *testing.T, store *fakeFeedbackStore, engine model.Engine) *Recorder {
	t.Helper()
	r, err := New(Opts{Store: store, Engine: staticEngine(engine)})
	require.NoError(t, err)
	return r
}

func TestIngestRecordsFeedbackAndPatternOutcome(t *testing.T) {
	store := newFakeFeedbackStore()
	origSQL := "SELECT id FROM orders WHERE status = 'open'"
	store.optimizations[7] = &model.Optimization{
		ID:           7,
		ConnectionID: 1,
		OriginalSQL:  origSQL,
		EstimatedPct: 40,
	}
	r := newRecorder(t, store, model.EnginePostgres)

	fb, err := r.Ingest(context.Background(), Outcome{
		OptimizationID: 7,
		Before:         model.PerformanceMetrics{ExecutionTimeMS: 200, RowsReturned: 10},
		After:          model.PerformanceMetrics{ExecutionTimeMS: 100, RowsReturned: 10},
	})
	require.NoError(t, err)
	require.Equal(t, model.FeedbackSuccess, fb.Status)
	require.InDelta(t, 50, fb.ActualPct, 0.001)
	require.InDelta(t, 1-10.0/50.0, fb.AccuracyScore, 0.001)
	require.False(t, fb.MeasuredAt.IsZero())

	require.Len(t, store.feedback, 1)
	require.Len(t, store.outcomes, 1)
	out := store.outcomes[0]
	require.Equal(t, model.EnginePostgres, out.engine)
	require.Equal(t, sqlnorm.Signature(origSQL), out.signature)
	require.True(t, out.success)
	require.InDelta(t, 50, out.improvementPct, 0.001)
}

func TestIngestClassification(t *testing.T) {
	for _, tc := range []struct {
		doc    string
		before float64
		after  float64
		want   model.FeedbackStatus
	}{
		{doc: "big win", before: 100, after: 40, want: model.FeedbackSuccess},
		{doc: "barely moved", before: 100, after: 97, want: model.FeedbackPartial},
		{doc: "no change", before: 100, after: 100, want: model.FeedbackFailed},
		{doc: "regression", before: 100, after: 150, want: model.FeedbackFailed},
	} {
		t.Run(tc.doc, func(t *testing.T) {
			store := newFakeFeedbackStore()
			store.optimizations[1] = &model.Optimization{ID: 1, ConnectionID: 1, OriginalSQL: "SELECT 1", EstimatedPct: 20}
			r := newRecorder(t, store, model.EngineMySQL)

			fb, err := r.Ingest(context.Background(), Outcome{
				OptimizationID: 1,
				Before:         model.PerformanceMetrics{ExecutionTimeMS: tc.before},
				After:          model.PerformanceMetrics{ExecutionTimeMS: tc.after},
			})
			require.NoError(t, err)
			require.Equal(t, tc.want, fb.Status)
			require.Equal(t, tc.want == model.FeedbackSuccess, store.outcomes[0].success)
		})
	}
}

func TestAccuracyScore(t *testing.T) {
	for _, tc := range []struct {
		doc       string
		estimated float64
		actual    float64
		want      float64
	}{
		{doc: "exact", estimated: 50, actual: 50, want: 1},
		{doc: "under by half", estimated: 25, actual: 50, want: 0.5},
		{doc: "wildly off", estimated: 90, actual: 5, want: 0},
		{doc: "regression against positive estimate", estimated: 30, actual: -10, want: 0},
		{doc: "tiny actual uses unit floor", estimated: 0.5, actual: 0.2, want: 0.7},
	} {
		t.Run(tc.doc, func(t *testing.T) {
			require.InDelta(t, tc.want, AccuracyScore(tc.estimated, tc.actual), 0.001)
		})
	}
}

func TestIngestRejectsBadInput(t *testing.T) {
	store := newFakeFeedbackStore()
	store.optimizations[1] = &model.Optimization{ID: 1, ConnectionID: 1, OriginalSQL: "SELECT 1"}
	r := newRecorder(t, store, model.EnginePostgres)

	bad := 9
	_, err := r.Ingest(context.Background(), Outcome{
		OptimizationID: 1,
		Before:         model.PerformanceMetrics{ExecutionTimeMS: 100},
		After:          model.PerformanceMetrics{ExecutionTimeMS: 50},
		Rating:         &bad,
	})
	require.ErrorIs(t, err, model.ErrInput)

	_, err = r.Ingest(context.Background(), Outcome{
		OptimizationID: 1,
		After:          model.PerformanceMetrics{ExecutionTimeMS: 50},
	})
	require.ErrorIs(t, err, model.ErrInput)

	_, err = r.Ingest(context.Background(), Outcome{
		OptimizationID: 404,
		Before:         model.PerformanceMetrics{ExecutionTimeMS: 100},
		After:          model.PerformanceMetrics{ExecutionTimeMS: 50},
	})
	require.ErrorIs(t, err, model.ErrNotFound)
	require.Empty(t, store.feedback)
}

func TestIngestSurvivesPatternRecordingFailure(t *testing.T) {
	store := newFakeFeedbackStore()
	store.optimizations[1] = &model.Optimization{ID: 1, ConnectionID: 1, OriginalSQL: "SELECT 1", EstimatedPct: 10}
	r, err := New(Opts{
		Store: store,
		Engine: func(context.Context, int64) (model.Engine, error) {
			return "", errors.New("connection gone")
		},
	})
	require.NoError(t, err)

	fb, err := r.Ingest(context.Background(), Outcome{
		OptimizationID: 1,
		Before:         model.PerformanceMetrics{ExecutionTimeMS: 100},
		After:          model.PerformanceMetrics{ExecutionTimeMS: 50},
	})
	require.NoError(t, err)
	require.NotNil(t, fb)
	require.Len(t, store.feedback, 1)
	require.Empty(t, store.outcomes)
}

func TestPatternsForCachesLookups(t *testing.T) {
	store := newFakeFeedbackStore()
	sql := "SELECT id FROM orders WHERE status = 'open'"
	sig := sqlnorm.Signature(sql)
	store.patterns["postgresql/"+sig] = []model.OptimizationPattern{{ID: 1, Signature: sig}}
	r := newRecorder(t, store, model.EnginePostgres)

	got, err := r.PatternsFor(context.Background(), model.EnginePostgres, sql)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Structurally identical text with different literals hits the cache.
	got, err = r.PatternsFor(context.Background(), model.EnginePostgres, "SELECT id FROM orders WHERE status = 'closed'")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1, store.findCalls)

	// Another engine is a different cache entry.
	_, err = r.PatternsFor(context.Background(), model.EngineMySQL, sql)
	require.NoError(t, err)
	require.Equal(t, 2, store.findCalls)
}

func TestIngestInvalidatesPatternCache(t *testing.T) {
	store := newFakeFeedbackStore()
	sql := "SELECT id FROM orders WHERE status = 'open'"
	sig := sqlnorm.Signature(sql)
	store.optimizations[1] = &model.Optimization{ID: 1, ConnectionID: 1, OriginalSQL: sql, EstimatedPct: 20}
	r := newRecorder(t, store, model.EnginePostgres)

	_, err := r.PatternsFor(context.Background(), model.EnginePostgres, sql)
	require.NoError(t, err)
	require.Equal(t, 1, store.findCalls)

	_, err = r.Ingest(context.Background(), Outcome{
		OptimizationID: 1,
		Before:         model.PerformanceMetrics{ExecutionTimeMS: 100},
		After:          model.PerformanceMetrics{ExecutionTimeMS: 50},
	})
	require.NoError(t, err)

	// The outcome changed the library, so the next lookup goes to the store.
	store.patterns["postgresql/"+sig] = []model.OptimizationPattern{{ID: 2, Signature: sig}}
	got, err := r.PatternsFor(context.Background(), model.EnginePostgres, sql)
	require.NoError(t, err)
	require.Equal(t, 2, store.findCalls)
	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0].ID)
}

func TestSeedCommonPatternsIsIdempotent(t *testing.T) {
	store := newFakeFeedbackStore()
	r := newRecorder(t, store, model.EnginePostgres)

	require.NoError(t, r.SeedCommonPatterns(context.Background()))
	first := len(store.seeded)
	require.Equal(t, 4*len(seedTemplates), first)

	require.NoError(t, r.SeedCommonPatterns(context.Background()))
	require.Len(t, store.seeded, first)

	for _, p := range store.seeded {
		require.NotEmpty(t, p.Signature)
		require.NotEmpty(t, p.OriginalTemplate)
		require.NotEmpty(t, p.OptimizedTemplate)
		require.NotContains(t, p.OriginalTemplate, "'open'")
	}
}
