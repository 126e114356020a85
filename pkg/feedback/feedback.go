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

// Package feedback closes the learning loop: it records measured outcomes
// against their optimizations, scores how accurate the estimate was, and
// folds the result into the pattern library that future prompts draw from.
package feedback

import (
	"context"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/sqlnorm"
)

// Store is the slice of the observability store the feedback loop uses.
type Store interface {
	GetOptimization(ctx context.Context, id int64) (*model.Optimization, error)
	CreateFeedback(ctx context.Context, fb *model.Feedback) error
	RecordPatternOutcome(ctx context.Context, engine model.Engine, signature string, improvementPct float64, success bool) error
	FindPatternsBySignature(ctx context.Context, engine model.Engine, signature string) ([]model.OptimizationPattern, error)
	SeedPattern(ctx context.Context, p *model.OptimizationPattern) error
}

// ConnectionEngine resolves a connection id to its engine.
type ConnectionEngine func(ctx context.Context, connectionID int64) (model.Engine, error)

// Opts configures a Recorder.
type Opts struct {
	Logger Log
	Store  Store
	Engine ConnectionEngine
	// SuccessThresholdPct is the measured improvement that counts as a
	// full success. Below it but above zero is partial.
	SuccessThresholdPct float64
	// CacheSize bounds the pattern lookup cache.
	CacheSize int
	now       func() time.Time
}

// Log narrows go-kit's logger so the zero value stays usable.
type Log = log.Logger

// Recorder ingests outcomes and serves cached pattern lookups.
type Recorder struct {
	opts   Opts
	logger log.Logger
	cache  *lru.Cache[string, []model.OptimizationPattern]
}

// New builds a Recorder.
func New(opts Opts) (*Recorder, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.SuccessThresholdPct <= 0 {
		opts.SuccessThresholdPct = 10
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	cache, err := lru.New[string, []model.OptimizationPattern](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Recorder{opts: opts, logger: opts.Logger, cache: cache}, nil
}

// Outcome is one measured before/after pair for an applied optimization.
type Outcome struct {
	OptimizationID int64
	Before         model.PerformanceMetrics
	After          model.PerformanceMetrics
	Rating         *int
	Comment        string
	AppliedAt      time.Time
	MeasuredAt     time.Time
}

// AccuracyScore grades the estimate against the measured improvement:
// 1 - min(1, |actual - estimated| / max(1, |actual|)).
func AccuracyScore(estimatedPct, actualPct float64) float64 {
	denom := math.Max(1, math.Abs(actualPct))
	return 1 - math.Min(1, math.Abs(actualPct-estimatedPct)/denom)
}

// Ingest validates and records one outcome, then updates the pattern
// library keyed by the optimization's structural signature.
func (r *Recorder) Ingest(ctx context.Context, out Outcome) (*model.Feedback, error) {
	if out.Rating != nil && (*out.Rating < 1 || *out.Rating > 5) {
		return nil, fmt.Errorf("%w: rating %d outside 1..5", model.ErrInput, *out.Rating)
	}
	if out.Before.ExecutionTimeMS <= 0 {
		return nil, fmt.Errorf("%w: before metrics missing execution time", model.ErrInput)
	}
	opt, err := r.opts.Store.GetOptimization(ctx, out.OptimizationID)
	if err != nil {
		return nil, err
	}

	actualPct := (out.Before.ExecutionTimeMS - out.After.ExecutionTimeMS) / out.Before.ExecutionTimeMS * 100

	fb := &model.Feedback{
		OptimizationID: out.OptimizationID,
		Before:         out.Before,
		After:          out.After,
		ActualPct:      actualPct,
		EstimatedPct:   opt.EstimatedPct,
		AccuracyScore:  AccuracyScore(opt.EstimatedPct, actualPct),
		Rating:         out.Rating,
		Comment:        out.Comment,
		Status:         classify(actualPct, r.opts.SuccessThresholdPct),
		AppliedAt:      out.AppliedAt,
		MeasuredAt:     out.MeasuredAt,
	}
	if fb.MeasuredAt.IsZero() {
		fb.MeasuredAt = r.opts.now()
	}
	if err := r.opts.Store.CreateFeedback(ctx, fb); err != nil {
		return nil, err
	}

	engine, err := r.engineOf(ctx, opt.ConnectionID)
	if err != nil {
		level.Warn(r.logger).Log("msg", "resolving engine for pattern outcome", "err", err)
		return fb, nil
	}
	signature := sqlnorm.Signature(opt.OriginalSQL)
	success := fb.Status == model.FeedbackSuccess
	if err := r.opts.Store.RecordPatternOutcome(ctx, engine, signature, actualPct, success); err != nil {
		level.Warn(r.logger).Log("msg", "recording pattern outcome", "err", err)
	}
	r.cache.Remove(cacheKey(engine, signature))

	level.Info(r.logger).Log("msg", "feedback recorded", "optimization", out.OptimizationID,
		"status", fb.Status, "actual_pct", fmt.Sprintf("%.1f", actualPct),
		"accuracy", fmt.Sprintf("%.2f", fb.AccuracyScore))
	return fb, nil
}

func classify(actualPct, threshold float64) model.FeedbackStatus {
	switch {
	case actualPct >= threshold:
		return model.FeedbackSuccess
	case actualPct > 0:
		return model.FeedbackPartial
	default:
		return model.FeedbackFailed
	}
}

func (r *Recorder) engineOf(ctx context.Context, connectionID int64) (model.Engine, error) {
	if r.opts.Engine == nil {
		return "", fmt.Errorf("%w: no engine resolver configured", model.ErrFatal)
	}
	return r.opts.Engine(ctx, connectionID)
}

// PatternsFor returns the ranked candidate patterns for a statement,
// served from the LRU cache when the signature was looked up recently.
func (r *Recorder) PatternsFor(ctx context.Context, engine model.Engine, sql string) ([]model.OptimizationPattern, error) {
	signature := sqlnorm.Signature(sql)
	key := cacheKey(engine, signature)
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}
	patterns, err := r.opts.Store.FindPatternsBySignature(ctx, engine, signature)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, patterns)
	return patterns, nil
}

func cacheKey(engine model.Engine, signature string) string {
	return string(engine) + "\x00" + signature
}
