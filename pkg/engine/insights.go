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

	"github.com/dbpulse/dbpulse/pkg/feedback"
	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/store"
)

// FeedbackService records measured outcomes and serves aggregates.
type FeedbackService struct {
	opts Opts
}

// Submit ingests one before/after outcome for an optimization.
func (s *FeedbackService) Submit(ctx context.Context, out feedback.Outcome) (*model.Feedback, error) {
	return s.opts.Recorder.Ingest(ctx, out)
}

// Stats aggregates outcomes; connectionID of zero spans all connections.
func (s *FeedbackService) Stats(ctx context.Context, connectionID int64) (*store.FeedbackStats, error) {
	return s.opts.Store.GetFeedbackStats(ctx, connectionID)
}

// PatternService exposes the rewrite pattern library.
type PatternService struct {
	opts Opts
}

// List filters patterns by optional engine and type.
func (s *PatternService) List(ctx context.Context, engine model.Engine, pType model.PatternType, limit int) ([]model.OptimizationPattern, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.opts.Store.ListPatterns(ctx, engine, pType, limit)
}

// Search matches free text against pattern templates.
func (s *PatternService) Search(ctx context.Context, query string, limit int) ([]model.OptimizationPattern, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.opts.Store.SearchPatterns(ctx, query, limit)
}

// Statistics summarizes the whole library.
func (s *PatternService) Statistics(ctx context.Context) (*store.PatternStatistics, error) {
	return s.opts.Store.GetPatternStatistics(ctx)
}

// Top returns the best-established patterns.
func (s *PatternService) Top(ctx context.Context, limit int) ([]model.OptimizationPattern, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.opts.Store.TopPatterns(ctx, limit)
}

// LoadCommon seeds the shipped pattern templates. Idempotent.
func (s *PatternService) LoadCommon(ctx context.Context) error {
	return s.opts.Recorder.SeedCommonPatterns(ctx)
}

// DashboardService serves read-only aggregates for the overview surface.
// Every method returns empty values, never an error, on a fresh system.
type DashboardService struct {
	opts Opts
}

// Stats returns the aggregate snapshot.
func (s *DashboardService) Stats(ctx context.Context) (*store.DashboardStats, error) {
	return s.opts.Store.GetDashboardStats(ctx)
}

// QueriesWithIssues lists queries whose optimizations found problems.
func (s *DashboardService) QueriesWithIssues(ctx context.Context, limit int) ([]store.QueryWithSeverity, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.opts.Store.QueriesWithIssues(ctx, limit)
}

// TopQueries lists the slowest discovered queries across connections.
func (s *DashboardService) TopQueries(ctx context.Context, limit int) ([]model.DiscoveredQuery, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.opts.Store.TopQueries(ctx, limit)
}

// PerformanceTrends returns hourly mean-time buckets for the last N hours.
func (s *DashboardService) PerformanceTrends(ctx context.Context, hours int) ([]store.TrendPoint, error) {
	if hours <= 0 {
		hours = 24
	}
	return s.opts.Store.PerformanceTrends(ctx, hours)
}

// DetectionSummary counts detected issues by type.
func (s *DashboardService) DetectionSummary(ctx context.Context) (map[model.IssueType]int64, error) {
	return s.opts.Store.DetectionSummary(ctx)
}
