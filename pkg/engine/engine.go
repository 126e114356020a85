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

// Package engine assembles the capability surfaces a transport binds to:
// connections, monitoring, optimizer, feedback, patterns, indexes,
// workload and dashboard. Each service is a thin orchestration layer over
// the store, the gateway pool and the core components; none holds state
// the store does not.
package engine

import (
	"context"
	"time"

	"github.com/go-kit/log"

	"github.com/dbpulse/dbpulse/pkg/apply"
	"github.com/dbpulse/dbpulse/pkg/config"
	"github.com/dbpulse/dbpulse/pkg/discovery"
	"github.com/dbpulse/dbpulse/pkg/feedback"
	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/optimize"
	"github.com/dbpulse/dbpulse/pkg/secrets"
	"github.com/dbpulse/dbpulse/pkg/store"
)

// Store is the slice of the observability store the services read and
// write. *store.Store satisfies it; tests substitute fakes.
type Store interface {
	CreateConnection(ctx context.Context, c *model.Connection) error
	GetConnection(ctx context.Context, id int64) (*model.Connection, error)
	ListConnections(ctx context.Context) ([]model.Connection, error)
	ListMonitoredConnections(ctx context.Context) ([]model.Connection, error)
	UpdateConnection(ctx context.Context, c *model.Connection) error
	DeleteConnection(ctx context.Context, id int64) error

	CountQueries(ctx context.Context) (int64, error)
	TopQueries(ctx context.Context, limit int) ([]model.DiscoveredQuery, error)

	GetOptimization(ctx context.Context, id int64) (*model.Optimization, error)
	ListOptimizations(ctx context.Context, connectionID int64, limit int) ([]*model.Optimization, error)
	GetFix(ctx context.Context, id int64) (*model.AppliedFix, error)
	FixHistory(ctx context.Context, connectionID int64, limit int) ([]*model.AppliedFix, error)

	GetFeedbackStats(ctx context.Context, connectionID int64) (*store.FeedbackStats, error)
	ListPatterns(ctx context.Context, engine model.Engine, pType model.PatternType, limit int) ([]model.OptimizationPattern, error)
	SearchPatterns(ctx context.Context, query string, limit int) ([]model.OptimizationPattern, error)
	GetPatternStatistics(ctx context.Context) (*store.PatternStatistics, error)
	TopPatterns(ctx context.Context, limit int) ([]model.OptimizationPattern, error)

	ListIndexRecommendations(ctx context.Context, connectionID int64, status model.RecommendationStatus) ([]*model.IndexRecommendation, error)
	UpdateRecommendationStatus(ctx context.Context, id int64, status model.RecommendationStatus) error
	ListWorkloadSamples(ctx context.Context, connectionID int64, since time.Time) ([]model.WorkloadSample, error)

	GetDashboardStats(ctx context.Context) (*store.DashboardStats, error)
	QueriesWithIssues(ctx context.Context, limit int) ([]store.QueryWithSeverity, error)
	PerformanceTrends(ctx context.Context, hours int) ([]store.TrendPoint, error)
	DetectionSummary(ctx context.Context) (map[model.IssueType]int64, error)
}

// Targets is the slice of the gateway pool the services execute through.
type Targets interface {
	Do(conn model.Connection, fn func(gateway.Adapter) error) error
	Evict(connID int64)
}

// Dialer opens a one-shot adapter for connectivity tests before a
// connection exists in the pool.
type Dialer func(creds model.DecryptedCredentials, logger log.Logger) (gateway.Adapter, error)

// Opts wires an Engine. Core components are constructed by the caller so
// their own options stay visible at the composition root.
type Opts struct {
	Logger     log.Logger
	Store      Store
	Targets    Targets
	Secrets    secrets.Store
	Dialer     Dialer
	Discoverer *discovery.Discoverer
	Optimizer  *optimize.Optimizer
	Applicator *apply.Applicator
	// ValidatorOpts is kept whole so per-request iteration counts can
	// rebuild a validator without losing the rest of the wiring.
	ValidatorOpts apply.ValidatorOpts
	Recorder      *feedback.Recorder
	Config        config.Config
	now           func() time.Time
}

// Engine is the assembled capability surface.
type Engine struct {
	Connections *ConnectionService
	Monitoring  *MonitoringService
	Optimizer   *OptimizerService
	Feedback    *FeedbackService
	Patterns    *PatternService
	Indexes     *IndexService
	Workload    *WorkloadService
	Dashboard   *DashboardService
}

// New assembles the services.
func New(opts Opts) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Dialer == nil {
		opts.Dialer = gateway.Open
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	e := &Engine{}
	e.Connections = &ConnectionService{opts: opts, logger: log.With(opts.Logger, "service", "connections")}
	e.Monitoring = &MonitoringService{opts: opts, logger: log.With(opts.Logger, "service", "monitoring")}
	e.Optimizer = &OptimizerService{opts: opts, logger: log.With(opts.Logger, "service", "optimizer")}
	e.Feedback = &FeedbackService{opts: opts}
	e.Patterns = &PatternService{opts: opts}
	e.Indexes = &IndexService{opts: opts, optimizer: e.Optimizer}
	e.Workload = &WorkloadService{opts: opts}
	e.Dashboard = &DashboardService{opts: opts}
	return e
}
