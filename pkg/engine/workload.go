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
	"time"

	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
)

// WorkloadService analyzes per-connection roll-ups.
type WorkloadService struct {
	opts Opts
}

// WorkloadAnalysis summarizes a connection's traffic over a window.
type WorkloadAnalysis struct {
	ConnectionID  int64               `json:"connection_id"`
	WindowDays    int                 `json:"window_days"`
	TotalQueries  int64               `json:"total_queries"`
	SlowQueries   int64               `json:"slow_queries"`
	SlowRatio     float64             `json:"slow_ratio"`
	MeanTimeMS    float64             `json:"mean_time_ms"`
	DominantClass model.WorkloadClass `json:"dominant_class"`
	PeakHour      int                 `json:"peak_hour"`
	DegradedSpans int                 `json:"degraded_spans"`
}

// Analysis aggregates the connection's samples over the last N days.
// With no samples it returns zeros, never an error.
func (s *WorkloadService) Analysis(ctx context.Context, connectionID int64, days int) (*WorkloadAnalysis, error) {
	if days <= 0 {
		days = 7
	}
	samples, err := s.samples(ctx, connectionID, days)
	if err != nil {
		return nil, err
	}

	wa := &WorkloadAnalysis{ConnectionID: connectionID, WindowDays: days}
	classCounts := map[model.WorkloadClass]int{}
	hourly := map[int]int64{}
	var weightedMS float64
	for _, ws := range samples {
		wa.TotalQueries += ws.TotalQueries
		wa.SlowQueries += ws.SlowQueries
		weightedMS += ws.MeanTimeMS * float64(ws.TotalQueries)
		classCounts[ws.Class]++
		hourly[ws.BucketStart.Hour()] += ws.TotalQueries
		if ws.Degraded {
			wa.DegradedSpans++
		}
	}
	if wa.TotalQueries > 0 {
		wa.SlowRatio = float64(wa.SlowQueries) / float64(wa.TotalQueries)
		wa.MeanTimeMS = weightedMS / float64(wa.TotalQueries)
	}
	best := 0
	for class, n := range classCounts {
		if n > best || (n == best && class == model.WorkloadMixed) {
			best, wa.DominantClass = n, class
		}
	}
	var peakCount int64 = -1
	for hour, n := range hourly {
		if n > peakCount || (n == peakCount && hour < wa.PeakHour) {
			peakCount, wa.PeakHour = n, hour
		}
	}
	return wa, nil
}

// HourlyPattern is the traffic distribution over the hours of a day.
type HourlyPattern struct {
	Hour         int     `json:"hour"`
	TotalQueries int64   `json:"total_queries"`
	MeanTimeMS   float64 `json:"mean_time_ms"`
}

// Patterns returns the hour-of-day traffic shape over the last week.
func (s *WorkloadService) Patterns(ctx context.Context, connectionID int64) ([]HourlyPattern, error) {
	samples, err := s.samples(ctx, connectionID, 7)
	if err != nil {
		return nil, err
	}
	totals := make([]int64, 24)
	weighted := make([]float64, 24)
	for _, ws := range samples {
		h := ws.BucketStart.Hour()
		totals[h] += ws.TotalQueries
		weighted[h] += ws.MeanTimeMS * float64(ws.TotalQueries)
	}
	out := make([]HourlyPattern, 0, 24)
	for h := 0; h < 24; h++ {
		p := HourlyPattern{Hour: h, TotalQueries: totals[h]}
		if totals[h] > 0 {
			p.MeanTimeMS = weighted[h] / float64(totals[h])
		}
		out = append(out, p)
	}
	return out, nil
}

// Trends returns the raw roll-up series for charting, oldest first.
func (s *WorkloadService) Trends(ctx context.Context, connectionID int64, days int) ([]model.WorkloadSample, error) {
	if days <= 0 {
		days = 7
	}
	return s.samples(ctx, connectionID, days)
}

// Recommendations derives prose advice from the workload shape.
func (s *WorkloadService) Recommendations(ctx context.Context, connectionID int64) ([]string, error) {
	wa, err := s.Analysis(ctx, connectionID, 7)
	if err != nil {
		return nil, err
	}
	var recs []string
	if wa.TotalQueries == 0 {
		return recs, nil
	}
	if wa.SlowRatio > 0.25 {
		recs = append(recs, fmt.Sprintf(
			"%.0f%% of queries exceed the slow threshold; run the optimizer on the top queries", wa.SlowRatio*100))
	}
	switch wa.DominantClass {
	case model.WorkloadOLAP:
		recs = append(recs, "workload is analytical; schedule heavy reports outside the peak hour and review reporting queries for missing aggregate pruning")
	case model.WorkloadOLTP:
		recs = append(recs, "workload is transactional; prioritize index coverage for point lookups and keep fix application outside business hours")
	}
	if wa.DegradedSpans > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d roll-up buckets are marked degraded; the poll queue dropped jobs, consider a longer discovery interval or more workers", wa.DegradedSpans))
	}
	return recs, nil
}

func (s *WorkloadService) samples(ctx context.Context, connectionID int64, days int) ([]model.WorkloadSample, error) {
	since := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	return s.opts.Store.ListWorkloadSamples(ctx, connectionID, since)
}

// IndexService exposes index recommendations and catalog introspection.
type IndexService struct {
	opts      Opts
	optimizer *OptimizerService
}

// Recommendations lists pending index recommendations for a connection.
func (s *IndexService) Recommendations(ctx context.Context, connectionID int64) ([]*model.IndexRecommendation, error) {
	return s.opts.Store.ListIndexRecommendations(ctx, connectionID, model.RecommendationPending)
}

// Missing lists pending create-index recommendations.
func (s *IndexService) Missing(ctx context.Context, connectionID int64) ([]*model.IndexRecommendation, error) {
	recs, err := s.Recommendations(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.Action == model.IndexActionCreate {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Unused lists indexes on the target that never served a read since the
// engine's stats were last reset. Unique indexes are excluded: they
// enforce constraints even when never scanned.
func (s *IndexService) Unused(ctx context.Context, connectionID int64) ([]gateway.IndexInfo, error) {
	conn, err := s.opts.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	var unused []gateway.IndexInfo
	err = s.opts.Targets.Do(*conn, func(a gateway.Adapter) error {
		infos, err := a.ListIndexes(ctx, "")
		if err != nil {
			return err
		}
		for _, info := range infos {
			if info.Scans == 0 && !info.Unique {
				unused = append(unused, info)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unused, nil
}

// Create applies a pending create-index recommendation through the safety
// gates, in the context of the optimization that produced it.
func (s *IndexService) Create(ctx context.Context, optimizationID, recommendationID int64, dryRun bool) (*model.AppliedFix, error) {
	rec, err := s.pending(ctx, optimizationID, recommendationID, model.IndexActionCreate)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		indexName(rec.TableName, rec.Columns), rec.TableName, strings.Join(rec.Columns, ", "))
	fix, err := s.optimizer.ApplyFix(ctx, optimizationID, model.FixIndexCreate, sql, dryRun, false)
	if err != nil {
		return nil, err
	}
	if !dryRun {
		if err := s.opts.Store.UpdateRecommendationStatus(ctx, recommendationID, model.RecommendationCreated); err != nil {
			return nil, err
		}
	}
	return fix, nil
}

// Drop applies a pending drop-index recommendation through the safety
// gates. The rollback snapshots the index definition before the drop.
func (s *IndexService) Drop(ctx context.Context, optimizationID, recommendationID int64, dryRun bool) (*model.AppliedFix, error) {
	rec, err := s.pending(ctx, optimizationID, recommendationID, model.IndexActionDrop)
	if err != nil {
		return nil, err
	}
	opt, err := s.opts.Store.GetOptimization(ctx, optimizationID)
	if err != nil {
		return nil, err
	}
	conn, err := s.opts.Store.GetConnection(ctx, opt.ConnectionID)
	if err != nil {
		return nil, err
	}
	name := indexName(rec.TableName, rec.Columns)
	var sql string
	switch conn.Engine {
	case model.EngineMySQL, model.EngineMSSQL:
		sql = fmt.Sprintf("DROP INDEX %s ON %s", name, rec.TableName)
	default:
		sql = fmt.Sprintf("DROP INDEX %s", name)
	}
	fix, err := s.optimizer.ApplyFix(ctx, optimizationID, model.FixIndexDrop, sql, dryRun, false)
	if err != nil {
		return nil, err
	}
	if !dryRun {
		if err := s.opts.Store.UpdateRecommendationStatus(ctx, recommendationID, model.RecommendationDropped); err != nil {
			return nil, err
		}
	}
	return fix, nil
}

// History lists past fixes on the connection, newest first.
func (s *IndexService) History(ctx context.Context, connectionID int64, limit int) ([]*model.AppliedFix, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.opts.Store.FixHistory(ctx, connectionID, limit)
}

func (s *IndexService) pending(ctx context.Context, optimizationID, recommendationID int64, action model.IndexAction) (*model.IndexRecommendation, error) {
	opt, err := s.opts.Store.GetOptimization(ctx, optimizationID)
	if err != nil {
		return nil, err
	}
	recs, err := s.opts.Store.ListIndexRecommendations(ctx, opt.ConnectionID, model.RecommendationPending)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.ID == recommendationID {
			if rec.Action != action {
				return nil, fmt.Errorf("%w: recommendation %d is a %s action", model.ErrInput, recommendationID, rec.Action)
			}
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: no pending recommendation %d", model.ErrNotFound, recommendationID)
}

func indexName(table string, columns []string) string {
	name := "idx_" + table
	for _, c := range columns {
		name += "_" + c
	}
	if len(name) > 60 {
		name = name[:60]
	}
	return name
}
