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

	"github.com/go-kit/log/level"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/sqlnorm"
)

// seedTemplate is one well-known rewrite shape shipped with the engine so
// the pattern library is never empty on a fresh install.
type seedTemplate struct {
	typ       model.PatternType
	original  string
	optimized string
}

var seedTemplates = []seedTemplate{
	{
		typ:       model.PatternAntiPattern,
		original:  "SELECT * FROM orders WHERE customer_id = ?",
		optimized: "SELECT id, status, total FROM orders WHERE customer_id = ?",
	},
	{
		typ:       model.PatternQueryRewrite,
		original:  "SELECT id FROM orders WHERE status = ? OR status = ? OR status = ?",
		optimized: "SELECT id FROM orders WHERE status IN (?, ?, ?)",
	},
	{
		typ: model.PatternSubqueryOptimization,
		original: "SELECT c.id FROM customers c WHERE EXISTS " +
			"(SELECT 1 FROM orders o WHERE o.customer_id = c.id AND o.total > ?)",
		optimized: "SELECT DISTINCT c.id FROM customers c " +
			"JOIN orders o ON o.customer_id = c.id WHERE o.total > ?",
	},
	{
		typ:       model.PatternQueryRewrite,
		original:  "SELECT id FROM orders WHERE status = ? UNION SELECT id FROM archived_orders WHERE status = ?",
		optimized: "SELECT id FROM orders WHERE status = ? UNION ALL SELECT id FROM archived_orders WHERE status = ?",
	},
	{
		typ:       model.PatternQueryRewrite,
		original:  "SELECT id FROM orders WHERE YEAR(created_at) = ?",
		optimized: "SELECT id FROM orders WHERE created_at >= ? AND created_at < ?",
	},
	{
		typ:       model.PatternSubqueryOptimization,
		original:  "SELECT id FROM orders WHERE customer_id NOT IN (SELECT id FROM blocked_customers)",
		optimized: "SELECT o.id FROM orders o LEFT JOIN blocked_customers b ON b.id = o.customer_id WHERE b.id IS NULL",
	},
	{
		typ:       model.PatternAggregationOptimization,
		original:  "SELECT customer_id, COUNT(*) FROM orders GROUP BY customer_id HAVING customer_id = ?",
		optimized: "SELECT customer_id, COUNT(*) FROM orders WHERE customer_id = ? GROUP BY customer_id",
	},
}

// SeedCommonPatterns installs the shipped rewrite templates for every
// engine. Safe to call on every startup; existing rows are left alone.
func (r *Recorder) SeedCommonPatterns(ctx context.Context) error {
	engines := []model.Engine{model.EnginePostgres, model.EngineMySQL, model.EngineMSSQL, model.EngineOracle}
	seeded := 0
	for _, engine := range engines {
		for _, t := range seedTemplates {
			p := &model.OptimizationPattern{
				Type:              t.typ,
				Signature:         sqlnorm.Signature(t.original),
				OriginalTemplate:  sqlnorm.Normalize(t.original),
				OptimizedTemplate: sqlnorm.Normalize(t.optimized),
				Engine:            engine,
			}
			if err := r.opts.Store.SeedPattern(ctx, p); err != nil {
				return err
			}
			seeded++
		}
	}
	level.Debug(r.logger).Log("msg", "pattern library seeded", "templates", len(seedTemplates), "rows", seeded)
	return nil
}
