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

package apply

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dbpulse/dbpulse/pkg/config"
	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
)

// ValidationStore is the store slice the validator writes through.
type ValidationStore interface {
	SetValidationResult(ctx context.Context, id int64, vr *model.ValidationResult, to model.OptimizationStatus) error
}

// ValidatorOpts configures a Validator.
type ValidatorOpts struct {
	Logger  log.Logger
	Store   ValidationStore
	Targets Targets
	Config  config.ValidatorConfig
	// MinImprovementPct is the bar a rewrite must clear to validate.
	MinImprovementPct float64
	// MaxRegressionPct is the slowdown past which a failure is logged as
	// a regression rather than an insufficient improvement.
	MaxRegressionPct float64
	// Revert undoes the optimization's fix when validation fails. It must
	// leave the optimization in its validation outcome status. Nil
	// disables auto-revert regardless of configuration.
	Revert func(ctx context.Context, conn model.Connection) error
	now    func() time.Time
}

// Validator measures an applied optimization against its original and
// settles the lifecycle: VALIDATED, or VALIDATION_FAILED with auto-revert.
type Validator struct {
	opts   ValidatorOpts
	logger log.Logger
}

// NewValidator builds a Validator.
func NewValidator(opts ValidatorOpts) *Validator {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.MinImprovementPct <= 0 {
		opts.MinImprovementPct = 10
	}
	if opts.MaxRegressionPct <= 0 {
		opts.MaxRegressionPct = 5
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Validator{opts: opts, logger: opts.Logger}
}

// Validate measures both statements N times in alternation, each run in a
// rolled-back transaction, and records the verdict on the optimization.
func (v *Validator) Validate(ctx context.Context, conn model.Connection, opt *model.Optimization) (*model.ValidationResult, error) {
	iterations := v.opts.Config.Iterations
	if iterations <= 0 {
		iterations = 3
	}
	logger := log.With(v.logger, "connection", conn.Name, "optimization", opt.ID)

	origTimes := make([]float64, 0, iterations)
	optTimes := make([]float64, 0, iterations)
	var origLast, optLast model.PerformanceMetrics

	err := v.opts.Targets.Do(conn, func(a gateway.Adapter) error {
		// Alternating measurement evens out cache warm-up: neither
		// statement gets all the cold runs.
		for i := 0; i < iterations; i++ {
			m, err := a.Measure(ctx, opt.OriginalSQL)
			if err != nil {
				return fmt.Errorf("measuring original: %w", err)
			}
			origTimes = append(origTimes, m.ExecutionTimeMS)
			origLast = m

			m, err = a.Measure(ctx, opt.OptimizedSQL)
			if err != nil {
				return fmt.Errorf("measuring optimized: %w", err)
			}
			optTimes = append(optTimes, m.ExecutionTimeMS)
			optLast = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	origMean, origStd := meanStd(origTimes)
	optMean, optStd := meanStd(optTimes)
	improvement := 0.0
	if origMean > 0 {
		improvement = (origMean - optMean) / origMean * 100
	}

	vr := &model.ValidationResult{
		Iterations:      iterations,
		Original:        model.PerformanceMetrics{ExecutionTimeMS: origMean, RowsReturned: origLast.RowsReturned},
		Optimized:       model.PerformanceMetrics{ExecutionTimeMS: optMean, RowsReturned: optLast.RowsReturned},
		OriginalStdDev:  origStd,
		OptimizedStdDev: optStd,
		ImprovementPct:  improvement,
		IsFaster:        improvement >= v.opts.MinImprovementPct,
		MeasuredAt:      v.opts.now(),
	}

	if origLast.RowsReturned != optLast.RowsReturned {
		// Different result cardinality means the rewrite is not equivalent;
		// that is a failure regardless of speed.
		vr.IsFaster = false
		level.Warn(logger).Log("msg", "rewrite returns different row count",
			"original_rows", origLast.RowsReturned, "optimized_rows", optLast.RowsReturned)
	}

	vr.RevertRecommended = !vr.IsFaster

	status := model.StatusValidated
	if !vr.IsFaster {
		status = model.StatusValidationFailed
	}
	if err := v.opts.Store.SetValidationResult(ctx, opt.ID, vr, status); err != nil {
		return nil, err
	}

	if vr.RevertRecommended {
		level.Warn(logger).Log("msg", "revert recommended",
			"improvement_pct", improvement, "min_improvement_pct", v.opts.MinImprovementPct,
			"regressed", improvement < -v.opts.MaxRegressionPct)
		if v.opts.Config.AutoRevertOnRegression && v.opts.Revert != nil {
			switch err := v.opts.Revert(ctx, conn); {
			case errors.Is(err, model.ErrNotFound):
				// Validation before apply; nothing on the target to undo.
				level.Debug(logger).Log("msg", "auto-revert found no applied fix")
			case err != nil:
				level.Warn(logger).Log("msg", "auto-revert failed", "err", err)
			}
		}
	}

	level.Info(logger).Log("msg", "validation complete", "status", status,
		"improvement_pct", fmt.Sprintf("%.1f", improvement))
	return vr, nil
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		std += (x - mean) * (x - mean)
	}
	std = math.Sqrt(std / float64(len(xs)))
	return mean, std
}
