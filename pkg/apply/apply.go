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

// Package apply executes fixes on target databases behind a fixed ladder
// of safety gates, and keeps a per-connection LIFO trail so everything it
// did can be undone in reverse order.
package apply

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dbpulse/dbpulse/pkg/config"
	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/sqlnorm"
)

// Store is the slice of the observability store the applicator writes to.
type Store interface {
	CreateFix(ctx context.Context, fix *model.AppliedFix) error
	MarkFixReverted(ctx context.Context, id int64, at time.Time) error
	TransitionOptimization(ctx context.Context, id int64, to model.OptimizationStatus) error
	FixHistory(ctx context.Context, connectionID int64, limit int) ([]*model.AppliedFix, error)
}

// Targets is the slice of the gateway pool the applicator executes through.
type Targets interface {
	Do(conn model.Connection, fn func(gateway.Adapter) error) error
}

// Request describes one fix to apply.
type Request struct {
	OptimizationID int64
	Connection     model.Connection
	FixType        model.FixType
	ForwardSQL     string
	// RollbackSQL overrides derivation when set.
	RollbackSQL string
	// DryRun evaluates every gate and derives the rollback without
	// touching the target.
	DryRun bool
	// SkipSafety bypasses the business-hours and lock gates. Statement
	// shape checks and rollback derivation always run.
	SkipSafety bool
}

// Opts configures an Applicator.
type Opts struct {
	Logger  log.Logger
	Store   Store
	Targets Targets
	Config  config.ApplicatorConfig
	now     func() time.Time
}

// Applicator applies and reverts fixes. All work for one connection is
// serialized: concurrent fixes against the same target would interleave
// DDL unpredictably.
type Applicator struct {
	opts   Opts
	logger log.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
	// trail holds applied fix ids per connection, most recent last.
	trail map[int64][]int64
}

// New builds an Applicator.
func New(opts Opts) *Applicator {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Applicator{
		opts:   opts,
		logger: opts.Logger,
		locks:  map[int64]*sync.Mutex{},
		trail:  map[int64][]int64{},
	}
}

func (ap *Applicator) connLock(id int64) *sync.Mutex {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	l, ok := ap.locks[id]
	if !ok {
		l = &sync.Mutex{}
		ap.locks[id] = l
	}
	return l
}

// Dangerous statement shapes, blocked unless explicitly allowed.
var (
	reDropObject   = regexp.MustCompile(`(?is)^\s*drop\s+(table|database|schema)\b`)
	reTruncate     = regexp.MustCompile(`(?is)^\s*truncate\b`)
	reAlterDropCol = regexp.MustCompile(`(?is)\balter\s+table\b.*\bdrop\s+(column\s+)?\w`)
)

func isDangerous(sql string) bool {
	s := strings.ToLower(strings.TrimSpace(sql))
	if reDropObject.MatchString(s) || reTruncate.MatchString(s) || reAlterDropCol.MatchString(s) {
		return true
	}
	// Unscoped data changes wipe or rewrite whole tables.
	hasWhere := regexp.MustCompile(`(?s)\bwhere\b`).MatchString(s)
	if (strings.HasPrefix(s, "delete") || strings.HasPrefix(s, "update")) && !hasWhere {
		return true
	}
	return false
}

// Apply runs the gate ladder and, when everything passes and DryRun is
// off, executes the fix and records it.
func (ap *Applicator) Apply(ctx context.Context, req Request) (*model.AppliedFix, error) {
	if req.ForwardSQL == "" {
		return nil, fmt.Errorf("%w: forward SQL is required", model.ErrInput)
	}
	if !ap.opts.Config.EnableDDLExecution && !req.DryRun && req.FixType != model.FixQueryRewriteRecord {
		return nil, fmt.Errorf("%w: DDL execution is disabled", model.ErrSafetyCheckFailed)
	}

	l := ap.connLock(req.Connection.ID)
	l.Lock()
	defer l.Unlock()

	logger := log.With(ap.logger, "connection", req.Connection.Name,
		"optimization", req.OptimizationID, "fix_type", req.FixType)

	// One live fix per optimization. The check runs under the connection
	// lock and before any target execution, so a concurrent second apply
	// fails without running DDL.
	if !req.DryRun {
		history, err := ap.opts.Store.FixHistory(ctx, req.Connection.ID, 0)
		if err != nil {
			return nil, err
		}
		for _, f := range history {
			if f.OptimizationID == req.OptimizationID && f.Status == model.FixApplied {
				return nil, fmt.Errorf("%w: optimization %d already has applied fix %d",
					model.ErrConflict, req.OptimizationID, f.ID)
			}
		}
	}

	fix := &model.AppliedFix{
		OptimizationID: req.OptimizationID,
		ConnectionID:   req.Connection.ID,
		FixType:        req.FixType,
		ForwardSQL:     req.ForwardSQL,
		RollbackSQL:    req.RollbackSQL,
	}

	check := ap.runGates(ctx, req, fix)
	fix.SafetyCheck = *check
	if !check.Passed {
		if req.DryRun {
			fix.Status = model.FixDryRunFailed
			if err := ap.opts.Store.CreateFix(ctx, fix); err != nil {
				return nil, err
			}
			return fix, nil
		}
		return nil, fmt.Errorf("%w: %s", model.ErrSafetyCheckFailed, strings.Join(check.Errors, "; "))
	}

	if req.DryRun {
		fix.Status = model.FixDryRunOK
		if err := ap.opts.Store.CreateFix(ctx, fix); err != nil {
			return nil, err
		}
		level.Info(logger).Log("msg", "dry run passed", "rollback", fix.RollbackSQL)
		return fix, nil
	}

	// Rewrite records are bookkeeping only; nothing runs on the target.
	if req.FixType != model.FixQueryRewriteRecord {
		var res gateway.ExecResult
		err := ap.opts.Targets.Do(req.Connection, func(a gateway.Adapter) error {
			var err error
			res, err = a.ExecuteDDL(ctx, req.ForwardSQL)
			return err
		})
		if err != nil {
			fix.Status = model.FixFailed
			if storeErr := ap.opts.Store.CreateFix(ctx, fix); storeErr != nil {
				level.Warn(logger).Log("msg", "recording failed fix", "err", storeErr)
			}
			return nil, err
		}
		fix.ExecutionSec = res.Duration.Seconds()
	}

	now := ap.opts.now()
	fix.Status = model.FixApplied
	fix.AppliedAt = &now
	if err := ap.opts.Store.CreateFix(ctx, fix); err != nil {
		return nil, err
	}
	if err := ap.opts.Store.TransitionOptimization(ctx, req.OptimizationID, model.StatusApplied); err != nil {
		return nil, err
	}

	ap.mu.Lock()
	ap.trail[req.Connection.ID] = append(ap.trail[req.Connection.ID], fix.ID)
	ap.mu.Unlock()

	level.Info(logger).Log("msg", "fix applied", "fix", fix.ID, "duration_sec", fix.ExecutionSec)
	return fix, nil
}

// runGates evaluates the ladder in order: dangerous statements, business
// hours, active locks, rollback derivability. Every gate is recorded even
// when an earlier one already failed.
func (ap *Applicator) runGates(ctx context.Context, req Request, fix *model.AppliedFix) *model.SafetyCheckResult {
	check := &model.SafetyCheckResult{Passed: true}
	fail := func(format string, args ...any) {
		check.Errors = append(check.Errors, fmt.Sprintf(format, args...))
		check.Passed = false
	}

	check.ChecksPerformed = append(check.ChecksPerformed, "statement_safety")
	if stmts := sqlnorm.SplitStatements(req.ForwardSQL); len(stmts) > 1 {
		fail("forward SQL contains %d statements, one allowed", len(stmts))
	}
	if isDangerous(req.ForwardSQL) && !ap.opts.Config.AllowDangerousOperations {
		fail("statement matches a dangerous shape and dangerous operations are disabled")
	}

	if req.SkipSafety {
		check.Warnings = append(check.Warnings, "business-hours and lock gates skipped by request")
	}

	check.ChecksPerformed = append(check.ChecksPerformed, "business_hours")
	if ap.opts.Config.BusinessHoursEnabled && !req.SkipSafety {
		hour := ap.opts.now().Hour()
		if hour >= ap.opts.Config.BusinessHoursStart && hour < ap.opts.Config.BusinessHoursEnd {
			fail("inside business hours (%02d:00-%02d:00)",
				ap.opts.Config.BusinessHoursStart, ap.opts.Config.BusinessHoursEnd)
		}
	}

	check.ChecksPerformed = append(check.ChecksPerformed, "active_locks")
	affected := sqlnorm.Tables(req.ForwardSQL)
	lockErr := error(nil)
	if !req.SkipSafety {
		lockErr = ap.opts.Targets.Do(req.Connection, func(a gateway.Adapter) error {
			locks, err := a.ActiveLocks(ctx)
			if err != nil {
				return err
			}
			for _, l := range locks {
				for _, t := range affected {
					if strings.EqualFold(l.Relation, t) {
						fail("table %s has an active %s lock", l.Relation, l.Mode)
					}
				}
			}
			return nil
		})
	}
	if lockErr != nil {
		// Unable to see lock state: warn and continue, the gate is advisory
		// when the target cannot report it.
		check.Warnings = append(check.Warnings, fmt.Sprintf("lock inspection unavailable: %v", lockErr))
	}

	check.ChecksPerformed = append(check.ChecksPerformed, "rollback_derivable")
	if fix.RollbackSQL == "" {
		var derived string
		err := ap.opts.Targets.Do(req.Connection, func(a gateway.Adapter) error {
			var err error
			derived, err = DeriveRollback(ctx, a, req.Connection.Engine, req.FixType, req.ForwardSQL)
			return err
		})
		if err != nil {
			fail("rollback not derivable: %v", err)
		} else {
			fix.RollbackSQL = derived
		}
	}
	return check
}

// RollbackLast undoes the most recently applied fix on the connection.
func (ap *Applicator) RollbackLast(ctx context.Context, conn model.Connection) (*model.AppliedFix, error) {
	fixes, err := ap.appliedFixes(ctx, conn, 1)
	if err != nil {
		return nil, err
	}
	if len(fixes) == 0 {
		return nil, fmt.Errorf("%w: no applied fixes on connection %d", model.ErrNotFound, conn.ID)
	}
	if err := ap.revert(ctx, conn, fixes[0], true); err != nil {
		return nil, err
	}
	return fixes[0], nil
}

// AutoRevert undoes the most recently applied fix after a failed
// validation. Unlike RollbackLast it leaves the optimization in its
// validation outcome status; only the fix row moves to reverted.
func (ap *Applicator) AutoRevert(ctx context.Context, conn model.Connection) (*model.AppliedFix, error) {
	fixes, err := ap.appliedFixes(ctx, conn, 1)
	if err != nil {
		return nil, err
	}
	if len(fixes) == 0 {
		return nil, fmt.Errorf("%w: no applied fixes on connection %d", model.ErrNotFound, conn.ID)
	}
	if err := ap.revert(ctx, conn, fixes[0], false); err != nil {
		return nil, err
	}
	return fixes[0], nil
}

// RollbackFix undoes one specific applied fix on the connection.
func (ap *Applicator) RollbackFix(ctx context.Context, conn model.Connection, fixID int64) (*model.AppliedFix, error) {
	fixes, err := ap.appliedFixes(ctx, conn, 0)
	if err != nil {
		return nil, err
	}
	for _, fix := range fixes {
		if fix.ID == fixID {
			if err := ap.revert(ctx, conn, fix, true); err != nil {
				return nil, err
			}
			return fix, nil
		}
	}
	return nil, fmt.Errorf("%w: fix %d is not applied on connection %d", model.ErrNotFound, fixID, conn.ID)
}

// RollbackAll undoes every applied fix on the connection in reverse
// application order. It stops at the first failure so state never skips.
func (ap *Applicator) RollbackAll(ctx context.Context, conn model.Connection) ([]*model.AppliedFix, error) {
	fixes, err := ap.appliedFixes(ctx, conn, 0)
	if err != nil {
		return nil, err
	}
	var reverted []*model.AppliedFix
	for _, fix := range fixes {
		if err := ap.revert(ctx, conn, fix, true); err != nil {
			return reverted, err
		}
		reverted = append(reverted, fix)
	}
	return reverted, nil
}

// appliedFixes returns applied fixes newest first, preferring the
// in-memory trail and falling back to the store after a restart.
func (ap *Applicator) appliedFixes(ctx context.Context, conn model.Connection, limit int) ([]*model.AppliedFix, error) {
	history, err := ap.opts.Store.FixHistory(ctx, conn.ID, 0)
	if err != nil {
		return nil, err
	}
	var applied []*model.AppliedFix
	for _, f := range history {
		if f.Status == model.FixApplied {
			applied = append(applied, f)
		}
	}
	if limit > 0 && len(applied) > limit {
		applied = applied[:limit]
	}
	return applied, nil
}

// revert executes the rollback SQL and marks the fix row reverted.
// transition additionally moves the optimization to reverted; auto-revert
// passes false so a failed validation keeps its outcome status.
func (ap *Applicator) revert(ctx context.Context, conn model.Connection, fix *model.AppliedFix, transition bool) error {
	l := ap.connLock(conn.ID)
	l.Lock()
	defer l.Unlock()

	if fix.RollbackSQL != RollbackNone && fix.FixType != model.FixQueryRewriteRecord {
		err := ap.opts.Targets.Do(conn, func(a gateway.Adapter) error {
			_, err := a.ExecuteDDL(ctx, fix.RollbackSQL)
			return err
		})
		if err != nil {
			return err
		}
	}
	if err := ap.opts.Store.MarkFixReverted(ctx, fix.ID, ap.opts.now()); err != nil {
		return err
	}
	if transition {
		if err := ap.opts.Store.TransitionOptimization(ctx, fix.OptimizationID, model.StatusReverted); err != nil {
			return err
		}
	}

	ap.mu.Lock()
	trail := ap.trail[conn.ID]
	for i := len(trail) - 1; i >= 0; i-- {
		if trail[i] == fix.ID {
			ap.trail[conn.ID] = append(trail[:i], trail[i+1:]...)
			break
		}
	}
	ap.mu.Unlock()

	level.Info(ap.logger).Log("msg", "fix reverted", "fix", fix.ID, "connection", conn.Name)
	return nil
}
