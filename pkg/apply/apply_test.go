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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbpulse/dbpulse/pkg/config"
	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
)

// fakeFixStore enforces the optimization state machine the way the real
// store does, so an illegal transition fails the test instead of passing
// silently.
type fakeFixStore struct {
	fixes       []*model.AppliedFix
	statuses    map[int64]model.OptimizationStatus
	transitions []model.OptimizationStatus
	reverted    []int64
	validations []*model.ValidationResult
	vStatus     []model.OptimizationStatus
}

func (f *fakeFixStore) status(id int64) model.OptimizationStatus {
	if s, ok := f.statuses[id]; ok {
		return s
	}
	return model.StatusGenerated
}

func (f *fakeFixStore) setStatus(id int64, to model.OptimizationStatus) error {
	if err := model.CheckTransition(f.status(id), to); err != nil {
		return err
	}
	if f.statuses == nil {
		f.statuses = map[int64]model.OptimizationStatus{}
	}
	f.statuses[id] = to
	return nil
}

func (f *fakeFixStore) CreateFix(_ context.Context, fix *model.AppliedFix) error {
	if fix.Status == model.FixApplied && fix.RollbackSQL == "" {
		return fmt.Errorf("%w: applied fix requires rollback SQL", model.ErrInput)
	}
	fix.ID = int64(len(f.fixes) + 1)
	f.fixes = append(f.fixes, fix)
	return nil
}

func (f *fakeFixStore) MarkFixReverted(_ context.Context, id int64, _ time.Time) error {
	f.reverted = append(f.reverted, id)
	for _, fix := range f.fixes {
		if fix.ID == id {
			fix.Status = model.FixReverted
		}
	}
	return nil
}

func (f *fakeFixStore) TransitionOptimization(_ context.Context, id int64, to model.OptimizationStatus) error {
	if err := f.setStatus(id, to); err != nil {
		return err
	}
	f.transitions = append(f.transitions, to)
	return nil
}

func (f *fakeFixStore) FixHistory(_ context.Context, connID int64, _ int) ([]*model.AppliedFix, error) {
	var out []*model.AppliedFix
	for i := len(f.fixes) - 1; i >= 0; i-- {
		if f.fixes[i].ConnectionID == connID {
			out = append(out, f.fixes[i])
		}
	}
	return out, nil
}

func (f *fakeFixStore) SetValidationResult(_ context.Context, id int64, vr *model.ValidationResult, to model.OptimizationStatus) error {
	if err := f.setStatus(id, to); err != nil {
		return err
	}
	f.validations = append(f.validations, vr)
	f.vStatus = append(f.vStatus, to)
	return nil
}

type fakeApplyAdapter struct {
	gateway.Adapter
	executed []string
	locks    []gateway.LockInfo
	indexes  []gateway.IndexInfo
	// measurements feeds Measure calls in order, cycling.
	measurements []model.PerformanceMetrics
	mi           int
}

func (a *fakeApplyAdapter) ExecuteDDL(_ context.Context, sql string) (gateway.ExecResult, error) {
	a.executed = append(a.executed, sql)
	return gateway.ExecResult{Duration: 5 * time.Millisecond}, nil
}

func (a *fakeApplyAdapter) ActiveLocks(context.Context) ([]gateway.LockInfo, error) {
	return a.locks, nil
}

func (a *fakeApplyAdapter) ListIndexes(context.Context, string) ([]gateway.IndexInfo, error) {
	return a.indexes, nil
}

func (a *fakeApplyAdapter) Measure(context.Context, string) (model.PerformanceMetrics, error) {
	m := a.measurements[a.mi%len(a.measurements)]
	a.mi++
	return m, nil
}

type fakeApplyTargets struct{ adapter *fakeApplyAdapter }

func (f *fakeApplyTargets) Do(_ model.Connection, fn func(gateway.Adapter) error) error {
	return fn(f.adapter)
}

func newApplicator(adapter *fakeApplyAdapter, store *fakeFixStore, cfg config.ApplicatorConfig) *Applicator {
	return New(Opts{Store: store, Targets: &fakeApplyTargets{adapter: adapter}, Config: cfg})
}

var testConn = model.Connection{ID: 1, Name: "prod", Engine: model.EnginePostgres}

func TestApplyDerivesRollbackAndRecords(t *testing.T) {
	adapter := &fakeApplyAdapter{}
	store := &fakeFixStore{}
	ap := newApplicator(adapter, store, config.ApplicatorConfig{EnableDDLExecution: true})

	fix, err := ap.Apply(context.Background(), Request{
		OptimizationID: 42,
		Connection:     testConn,
		FixType:        model.FixIndexCreate,
		ForwardSQL:     "CREATE INDEX orders_status_idx ON orders (status)",
	})
	require.NoError(t, err)
	require.Equal(t, model.FixApplied, fix.Status)
	require.Equal(t, "DROP INDEX orders_status_idx", fix.RollbackSQL)
	require.True(t, fix.SafetyCheck.Passed)
	require.Equal(t, []string{"CREATE INDEX orders_status_idx ON orders (status)"}, adapter.executed)
	require.Equal(t, []model.OptimizationStatus{model.StatusApplied}, store.transitions)
}

func TestApplyBlocksDangerousStatements(t *testing.T) {
	for _, sql := range []string{
		"DROP TABLE orders",
		"TRUNCATE orders",
		"DELETE FROM orders",
		"UPDATE orders SET status = 'x'",
		"ALTER TABLE orders DROP COLUMN status",
	} {
		t.Run(sql, func(t *testing.T) {
			adapter := &fakeApplyAdapter{}
			ap := newApplicator(adapter, &fakeFixStore{}, config.ApplicatorConfig{EnableDDLExecution: true})
			_, err := ap.Apply(context.Background(), Request{
				OptimizationID: 1, Connection: testConn,
				FixType: model.FixIndexDrop, ForwardSQL: sql,
			})
			require.ErrorIs(t, err, model.ErrSafetyCheckFailed)
			require.Empty(t, adapter.executed)
		})
	}
}

func TestApplyAllowsScopedDataChanges(t *testing.T) {
	require.False(t, isDangerous("DELETE FROM orders WHERE created_at < '2020-01-01'"))
	require.False(t, isDangerous("UPDATE orders SET status = 'x' WHERE id = 4"))
	require.True(t, isDangerous("delete from orders"))
}

func TestApplyBlocksMultiStatement(t *testing.T) {
	ap := newApplicator(&fakeApplyAdapter{}, &fakeFixStore{}, config.ApplicatorConfig{EnableDDLExecution: true})
	_, err := ap.Apply(context.Background(), Request{
		OptimizationID: 1, Connection: testConn,
		FixType:    model.FixIndexCreate,
		ForwardSQL: "CREATE INDEX a ON t (x); CREATE INDEX b ON t (y)",
	})
	require.ErrorIs(t, err, model.ErrSafetyCheckFailed)
}

func TestApplyBlocksDuringBusinessHours(t *testing.T) {
	store := &fakeFixStore{}
	ap := New(Opts{
		Store:   store,
		Targets: &fakeApplyTargets{adapter: &fakeApplyAdapter{}},
		Config: config.ApplicatorConfig{
			EnableDDLExecution: true,
			BusinessHoursEnabled: true, BusinessHoursStart: 0, BusinessHoursEnd: 24,
		},
	})
	_, err := ap.Apply(context.Background(), Request{
		OptimizationID: 1, Connection: testConn,
		FixType: model.FixIndexCreate, ForwardSQL: "CREATE INDEX a ON t (x)",
	})
	require.ErrorIs(t, err, model.ErrSafetyCheckFailed)
}

func TestApplyBlocksOnActiveLocks(t *testing.T) {
	adapter := &fakeApplyAdapter{locks: []gateway.LockInfo{{Relation: "orders", Mode: "AccessExclusiveLock", Granted: true}}}
	ap := newApplicator(adapter, &fakeFixStore{}, config.ApplicatorConfig{EnableDDLExecution: true})
	_, err := ap.Apply(context.Background(), Request{
		OptimizationID: 1, Connection: testConn,
		FixType: model.FixIndexCreate, ForwardSQL: "CREATE INDEX a ON orders (x)",
	})
	require.ErrorIs(t, err, model.ErrSafetyCheckFailed)
	require.Empty(t, adapter.executed)
}

func TestDryRunDerivesButDoesNotExecute(t *testing.T) {
	adapter := &fakeApplyAdapter{}
	store := &fakeFixStore{}
	ap := newApplicator(adapter, store, config.ApplicatorConfig{EnableDDLExecution: true})

	fix, err := ap.Apply(context.Background(), Request{
		OptimizationID: 1, Connection: testConn,
		FixType:    model.FixIndexCreate,
		ForwardSQL: "CREATE INDEX orders_status_idx ON orders (status)",
		DryRun:     true,
	})
	require.NoError(t, err)
	require.Equal(t, model.FixDryRunOK, fix.Status)
	require.Equal(t, "DROP INDEX orders_status_idx", fix.RollbackSQL)
	require.Empty(t, adapter.executed)
	require.Empty(t, store.transitions)
}

func TestIndexDropSnapshotsDefinitionForRollback(t *testing.T) {
	adapter := &fakeApplyAdapter{indexes: []gateway.IndexInfo{
		{Name: "orders_status_idx", Table: "orders", Columns: []string{"status", "created_at"}, Unique: false},
	}}
	ap := newApplicator(adapter, &fakeFixStore{}, config.ApplicatorConfig{EnableDDLExecution: true})

	fix, err := ap.Apply(context.Background(), Request{
		OptimizationID: 1, Connection: testConn,
		FixType:    model.FixIndexDrop,
		ForwardSQL: "DROP INDEX orders_status_idx",
	})
	require.NoError(t, err)
	require.Equal(t, "CREATE INDEX orders_status_idx ON orders (status, created_at)", fix.RollbackSQL)
}

func TestRollbackLastRunsInverseAndTransitions(t *testing.T) {
	adapter := &fakeApplyAdapter{}
	store := &fakeFixStore{}
	ap := newApplicator(adapter, store, config.ApplicatorConfig{EnableDDLExecution: true})

	_, err := ap.Apply(context.Background(), Request{
		OptimizationID: 7, Connection: testConn,
		FixType:    model.FixIndexCreate,
		ForwardSQL: "CREATE INDEX a_idx ON t (a)",
	})
	require.NoError(t, err)

	fix, err := ap.RollbackLast(context.Background(), testConn)
	require.NoError(t, err)
	require.Equal(t, "DROP INDEX a_idx", fix.RollbackSQL)
	require.Equal(t, []string{"CREATE INDEX a_idx ON t (a)", "DROP INDEX a_idx"}, adapter.executed)
	require.Equal(t, []model.OptimizationStatus{model.StatusApplied, model.StatusReverted}, store.transitions)
	require.Len(t, store.reverted, 1)

	_, err = ap.RollbackLast(context.Background(), testConn)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestRollbackAllRevertsInReverseOrder(t *testing.T) {
	adapter := &fakeApplyAdapter{}
	store := &fakeFixStore{}
	ap := newApplicator(adapter, store, config.ApplicatorConfig{EnableDDLExecution: true})

	for i, stmt := range []string{
		"CREATE INDEX a_idx ON t (a)",
		"CREATE INDEX b_idx ON t (b)",
	} {
		_, err := ap.Apply(context.Background(), Request{
			OptimizationID: int64(i + 1), Connection: testConn,
			FixType: model.FixIndexCreate, ForwardSQL: stmt,
		})
		require.NoError(t, err)
	}

	reverted, err := ap.RollbackAll(context.Background(), testConn)
	require.NoError(t, err)
	require.Len(t, reverted, 2)
	// Most recent first.
	require.Equal(t, "DROP INDEX b_idx", adapter.executed[2])
	require.Equal(t, "DROP INDEX a_idx", adapter.executed[3])
}

func TestApplySecondFixOnSameOptimizationConflicts(t *testing.T) {
	adapter := &fakeApplyAdapter{}
	store := &fakeFixStore{}
	ap := newApplicator(adapter, store, config.ApplicatorConfig{EnableDDLExecution: true})

	_, err := ap.Apply(context.Background(), Request{
		OptimizationID: 9, Connection: testConn,
		FixType: model.FixIndexCreate, ForwardSQL: "CREATE INDEX a_idx ON t (a)",
	})
	require.NoError(t, err)

	_, err = ap.Apply(context.Background(), Request{
		OptimizationID: 9, Connection: testConn,
		FixType: model.FixIndexCreate, ForwardSQL: "CREATE INDEX b_idx ON t (b)",
	})
	require.ErrorIs(t, err, model.ErrConflict)
	// The second fix never reached the target.
	require.Equal(t, []string{"CREATE INDEX a_idx ON t (a)"}, adapter.executed)
	require.Len(t, store.fixes, 1)
}

func TestValidatorValidatesImprovement(t *testing.T) {
	adapter := &fakeApplyAdapter{measurements: []model.PerformanceMetrics{
		{ExecutionTimeMS: 100, RowsReturned: 50}, // original
		{ExecutionTimeMS: 40, RowsReturned: 50},  // optimized
	}}
	store := &fakeFixStore{statuses: map[int64]model.OptimizationStatus{1: model.StatusApplied}}
	v := NewValidator(ValidatorOpts{
		Store:   store,
		Targets: &fakeApplyTargets{adapter: adapter},
		Config:  config.ValidatorConfig{Iterations: 3},
	})

	vr, err := v.Validate(context.Background(), testConn, &model.Optimization{
		ID: 1, OriginalSQL: "SELECT * FROM t", OptimizedSQL: "SELECT id FROM t",
	})
	require.NoError(t, err)
	require.Equal(t, 3, vr.Iterations)
	require.InDelta(t, 60.0, vr.ImprovementPct, 0.01)
	require.True(t, vr.IsFaster)
	require.False(t, vr.RevertRecommended)
	require.Equal(t, []model.OptimizationStatus{model.StatusValidated}, store.vStatus)
}

func TestValidatorAutoRevertKeepsValidationFailed(t *testing.T) {
	adapter := &fakeApplyAdapter{measurements: []model.PerformanceMetrics{
		{ExecutionTimeMS: 40, RowsReturned: 10},  // original
		{ExecutionTimeMS: 100, RowsReturned: 10}, // optimized regressed
	}}
	store := &fakeFixStore{}
	ap := newApplicator(adapter, store, config.ApplicatorConfig{EnableDDLExecution: true})

	_, err := ap.Apply(context.Background(), Request{
		OptimizationID: 1, Connection: testConn,
		FixType: model.FixIndexCreate, ForwardSQL: "CREATE INDEX a_idx ON t (a)",
	})
	require.NoError(t, err)

	v := NewValidator(ValidatorOpts{
		Store:   store,
		Targets: &fakeApplyTargets{adapter: adapter},
		Config:  config.ValidatorConfig{Iterations: 2, AutoRevertOnRegression: true},
		Revert: func(ctx context.Context, conn model.Connection) error {
			_, err := ap.AutoRevert(ctx, conn)
			return err
		},
	})

	vr, err := v.Validate(context.Background(), testConn, &model.Optimization{
		ID: 1, OriginalSQL: "SELECT 1 FROM t", OptimizedSQL: "SELECT 2 FROM t",
	})
	require.NoError(t, err)
	require.False(t, vr.IsFaster)
	require.True(t, vr.RevertRecommended)
	// The rollback ran on the target and the fix row is reverted, but the
	// optimization keeps its validation outcome.
	require.Contains(t, adapter.executed, "DROP INDEX a_idx")
	require.Equal(t, model.FixReverted, store.fixes[0].Status)
	require.Equal(t, model.StatusValidationFailed, store.status(1))
}

func TestValidatorRecommendsRevertBelowImprovementBar(t *testing.T) {
	// 5% faster with a 10% bar: no regression, still not good enough.
	adapter := &fakeApplyAdapter{measurements: []model.PerformanceMetrics{
		{ExecutionTimeMS: 100, RowsReturned: 10}, // original
		{ExecutionTimeMS: 95, RowsReturned: 10},  // optimized
	}}
	store := &fakeFixStore{statuses: map[int64]model.OptimizationStatus{1: model.StatusApplied}}
	revertCalled := false
	v := NewValidator(ValidatorOpts{
		Store:             store,
		Targets:           &fakeApplyTargets{adapter: adapter},
		Config:            config.ValidatorConfig{Iterations: 2, AutoRevertOnRegression: true},
		MinImprovementPct: 10,
		Revert: func(context.Context, model.Connection) error {
			revertCalled = true
			return nil
		},
	})

	vr, err := v.Validate(context.Background(), testConn, &model.Optimization{
		ID: 1, OriginalSQL: "SELECT 1 FROM t", OptimizedSQL: "SELECT 2 FROM t",
	})
	require.NoError(t, err)
	require.False(t, vr.IsFaster)
	require.True(t, vr.RevertRecommended)
	require.True(t, revertCalled)
	require.Equal(t, []model.OptimizationStatus{model.StatusValidationFailed}, store.vStatus)
}

func TestValidatorFailsDifferentRowCounts(t *testing.T) {
	adapter := &fakeApplyAdapter{measurements: []model.PerformanceMetrics{
		{ExecutionTimeMS: 100, RowsReturned: 50},
		{ExecutionTimeMS: 10, RowsReturned: 7},
	}}
	store := &fakeFixStore{statuses: map[int64]model.OptimizationStatus{1: model.StatusApplied}}
	v := NewValidator(ValidatorOpts{
		Store:   store,
		Targets: &fakeApplyTargets{adapter: adapter},
		Config:  config.ValidatorConfig{Iterations: 1},
	})
	vr, err := v.Validate(context.Background(), testConn, &model.Optimization{ID: 1, OriginalSQL: "a", OptimizedSQL: "b"})
	require.NoError(t, err)
	require.False(t, vr.IsFaster)
	require.Equal(t, model.StatusValidationFailed, store.vStatus[0])
}

func TestDeriveRollbackRefusesConfigChange(t *testing.T) {
	_, err := DeriveRollback(context.Background(), &fakeApplyAdapter{}, model.EnginePostgres,
		model.FixConfigChange, "ALTER SYSTEM SET work_mem = '64MB'")
	require.ErrorIs(t, err, model.ErrInput)
}

func TestStatisticsUpdateHasNoOpRollback(t *testing.T) {
	rb, err := DeriveRollback(context.Background(), &fakeApplyAdapter{}, model.EnginePostgres,
		model.FixStatisticsUpdate, "ANALYZE orders")
	require.NoError(t, err)
	require.Equal(t, RollbackNone, rb)
}
