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

package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/dbpulse/dbpulse/pkg/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, nil), mock
}

var queryCols = []string{
	"id", "connection_id", "fingerprint", "sample_sql", "normalized_sql",
	"first_seen", "last_seen", "calls", "total_time_ms", "rows_returned",
	"mean_time_ms", "native_id",
}

func TestMapError(t *testing.T) {
	cases := []struct {
		doc  string
		in   error
		want error
	}{
		{"no rows is not found", sql.ErrNoRows, model.ErrNotFound},
		{"unique violation is conflict", &pgconn.PgError{Code: "23505"}, model.ErrConflict},
		{"check violation is conflict", &pgconn.PgError{Code: "23514"}, model.ErrConflict},
		{"deadlock is unavailable", &pgconn.PgError{Code: "40P01"}, model.ErrUnavailable},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			require.True(t, errors.Is(mapError(c.in), c.want))
		})
	}
	require.NoError(t, mapError(nil))
}

func TestUpsertQueryInsertsNewRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM queries`).
		WithArgs(int64(1), "deadbeefdeadbeef").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO queries`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	q, err := s.UpsertQuery(context.Background(), 1, "deadbeefdeadbeef",
		model.QuerySample{SQL: "SELECT 1", Calls: 100, TotalTimeMS: 5000}, "select ?", now)
	require.NoError(t, err)
	require.Equal(t, int64(7), q.ID)
	require.Equal(t, int64(100), q.Calls)
	require.Equal(t, 50.0, q.MeanTimeMS)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertQueryRebaselinesOnReset(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	existing := sqlmock.NewRows(queryCols).AddRow(
		int64(7), int64(1), "deadbeefdeadbeef", "SELECT 1", "select ?",
		now.Add(-time.Hour), now.Add(-time.Minute), int64(100), 5000.0,
		int64(0), 50.0, "")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM queries`).WillReturnRows(existing)
	// calls went 100 -> 20: the reset event is recorded, then the row is
	// rebaselined from the new sample.
	mock.ExpectExec(`INSERT INTO reset_events`).
		WithArgs(int64(1), int64(7), int64(100), int64(20), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE queries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	q, err := s.UpsertQuery(context.Background(), 1, "deadbeefdeadbeef",
		model.QuerySample{SQL: "SELECT 1", Calls: 20, TotalTimeMS: 1000}, "select ?", now)
	require.NoError(t, err)
	require.Equal(t, int64(20), q.Calls)
	require.Equal(t, 1000.0, q.TotalTimeMS)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertQueryMonotonicUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	existing := sqlmock.NewRows(queryCols).AddRow(
		int64(7), int64(1), "deadbeefdeadbeef", "SELECT 1", "select ?",
		now.Add(-time.Hour), now.Add(-time.Minute), int64(100), 5000.0,
		int64(0), 50.0, "")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM queries`).WillReturnRows(existing)
	mock.ExpectExec(`UPDATE queries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	q, err := s.UpsertQuery(context.Background(), 1, "deadbeefdeadbeef",
		model.QuerySample{SQL: "SELECT 1", Calls: 150, TotalTimeMS: 7000}, "select ?", now)
	require.NoError(t, err)
	require.Equal(t, int64(150), q.Calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionOptimizationRefusesIllegalMove(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM optimizations`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("validated"))
	mock.ExpectRollback()

	err := s.TransitionOptimization(context.Background(), 5, model.StatusGenerated)
	require.True(t, errors.Is(err, model.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFixRejectsSecondApply(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM applied_fixes`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectRollback()

	now := time.Now().UTC()
	err := s.CreateFix(context.Background(), &model.AppliedFix{
		OptimizationID: 5, ConnectionID: 1, FixType: model.FixIndexCreate,
		ForwardSQL: "CREATE INDEX i ON t(a)", RollbackSQL: "DROP INDEX IF EXISTS i",
		Status: model.FixApplied, AppliedAt: &now,
	})
	require.True(t, errors.Is(err, model.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFixRequiresRollbackSQL(t *testing.T) {
	s, _ := newMockStore(t)
	err := s.CreateFix(context.Background(), &model.AppliedFix{
		OptimizationID: 5, Status: model.FixApplied,
	})
	require.True(t, errors.Is(err, model.ErrInput))
}

func TestDashboardStatsEmptyState(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count\(\*\) FROM connections`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery(`SELECT count\(\*\) FROM queries`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery(`FROM optimizations`).
		WillReturnRows(sqlmock.NewRows([]string{"c1", "c2", "c3", "c4"}).
			AddRow(int64(0), 0.0, int64(0), int64(0)))
	mock.ExpectQuery(`FROM queries q`).
		WillReturnRows(sqlmock.NewRows([]string{
			"query_id", "connection_id", "sample_sql", "mean_time_ms", "calls", "issue_count"}))
	mock.ExpectCommit()

	st, err := s.GetDashboardStats(context.Background())
	require.NoError(t, err)
	require.Zero(t, st.TotalConnections)
	require.Zero(t, st.TotalOptimizations)
	require.Empty(t, st.TopBottlenecks)
	require.NoError(t, mock.ExpectationsWereMet())
}
