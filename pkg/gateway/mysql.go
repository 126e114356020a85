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

package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/plan"
)

type mysqlAdapter struct {
	db     *sqlx.DB
	logger log.Logger
}

// Timer columns in performance_schema are picoseconds.
const mysqlTopQueries = `
SELECT COALESCE(DIGEST, '')                           AS native_id,
       COALESCE(DIGEST_TEXT, '')                      AS query,
       COUNT_STAR                                     AS calls,
       SUM_TIMER_WAIT / 1000000000                    AS total_ms,
       AVG_TIMER_WAIT / 1000000000                    AS mean_ms,
       SUM_ROWS_SENT                                  AS rows_sent
FROM performance_schema.events_statements_summary_by_digest
WHERE SCHEMA_NAME = DATABASE() AND COUNT_STAR > 0 AND DIGEST_TEXT IS NOT NULL
ORDER BY AVG_TIMER_WAIT DESC
LIMIT ?`

func (a *mysqlAdapter) Test(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return mapMySQLError(err)
	}
	var enabled string
	err := a.db.GetContext(ctx, &enabled, `SELECT @@performance_schema`)
	if err != nil {
		return mapMySQLError(err)
	}
	if enabled != "1" {
		return fmt.Errorf("%w: performance_schema is disabled", model.ErrCapability)
	}
	return nil
}

func (a *mysqlAdapter) TopQueries(ctx context.Context, limit int) ([]model.QuerySample, error) {
	rows, err := a.db.QueryxContext(ctx, mysqlTopQueries, limit)
	if err != nil {
		return nil, mapMySQLError(err)
	}
	defer rows.Close()
	var out []model.QuerySample
	for rows.Next() {
		var s model.QuerySample
		if err := rows.Scan(&s.NativeID, &s.SQL, &s.Calls, &s.TotalTimeMS, &s.MeanTimeMS, &s.Rows); err != nil {
			return nil, mapMySQLError(err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Explain returns the estimated plan. MySQL's EXPLAIN ANALYZE emits only
// the TREE format, so analyze is served by the estimated JSON plan plus a
// rolled-back measurement pass.
func (a *mysqlAdapter) Explain(ctx context.Context, sqlText string, analyze bool) (*plan.Plan, error) {
	var raw []byte
	if err := a.db.GetContext(ctx, &raw, "EXPLAIN FORMAT=JSON "+sqlText); err != nil {
		return nil, mapMySQLError(err)
	}
	p, err := plan.ParseMySQL(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrUpstream, err)
	}
	if analyze {
		m, err := measureRollback(ctx, a.db, sqlText, mapMySQLError)
		if err != nil {
			return nil, err
		}
		p.Analyzed = true
		p.Metrics = m
	}
	return p, nil
}

func (a *mysqlAdapter) SchemaDDL(ctx context.Context, tables []string) (string, error) {
	var b strings.Builder
	for _, table := range tables {
		var name, ddl string
		err := a.db.QueryRowxContext(ctx, "SHOW CREATE TABLE "+quoteMySQLIdent(table)).Scan(&name, &ddl)
		if err != nil {
			var myErr *mysql.MySQLError
			if errors.As(err, &myErr) && myErr.Number == 1146 {
				continue
			}
			return "", mapMySQLError(err)
		}
		b.WriteString(ddl)
		b.WriteString(";\n\n")
	}
	return b.String(), nil
}

func (a *mysqlAdapter) TableStats(ctx context.Context, tables []string) (map[string]int64, error) {
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		var rows int64
		err := a.db.GetContext(ctx, &rows, `
			SELECT COALESCE(TABLE_ROWS, 0) FROM information_schema.TABLES
			WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, table)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, mapMySQLError(err)
		}
		out[table] = rows
	}
	return out, nil
}

func (a *mysqlAdapter) ListIndexes(ctx context.Context, table string) ([]IndexInfo, error) {
	q := `
		SELECT s.INDEX_NAME, s.TABLE_NAME, MIN(s.NON_UNIQUE) = 0,
		       GROUP_CONCAT(s.COLUMN_NAME ORDER BY s.SEQ_IN_INDEX) AS cols
		FROM information_schema.STATISTICS s
		WHERE s.TABLE_SCHEMA = DATABASE() AND (? = '' OR s.TABLE_NAME = ?)
		GROUP BY s.INDEX_NAME, s.TABLE_NAME
		ORDER BY s.TABLE_NAME, s.INDEX_NAME`
	rows, err := a.db.QueryxContext(ctx, q, table, table)
	if err != nil {
		return nil, mapMySQLError(err)
	}
	defer rows.Close()
	var out []IndexInfo
	for rows.Next() {
		var info IndexInfo
		var cols string
		if err := rows.Scan(&info.Name, &info.Table, &info.Unique, &cols); err != nil {
			return nil, mapMySQLError(err)
		}
		if cols != "" {
			info.Columns = strings.Split(cols, ",")
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (a *mysqlAdapter) ActiveLocks(ctx context.Context) ([]LockInfo, error) {
	q := `
		SELECT COALESCE(OBJECT_NAME, ''), LOCK_MODE, LOCK_STATUS = 'GRANTED'
		FROM performance_schema.data_locks
		WHERE LOCK_TYPE = 'TABLE' OR LOCK_TYPE = 'RECORD'`
	rows, err := a.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, mapMySQLError(err)
	}
	defer rows.Close()
	var out []LockInfo
	for rows.Next() {
		var l LockInfo
		if err := rows.Scan(&l.Relation, &l.Mode, &l.Granted); err != nil {
			return nil, mapMySQLError(err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (a *mysqlAdapter) ExecuteDDL(ctx context.Context, sql string) (ExecResult, error) {
	return executeDDL(ctx, a.db, sql, mapMySQLError)
}

func (a *mysqlAdapter) Measure(ctx context.Context, sql string) (model.PerformanceMetrics, error) {
	return measureRollback(ctx, a.db, sql, mapMySQLError)
}

func (a *mysqlAdapter) Close() error { return a.db.Close() }

func quoteMySQLIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func mapMySQLError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1142, 1227: // access denied
			return fmt.Errorf("%w: %s", model.ErrCapability, myErr.Message)
		case 1146: // table doesn't exist (performance_schema view missing)
			return fmt.Errorf("%w: %s", model.ErrCapability, myErr.Message)
		case 1040, 1203, 2006, 2013: // too many connections, server gone
			return fmt.Errorf("%w: %s", model.ErrUnavailable, myErr.Message)
		}
		return fmt.Errorf("%w: %s (%d)", model.ErrUpstream, myErr.Message, myErr.Number)
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %w", model.ErrUpstream, err)
}
