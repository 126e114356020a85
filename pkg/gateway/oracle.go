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
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/plan"
)

type oracleAdapter struct {
	db     *sqlx.DB
	logger log.Logger
}

// elapsed_time in V$SQLAREA is microseconds.
const oracleTopQueries = `
SELECT sql_id,
       sql_fulltext,
       executions,
       elapsed_time / 1000,
       elapsed_time / 1000 / executions,
       rows_processed
FROM (
    SELECT sql_id, sql_fulltext, executions, elapsed_time, rows_processed
    FROM v$sqlarea
    WHERE executions > 0 AND parsing_schema_name = USER
    ORDER BY elapsed_time / executions DESC
)
WHERE ROWNUM <= :1`

func (a *oracleAdapter) Test(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return mapOracleError(err)
	}
	var n int
	if err := a.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM v$sqlarea WHERE ROWNUM <= 1`); err != nil {
		return mapOracleError(err)
	}
	return nil
}

func (a *oracleAdapter) TopQueries(ctx context.Context, limit int) ([]model.QuerySample, error) {
	rows, err := a.db.QueryxContext(ctx, oracleTopQueries, limit)
	if err != nil {
		return nil, mapOracleError(err)
	}
	defer rows.Close()
	var out []model.QuerySample
	for rows.Next() {
		var s model.QuerySample
		if err := rows.Scan(&s.NativeID, &s.SQL, &s.Calls, &s.TotalTimeMS, &s.MeanTimeMS, &s.Rows); err != nil {
			return nil, mapOracleError(err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Explain runs EXPLAIN PLAN FOR under a unique statement id and reads the
// rows back from PLAN_TABLE, cleaning up afterwards.
func (a *oracleAdapter) Explain(ctx context.Context, sqlText string, analyze bool) (*plan.Plan, error) {
	stmtID := strings.ReplaceAll(uuid.NewString(), "-", "")[:30]
	if _, err := a.db.ExecContext(ctx,
		fmt.Sprintf("EXPLAIN PLAN SET STATEMENT_ID = '%s' FOR %s", stmtID, sqlText)); err != nil {
		return nil, mapOracleError(err)
	}
	defer a.db.ExecContext(context.WithoutCancel(ctx),
		"DELETE FROM plan_table WHERE statement_id = :1", stmtID) //nolint:errcheck

	rows, err := a.db.QueryxContext(ctx, `
		SELECT id, parent_id, operation, NVL(options, ''), NVL(object_name, ''),
		       NVL(cardinality, 0), NVL(cost, 0)
		FROM plan_table
		WHERE statement_id = :1
		ORDER BY id`, stmtID)
	if err != nil {
		return nil, mapOracleError(err)
	}
	defer rows.Close()
	var planRows []plan.PlanTableRow
	for rows.Next() {
		var r plan.PlanTableRow
		var parent sql.NullInt64
		if err := rows.Scan(&r.ID, &parent, &r.Operation, &r.Options, &r.ObjectName, &r.Cardinality, &r.Cost); err != nil {
			return nil, mapOracleError(err)
		}
		if parent.Valid {
			p := int(parent.Int64)
			r.ParentID = &p
		}
		planRows = append(planRows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapOracleError(err)
	}

	p, err := plan.ParseOracle(planRows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrUpstream, err)
	}
	if analyze {
		m, err := measureRollback(ctx, a.db, sqlText, mapOracleError)
		if err != nil {
			return nil, err
		}
		p.Analyzed = true
		p.Metrics = m
	}
	return p, nil
}

func (a *oracleAdapter) SchemaDDL(ctx context.Context, tables []string) (string, error) {
	var b strings.Builder
	for _, table := range tables {
		type col struct {
			Name     string `db:"COLUMN_NAME"`
			Type     string `db:"DATA_TYPE"`
			Nullable string `db:"NULLABLE"`
		}
		var cols []col
		err := a.db.SelectContext(ctx, &cols, `
			SELECT column_name, data_type, nullable
			FROM all_tab_columns
			WHERE table_name = UPPER(:1) AND owner = USER
			ORDER BY column_id`, table)
		if err != nil {
			return "", mapOracleError(err)
		}
		if len(cols) == 0 {
			continue
		}
		fmt.Fprintf(&b, "CREATE TABLE %s (\n", strings.ToUpper(table))
		for i, c := range cols {
			fmt.Fprintf(&b, "    %s %s", c.Name, c.Type)
			if c.Nullable == "N" {
				b.WriteString(" NOT NULL")
			}
			if i < len(cols)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(");\n\n")
	}
	return b.String(), nil
}

func (a *oracleAdapter) TableStats(ctx context.Context, tables []string) (map[string]int64, error) {
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		var rows int64
		err := a.db.GetContext(ctx, &rows, `
			SELECT NVL(num_rows, 0) FROM all_tables
			WHERE table_name = UPPER(:1) AND owner = USER`, table)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, mapOracleError(err)
		}
		out[strings.ToLower(table)] = rows
	}
	return out, nil
}

func (a *oracleAdapter) ListIndexes(ctx context.Context, table string) ([]IndexInfo, error) {
	q := `
		SELECT i.index_name, i.table_name,
		       CASE i.uniqueness WHEN 'UNIQUE' THEN 1 ELSE 0 END,
		       LISTAGG(c.column_name, ',') WITHIN GROUP (ORDER BY c.column_position)
		FROM all_indexes i
		JOIN all_ind_columns c
		  ON c.index_name = i.index_name AND c.index_owner = i.owner
		WHERE i.owner = USER AND (:1 IS NULL OR i.table_name = UPPER(:2))
		GROUP BY i.index_name, i.table_name, i.uniqueness
		ORDER BY i.table_name, i.index_name`
	arg := sql.NullString{String: table, Valid: table != ""}
	rows, err := a.db.QueryxContext(ctx, q, arg, table)
	if err != nil {
		return nil, mapOracleError(err)
	}
	defer rows.Close()
	var out []IndexInfo
	for rows.Next() {
		var info IndexInfo
		var cols string
		if err := rows.Scan(&info.Name, &info.Table, &info.Unique, &cols); err != nil {
			return nil, mapOracleError(err)
		}
		info.Name = strings.ToLower(info.Name)
		info.Table = strings.ToLower(info.Table)
		if cols != "" {
			info.Columns = strings.Split(strings.ToLower(cols), ",")
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (a *oracleAdapter) ActiveLocks(ctx context.Context) ([]LockInfo, error) {
	q := `
		SELECT NVL(o.object_name, ''),
		       DECODE(l.locked_mode, 2, 'ROW SHARE', 3, 'ROW EXCLUSIVE',
		              4, 'SHARE', 5, 'SHARE ROW EXCLUSIVE', 6, 'EXCLUSIVE', 'OTHER'),
		       1
		FROM v$locked_object l
		JOIN all_objects o ON o.object_id = l.object_id`
	rows, err := a.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, mapOracleError(err)
	}
	defer rows.Close()
	var out []LockInfo
	for rows.Next() {
		var l LockInfo
		var granted int
		if err := rows.Scan(&l.Relation, &l.Mode, &granted); err != nil {
			return nil, mapOracleError(err)
		}
		l.Relation = strings.ToLower(l.Relation)
		l.Granted = granted == 1
		out = append(out, l)
	}
	return out, rows.Err()
}

func (a *oracleAdapter) ExecuteDDL(ctx context.Context, sql string) (ExecResult, error) {
	return executeDDL(ctx, a.db, sql, mapOracleError)
}

func (a *oracleAdapter) Measure(ctx context.Context, sql string) (model.PerformanceMetrics, error) {
	return measureRollback(ctx, a.db, sql, mapOracleError)
}

func (a *oracleAdapter) Close() error { return a.db.Close() }

// The go-ora driver surfaces server errors as plain text; classification
// falls back on the ORA- codes in the message.
func mapOracleError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ORA-00942"), // table or view does not exist
		strings.Contains(msg, "ORA-01031"): // insufficient privileges
		return fmt.Errorf("%w: %s", model.ErrCapability, msg)
	case strings.Contains(msg, "ORA-00018"), // max sessions exceeded
		strings.Contains(msg, "ORA-12170"), // connect timeout
		strings.Contains(msg, "ORA-03113"), // end-of-file on channel
		strings.Contains(msg, "ORA-03114"): // not connected
		return fmt.Errorf("%w: %s", model.ErrUnavailable, msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %w", model.ErrUpstream, err)
}
