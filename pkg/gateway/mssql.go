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
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/plan"
)

type mssqlAdapter struct {
	db     *sqlx.DB
	logger log.Logger
}

const mssqlTopQueries = `
SELECT TOP (@p1)
       CONVERT(varchar(64), qs.query_hash, 1)                 AS native_id,
       SUBSTRING(st.text, (qs.statement_start_offset/2)+1,
           ((CASE qs.statement_end_offset WHEN -1 THEN DATALENGTH(st.text)
             ELSE qs.statement_end_offset END - qs.statement_start_offset)/2)+1) AS query,
       qs.execution_count                                     AS calls,
       qs.total_elapsed_time / 1000.0                         AS total_ms,
       qs.total_elapsed_time / 1000.0 / qs.execution_count    AS mean_ms,
       qs.total_rows                                          AS total_rows
FROM sys.dm_exec_query_stats qs
CROSS APPLY sys.dm_exec_sql_text(qs.sql_handle) st
WHERE qs.execution_count > 0
ORDER BY qs.total_elapsed_time / qs.execution_count DESC`

func (a *mssqlAdapter) Test(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return mapMSSQLError(err)
	}
	var n int
	if err := a.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sys.dm_exec_query_stats`); err != nil {
		return mapMSSQLError(err)
	}
	return nil
}

func (a *mssqlAdapter) TopQueries(ctx context.Context, limit int) ([]model.QuerySample, error) {
	rows, err := a.db.QueryxContext(ctx, mssqlTopQueries, limit)
	if err != nil {
		return nil, mapMSSQLError(err)
	}
	defer rows.Close()
	var out []model.QuerySample
	for rows.Next() {
		var s model.QuerySample
		if err := rows.Scan(&s.NativeID, &s.SQL, &s.Calls, &s.TotalTimeMS, &s.MeanTimeMS, &s.Rows); err != nil {
			return nil, mapMSSQLError(err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Explain reads the estimated plan through SET SHOWPLAN_ALL, which must be
// toggled on a dedicated session. The statement itself is never executed
// while showplan is on.
func (a *mssqlAdapter) Explain(ctx context.Context, sqlText string, analyze bool) (*plan.Plan, error) {
	conn, err := a.db.Connx(ctx)
	if err != nil {
		return nil, mapMSSQLError(err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SET SHOWPLAN_ALL ON"); err != nil {
		return nil, mapMSSQLError(err)
	}
	rows, err := conn.QueryxContext(ctx, sqlText)
	if err != nil {
		conn.ExecContext(ctx, "SET SHOWPLAN_ALL OFF") //nolint:errcheck
		return nil, mapMSSQLError(err)
	}
	var planRows []plan.ShowplanRow
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			rows.Close()
			conn.ExecContext(ctx, "SET SHOWPLAN_ALL OFF") //nolint:errcheck
			return nil, mapMSSQLError(err)
		}
		planRows = append(planRows, plan.ShowplanRow{
			StmtText:     asString(m["StmtText"]),
			NodeID:       int(asInt(m["NodeId"])),
			Parent:       int(asInt(m["Parent"])),
			PhysicalOp:   asString(m["PhysicalOp"]),
			LogicalOp:    asString(m["LogicalOp"]),
			Argument:     asString(m["Argument"]),
			EstimateRows: asFloat(m["EstimateRows"]),
			TotalSubtree: asFloat(m["TotalSubtreeCost"]),
		})
	}
	scanErr := rows.Err()
	rows.Close()
	if _, err := conn.ExecContext(ctx, "SET SHOWPLAN_ALL OFF"); err != nil {
		return nil, mapMSSQLError(err)
	}
	if scanErr != nil {
		return nil, mapMSSQLError(scanErr)
	}

	p, err := plan.ParseMSSQL(planRows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrUpstream, err)
	}
	if analyze {
		m, err := measureRollback(ctx, a.db, sqlText, mapMSSQLError)
		if err != nil {
			return nil, err
		}
		p.Analyzed = true
		p.Metrics = m
	}
	return p, nil
}

func (a *mssqlAdapter) SchemaDDL(ctx context.Context, tables []string) (string, error) {
	var b strings.Builder
	for _, table := range tables {
		type col struct {
			Name     string `db:"COLUMN_NAME"`
			Type     string `db:"DATA_TYPE"`
			Nullable string `db:"IS_NULLABLE"`
		}
		var cols []col
		err := a.db.SelectContext(ctx, &cols, `
			SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE
			FROM INFORMATION_SCHEMA.COLUMNS
			WHERE TABLE_NAME = @p1
			ORDER BY ORDINAL_POSITION`, table)
		if err != nil {
			return "", mapMSSQLError(err)
		}
		if len(cols) == 0 {
			continue
		}
		fmt.Fprintf(&b, "CREATE TABLE %s (\n", table)
		for i, c := range cols {
			fmt.Fprintf(&b, "    %s %s", c.Name, c.Type)
			if c.Nullable == "NO" {
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

func (a *mssqlAdapter) TableStats(ctx context.Context, tables []string) (map[string]int64, error) {
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		var rows int64
		err := a.db.GetContext(ctx, &rows, `
			SELECT SUM(p.rows) FROM sys.partitions p
			JOIN sys.tables t ON t.object_id = p.object_id
			WHERE t.name = @p1 AND p.index_id IN (0, 1)`, table)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, mapMSSQLError(err)
		}
		out[table] = rows
	}
	return out, nil
}

func (a *mssqlAdapter) ListIndexes(ctx context.Context, table string) ([]IndexInfo, error) {
	q := `
		SELECT i.name, t.name AS tbl, i.is_unique,
		       COALESCE(us.user_seeks + us.user_scans + us.user_lookups, 0) AS scans,
		       STRING_AGG(c.name, ',') WITHIN GROUP (ORDER BY ic.key_ordinal) AS cols
		FROM sys.indexes i
		JOIN sys.tables t ON t.object_id = i.object_id
		JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
		JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
		LEFT JOIN sys.dm_db_index_usage_stats us
		       ON us.object_id = i.object_id AND us.index_id = i.index_id
		      AND us.database_id = DB_ID()
		WHERE i.name IS NOT NULL AND (@p1 = '' OR t.name = @p1)
		GROUP BY i.name, t.name, i.is_unique, us.user_seeks, us.user_scans, us.user_lookups
		ORDER BY t.name, i.name`
	rows, err := a.db.QueryxContext(ctx, q, table)
	if err != nil {
		return nil, mapMSSQLError(err)
	}
	defer rows.Close()
	var out []IndexInfo
	for rows.Next() {
		var info IndexInfo
		var cols string
		if err := rows.Scan(&info.Name, &info.Table, &info.Unique, &info.Scans, &cols); err != nil {
			return nil, mapMSSQLError(err)
		}
		if cols != "" {
			info.Columns = strings.Split(cols, ",")
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (a *mssqlAdapter) ActiveLocks(ctx context.Context) ([]LockInfo, error) {
	q := `
		SELECT COALESCE(OBJECT_NAME(l.resource_associated_entity_id), ''),
		       l.request_mode,
		       CASE l.request_status WHEN 'GRANT' THEN 1 ELSE 0 END
		FROM sys.dm_tran_locks l
		WHERE l.resource_type = 'OBJECT'`
	rows, err := a.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, mapMSSQLError(err)
	}
	defer rows.Close()
	var out []LockInfo
	for rows.Next() {
		var l LockInfo
		if err := rows.Scan(&l.Relation, &l.Mode, &l.Granted); err != nil {
			return nil, mapMSSQLError(err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (a *mssqlAdapter) ExecuteDDL(ctx context.Context, sql string) (ExecResult, error) {
	return executeDDL(ctx, a.db, sql, mapMSSQLError)
}

func (a *mssqlAdapter) Measure(ctx context.Context, sql string) (model.PerformanceMetrics, error) {
	return measureRollback(ctx, a.db, sql, mapMSSQLError)
}

func (a *mssqlAdapter) Close() error { return a.db.Close() }

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func mapMSSQLError(err error) error {
	if err == nil {
		return nil
	}
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Number {
		case 229, 297, 300: // permission denied on object / VIEW SERVER STATE
			return fmt.Errorf("%w: %s", model.ErrCapability, sqlErr.Message)
		case 208: // invalid object name
			return fmt.Errorf("%w: %s", model.ErrCapability, sqlErr.Message)
		case 1205: // deadlock victim
			return fmt.Errorf("%w: %s", model.ErrUnavailable, sqlErr.Message)
		}
		return fmt.Errorf("%w: %s (%d)", model.ErrUpstream, sqlErr.Message, sqlErr.Number)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %w", model.ErrUpstream, err)
}
