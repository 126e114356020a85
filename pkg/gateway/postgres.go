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
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/plan"
)

type postgresAdapter struct {
	db     *sqlx.DB
	logger log.Logger
}

// Statement statistics come from pg_stat_statements; pg_stat_statements
// 1.8+ renamed the timing columns to *_exec_time.
const pgTopQueries = `
SELECT queryid::text AS native_id,
       query,
       calls,
       total_exec_time AS total_ms,
       mean_exec_time  AS mean_ms,
       rows
FROM pg_stat_statements
WHERE query NOT ILIKE 'EXPLAIN%' AND calls > 0
ORDER BY mean_exec_time DESC
LIMIT $1`

func (a *postgresAdapter) Test(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return mapPGError(err)
	}
	var n int
	err := a.db.GetContext(ctx, &n, `SELECT 1 FROM pg_extension WHERE extname = 'pg_stat_statements'`)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: pg_stat_statements extension not installed", model.ErrCapability)
	}
	if err != nil {
		return mapPGError(err)
	}
	return nil
}

func (a *postgresAdapter) TopQueries(ctx context.Context, limit int) ([]model.QuerySample, error) {
	rows, err := a.db.QueryxContext(ctx, pgTopQueries, limit)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []model.QuerySample
	for rows.Next() {
		var s model.QuerySample
		if err := rows.Scan(&s.NativeID, &s.SQL, &s.Calls, &s.TotalTimeMS, &s.MeanTimeMS, &s.Rows); err != nil {
			return nil, mapPGError(err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (a *postgresAdapter) Explain(ctx context.Context, sql string, analyze bool) (*plan.Plan, error) {
	stmt := "EXPLAIN (FORMAT JSON) " + sql
	if analyze {
		stmt = "EXPLAIN (ANALYZE, BUFFERS, FORMAT JSON) " + sql
	}
	// Analyze executes the statement, so it always runs in a transaction
	// that is rolled back.
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw []byte
	if err := tx.GetContext(ctx, &raw, stmt); err != nil {
		return nil, mapPGError(err)
	}
	p, err := plan.ParsePostgres(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrUpstream, err)
	}
	return p, nil
}

func (a *postgresAdapter) SchemaDDL(ctx context.Context, tables []string) (string, error) {
	var b strings.Builder
	for _, table := range tables {
		type col struct {
			Name     string  `db:"column_name"`
			Type     string  `db:"data_type"`
			Nullable string  `db:"is_nullable"`
			Default  *string `db:"column_default"`
		}
		var cols []col
		err := a.db.SelectContext(ctx, &cols, `
			SELECT column_name, data_type, is_nullable, column_default
			FROM information_schema.columns
			WHERE table_name = $1 AND table_schema = current_schema()
			ORDER BY ordinal_position`, table)
		if err != nil {
			return "", mapPGError(err)
		}
		if len(cols) == 0 {
			level.Debug(a.logger).Log("msg", "table not found for schema context", "table", table)
			continue
		}
		fmt.Fprintf(&b, "CREATE TABLE %s (\n", table)
		for i, c := range cols {
			fmt.Fprintf(&b, "    %s %s", c.Name, c.Type)
			if c.Nullable == "NO" {
				b.WriteString(" NOT NULL")
			}
			if c.Default != nil {
				fmt.Fprintf(&b, " DEFAULT %s", *c.Default)
			}
			if i < len(cols)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(");\n")

		var defs []string
		err = a.db.SelectContext(ctx, &defs, `
			SELECT indexdef FROM pg_indexes
			WHERE tablename = $1 AND schemaname = current_schema()
			ORDER BY indexname`, table)
		if err != nil {
			return "", mapPGError(err)
		}
		for _, d := range defs {
			b.WriteString(d + ";\n")
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (a *postgresAdapter) TableStats(ctx context.Context, tables []string) (map[string]int64, error) {
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		var rows float64
		err := a.db.GetContext(ctx, &rows, `
			SELECT COALESCE(c.reltuples, 0)
			FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE c.relname = $1 AND n.nspname = current_schema()`, table)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, mapPGError(err)
		}
		if rows < 0 { // never analyzed
			rows = 0
		}
		out[table] = int64(rows)
	}
	return out, nil
}

func (a *postgresAdapter) ListIndexes(ctx context.Context, table string) ([]IndexInfo, error) {
	q := `
		SELECT s.indexrelname AS name,
		       s.relname      AS tbl,
		       i.indisunique  AS uniq,
		       s.idx_scan     AS scans,
		       pg_relation_size(s.indexrelid) AS size_bytes,
		       array_to_string(ARRAY(
		           SELECT a.attname FROM unnest(i.indkey) WITH ORDINALITY k(attnum, ord)
		           JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
		           ORDER BY k.ord), ',') AS cols
		FROM pg_stat_user_indexes s
		JOIN pg_index i ON i.indexrelid = s.indexrelid
		WHERE ($1 = '' OR s.relname = $1)
		ORDER BY s.relname, s.indexrelname`
	rows, err := a.db.QueryxContext(ctx, q, table)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []IndexInfo
	for rows.Next() {
		var info IndexInfo
		var cols string
		if err := rows.Scan(&info.Name, &info.Table, &info.Unique, &info.Scans, &info.SizeBytes, &cols); err != nil {
			return nil, mapPGError(err)
		}
		if cols != "" {
			info.Columns = strings.Split(cols, ",")
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (a *postgresAdapter) ActiveLocks(ctx context.Context) ([]LockInfo, error) {
	q := `
		SELECT COALESCE(c.relname, '') AS relation,
		       l.mode,
		       l.granted,
		       COALESCE(sa.query, '') AS holder_sql
		FROM pg_locks l
		LEFT JOIN pg_class c ON c.oid = l.relation
		LEFT JOIN pg_stat_activity sa ON sa.pid = l.pid
		WHERE l.locktype = 'relation' AND c.relkind = 'r'`
	rows, err := a.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []LockInfo
	for rows.Next() {
		var l LockInfo
		if err := rows.Scan(&l.Relation, &l.Mode, &l.Granted, &l.HolderSQL); err != nil {
			return nil, mapPGError(err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (a *postgresAdapter) ExecuteDDL(ctx context.Context, sql string) (ExecResult, error) {
	return executeDDL(ctx, a.db, sql, mapPGError)
}

func (a *postgresAdapter) Measure(ctx context.Context, sql string) (model.PerformanceMetrics, error) {
	return measureRollback(ctx, a.db, sql, mapPGError)
}

func (a *postgresAdapter) Close() error { return a.db.Close() }

// mapPGError translates driver errors into the shared taxonomy.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01": // undefined_table: the stats view is missing
			return fmt.Errorf("%w: %s", model.ErrCapability, pgErr.Message)
		case "42501": // insufficient_privilege
			return fmt.Errorf("%w: %s", model.ErrCapability, pgErr.Message)
		case "57014": // query_canceled
			return fmt.Errorf("%w: %s", model.ErrUnavailable, pgErr.Message)
		}
		if strings.HasPrefix(pgErr.Code, "08") { // connection exceptions
			return fmt.Errorf("%w: %s", model.ErrUnavailable, pgErr.Message)
		}
		return fmt.Errorf("%w: %s (%s)", model.ErrUpstream, pgErr.Message, pgErr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %w", model.ErrUpstream, err)
}
