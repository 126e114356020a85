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

// Package gateway talks to the monitored target databases. One Adapter per
// engine hides catalog differences behind a uniform surface; the Pool keys
// adapters by connection id and quarantines failing targets behind a
// circuit breaker.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"

	// Target drivers. The mysql and sqlserver drivers register through the
	// adapter imports; these two are referenced only by name.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/sijms/go-ora/v2"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/plan"
)

// ExecResult reports a completed DDL/DML execution on a target.
type ExecResult struct {
	Duration     time.Duration
	RowsAffected int64
}

// IndexInfo is one index on a monitored table, with usage counters where
// the engine exposes them.
type IndexInfo struct {
	Name      string   `json:"name"`
	Table     string   `json:"table"`
	Columns   []string `json:"columns"`
	Unique    bool     `json:"unique"`
	SizeBytes int64    `json:"size_bytes,omitempty"`
	// Scans is how often the index served a read since stats reset.
	Scans int64 `json:"scans"`
}

// LockInfo describes one lock currently held or awaited on the target.
type LockInfo struct {
	Relation string `json:"relation"`
	Mode     string `json:"mode"`
	Granted  bool   `json:"granted"`
	// HolderSQL is the statement of the session holding or waiting.
	HolderSQL string `json:"holder_sql,omitempty"`
}

// Adapter is the per-engine capability surface. Every method takes a
// context; blocking work is bounded by it. Methods return
// model.ErrCapability (wrapped) when the target lacks the required
// performance view or privilege.
type Adapter interface {
	// Test verifies connectivity and the monitoring prerequisites.
	Test(ctx context.Context) error
	// TopQueries reads the engine's statement statistics catalog, worst
	// mean time first. Counters are lifetime totals.
	TopQueries(ctx context.Context, limit int) ([]model.QuerySample, error)
	// Explain returns the normalized plan for sql. With analyze the
	// statement is executed inside a transaction that is always rolled
	// back, so actual row counts never leave side effects.
	Explain(ctx context.Context, sql string, analyze bool) (*plan.Plan, error)
	// SchemaDDL renders the definitions of the named tables for prompt
	// context. Callers pass the tables the statement references; an empty
	// list yields an empty result.
	SchemaDDL(ctx context.Context, tables []string) (string, error)
	// TableStats returns approximate row counts for the named tables.
	TableStats(ctx context.Context, tables []string) (map[string]int64, error)
	// ListIndexes enumerates indexes, optionally restricted to one table.
	ListIndexes(ctx context.Context, table string) ([]IndexInfo, error)
	// ActiveLocks snapshots locks currently held or awaited.
	ActiveLocks(ctx context.Context) ([]LockInfo, error)
	// ExecuteDDL runs a schema or data change and reports timing.
	ExecuteDDL(ctx context.Context, sql string) (ExecResult, error)
	// Measure executes sql inside a transaction that is rolled back and
	// returns wall-clock metrics. Used by validation.
	Measure(ctx context.Context, sql string) (model.PerformanceMetrics, error)
	Close() error
}

// Open dials a target and returns its engine adapter. The pool owns the
// returned adapter; tests construct adapters directly over mock handles.
func Open(creds model.DecryptedCredentials, logger log.Logger) (Adapter, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	driver, dsn, err := buildDSN(creds)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s target: %w", model.ErrUnavailable, creds.Engine, err)
	}
	// Targets are production databases; keep the footprint small.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return newAdapter(creds.Engine, db, logger), nil
}

func newAdapter(engine model.Engine, db *sqlx.DB, logger log.Logger) Adapter {
	switch engine {
	case model.EngineMySQL:
		return &mysqlAdapter{db: db, logger: logger}
	case model.EngineMSSQL:
		return &mssqlAdapter{db: db, logger: logger}
	case model.EngineOracle:
		return &oracleAdapter{db: db, logger: logger}
	default:
		return &postgresAdapter{db: db, logger: logger}
	}
}

func buildDSN(c model.DecryptedCredentials) (driver, dsn string, err error) {
	switch c.Engine {
	case model.EnginePostgres:
		return "pgx", fmt.Sprintf(
			"host=%s port=%d dbname=%s user=%s password=%s sslmode=prefer connect_timeout=10",
			c.Host, c.Port, c.Database, c.Username, c.Password), nil
	case model.EngineMySQL:
		return "mysql", fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=10s",
			c.Username, c.Password, c.Host, c.Port, c.Database), nil
	case model.EngineMSSQL:
		return "sqlserver", fmt.Sprintf(
			"sqlserver://%s:%s@%s:%d?database=%s&dial+timeout=10",
			c.Username, c.Password, c.Host, c.Port, c.Database), nil
	case model.EngineOracle:
		return "oracle", fmt.Sprintf(
			"oracle://%s:%s@%s:%d/%s",
			c.Username, c.Password, c.Host, c.Port, c.Database), nil
	}
	return "", "", fmt.Errorf("%w: unsupported engine %q", model.ErrInput, c.Engine)
}

// measureRollback is the shared Measure implementation: run the statement
// in a transaction, drain the rows, roll back.
func measureRollback(ctx context.Context, db *sqlx.DB, sql string, mapErr func(error) error) (model.PerformanceMetrics, error) {
	var m model.PerformanceMetrics
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return m, mapErr(err)
	}
	defer tx.Rollback() //nolint:errcheck

	start := time.Now()
	rows, err := tx.QueryContext(ctx, sql)
	if err != nil {
		return m, mapErr(err)
	}
	var count int64
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return m, mapErr(err)
	}
	rows.Close()
	m.ExecutionTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
	m.RowsReturned = count
	return m, nil
}

func executeDDL(ctx context.Context, db *sqlx.DB, sql string, mapErr func(error) error) (ExecResult, error) {
	start := time.Now()
	res, err := db.ExecContext(ctx, sql)
	if err != nil {
		return ExecResult{}, mapErr(err)
	}
	affected, _ := res.RowsAffected()
	return ExecResult{Duration: time.Since(start), RowsAffected: affected}, nil
}
