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

// Package store implements the observability store, the durable system of
// record for connections, discovered queries, optimizations, fixes,
// feedback, patterns, workload samples and index recommendations. It is
// the only shared mutable resource between engine components.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/dbpulse/dbpulse/pkg/model"

	// PostgreSQL driver for the observability store.
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the sqlx-backed repository. All methods are safe for concurrent
// use; cross-row consistency is provided per method via transactions.
type Store struct {
	db     *sqlx.DB
	logger log.Logger
}

// Options for opening a store.
type Options struct {
	// DSN of the backing PostgreSQL database.
	DSN string
	// MaxOpenConns bounds the store's own connection pool.
	MaxOpenConns int
}

// Open connects to the backing database, applies pending migrations and
// returns a ready store.
func Open(ctx context.Context, logger log.Logger, opts Options) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	db, err := sqlx.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping store database: %w", mapError(err))
	}
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("apply store migrations: %w", err)
	}
	level.Info(logger).Log("msg", "observability store ready")
	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing database handle. Used by tests.
func NewWithDB(db *sql.DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// mapError converts driver errors into the engine's error kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", model.ErrConflict, pgErr.Message)
		case "23503", "23514": // foreign_key, check
			return fmt.Errorf("%w: %s", model.ErrConflict, pgErr.Message)
		case "40001", "40P01": // serialization, deadlock
			return fmt.Errorf("%w: %s", model.ErrUnavailable, pgErr.Message)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %s", model.ErrUnavailable, err)
	}
	return err
}

// retry runs fn up to three times with exponential backoff, retrying only
// ErrUnavailable.
func retry(ctx context.Context, fn func() error) error {
	const attempts = 3
	backoff := 100 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !model.Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			level.Warn(s.logger).Log("msg", "transaction rollback failed", "err", rbErr)
		}
		return mapError(err)
	}
	return mapError(tx.Commit())
}

// lockOptimization takes the per-optimization advisory lock for the
// duration of the transaction. Two writers never race on one optimization.
func lockOptimization(ctx context.Context, tx *sqlx.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, id)
	return err
}
