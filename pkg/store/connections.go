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
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// CreateConnection persists a new monitored connection. The password must
// already be encrypted by the secret store.
func (s *Store) CreateConnection(ctx context.Context, c *model.Connection) error {
	return retry(ctx, func() error {
		row := s.db.QueryRowxContext(ctx, `
			INSERT INTO connections (name, engine, host, port, database_name, username, encrypted_password, monitoring_enabled)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at`,
			c.Name, c.Engine, c.Host, c.Port, c.Database, c.Username, c.EncryptedPassword, c.MonitoringEnabled)
		return mapError(row.Scan(&c.ID, &c.CreatedAt))
	})
}

// GetConnection returns a non-deleted connection by id.
func (s *Store) GetConnection(ctx context.Context, id int64) (*model.Connection, error) {
	var c model.Connection
	err := retry(ctx, func() error {
		return mapError(s.db.GetContext(ctx, &c, `
			SELECT * FROM connections WHERE id = $1 AND deleted_at IS NULL`, id))
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConnections returns all non-deleted connections ordered by id.
func (s *Store) ListConnections(ctx context.Context) ([]model.Connection, error) {
	conns := []model.Connection{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &conns, `
			SELECT * FROM connections WHERE deleted_at IS NULL ORDER BY id`))
	})
	return conns, err
}

// ListMonitoredConnections returns connections the discovery scheduler polls.
func (s *Store) ListMonitoredConnections(ctx context.Context) ([]model.Connection, error) {
	conns := []model.Connection{}
	err := retry(ctx, func() error {
		return mapError(s.db.SelectContext(ctx, &conns, `
			SELECT * FROM connections
			WHERE deleted_at IS NULL AND monitoring_enabled ORDER BY id`))
	})
	return conns, err
}

// UpdateConnection mutates the operator-editable fields.
func (s *Store) UpdateConnection(ctx context.Context, c *model.Connection) error {
	return retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE connections
			SET name = $2, host = $3, port = $4, database_name = $5,
			    username = $6, encrypted_password = $7, monitoring_enabled = $8
			WHERE id = $1 AND deleted_at IS NULL`,
			c.ID, c.Name, c.Host, c.Port, c.Database, c.Username, c.EncryptedPassword, c.MonitoringEnabled)
		if err != nil {
			return mapError(err)
		}
		return noneUpdatedIsNotFound(res)
	})
}

// DeleteConnection soft-deletes a connection and removes all dependent rows
// in one transaction.
func (s *Store) DeleteConnection(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE connections SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
			id, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := noneUpdatedIsNotFound(res); err != nil {
			return err
		}
		// The FK cascades fire on hard deletes only, so dependent rows are
		// removed explicitly alongside the soft delete.
		for _, q := range []string{
			`DELETE FROM index_recommendations WHERE connection_id = $1`,
			`DELETE FROM workload_samples WHERE connection_id = $1`,
			`DELETE FROM applied_fixes WHERE connection_id = $1`,
			`DELETE FROM feedback WHERE optimization_id IN (SELECT id FROM optimizations WHERE connection_id = $1)`,
			`DELETE FROM optimizations WHERE connection_id = $1`,
			`DELETE FROM reset_events WHERE connection_id = $1`,
			`DELETE FROM queries WHERE connection_id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func noneUpdatedIsNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
