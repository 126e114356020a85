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

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// ConnectionService manages target database registrations. Passwords
// enter as plaintext exactly once, here, and leave as ciphertext.
type ConnectionService struct {
	opts   Opts
	logger log.Logger
}

// ConnectionRequest carries the fields to register or update a target.
type ConnectionRequest struct {
	Name              string `json:"name"`
	Engine            string `json:"engine"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Database          string `json:"database"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	MonitoringEnabled bool   `json:"monitoring_enabled"`
}

// TestResult reports a connectivity check.
type TestResult struct {
	OK        bool          `json:"ok"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Create registers a target after a successful connectivity test. The
// password is encrypted before the row is written; a target that cannot
// be reached is never persisted.
func (s *ConnectionService) Create(ctx context.Context, req ConnectionRequest) (*model.Connection, error) {
	engine, err := model.ParseEngine(req.Engine)
	if err != nil {
		return nil, err
	}
	if req.Name == "" || req.Host == "" || req.Database == "" {
		return nil, fmt.Errorf("%w: name, host and database are required", model.ErrInput)
	}

	creds := model.DecryptedCredentials{
		Engine: engine, Host: req.Host, Port: req.Port,
		Database: req.Database, Username: req.Username, Password: req.Password,
	}
	if res := s.test(ctx, creds); !res.OK {
		return nil, fmt.Errorf("%w: connectivity test failed: %s", model.ErrUnavailable, res.Message)
	}

	encrypted, err := s.opts.Secrets.Encrypt(req.Password)
	if err != nil {
		return nil, err
	}
	conn := &model.Connection{
		Name:              req.Name,
		Engine:            engine,
		Host:              req.Host,
		Port:              req.Port,
		Database:          req.Database,
		Username:          req.Username,
		EncryptedPassword: encrypted,
		MonitoringEnabled: req.MonitoringEnabled,
	}
	if err := s.opts.Store.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}
	level.Info(s.logger).Log("msg", "connection created", "name", conn.Name, "engine", conn.Engine)
	return conn, nil
}

// List returns all registered connections.
func (s *ConnectionService) List(ctx context.Context) ([]model.Connection, error) {
	return s.opts.Store.ListConnections(ctx)
}

// Get returns one connection by id.
func (s *ConnectionService) Get(ctx context.Context, id int64) (*model.Connection, error) {
	return s.opts.Store.GetConnection(ctx, id)
}

// Update modifies a connection. An empty password keeps the stored
// ciphertext; a non-empty one is re-encrypted. The pooled adapter is
// evicted so the next use dials with the new settings.
func (s *ConnectionService) Update(ctx context.Context, id int64, req ConnectionRequest) (*model.Connection, error) {
	conn, err := s.opts.Store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Engine != "" {
		engine, err := model.ParseEngine(req.Engine)
		if err != nil {
			return nil, err
		}
		conn.Engine = engine
	}
	if req.Name != "" {
		conn.Name = req.Name
	}
	if req.Host != "" {
		conn.Host = req.Host
	}
	if req.Port != 0 {
		conn.Port = req.Port
	}
	if req.Database != "" {
		conn.Database = req.Database
	}
	if req.Username != "" {
		conn.Username = req.Username
	}
	if req.Password != "" {
		encrypted, err := s.opts.Secrets.Encrypt(req.Password)
		if err != nil {
			return nil, err
		}
		conn.EncryptedPassword = encrypted
	}
	conn.MonitoringEnabled = req.MonitoringEnabled

	if err := s.opts.Store.UpdateConnection(ctx, conn); err != nil {
		return nil, err
	}
	s.opts.Targets.Evict(id)
	return conn, nil
}

// Delete soft-deletes a connection and evicts its pooled adapter.
func (s *ConnectionService) Delete(ctx context.Context, id int64) error {
	if err := s.opts.Store.DeleteConnection(ctx, id); err != nil {
		return err
	}
	s.opts.Targets.Evict(id)
	level.Info(s.logger).Log("msg", "connection deleted", "id", id)
	return nil
}

// Test checks connectivity of a registered connection.
func (s *ConnectionService) Test(ctx context.Context, id int64) (*TestResult, error) {
	conn, err := s.opts.Store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	password, err := s.opts.Secrets.Decrypt(conn.EncryptedPassword)
	if err != nil {
		return nil, err
	}
	res := s.test(ctx, model.DecryptedCredentials{
		Engine: conn.Engine, Host: conn.Host, Port: conn.Port,
		Database: conn.Database, Username: conn.Username, Password: password,
	})
	return &res, nil
}

func (s *ConnectionService) test(ctx context.Context, creds model.DecryptedCredentials) TestResult {
	start := s.opts.now()
	res := TestResult{CheckedAt: start}
	a, err := s.opts.Dialer(creds, s.logger)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	defer a.Close()

	if err := a.Test(ctx); err != nil {
		res.Latency = s.opts.now().Sub(start)
		res.Message = err.Error()
		return res
	}
	res.OK = true
	res.Latency = s.opts.now().Sub(start)
	return res
}
