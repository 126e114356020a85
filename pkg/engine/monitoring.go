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
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// MonitoringService controls the discovery loop's lifecycle.
type MonitoringService struct {
	opts   Opts
	logger log.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// MonitoringStatus is the monitoring state snapshot.
type MonitoringStatus struct {
	Running                   bool       `json:"running"`
	LastPollTime              *time.Time `json:"last_poll_time,omitempty"`
	NextPollTime              *time.Time `json:"next_poll_time,omitempty"`
	QueriesDiscoveredLifetime int64      `json:"queries_discovered_lifetime"`
	ActiveConnections         int        `json:"active_connections"`
}

// Start launches the discovery loop. Starting twice is a conflict.
func (s *MonitoringService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%w: monitoring already running", model.ErrConflict)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.running = true

	go func() {
		defer close(done)
		if err := s.opts.Discoverer.Run(runCtx); err != nil && runCtx.Err() == nil {
			level.Error(s.logger).Log("msg", "discovery loop exited", "err", err)
		}
	}()
	level.Info(s.logger).Log("msg", "monitoring started")
	return nil
}

// Stop cancels the discovery loop and waits for it to drain.
func (s *MonitoringService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("%w: monitoring not running", model.ErrConflict)
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.running = false
	level.Info(s.logger).Log("msg", "monitoring stopped")
	return nil
}

// Trigger polls one connection immediately, or every monitored
// connection when connectionID is nil.
func (s *MonitoringService) Trigger(ctx context.Context, connectionID *int64) error {
	if connectionID != nil {
		return s.opts.Discoverer.Trigger(ctx, *connectionID)
	}
	conns, err := s.opts.Store.ListMonitoredConnections(ctx)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if err := s.opts.Discoverer.Trigger(ctx, conn.ID); err != nil {
			return err
		}
	}
	return nil
}

// Status reports the monitoring snapshot. Read paths never fail on an
// empty system; store errors still surface.
func (s *MonitoringService) Status(ctx context.Context) (*MonitoringStatus, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	st := &MonitoringStatus{Running: running}
	if last := s.opts.Discoverer.LastSweep(); !last.IsZero() {
		st.LastPollTime = &last
		if running {
			next := last.Add(time.Duration(s.opts.Config.Discovery.IntervalSeconds) * time.Second)
			st.NextPollTime = &next
		}
	}

	total, err := s.opts.Store.CountQueries(ctx)
	if err != nil {
		return nil, err
	}
	st.QueriesDiscoveredLifetime = total

	conns, err := s.opts.Store.ListMonitoredConnections(ctx)
	if err != nil {
		return nil, err
	}
	st.ActiveConnections = len(conns)
	return st, nil
}
