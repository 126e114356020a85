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

// Package discovery polls the performance catalogs of every monitored
// connection on a fixed cadence, normalizes what it finds, and folds the
// samples into the observability store. A bounded queue feeds a worker
// pool; when the queue is full the oldest job is dropped and the affected
// connection's workload bucket is marked degraded.
package discovery

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/dbpulse/dbpulse/pkg/config"
	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/sqlnorm"
)

// Store is the slice of the observability store discovery writes to.
type Store interface {
	ListMonitoredConnections(ctx context.Context) ([]model.Connection, error)
	GetConnection(ctx context.Context, id int64) (*model.Connection, error)
	UpsertQuery(ctx context.Context, connectionID int64, fingerprint string, sample model.QuerySample, normalized string, now time.Time) (*model.DiscoveredQuery, error)
	UpsertWorkloadSample(ctx context.Context, ws *model.WorkloadSample) error
}

// Targets is the slice of the gateway pool discovery reads through.
type Targets interface {
	Do(conn model.Connection, fn func(gateway.Adapter) error) error
}

// Opts configures a Discoverer.
type Opts struct {
	Logger  log.Logger
	Store   Store
	Targets Targets
	Config  config.DiscoveryConfig
	// SlowThresholdMS classifies a sampled query as slow in workload
	// roll-ups. Defaults to 100ms.
	SlowThresholdMS float64
	Metrics         *Metrics
	// now is swapped in tests.
	now func() time.Time
}

// Discoverer runs the polling loop.
type Discoverer struct {
	opts    Opts
	logger  log.Logger
	queue   chan model.Connection
	workers int

	mu       sync.Mutex
	inflight map[int64]bool
	// degraded marks connections whose queued poll was dropped; the next
	// workload bucket for each carries the flag.
	degraded  map[int64]bool
	lastSweep time.Time
}

// LastSweep reports when the scheduler last swept the monitored
// connections. Zero until the first sweep.
func (d *Discoverer) LastSweep() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSweep
}

// New validates opts and builds a Discoverer.
func New(opts Opts) *Discoverer {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.SlowThresholdMS <= 0 {
		opts.SlowThresholdMS = 100
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	workers := opts.Config.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > 8 {
			workers = 8
		}
	}
	queueSize := opts.Config.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Discoverer{
		opts:     opts,
		logger:   opts.Logger,
		queue:    make(chan model.Connection, queueSize),
		workers:  workers,
		inflight: map[int64]bool{},
		degraded: map[int64]bool{},
	}
}

// Run drives the scheduler and worker pool until ctx is done.
func (d *Discoverer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error { return d.worker(ctx) })
	}
	g.Go(func() error { return d.schedule(ctx) })
	return g.Wait()
}

func (d *Discoverer) schedule(ctx context.Context) error {
	interval := time.Duration(d.opts.Config.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First sweep immediately so a fresh process has data before the
	// first full interval elapses.
	d.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Discoverer) sweep(ctx context.Context) {
	d.mu.Lock()
	d.lastSweep = d.opts.now()
	d.mu.Unlock()

	conns, err := d.opts.Store.ListMonitoredConnections(ctx)
	if err != nil {
		level.Warn(d.logger).Log("msg", "listing monitored connections", "err", err)
		return
	}
	for _, conn := range conns {
		d.enqueue(conn)
	}
	d.opts.Metrics.queueDepth.Set(float64(len(d.queue)))
}

// enqueue adds a job, dropping the oldest queued job when full. At most
// one job per connection is in flight or queued.
func (d *Discoverer) enqueue(conn model.Connection) {
	d.mu.Lock()
	if d.inflight[conn.ID] {
		d.mu.Unlock()
		return
	}
	d.inflight[conn.ID] = true
	d.mu.Unlock()

	for {
		select {
		case d.queue <- conn:
			return
		default:
		}
		select {
		case dropped := <-d.queue:
			d.opts.Metrics.jobsDropped.Inc()
			level.Warn(d.logger).Log("msg", "poll queue full, dropping oldest job",
				"dropped_connection", dropped.Name)
			// The dropped connection's next workload bucket is recorded as
			// degraded so the gap is visible in the roll-ups.
			d.mu.Lock()
			delete(d.inflight, dropped.ID)
			d.degraded[dropped.ID] = true
			d.mu.Unlock()
		default:
		}
	}
}

// Trigger polls one connection immediately, e.g. from the API, and
// returns once the poll has run. A poll already in flight for the
// connection is a conflict.
func (d *Discoverer) Trigger(ctx context.Context, connectionID int64) error {
	conn, err := d.opts.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.inflight[conn.ID] {
		d.mu.Unlock()
		return fmt.Errorf("%w: a poll of connection %d is already in flight", model.ErrConflict, conn.ID)
	}
	d.inflight[conn.ID] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, conn.ID)
		d.mu.Unlock()
	}()
	return d.poll(ctx, *conn)
}

func (d *Discoverer) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case conn := <-d.queue:
			_ = d.poll(ctx, conn)
			d.mu.Lock()
			delete(d.inflight, conn.ID)
			d.mu.Unlock()
		}
	}
}

func (d *Discoverer) poll(ctx context.Context, conn model.Connection) error {
	start := d.opts.now()
	logger := log.With(d.logger, "connection", conn.Name, "engine", conn.Engine)

	var samples []model.QuerySample
	err := d.opts.Targets.Do(conn, func(a gateway.Adapter) error {
		var err error
		samples, err = a.TopQueries(ctx, d.opts.Config.MaxQueriesPerPoll)
		return err
	})
	if err != nil {
		d.opts.Metrics.pollsTotal.WithLabelValues("error").Inc()
		level.Warn(logger).Log("msg", "polling performance catalog", "err", err)
		return err
	}

	discovered := 0
	kept := make([]model.QuerySample, 0, len(samples))
	for _, s := range samples {
		normalized := sqlnorm.Normalize(s.SQL)
		if normalized == "" {
			// Comment-only or empty text carries no workload signal.
			continue
		}
		kept = append(kept, s)
		fp := sqlnorm.Fingerprint(normalized)
		if _, err := d.opts.Store.UpsertQuery(ctx, conn.ID, fp, s, normalized, d.opts.now()); err != nil {
			level.Warn(logger).Log("msg", "recording discovered query", "fingerprint", fp, "err", err)
			continue
		}
		discovered++
	}

	d.mu.Lock()
	degraded := d.degraded[conn.ID]
	delete(d.degraded, conn.ID)
	d.mu.Unlock()

	ws := d.rollup(conn.ID, kept)
	ws.Degraded = degraded
	if err := d.opts.Store.UpsertWorkloadSample(ctx, ws); err != nil {
		level.Warn(logger).Log("msg", "recording workload sample", "err", err)
	}

	d.opts.Metrics.pollsTotal.WithLabelValues("ok").Inc()
	d.opts.Metrics.queriesDiscovered.Add(float64(discovered))
	d.opts.Metrics.pollDuration.Observe(time.Since(start).Seconds())
	level.Debug(logger).Log("msg", "poll complete", "queries", discovered,
		"class", ws.Class, "duration", time.Since(start))
	return nil
}

// rollup folds one poll's samples into the connection's workload bucket.
func (d *Discoverer) rollup(connectionID int64, samples []model.QuerySample) *model.WorkloadSample {
	ws := &model.WorkloadSample{
		ConnectionID: connectionID,
		BucketStart:  d.opts.now().UTC().Truncate(time.Hour),
	}
	var reads, writes int64
	var readTimeMS, totalTimeMS float64
	for _, s := range samples {
		ws.TotalQueries += s.Calls
		totalTimeMS += s.TotalTimeMS
		if s.MeanTimeMS > d.opts.SlowThresholdMS {
			ws.SlowQueries += s.Calls
		}
		switch sqlnorm.Classify(s.SQL) {
		case sqlnorm.StmtSelect:
			reads += s.Calls
			readTimeMS += s.TotalTimeMS
		case sqlnorm.StmtInsert, sqlnorm.StmtUpdate, sqlnorm.StmtDelete:
			writes += s.Calls
		}
	}
	if ws.TotalQueries > 0 {
		ws.MeanTimeMS = totalTimeMS / float64(ws.TotalQueries)
	}
	ws.Class = inferClass(reads, writes, ws.MeanTimeMS)
	return ws
}

// inferClass labels traffic by its read/write mix and latency shape:
// write-heavy or fast lookup traffic is OLTP, slow read-dominated traffic
// is OLAP, the rest is mixed.
func inferClass(reads, writes int64, meanMS float64) model.WorkloadClass {
	total := reads + writes
	if total == 0 {
		return model.WorkloadMixed
	}
	readRatio := float64(reads) / float64(total)
	switch {
	case readRatio >= 0.9 && meanMS > 250:
		return model.WorkloadOLAP
	case readRatio <= 0.6 || meanMS < 50:
		return model.WorkloadOLTP
	default:
		return model.WorkloadMixed
	}
}
