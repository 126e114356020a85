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

package discovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbpulse/dbpulse/pkg/config"
	"github.com/dbpulse/dbpulse/pkg/gateway"
	"github.com/dbpulse/dbpulse/pkg/model"
)

type fakeStore struct {
	mu       sync.Mutex
	conns    []model.Connection
	upserts  []string // fingerprints in arrival order
	workload []*model.WorkloadSample
}

func (f *fakeStore) ListMonitoredConnections(context.Context) ([]model.Connection, error) {
	return f.conns, nil
}

func (f *fakeStore) GetConnection(_ context.Context, id int64) (*model.Connection, error) {
	for _, c := range f.conns {
		if c.ID == id {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: connection %d", model.ErrNotFound, id)
}

func (f *fakeStore) UpsertQuery(_ context.Context, connID int64, fp string, sample model.QuerySample, normalized string, _ time.Time) (*model.DiscoveredQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, fp)
	return &model.DiscoveredQuery{ConnectionID: connID, Fingerprint: fp, Normalized: normalized, Calls: sample.Calls}, nil
}

func (f *fakeStore) UpsertWorkloadSample(_ context.Context, ws *model.WorkloadSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workload = append(f.workload, ws)
	return nil
}

type fakeTargets struct {
	samples map[int64][]model.QuerySample
	err     error
}

type fakeAdapter struct {
	gateway.Adapter
	samples []model.QuerySample
}

func (a *fakeAdapter) TopQueries(context.Context, int) ([]model.QuerySample, error) {
	return a.samples, nil
}

func (f *fakeTargets) Do(conn model.Connection, fn func(gateway.Adapter) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(&fakeAdapter{samples: f.samples[conn.ID]})
}

func newDiscoverer(store *fakeStore, targets *fakeTargets) *Discoverer {
	return New(Opts{
		Store:   store,
		Targets: targets,
		Config: config.DiscoveryConfig{
			IntervalSeconds:   3600,
			MaxQueriesPerPoll: 100,
			Workers:           2,
			QueueSize:         4,
		},
	})
}

func TestPollNormalizesAndRecords(t *testing.T) {
	store := &fakeStore{conns: []model.Connection{{ID: 1, Name: "prod", Engine: model.EnginePostgres}}}
	targets := &fakeTargets{samples: map[int64][]model.QuerySample{
		1: {
			{SQL: "SELECT * FROM orders WHERE id = 42", Calls: 10, TotalTimeMS: 1500, MeanTimeMS: 150},
			{SQL: "select * from orders where id = 99", Calls: 5, TotalTimeMS: 750, MeanTimeMS: 150},
			{SQL: "-- comment only", Calls: 1},
		},
	}}
	d := newDiscoverer(store, targets)
	require.NoError(t, d.poll(context.Background(), store.conns[0]))

	// Both literal variants collapse to one fingerprint; the comment-only
	// row is skipped.
	require.Len(t, store.upserts, 2)
	require.Equal(t, store.upserts[0], store.upserts[1])

	require.Len(t, store.workload, 1)
	ws := store.workload[0]
	require.Equal(t, int64(15), ws.TotalQueries)
	require.Equal(t, int64(15), ws.SlowQueries)
	require.False(t, ws.Degraded)
}

func TestPollSurvivesTargetFailure(t *testing.T) {
	store := &fakeStore{conns: []model.Connection{{ID: 1, Name: "prod"}}}
	targets := &fakeTargets{err: fmt.Errorf("%w: refused", model.ErrUnavailable)}
	d := newDiscoverer(store, targets)
	require.ErrorIs(t, d.poll(context.Background(), store.conns[0]), model.ErrUnavailable)
	require.Empty(t, store.upserts)
	require.Empty(t, store.workload)
}

func TestEnqueueKeepsOneJobPerConnection(t *testing.T) {
	store := &fakeStore{}
	d := newDiscoverer(store, &fakeTargets{})
	conn := model.Connection{ID: 1, Name: "prod"}
	d.enqueue(conn)
	d.enqueue(conn)
	d.enqueue(conn)
	require.Len(t, d.queue, 1)
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	store := &fakeStore{}
	d := newDiscoverer(store, &fakeTargets{})
	for i := int64(1); i <= 4; i++ {
		d.enqueue(model.Connection{ID: i})
	}
	require.Len(t, d.queue, 4)

	d.enqueue(model.Connection{ID: 5})
	require.Len(t, d.queue, 4)

	// The oldest job (connection 1) is gone and can be queued again; the
	// degradation is charged to it, not to the connection that arrived.
	ids := map[int64]bool{}
	for len(d.queue) > 0 {
		ids[(<-d.queue).ID] = true
	}
	require.False(t, ids[1])
	require.True(t, ids[5])
	require.True(t, d.degraded[1])
	require.False(t, d.degraded[5])
}

func TestDroppedConnectionRecordsDegradedSample(t *testing.T) {
	store := &fakeStore{}
	targets := &fakeTargets{samples: map[int64][]model.QuerySample{
		1: {{SQL: "select 1 from a", Calls: 1, MeanTimeMS: 1}},
	}}
	d := newDiscoverer(store, targets)
	d.degraded[1] = true

	require.NoError(t, d.poll(context.Background(), model.Connection{ID: 1, Name: "prod"}))
	require.Len(t, store.workload, 1)
	require.True(t, store.workload[0].Degraded)

	// The flag is consumed: the following bucket is clean again.
	require.NoError(t, d.poll(context.Background(), model.Connection{ID: 1, Name: "prod"}))
	require.False(t, store.workload[1].Degraded)
}

func TestTriggerPollsNamedConnectionSynchronously(t *testing.T) {
	store := &fakeStore{conns: []model.Connection{{ID: 7, Name: "prod"}}}
	targets := &fakeTargets{samples: map[int64][]model.QuerySample{
		7: {{SQL: "select 1 from t", Calls: 2, MeanTimeMS: 3}},
	}}
	d := newDiscoverer(store, targets)
	require.NoError(t, d.Trigger(context.Background(), 7))
	// The poll ran before Trigger returned; nothing was left queued.
	require.Empty(t, d.queue)
	require.Len(t, store.upserts, 1)
	require.Len(t, store.workload, 1)

	err := d.Trigger(context.Background(), 999)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestTriggerConflictsWithInflightPoll(t *testing.T) {
	store := &fakeStore{conns: []model.Connection{{ID: 7, Name: "prod"}}}
	d := newDiscoverer(store, &fakeTargets{})
	d.mu.Lock()
	d.inflight[7] = true
	d.mu.Unlock()
	require.ErrorIs(t, d.Trigger(context.Background(), 7), model.ErrConflict)
}

func TestInferClass(t *testing.T) {
	for _, tc := range []struct {
		doc    string
		reads  int64
		writes int64
		meanMS float64
		want   model.WorkloadClass
	}{
		{"slow read-only traffic is analytical", 95, 5, 400, model.WorkloadOLAP},
		{"write-heavy traffic is transactional", 40, 60, 20, model.WorkloadOLTP},
		{"fast lookups are transactional", 100, 0, 5, model.WorkloadOLTP},
		{"balanced medium traffic is mixed", 80, 20, 120, model.WorkloadMixed},
		{"no traffic defaults to mixed", 0, 0, 0, model.WorkloadMixed},
	} {
		t.Run(tc.doc, func(t *testing.T) {
			require.Equal(t, tc.want, inferClass(tc.reads, tc.writes, tc.meanMS))
		})
	}
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	store := &fakeStore{conns: []model.Connection{
		{ID: 1, Name: "a", Engine: model.EnginePostgres},
		{ID: 2, Name: "b", Engine: model.EngineMySQL},
	}}
	targets := &fakeTargets{samples: map[int64][]model.QuerySample{
		1: {{SQL: "select 1 from a", Calls: 1, MeanTimeMS: 1}},
		2: {{SQL: "select 1 from b", Calls: 1, MeanTimeMS: 1}},
	}}
	d := newDiscoverer(store, targets)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.upserts) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
