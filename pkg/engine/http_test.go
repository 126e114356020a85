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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbpulse/dbpulse/pkg/model"
)

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateConnection(t *testing.T) {
	env := newTestEnv(t)
	h := env.engine.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/connections", `{
		"name": "orders-db", "engine": "postgresql", "host": "db1", "port": 5432,
		"database": "orders", "username": "app", "password": "hunter2"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var conn model.Connection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conn))
	require.NotZero(t, conn.ID)

	// The ciphertext never crosses the wire; the stored row carries it.
	require.NotContains(t, rec.Body.String(), "hunter2")
	require.Len(t, env.store.created, 1)
	require.NotEqual(t, "hunter2", env.store.created[0].EncryptedPassword)
	require.NotEmpty(t, env.store.created[0].EncryptedPassword)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/connections/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	h := env.engine.Handler()

	for _, c := range []struct {
		doc    string
		method string
		path   string
		body   string
		want   int
	}{
		{
			doc:    "unknown engine is a client error",
			method: http.MethodPost,
			path:   "/api/v1/connections",
			body:   `{"name": "x", "engine": "mongodb", "host": "db1", "database": "x"}`,
			want:   http.StatusBadRequest,
		},
		{
			doc:    "missing connection is not found",
			method: http.MethodGet,
			path:   "/api/v1/connections/42",
			want:   http.StatusNotFound,
		},
		{
			doc:    "malformed body is a client error",
			method: http.MethodPost,
			path:   "/api/v1/rollback",
			body:   `{"fix_id": "one"}`,
			want:   http.StatusBadRequest,
		},
		{
			doc:    "rollback with nothing applied is not found",
			method: http.MethodPost,
			path:   "/api/v1/rollback",
			body:   `{}`,
			want:   http.StatusNotFound,
		},
		{
			doc:    "unknown fix type is a client error",
			method: http.MethodPost,
			path:   "/api/v1/optimizations/1/apply",
			body:   `{"fix_type": "reboot", "sql": "SELECT 1"}`,
			want:   http.StatusBadRequest,
		},
		{
			doc:    "stop without start is a conflict",
			method: http.MethodPost,
			path:   "/api/v1/monitoring/stop",
			want:   http.StatusConflict,
		},
	} {
		rec := doJSON(t, h, c.method, c.path, c.body)
		require.Equal(t, c.want, rec.Code, c.doc)
	}
}

func TestHandlerWorkloadAnalysis(t *testing.T) {
	env := newTestEnv(t)
	base := time.Now().Add(-2 * time.Hour).Truncate(time.Hour)
	env.store.samples = []model.WorkloadSample{
		{ConnectionID: 1, BucketStart: base, TotalQueries: 100, SlowQueries: 25,
			MeanTimeMS: 80, Class: model.WorkloadOLTP},
	}
	h := env.engine.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/workload/analysis?connection_id=1&days=7", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var wa WorkloadAnalysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wa))
	require.Equal(t, int64(100), wa.TotalQueries)
	require.InDelta(t, 0.25, wa.SlowRatio, 0.001)

	// The connection scope is mandatory on workload reads.
	rec = doJSON(t, h, http.MethodGet, "/api/v1/workload/analysis", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerMonitoringStatus(t *testing.T) {
	env := newTestEnv(t)
	env.store.queriesTotal = 7
	env.store.conns[1] = &model.Connection{ID: 1, Name: "db", MonitoringEnabled: true}
	h := env.engine.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/monitoring/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st MonitoringStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.False(t, st.Running)
	require.Equal(t, int64(7), st.QueriesDiscoveredLifetime)
	require.Equal(t, 1, st.ActiveConnections)
}
