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
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dbpulse/dbpulse/pkg/feedback"
	"github.com/dbpulse/dbpulse/pkg/model"
)

// Handler binds the capability services to a JSON HTTP surface under
// /api/v1. It is a thin adapter: all semantics live in the services.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/connections", func(w http.ResponseWriter, r *http.Request) {
		var req ConnectionRequest
		if !decode(w, r, &req) {
			return
		}
		conn, err := e.Connections.Create(r.Context(), req)
		respond(w, http.StatusCreated, conn, err)
	})
	mux.HandleFunc("GET /api/v1/connections", func(w http.ResponseWriter, r *http.Request) {
		conns, err := e.Connections.List(r.Context())
		respond(w, http.StatusOK, conns, err)
	})
	mux.HandleFunc("GET /api/v1/connections/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		conn, err := e.Connections.Get(r.Context(), id)
		respond(w, http.StatusOK, conn, err)
	})
	mux.HandleFunc("PUT /api/v1/connections/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req ConnectionRequest
		if !decode(w, r, &req) {
			return
		}
		conn, err := e.Connections.Update(r.Context(), id, req)
		respond(w, http.StatusOK, conn, err)
	})
	mux.HandleFunc("DELETE /api/v1/connections/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if err := e.Connections.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/connections/{id}/test", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		res, err := e.Connections.Test(r.Context(), id)
		respond(w, http.StatusOK, res, err)
	})

	mux.HandleFunc("GET /api/v1/monitoring/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := e.Monitoring.Status(r.Context())
		respond(w, http.StatusOK, st, err)
	})
	mux.HandleFunc("POST /api/v1/monitoring/start", func(w http.ResponseWriter, r *http.Request) {
		if err := e.Monitoring.Start(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/monitoring/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := e.Monitoring.Stop(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/monitoring/trigger", func(w http.ResponseWriter, r *http.Request) {
		connID, err := optionalID(r, "connection_id")
		if err != nil {
			writeError(w, err)
			return
		}
		if err := e.Monitoring.Trigger(r.Context(), connID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/v1/optimize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConnectionID int64  `json:"connection_id"`
			SQL          string `json:"sql"`
			IncludePlan  bool   `json:"include_plan"`
		}
		if !decode(w, r, &req) {
			return
		}
		opt, err := e.Optimizer.Optimize(r.Context(), req.ConnectionID, req.SQL, req.IncludePlan)
		respond(w, http.StatusCreated, opt, err)
	})
	mux.HandleFunc("POST /api/v1/explain", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConnectionID int64           `json:"connection_id"`
			SQL          string          `json:"sql"`
			Plan         json.RawMessage `json:"plan,omitempty"`
		}
		if !decode(w, r, &req) {
			return
		}
		ex, err := e.Optimizer.ExplainPlan(r.Context(), req.ConnectionID, req.SQL, req.Plan)
		respond(w, http.StatusOK, ex, err)
	})
	mux.HandleFunc("GET /api/v1/optimizations/{id}/fixes", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		categories := map[string]bool{}
		for _, c := range strings.Split(r.URL.Query().Get("categories"), ",") {
			if c = strings.TrimSpace(c); c != "" {
				categories[c] = true
			}
		}
		fp, err := e.Optimizer.GenerateFixes(r.Context(), id, categories)
		respond(w, http.StatusOK, fp, err)
	})
	mux.HandleFunc("POST /api/v1/optimizations/{id}/apply", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req struct {
			FixType    string `json:"fix_type"`
			SQL        string `json:"sql"`
			DryRun     bool   `json:"dry_run"`
			SkipSafety bool   `json:"skip_safety"`
		}
		if !decode(w, r, &req) {
			return
		}
		fixType, err := model.ParseFixType(req.FixType)
		if err != nil {
			writeError(w, err)
			return
		}
		fix, err := e.Optimizer.ApplyFix(r.Context(), id, fixType, req.SQL, req.DryRun, req.SkipSafety)
		respond(w, http.StatusOK, fix, err)
	})
	mux.HandleFunc("POST /api/v1/optimizations/{id}/validate", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req struct {
			Iterations int `json:"iterations"`
		}
		if !decode(w, r, &req) {
			return
		}
		vr, err := e.Optimizer.Validate(r.Context(), id, req.Iterations)
		respond(w, http.StatusOK, vr, err)
	})
	mux.HandleFunc("POST /api/v1/rollback", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FixID *int64 `json:"fix_id,omitempty"`
		}
		if !decode(w, r, &req) {
			return
		}
		fix, err := e.Optimizer.Rollback(r.Context(), req.FixID)
		respond(w, http.StatusOK, fix, err)
	})

	mux.HandleFunc("POST /api/v1/feedback", func(w http.ResponseWriter, r *http.Request) {
		var out feedback.Outcome
		if !decode(w, r, &out) {
			return
		}
		fb, err := e.Feedback.Submit(r.Context(), out)
		respond(w, http.StatusCreated, fb, err)
	})
	mux.HandleFunc("GET /api/v1/feedback/stats", func(w http.ResponseWriter, r *http.Request) {
		connID, err := optionalID(r, "connection_id")
		if err != nil {
			writeError(w, err)
			return
		}
		var id int64
		if connID != nil {
			id = *connID
		}
		stats, err := e.Feedback.Stats(r.Context(), id)
		respond(w, http.StatusOK, stats, err)
	})

	mux.HandleFunc("GET /api/v1/patterns", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ps, err := e.Patterns.List(r.Context(),
			model.Engine(q.Get("engine")), model.PatternType(q.Get("type")), intQuery(q.Get("limit")))
		respond(w, http.StatusOK, ps, err)
	})
	mux.HandleFunc("GET /api/v1/patterns/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ps, err := e.Patterns.Search(r.Context(), q.Get("q"), intQuery(q.Get("limit")))
		respond(w, http.StatusOK, ps, err)
	})
	mux.HandleFunc("GET /api/v1/patterns/statistics", func(w http.ResponseWriter, r *http.Request) {
		st, err := e.Patterns.Statistics(r.Context())
		respond(w, http.StatusOK, st, err)
	})
	mux.HandleFunc("GET /api/v1/patterns/top", func(w http.ResponseWriter, r *http.Request) {
		ps, err := e.Patterns.Top(r.Context(), intQuery(r.URL.Query().Get("limit")))
		respond(w, http.StatusOK, ps, err)
	})
	mux.HandleFunc("POST /api/v1/patterns/load-common", func(w http.ResponseWriter, r *http.Request) {
		if err := e.Patterns.LoadCommon(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/v1/indexes/recommendations", func(w http.ResponseWriter, r *http.Request) {
		id, ok := queryID(w, r, "connection_id")
		if !ok {
			return
		}
		recs, err := e.Indexes.Recommendations(r.Context(), id)
		respond(w, http.StatusOK, recs, err)
	})
	mux.HandleFunc("GET /api/v1/indexes/missing", func(w http.ResponseWriter, r *http.Request) {
		id, ok := queryID(w, r, "connection_id")
		if !ok {
			return
		}
		recs, err := e.Indexes.Missing(r.Context(), id)
		respond(w, http.StatusOK, recs, err)
	})
	mux.HandleFunc("GET /api/v1/indexes/unused", func(w http.ResponseWriter, r *http.Request) {
		id, ok := queryID(w, r, "connection_id")
		if !ok {
			return
		}
		infos, err := e.Indexes.Unused(r.Context(), id)
		respond(w, http.StatusOK, infos, err)
	})
	mux.HandleFunc("GET /api/v1/indexes/history", func(w http.ResponseWriter, r *http.Request) {
		id, ok := queryID(w, r, "connection_id")
		if !ok {
			return
		}
		fixes, err := e.Indexes.History(r.Context(), id, intQuery(r.URL.Query().Get("limit")))
		respond(w, http.StatusOK, fixes, err)
	})
	mux.HandleFunc("POST /api/v1/indexes/create", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OptimizationID   int64 `json:"optimization_id"`
			RecommendationID int64 `json:"recommendation_id"`
			DryRun           bool  `json:"dry_run"`
		}
		if !decode(w, r, &req) {
			return
		}
		fix, err := e.Indexes.Create(r.Context(), req.OptimizationID, req.RecommendationID, req.DryRun)
		respond(w, http.StatusOK, fix, err)
	})
	mux.HandleFunc("POST /api/v1/indexes/drop", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OptimizationID   int64 `json:"optimization_id"`
			RecommendationID int64 `json:"recommendation_id"`
			DryRun           bool  `json:"dry_run"`
		}
		if !decode(w, r, &req) {
			return
		}
		fix, err := e.Indexes.Drop(r.Context(), req.OptimizationID, req.RecommendationID, req.DryRun)
		respond(w, http.StatusOK, fix, err)
	})

	mux.HandleFunc("GET /api/v1/workload/analysis", func(w http.ResponseWriter, r *http.Request) {
		id, ok := queryID(w, r, "connection_id")
		if !ok {
			return
		}
		wa, err := e.Workload.Analysis(r.Context(), id, intQuery(r.URL.Query().Get("days")))
		respond(w, http.StatusOK, wa, err)
	})
	mux.HandleFunc("GET /api/v1/workload/patterns", func(w http.ResponseWriter, r *http.Request) {
		id, ok := queryID(w, r, "connection_id")
		if !ok {
			return
		}
		hp, err := e.Workload.Patterns(r.Context(), id)
		respond(w, http.StatusOK, hp, err)
	})
	mux.HandleFunc("GET /api/v1/workload/trends", func(w http.ResponseWriter, r *http.Request) {
		id, ok := queryID(w, r, "connection_id")
		if !ok {
			return
		}
		ws, err := e.Workload.Trends(r.Context(), id, intQuery(r.URL.Query().Get("days")))
		respond(w, http.StatusOK, ws, err)
	})
	mux.HandleFunc("GET /api/v1/workload/recommendations", func(w http.ResponseWriter, r *http.Request) {
		id, ok := queryID(w, r, "connection_id")
		if !ok {
			return
		}
		recs, err := e.Workload.Recommendations(r.Context(), id)
		respond(w, http.StatusOK, recs, err)
	})

	mux.HandleFunc("GET /api/v1/dashboard/stats", func(w http.ResponseWriter, r *http.Request) {
		st, err := e.Dashboard.Stats(r.Context())
		respond(w, http.StatusOK, st, err)
	})
	mux.HandleFunc("GET /api/v1/dashboard/queries-with-issues", func(w http.ResponseWriter, r *http.Request) {
		qs, err := e.Dashboard.QueriesWithIssues(r.Context(), intQuery(r.URL.Query().Get("limit")))
		respond(w, http.StatusOK, qs, err)
	})
	mux.HandleFunc("GET /api/v1/dashboard/top-queries", func(w http.ResponseWriter, r *http.Request) {
		qs, err := e.Dashboard.TopQueries(r.Context(), intQuery(r.URL.Query().Get("limit")))
		respond(w, http.StatusOK, qs, err)
	})
	mux.HandleFunc("GET /api/v1/dashboard/trends", func(w http.ResponseWriter, r *http.Request) {
		tp, err := e.Dashboard.PerformanceTrends(r.Context(), intQuery(r.URL.Query().Get("hours")))
		respond(w, http.StatusOK, tp, err)
	})
	mux.HandleFunc("GET /api/v1/dashboard/detection-summary", func(w http.ResponseWriter, r *http.Request) {
		sum, err := e.Dashboard.DetectionSummary(r.Context())
		respond(w, http.StatusOK, sum, err)
	})

	return mux
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: decoding request body: %s", model.ErrInput, err))
		return false
	}
	return true
}

// respond writes either the error or the value as JSON.
func respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInput):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrCapability), errors.Is(err, model.ErrSafetyCheckFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrUpstream):
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, fmt.Errorf("%w: invalid %s", model.ErrInput, name))
		return 0, false
	}
	return id, true
}

func queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, fmt.Errorf("%w: %s query parameter is required", model.ErrInput, name))
		return 0, false
	}
	return id, true
}

// intQuery parses an optional positive integer query parameter; absent
// or malformed values come back as zero and the service applies its
// default.
func intQuery(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func optionalID(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%w: invalid %s", model.ErrInput, name)
	}
	return &id, nil
}
