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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the discovery loop's self-observability counters.
type Metrics struct {
	pollsTotal        *prometheus.CounterVec
	queriesDiscovered prometheus.Counter
	jobsDropped       prometheus.Counter
	queueDepth        prometheus.Gauge
	pollDuration      prometheus.Histogram
}

// NewMetrics registers the discovery collectors with reg. A nil reg keeps
// the metrics unregistered, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbpulse_discovery_polls_total",
			Help: "Catalog polls by result.",
		}, []string{"result"}),
		queriesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbpulse_discovery_queries_total",
			Help: "Query samples folded into the store.",
		}),
		jobsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbpulse_discovery_jobs_dropped_total",
			Help: "Poll jobs dropped because the queue was full.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbpulse_discovery_queue_depth",
			Help: "Poll jobs currently queued.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dbpulse_discovery_poll_duration_seconds",
			Help:    "Wall time per connection poll.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.pollsTotal, m.queriesDiscovered, m.jobsDropped, m.queueDepth, m.pollDuration)
	}
	return m
}
