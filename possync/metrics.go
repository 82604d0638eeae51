// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder observes engine activity. A nil recorder disables instrumentation,
// so tests and embedded deployments pay nothing for it.
type Recorder interface {
	SyncPass(entity string, result SyncResult)
	MutationSynced(entity, op string)
	MutationEvicted(entity, op string)
	PendingDepth(n int)
}

// PrometheusRecorder exports engine counters and gauges to a Prometheus
// registry.
type PrometheusRecorder struct {
	passes  *prometheus.CounterVec
	synced  *prometheus.CounterVec
	evicted *prometheus.CounterVec
	fetched *prometheus.CounterVec
	pending prometheus.Gauge
}

// NewPrometheusRecorder registers the engine metrics with reg and returns the
// recorder. Pass prometheus.DefaultRegisterer for the process-global registry.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "possync_sync_passes_total",
			Help: "Completed sync passes per entity type.",
		}, []string{"entity", "outcome"}),
		synced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "possync_mutations_synced_total",
			Help: "Pending mutations acknowledged by the server.",
		}, []string{"entity", "op"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "possync_mutations_evicted_total",
			Help: "Pending mutations abandoned after exceeding the retry cap.",
		}, []string{"entity", "op"}),
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "possync_records_fetched_total",
			Help: "Records pulled by reconciliation fetches.",
		}, []string{"entity"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "possync_pending_mutations",
			Help: "Mutations currently waiting in the offline queues.",
		}),
	}
	reg.MustRegister(r.passes, r.synced, r.evicted, r.fetched, r.pending)
	return r
}

func (r *PrometheusRecorder) SyncPass(entity string, result SyncResult) {
	outcome := "ok"
	if result.Err != nil {
		outcome = "error"
	}
	r.passes.WithLabelValues(entity, outcome).Inc()
	if result.Fetched > 0 {
		r.fetched.WithLabelValues(entity).Add(float64(result.Fetched))
	}
}

func (r *PrometheusRecorder) MutationSynced(entity, op string) {
	r.synced.WithLabelValues(entity, op).Inc()
}

func (r *PrometheusRecorder) MutationEvicted(entity, op string) {
	r.evicted.WithLabelValues(entity, op).Inc()
}

func (r *PrometheusRecorder) PendingDepth(n int) {
	r.pending.Set(float64(n))
}
