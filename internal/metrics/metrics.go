// Package metrics exposes Prometheus counters for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline counters. All fields are safe for concurrent use.
type Metrics struct {
	CoalescerHits   *prometheus.CounterVec
	CoalescerMisses *prometheus.CounterVec
	PostOutcomes    *prometheus.CounterVec
	SweepOutcomes   *prometheus.CounterVec
}

// New registers the counters on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CoalescerHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subwise_coalescer_hits_total",
			Help: "Requests that joined an already in-flight call, by operation.",
		}, []string{"operation"}),
		CoalescerMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subwise_coalescer_misses_total",
			Help: "Requests that dispatched a fresh underlying call, by operation.",
		}, []string{"operation"}),
		PostOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subwise_receipt_posts_total",
			Help: "Receipt post results, by outcome.",
		}, []string{"outcome"}),
		SweepOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subwise_sync_sweeps_total",
			Help: "Pending purchase sweep results, by outcome.",
		}, []string{"outcome"}),
	}
}
