// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluations counts rule evaluations, partitioned by mode (evaluate or
	// preview) and the rule set version that served them.
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxpadi_evaluations_total",
		Help: "Total number of rule evaluations served.",
	}, []string{"mode", "ruleset_version"})

	EvaluateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxpadi_evaluate_duration_seconds",
		Help:    "Latency of a full evaluation, rules plus deadline resolution.",
		Buckets: prometheus.DefBuckets,
	})

	SnapshotWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxpadi_snapshot_writes_total",
		Help: "Evaluation snapshots persisted.",
	})

	// RuleFaults counts rules skipped during evaluation because their outcome
	// could not be applied. A non-zero rate points at a broken rule set.
	RuleFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxpadi_rule_faults_total",
		Help: "Rules skipped during evaluation due to unusable outcomes.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxpadi_ruleset_cache_misses_total",
		Help: "Active rule set lookups that fell through to the store.",
	})
)
