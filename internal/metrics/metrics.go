// Package metrics defines the router's Prometheus instrumentation:
// counters for job lifecycle transitions and registry refreshes, a
// histogram for scoring latency, and a gauge for per-model effective
// load, as package-level promauto-constructed variables.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var JobsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "locallama_jobs_created_total",
	Help: "Total number of jobs created by route_task.",
})

var JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "locallama_jobs_completed_total",
	Help: "Total number of jobs reaching a terminal state, labeled by outcome.",
}, []string{"status"})

var RegistryRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "locallama_registry_refresh_total",
	Help: "Total number of Model Registry refresh attempts, labeled by provider and outcome.",
}, []string{"provider", "outcome"})

var ScoringLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "locallama_scoring_latency_seconds",
	Help:    "Time spent ranking candidate models for one subtask.",
	Buckets: prometheus.DefBuckets,
})

var ModelEffectiveLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "locallama_model_effective_load",
	Help: "Current effective load per model id, as tracked by the Router's LoadTracker.",
}, []string{"model_id"})

var CodeIndexDocuments = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "locallama_code_index_documents",
	Help: "Number of documents currently held in the process-local Code Index.",
})
