// Package metrics exposes Prometheus instrumentation for the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedAgents tracks the number of agents with a live session.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sonde_connected_agents",
		Help: "Number of agents with an active hub session.",
	})

	// ProbesTotal counts probe executions by route and outcome.
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonde_probes_total",
		Help: "Total probe executions by route (agent or integration) and status.",
	}, []string{"route", "status"})

	// ProbeDuration observes end-to-end probe latency.
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sonde_probe_duration_seconds",
		Help:    "Probe execution latency in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"route"})

	// CacheHits counts probe results served from the result cache.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sonde_probe_cache_hits_total",
		Help: "Probe requests served from the result cache.",
	})

	// EnrollmentsTotal counts enrollment attempts by outcome.
	EnrollmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonde_enrollments_total",
		Help: "Agent enrollment attempts by outcome.",
	}, []string{"outcome"})

	// IntegrationRetries counts integration request retries.
	IntegrationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonde_integration_retries_total",
		Help: "Integration probe HTTP retries by pack.",
	}, []string{"pack"})

	// AuditEntries counts entries appended to the hub audit chain.
	AuditEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sonde_audit_entries_total",
		Help: "Entries appended to the hub audit chain.",
	})
)
