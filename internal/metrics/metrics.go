package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal tracks API requests by route and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skinsense_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration tracks API request latency
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skinsense_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ProviderRequestsTotal tracks calls to the analysis provider
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skinsense_provider_requests_total",
			Help: "Total number of provider protocol calls",
		},
		[]string{"operation", "outcome"},
	)

	// ProviderLatency tracks provider call latency per operation
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skinsense_provider_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// PollAttempts tracks how many poll iterations an analysis needed
	PollAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skinsense_provider_poll_attempts",
			Help:    "Poll attempts until an analysis reached a terminal outcome",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		},
	)

	// AnalysesTotal tracks finished pipelines by terminal status
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skinsense_analyses_total",
			Help: "Total number of analyses by terminal status",
		},
		[]string{"status"},
	)

	// AnalysisErrorsTotal tracks classified failures by kind
	AnalysisErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skinsense_analysis_errors_total",
			Help: "Total number of classified analysis failures",
		},
		[]string{"error_kind"},
	)

	// CacheLookupsTotal tracks record cache hits and misses
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skinsense_cache_lookups_total",
			Help: "Record cache lookups by outcome",
		},
		[]string{"outcome"},
	)
)
