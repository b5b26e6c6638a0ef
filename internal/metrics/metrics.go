package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ris",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ris",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	EngineRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ris",
		Name:      "engine_requests_total",
		Help:      "Total requests to search engines by engine name and result status.",
	}, []string{"engine", "status"})

	EngineRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ris",
		Name:      "engine_request_duration_seconds",
		Help:      "Search engine request duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"engine"})

	EngineAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ris",
		Name:      "engine_available",
		Help:      "Whether an engine is available (1) or blocked by circuit breaker (0).",
	}, []string{"engine"})

	ResolveRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ris",
		Name:      "resolve_requests_total",
		Help:      "Total provider resolutions by outcome (ok, no_data, error).",
	}, []string{"status"})

	ResolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ris",
		Name:      "resolve_duration_seconds",
		Help:      "Provider resolution duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ris",
		Name:      "cache_hits_total",
		Help:      "Total number of image-level result cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ris",
		Name:      "cache_misses_total",
		Help:      "Total number of image-level result cache misses.",
	})

	ImageNotFoundTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ris",
		Name:      "image_not_found_total",
		Help:      "Total number of searches that ended with a negative-cache mark.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EngineRequestsTotal,
		EngineRequestDuration,
		EngineAvailable,
		ResolveRequestsTotal,
		ResolveDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		ImageNotFoundTotal,
	)
}
