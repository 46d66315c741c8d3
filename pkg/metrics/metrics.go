// Package metrics provides Prometheus metrics for the price aggregator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SourceFetchesTotal counts per-source fetch outcomes.
	SourceFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_fetches_total",
			Help: "Total number of price fetches per source and outcome",
		},
		[]string{"source", "result"},
	)

	// SourceFetchDuration is a histogram of source fetch latencies, retries included.
	SourceFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "source_fetch_duration_seconds",
			Help:    "Duration of a source fetch including retries",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"source"},
	)

	// PriceAggregationDuration is a histogram of price aggregation duration.
	PriceAggregationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "price_aggregation_duration_seconds",
			Help:    "Duration of price aggregation operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// OutlierRejectionsTotal is a counter of rejected outlier prices.
	OutlierRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlier_rejections_total",
			Help: "Total number of outlier prices rejected",
		},
		[]string{"symbol"},
	)

	// DeviationRejectionsTotal is a counter of prices dropped by the deviation filter.
	DeviationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deviation_rejections_total",
			Help: "Total number of prices dropped for deviating from the median",
		},
		[]string{"symbol"},
	)

	// InsufficientSourcesTotal counts aggregations that failed the source quorum.
	InsufficientSourcesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insufficient_sources_total",
			Help: "Total number of aggregations that did not reach the source quorum",
		},
		[]string{"symbol", "stage", "outcome"},
	)

	// SourceHealth is a gauge of the health status of price sources.
	SourceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "source_health",
			Help: "Health status of price sources (1=healthy, 0=unhealthy)",
		},
		[]string{"source"},
	)

	// CircuitState is a gauge of the circuit breaker state per source.
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per source (0=closed, 1=half_open, 2=open)",
		},
		[]string{"source"},
	)

	// CircuitTransitionsTotal counts circuit breaker transitions.
	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"source", "to"},
	)

	// CacheLookupsTotal counts cache lookups by namespace and result.
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"namespace", "result"},
	)

	// CacheEvictionsTotal counts entries evicted to respect the size bound.
	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
	)

	// HTTPRequestsTotal is a counter of total HTTP requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	// HTTPRequestDuration is a histogram of HTTP request latencies.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint"},
	)
)

// Init registers all metrics with the default Prometheus registry.
func Init() {
	prometheus.MustRegister(
		SourceFetchesTotal,
		SourceFetchDuration,
		PriceAggregationDuration,
		OutlierRejectionsTotal,
		DeviationRejectionsTotal,
		InsufficientSourcesTotal,
		SourceHealth,
		CircuitState,
		CircuitTransitionsTotal,
		CacheLookupsTotal,
		CacheEvictionsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// ServeHTTP serves Prometheus metrics on the specified address and path.
func ServeHTTP(addr, path string) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return server.ListenAndServe()
}

// RecordSourceFetch records the outcome of one source fetch.
func RecordSourceFetch(source, result string, duration time.Duration) {
	SourceFetchesTotal.WithLabelValues(source, result).Inc()
	SourceFetchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordSourceHealth records the health status of a source.
func RecordSourceHealth(source string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	SourceHealth.WithLabelValues(source).Set(val)
}

// RecordCircuitState records the current breaker state; value follows the gauge help text.
func RecordCircuitState(source string, value float64) {
	CircuitState.WithLabelValues(source).Set(value)
}

// RecordCircuitTransition records a breaker transition into the named state.
func RecordCircuitTransition(source, to string) {
	CircuitTransitionsTotal.WithLabelValues(source, to).Inc()
}

// DeleteSource drops every series labelled with source.
func DeleteSource(source string) {
	SourceHealth.DeleteLabelValues(source)
	CircuitState.DeleteLabelValues(source)
	labels := prometheus.Labels{"source": source}
	SourceFetchesTotal.DeletePartialMatch(labels)
	SourceFetchDuration.DeletePartialMatch(labels)
	CircuitTransitionsTotal.DeletePartialMatch(labels)
}

// RecordAggregation records a price aggregation operation.
func RecordAggregation(method string, duration time.Duration) {
	PriceAggregationDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordOutlierRejection records an outlier rejection.
func RecordOutlierRejection(symbol string) {
	OutlierRejectionsTotal.WithLabelValues(symbol).Inc()
}

// RecordDeviationRejection records a price dropped by the deviation filter.
func RecordDeviationRejection(symbol string) {
	DeviationRejectionsTotal.WithLabelValues(symbol).Inc()
}

// RecordInsufficientSources records a quorum failure. outcome is "stale_cache" or "error".
func RecordInsufficientSources(symbol, stage, outcome string) {
	InsufficientSourcesTotal.WithLabelValues(symbol, stage, outcome).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(namespace string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookupsTotal.WithLabelValues(namespace, result).Inc()
}

// RecordCacheEviction records an evicted cache entry.
func RecordCacheEviction() {
	CacheEvictionsTotal.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}
