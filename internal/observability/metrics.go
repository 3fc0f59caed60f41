package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MartinSteinmayer/start-hack-syngenta-api/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Imagery requests are dominated by the remote render;
	// watch p95 against the request timeout.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Earth Engine REST call rate per operation (search, thumbnail, fetch).
	EarthEngineCallsTotal *prometheus.CounterVec

	// Earth Engine call latency per operation.
	EarthEngineCallDuration *prometheus.HistogramVec

	// Retry attempts against Earth Engine. High retries = unstable upstream.
	EarthEngineRetriesTotal prometheus.Counter

	// Imagery requests by collection and outcome (success, no_image, error).
	ImageryRequestsTotal *prometheus.CounterVec

	// Size of rendered PNGs returned to callers.
	RenderedImageBytes prometheus.Histogram

	// Cache hits for rendered images.
	CacheHitsTotal *prometheus.CounterVec

	// Cache operation failures by operation and reason.
	CacheErrorsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per component (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// In-flight requests remaining when shutdown drain started.
	ShutdownInFlight prometheus.Gauge

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	EarthEngineCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "earthEngineCallsTotal",
			Help: "Total number of Earth Engine REST calls",
		},
		[]string{"operation", "status"},
	)
	EarthEngineCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "earthEngineCallDurationSeconds",
			Help:    "Earth Engine REST call latency in seconds (per call)",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"operation"},
	)
	EarthEngineRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "earthEngineRetriesTotal",
			Help: "Total number of retry attempts for Earth Engine calls",
		},
	)
	ImageryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageryRequestsTotal",
			Help: "Imagery requests by selected collection and outcome",
		},
		[]string{"collection", "outcome"},
	)
	RenderedImageBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "renderedImageBytes",
			Help:    "Size of rendered PNG responses in bytes",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 8),
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of rendered-image cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache operation failures by operation and reason",
		},
		[]string{"operation", "reason"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	ShutdownInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests remaining when graceful shutdown began",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		EarthEngineCallsTotal, EarthEngineCallDuration, EarthEngineRetriesTotal,
		ImageryRequestsTotal, RenderedImageBytes,
		CacheHitsTotal, CacheErrorsTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		ShutdownInFlight,
	)
}

// MetricsHandler returns the /metrics handler backed by the private registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RegisterRateLimitGauges registers load and reject gauges for the rate-limited
// path. Call from main after config load; uses the same window as lifecycle.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window",
				},
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
		)
	})
}

// RecordCircuitBreakerTransition records a breaker transition for metrics.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the breaker state gauge for a component.
func SetCircuitBreakerStateGauge(component string, state float64) {
	CircuitBreakerState.WithLabelValues(component).Set(state)
}

// RecordShutdownInFlight records the in-flight count at drain start.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlight.Set(float64(n))
}
