package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/weather-tracker-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap API call rate by status. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency. Watch for: p99 approaching the client timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. High retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Weather API failures by ErrorCategory.
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Circuit breaker state (0 closed, 1 half-open, 2 open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions by from/to state.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Fetch cycles by trigger and outcome (success, partial, failed, store_error).
	FetchCyclesTotal *prometheus.CounterVec

	// Wall time of a whole fetch cycle, fan-out plus batch commit.
	FetchCycleDuration prometheus.Histogram

	// Per-city fetch outcomes (success, unavailable, timeout, malformed, invalid).
	FetchCityOutcomesTotal *prometheus.CounterVec

	// Triggers that joined an in-flight cycle instead of starting one.
	FetchCyclesCoalescedTotal prometheus.Counter

	// Unix time of the last cycle that committed readings. Watch for: staleness > 2x interval.
	LastSuccessfulCycleTimestamp prometheus.Gauge

	// Readings committed to the store.
	ReadingsStoredTotal prometheus.Counter

	// Readings removed by the retention job.
	ReadingsPrunedTotal prometheus.Counter

	// Store operation latency by op and status.
	StoreOperationDuration *prometheus.HistogramVec

	// Latest-reading cache lookups by result (hit, miss, error).
	CacheLookupsTotal *prometheus.CounterVec

	// Latest-reading cache write/delete failures by op.
	CacheErrorsTotal *prometheus.CounterVec

	// Startup cache warming runs and their latency.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Per-city query count (allow-list; others go to "other").
	CityQueriesTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}

	windowGaugesOnce sync.Once
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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Weather API failures by error category",
		},
		[]string{"category"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
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
	FetchCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchCyclesTotal",
			Help: "Fetch cycles by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)
	FetchCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fetchCycleDurationSeconds",
			Help:    "Duration of a fetch cycle including batch commit",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	FetchCityOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchCityOutcomesTotal",
			Help: "Per-city fetch outcomes",
		},
		[]string{"outcome"},
	)
	FetchCyclesCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fetchCyclesCoalescedTotal",
			Help: "Fetch triggers that joined an already running cycle",
		},
	)
	LastSuccessfulCycleTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lastSuccessfulCycleTimestampSeconds",
			Help: "Unix time of the last fetch cycle that committed readings",
		},
	)
	ReadingsStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "readingsStoredTotal",
			Help: "Readings committed to the store",
		},
	)
	ReadingsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "readingsPrunedTotal",
			Help: "Readings deleted by the retention job",
		},
	)
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeOperationDurationSeconds",
			Help:    "Reading store operation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, 1},
		},
		[]string{"operation", "status"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Latest-reading cache lookups by result",
		},
		[]string{"result"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Latest-reading cache errors by operation",
		},
		[]string{"operation"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5},
		},
	)
	CityQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityQueriesTotal",
			Help: "History and stats queries by city (allow-list; others use city=other)",
		},
		[]string{"city", "kind"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal, WeatherAPIErrorsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		FetchCyclesTotal, FetchCycleDuration, FetchCityOutcomesTotal, FetchCyclesCoalescedTotal,
		LastSuccessfulCycleTimestamp,
		ReadingsStoredTotal, ReadingsPrunedTotal, StoreOperationDuration,
		CacheLookupsTotal, CacheErrorsTotal, CacheWarmingTotal, CacheWarmingDurationSeconds,
		CityQueriesTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterWindowGauges registers sliding-window gauges backed by the traffic tracker.
// Call from main after config load; the window matches the health check window.
func RegisterWindowGauges(window time.Duration) {
	windowGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "fetchErrorsInWindow",
					Help: "Per-city fetch failures in the health window",
				},
				func() float64 {
					errs, _ := traffic.ErrorRate(window)
					return float64(errs)
				},
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in the health window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// SetTrackedCities sets the allow-list for per-city query metrics.
func SetTrackedCities(cities []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(cities))
	for _, c := range cities {
		trackedCities[normalizeCityForMetrics(c)] = struct{}{}
	}
}

// RecordCityQuery records a history or stats query. Untracked cities are counted as "other".
func RecordCityQuery(city, kind string) {
	CityQueriesTotal.WithLabelValues(MetricCityLabel(city), kind).Inc()
}

// MetricCityLabel returns the city label for metrics, or "other" when the city is not tracked.
func MetricCityLabel(city string) string {
	c := normalizeCityForMetrics(city)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[c]
	trackedCitiesMu.RUnlock()
	if ok {
		return c
	}
	return "other"
}

// CircuitBreakerStateValue maps a breaker state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// ObserveStoreOp records the latency of a store operation that started at start.
func ObserveStoreOp(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StoreOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
