package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors exported for scraping:
// invocation counters/histograms, sandbox isolate gauges, stream consumer
// lag, and circuit breaker state.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	invocationsTotal *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	uptime prometheus.GaugeFunc

	activeIsolates    prometheus.Gauge
	notActiveIsolates prometheus.Gauge

	streamLag              *prometheus.GaugeVec
	notificationsProcessed *prometheus.CounterVec

	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus builds and registers the collector set under namespace.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of CALL invocations",
			},
			[]string{"library", "function", "status"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_ms",
				Help:      "CALL invocation duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"library", "function"},
		),

		activeIsolates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_isolates",
			Help:      "Number of sandbox isolates currently serving calls",
		}),

		notActiveIsolates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "not_active_isolates",
			Help:      "Number of sandbox isolates retired but not yet reaped",
		}),

		streamLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_consumer_lag",
				Help:      "Records remaining between a stream cursor and the stream's tail",
			},
			[]string{"library", "consumer", "key"},
		),

		notificationsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_processed_total",
				Help:      "Total number of keyspace notifications dispatched to consumers",
			},
			[]string{"library", "consumer", "status"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per function: 0=closed, 1=open, 2=half-open",
			},
			[]string{"library", "function"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of times a function's circuit breaker opened",
			},
			[]string{"library", "function"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the metrics subsystem initialized",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.invocationsTotal,
		pm.invocationDuration,
		pm.uptime,
		pm.activeIsolates,
		pm.notActiveIsolates,
		pm.streamLag,
		pm.notificationsProcessed,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusInvocation records an invocation's outcome, if Prometheus
// export is enabled. A no-op otherwise, so callers never need to check.
func RecordPrometheusInvocation(library, function string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.invocationsTotal.WithLabelValues(library, function, status).Inc()
	promMetrics.invocationDuration.WithLabelValues(library, function).Observe(float64(durationMs))
}

// SetActiveIsolates sets the active/not-active sandbox isolate gauges.
func SetActiveIsolates(active, notActive int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeIsolates.Set(float64(active))
	promMetrics.notActiveIsolates.Set(float64(notActive))
}

// SetStreamLag sets the remaining-records gauge for one stream consumer.
func SetStreamLag(library, consumer, key string, lag int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.streamLag.WithLabelValues(library, consumer, key).Set(float64(lag))
}

// RecordNotificationProcessed counts one keyspace notification dispatch.
func RecordNotificationProcessed(library, consumer string, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.notificationsProcessed.WithLabelValues(library, consumer, status).Inc()
}

// SetCircuitBreakerState records a function breaker's current state.
func SetCircuitBreakerState(library, function string, state float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(library, function).Set(state)
}

// RecordCircuitBreakerTrip counts one breaker open transition.
func RecordCircuitBreakerTrip(library, function string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(library, function).Inc()
}

// PrometheusHandler returns an HTTP handler serving the registered
// collectors, or a 503 placeholder if InitPrometheus was never called.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry for custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
