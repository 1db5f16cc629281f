package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one gateway instance.
// Every gateway owns its own registry so several gateways can coexist
// in one process. All Record methods are safe on a nil receiver.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	forwardDuration    *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
	instanceHealth     *prometheus.GaugeVec
	healthProbes       *prometheus.CounterVec
	healthProbeLatency *prometheus.HistogramVec
	rateLimitHits      prometheus.Counter
	authRequests       *prometheus.CounterVec
	sinkEntries        *prometheus.CounterVec
	buildInfo          *prometheus.GaugeVec
	startTime          prometheus.Gauge
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests by service and outcome",
		},
		[]string{"service", "outcome", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of proxied requests in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"service", "outcome"},
	)

	m.forwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Duration of downstream calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "outcome"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	m.breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	m.breakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejections_total",
			Help:      "Total number of calls rejected by an open circuit",
		},
		[]string{"service"},
	)

	m.instanceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_health",
			Help:      "Instance health status (1=healthy, 0=unhealthy)",
		},
		[]string{"service", "instance"},
	)

	m.healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of health probes by result",
		},
		[]string{"service", "result"},
	)

	m.healthProbeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Duration of health probes in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"service"},
	)

	m.rateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
	)

	m.authRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_verifications_total",
			Help:      "Total number of auth service verifications by result",
		},
		[]string{"result"},
	)

	m.sinkEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_log_entries_total",
			Help:      "Total number of request log entries by result",
		},
		[]string{"result"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.forwardDuration,
		m.breakerState,
		m.breakerTransitions,
		m.breakerRejections,
		m.instanceHealth,
		m.healthProbes,
		m.healthProbeLatency,
		m.rateLimitHits,
		m.authRequests,
		m.sinkEntries,
		m.buildInfo,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetBuildInfo publishes build information.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// RecordRequest records a completed proxied request.
func (m *Metrics) RecordRequest(service, outcome string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(service, outcome, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(service, outcome).Observe(duration.Seconds())
}

// RecordForward records the duration of one downstream call.
func (m *Metrics) RecordForward(service, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.forwardDuration.WithLabelValues(service, outcome).Observe(duration.Seconds())
}

// SetBreakerState records the current state of a service breaker.
func (m *Metrics) SetBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(float64(state))
}

// RecordBreakerTransition records a breaker state change.
func (m *Metrics) RecordBreakerTransition(service, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(service, from, to).Inc()
}

// RecordBreakerRejection records a call rejected by a breaker.
func (m *Metrics) RecordBreakerRejection(service string) {
	if m == nil {
		return
	}
	m.breakerRejections.WithLabelValues(service).Inc()
}

// SetInstanceHealth records the health of one instance.
func (m *Metrics) SetInstanceHealth(service, instance string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1
	}
	m.instanceHealth.WithLabelValues(service, instance).Set(value)
}

// RecordHealthProbe records the result and duration of a health probe.
func (m *Metrics) RecordHealthProbe(service string, healthy bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if healthy {
		result = "success"
	}
	m.healthProbes.WithLabelValues(service, result).Inc()
	m.healthProbeLatency.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limited request.
func (m *Metrics) RecordRateLimitHit() {
	if m == nil {
		return
	}
	m.rateLimitHits.Inc()
}

// RecordAuth records the result of an auth verification.
func (m *Metrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.authRequests.WithLabelValues(result).Inc()
}

// RecordSinkEntry records the fate of a request log entry.
func (m *Metrics) RecordSinkEntry(result string) {
	if m == nil {
		return
	}
	m.sinkEntries.WithLabelValues(result).Inc()
}

// statusClass collapses a status code into its class to bound cardinality.
func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
