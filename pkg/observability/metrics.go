package observability

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string

	// Namespace prefixes every metric name (default: mcphost)
	Namespace string
	// HistogramBuckets overrides the latency buckets, in seconds
	HistogramBuckets []float64
	// IncludeRuntime adds the Go runtime and process collectors
	IncludeRuntime bool
}

// Metrics owns the host's Prometheus collectors. Every method is safe on a
// nil receiver, which records nothing, so components take a *Metrics
// without checking whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry
	config   MetricsConfig

	dispatchTotal      *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	capabilityDuration *prometheus.HistogramVec

	sessionsActive     prometheus.Gauge
	sessionsTerminated *prometheus.CounterVec

	tcpConnections    prometheus.Gauge
	tcpFramesRejected *prometheus.CounterVec
	sseStreams        prometheus.Gauge
	httpRequests      *prometheus.CounterVec

	executorWait prometheus.Histogram
	executorRun  prometheus.Histogram
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if config.Namespace == "" {
		config.Namespace = "mcphost"
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	}
	constLabels := prometheus.Labels{}
	if config.ServiceName != "" {
		constLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		constLabels["version"] = config.ServiceVersion
	}

	m := &Metrics{registry: prometheus.NewRegistry(), config: config}
	ns := config.Namespace

	m.dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "dispatch",
		Name:        "messages_total",
		Help:        "JSON-RPC messages dispatched, by method and outcome",
		ConstLabels: constLabels,
	}, []string{"method", "outcome"})

	m.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "dispatch",
		Name:        "duration_seconds",
		Help:        "Time spent dispatching a JSON-RPC message",
		Buckets:     config.HistogramBuckets,
		ConstLabels: constLabels,
	}, []string{"method"})

	m.capabilityDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "capability",
		Name:        "duration_seconds",
		Help:        "Time spent in tool, prompt and resource code",
		Buckets:     config.HistogramBuckets,
		ConstLabels: constLabels,
	}, []string{"kind", "name", "status"})

	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "sessions",
		Name:        "active",
		Help:        "HTTP sessions currently alive",
		ConstLabels: constLabels,
	})

	m.sessionsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "sessions",
		Name:        "terminated_total",
		Help:        "HTTP sessions terminated, by reason",
		ConstLabels: constLabels,
	}, []string{"reason"})

	m.tcpConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "tcp",
		Name:        "connections_active",
		Help:        "Open TCP transport connections",
		ConstLabels: constLabels,
	})

	m.tcpFramesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "tcp",
		Name:        "frames_rejected_total",
		Help:        "TCP frames rejected before dispatch, by reason",
		ConstLabels: constLabels,
	}, []string{"reason"})

	m.sseStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "http",
		Name:        "sse_streams_active",
		Help:        "Open server-sent event streams",
		ConstLabels: constLabels,
	})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "http",
		Name:        "requests_total",
		Help:        "HTTP transport requests, by verb and status code",
		ConstLabels: constLabels,
	}, []string{"method", "code"})

	m.executorWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "executor",
		Name:        "queue_wait_seconds",
		Help:        "Time work items waited for the serial executor",
		Buckets:     config.HistogramBuckets,
		ConstLabels: constLabels,
	})

	m.executorRun = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "executor",
		Name:        "run_seconds",
		Help:        "Time work items ran on the serial executor",
		Buckets:     config.HistogramBuckets,
		ConstLabels: constLabels,
	})

	cs := []prometheus.Collector{
		m.dispatchTotal, m.dispatchDuration, m.capabilityDuration,
		m.sessionsActive, m.sessionsTerminated,
		m.tcpConnections, m.tcpFramesRejected,
		m.sseStreams, m.httpRequests,
		m.executorWait, m.executorRun,
	}
	if config.IncludeRuntime {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterGaugeFunc exposes fn as a gauge sampled at scrape time.
func (m *Metrics) RegisterGaugeFunc(subsystem, name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.config.Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
	if err := m.registry.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			m.registry.Unregister(are.ExistingCollector)
			return m.registry.Register(g)
		}
		return err
	}
	return nil
}

// RecordDispatch records one dispatched message. outcome is "ok",
// "notification" or the JSON-RPC error name.
func (m *Metrics) RecordDispatch(method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.dispatchTotal.WithLabelValues(method, outcome).Inc()
	m.dispatchDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordCapability records time spent in one capability call
func (m *Metrics) RecordCapability(kind, name, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.capabilityDuration.WithLabelValues(kind, name, status).Observe(duration.Seconds())
}

// SessionOpened increments the active session gauge
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionTerminated decrements the active session gauge and counts reason.
func (m *Metrics) SessionTerminated(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTerminated.WithLabelValues(reason).Inc()
}

// ConnectionOpened tracks a new TCP connection
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.tcpConnections.Inc()
}

// ConnectionClosed tracks a closed TCP connection
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.tcpConnections.Dec()
}

// FrameRejected counts a TCP frame refused by the framing layer
func (m *Metrics) FrameRejected(reason string) {
	if m == nil {
		return
	}
	m.tcpFramesRejected.WithLabelValues(reason).Inc()
}

// StreamOpened tracks a new SSE stream
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.sseStreams.Inc()
}

// StreamClosed tracks a finished SSE stream
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.sseStreams.Dec()
}

// RecordHTTPRequest counts one HTTP transport request
func (m *Metrics) RecordHTTPRequest(method string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, fmt.Sprint(code)).Inc()
}

// ObserveExecutor records queue wait and run time of one executor item.
func (m *Metrics) ObserveExecutor(wait, run time.Duration) {
	if m == nil {
		return
	}
	m.executorWait.Observe(wait.Seconds())
	m.executorRun.Observe(run.Seconds())
}
