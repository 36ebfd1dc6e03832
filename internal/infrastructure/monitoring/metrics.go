package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "discovery"

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Log and view metrics
	Operations     *prometheus.CounterVec
	Flushes        *prometheus.CounterVec
	FlushedChanges prometheus.Counter
	Entries        prometheus.Gauge

	// Health metrics
	Probes        *prometheus.CounterVec
	ProbeDuration prometheus.Histogram
	Targets       *prometheus.GaugeVec

	// RPC metrics
	RPCAdmitted    *prometheus.CounterVec
	RPCThrottled   *prometheus.CounterVec
	RPCDuration    *prometheus.HistogramVec
	RPCInFlight    prometheus.Gauge
	RPCConnections prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    prometheus.Counter

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current HTTP totals for the JSON API
type Snapshot struct {
	TotalRequests int64   `json:"totalRequests"`
	TotalErrors   int64   `json:"totalErrors"`
	AvgDurationMS float64 `json:"avgDurationMs"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	totalDuration float64
}

// NewMetrics registers every metric on reg. A nil reg gets a fresh registry
// with the Go and process collectors.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		ResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),

		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Log operations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		Flushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "view_flushes_total",
				Help:      "View transaction flushes by result",
			},
			[]string{"result"},
		),
		FlushedChanges: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "view_flushed_changes_total",
				Help:      "Inserts and deletes committed to the view",
			},
		),
		Entries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "view_entries",
				Help:      "Number of registered service entries",
			},
		),

		Probes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Health probes by result",
			},
			[]string{"result"},
		),
		ProbeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_probe_duration_seconds",
				Help:      "Health probe duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		Targets: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_targets",
				Help:      "Monitored targets by health",
			},
			[]string{"health"},
		),

		RPCAdmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_admitted_total",
				Help:      "RPC requests admitted by the throttle",
			},
			[]string{"method"},
		),
		RPCThrottled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_throttled_total",
				Help:      "RPC requests rejected by the throttle",
			},
			[]string{"method", "reason"},
		),
		RPCDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_duration_seconds",
				Help:      "RPC handler duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "outcome"},
		),
		RPCInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rpc_in_flight",
				Help:      "RPC requests being handled",
			},
		),
		RPCConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rpc_connections",
				Help:      "Open RPC connections",
			},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of active WebSocket connections",
			},
		),
		WSMessages: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Health transitions sent over WebSocket",
			},
		),
	}

	f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Daemon uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the registry the metrics live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format. Responses
// are left uncompressed for the HTTP server's gzip layer.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{DisableCompression: true})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// Snapshot returns current HTTP totals.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()
	if s.TotalRequests > 0 {
		s.AvgDurationMS = s.totalDuration / float64(s.TotalRequests) * 1000
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}

// RecordOperation counts an applied log operation.
func (m *Metrics) RecordOperation(kind, outcome string) {
	m.Operations.WithLabelValues(kind, outcome).Inc()
}

// RecordFlush counts a view flush.
func (m *Metrics) RecordFlush(changes int, err error) {
	if err != nil {
		m.Flushes.WithLabelValues("error").Inc()
		return
	}
	m.Flushes.WithLabelValues("ok").Inc()
	m.FlushedChanges.Add(float64(changes))
}

// SetEntries sets the number of registered entries
func (m *Metrics) SetEntries(n int) {
	m.Entries.Set(float64(n))
}

// AddEntries moves the entry gauge by delta
func (m *Metrics) AddEntries(delta int) {
	m.Entries.Add(float64(delta))
}

// RecordProbe counts a finished health probe.
func (m *Metrics) RecordProbe(result string, d time.Duration) {
	m.Probes.WithLabelValues(result).Inc()
	m.ProbeDuration.Observe(d.Seconds())
}

// SetTargets publishes the health breakdown of monitored targets.
func (m *Metrics) SetTargets(healthy, unhealthy, unknown int) {
	m.Targets.WithLabelValues("healthy").Set(float64(healthy))
	m.Targets.WithLabelValues("unhealthy").Set(float64(unhealthy))
	m.Targets.WithLabelValues("unknown").Set(float64(unknown))
}

func (m *Metrics) RequestAdmitted(method string) {
	m.RPCAdmitted.WithLabelValues(method).Inc()
}

func (m *Metrics) RequestThrottled(method, reason string) {
	m.RPCThrottled.WithLabelValues(method, reason).Inc()
}

func (m *Metrics) RequestDone(method, outcome string, d time.Duration) {
	m.RPCDuration.WithLabelValues(method, outcome).Observe(d.Seconds())
}

func (m *Metrics) SetInFlight(n int) {
	m.RPCInFlight.Set(float64(n))
}

func (m *Metrics) SetConnections(n int) {
	m.RPCConnections.Set(float64(n))
}

// RecordWSMessage counts a transition pushed to a WebSocket client
func (m *Metrics) RecordWSMessage() {
	m.WSMessages.Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
