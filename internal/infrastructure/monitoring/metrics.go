package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kcpu"

// latencyWindow is how many recent hand-off latencies Snapshot summarises.
const latencyWindow = 256

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Loader metrics
	LoadsTotal      *prometheus.CounterVec
	LoadBytes       prometheus.Histogram
	Transitions     *prometheus.CounterVec
	HandoffDuration *prometheus.HistogramVec
	Mode            *prometheus.GaugeVec
	HardwareFaults  prometheus.Counter
	BreakerState    prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	mu        sync.Mutex
	snapshot  counters
	latencies []float64 // ring of recent hand-off latencies in seconds
	next      int
}

type counters struct {
	TotalRequests int64
	TotalErrors   int64
	Loads         int64
	LoadFailures  int64
	Transitions   int64
	Faults        int64
}

// NewMetrics creates a metrics collector on its own registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry registers all collectors on reg.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),
		latencies: make([]float64, 0, latencyWindow),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_size_bytes",
				Help:      "HTTP request size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),

		LoadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loads_total",
				Help:      "Kernel image loads by result",
			},
			[]string{"result"},
		),
		LoadBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_bytes",
				Help:      "Size of placed kernel images",
				Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
			},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Execution mode transitions by target mode and result",
			},
			[]string{"target", "result"},
		),
		HandoffDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handoff_duration_seconds",
				Help:      "Time from reset release to mailbox acknowledgement",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 2},
			},
			[]string{"target"},
		),
		Mode: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mode",
				Help:      "1 for the current execution mode, 0 otherwise",
			},
			[]string{"mode"},
		),
		HardwareFaults: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hardware_faults_total",
				Help:      "Coprocessor failures to halt on reset",
			},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "handoff_breaker_state",
				Help:      "Hand-off circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Service uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordLoad records a load attempt. bytes is only observed on success.
func (m *Metrics) RecordLoad(result string, bytes int) {
	m.LoadsTotal.WithLabelValues(result).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.Loads++
	if result != "ok" {
		m.snapshot.LoadFailures++
		return
	}
	m.LoadBytes.Observe(float64(bytes))
}

// RecordTransition records a start or stop attempt.
func (m *Metrics) RecordTransition(target, result string) {
	m.Transitions.WithLabelValues(target, result).Inc()

	m.mu.Lock()
	m.snapshot.Transitions++
	m.mu.Unlock()
}

// RecordHandoff records an acknowledged hand-off.
func (m *Metrics) RecordHandoff(target string, d time.Duration) {
	m.HandoffDuration.WithLabelValues(target).Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latencies) < latencyWindow {
		m.latencies = append(m.latencies, d.Seconds())
		return
	}
	m.latencies[m.next] = d.Seconds()
	m.next = (m.next + 1) % latencyWindow
}

// SetMode marks mode as current among all known modes.
func (m *Metrics) SetMode(mode string, all []string) {
	for _, name := range all {
		v := 0.0
		if name == mode {
			v = 1
		}
		m.Mode.WithLabelValues(name).Set(v)
	}
}

// IncHardwareFaults counts a failure to halt the coprocessor.
func (m *Metrics) IncHardwareFaults() {
	m.HardwareFaults.Inc()

	m.mu.Lock()
	m.snapshot.Faults++
	m.mu.Unlock()
}

// SetBreakerState exports the hand-off breaker state.
func (m *Metrics) SetBreakerState(state int) {
	m.BreakerState.Set(float64(state))
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
