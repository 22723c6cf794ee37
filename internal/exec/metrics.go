package exec

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report execution activity.
type Metrics struct {
	executionsTotal  *prometheus.CounterVec
	executionsActive prometheus.Gauge
	streamClients    prometheus.Gauge
	tailLines        prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Created once so repeated orchestrator
// construction (tests, pool sessions) cannot panic on duplicate
// registration.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance on the provided registerer.
// Tests pass a fresh registry; a registration error panics, mirroring
// promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statad",
				Subsystem: "exec",
				Name:      "executions_total",
				Help:      "Executions reaching a terminal state, by outcome.",
			},
			[]string{"outcome"},
		),
		executionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "statad",
				Subsystem: "exec",
				Name:      "executions_active",
				Help:      "Executions currently running.",
			},
		),
		streamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "statad",
				Subsystem: "exec",
				Name:      "stream_clients",
				Help:      "Callers currently attached to an output stream.",
			},
		),
		tailLines: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statad",
				Subsystem: "exec",
				Name:      "tail_lines_total",
				Help:      "Log lines delivered to streaming callers.",
			},
		),
	}
	for _, c := range []prometheus.Collector{m.executionsTotal, m.executionsActive, m.streamClients, m.tailLines} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
	return m
}

// ExecutionStarted records a worker going active.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.executionsActive.Inc()
}

// ExecutionFinished records the terminal outcome.
func (m *Metrics) ExecutionFinished(state State) {
	if m == nil {
		return
	}
	m.executionsActive.Dec()
	m.executionsTotal.WithLabelValues(string(state)).Inc()
}

// StreamAttached / StreamDetached track connected streaming callers.
func (m *Metrics) StreamAttached() {
	if m == nil {
		return
	}
	m.streamClients.Inc()
}

func (m *Metrics) StreamDetached() {
	if m == nil {
		return
	}
	m.streamClients.Dec()
}

// LinesDelivered counts streamed log lines.
func (m *Metrics) LinesDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tailLines.Add(float64(n))
}
