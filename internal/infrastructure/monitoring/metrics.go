package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one kernel instance
type Metrics struct {
	registry *prometheus.Registry

	// Dispatch metrics
	Dispatches     prometheus.Counter
	IdleDispatches prometheus.Counter
	Preemptions    prometheus.Counter

	// System call metrics
	Syscalls *prometheus.CounterVec
	IPCSends *prometheus.CounterVec

	// Environment metrics
	EnvsActive prometheus.Gauge
	EnvFaults  prometheus.Counter

	// Memory metrics
	PagesFree prometheus.Gauge

	// Pipe metrics
	PipeRaces prometheus.Counter

	// Status server metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Snapshot for JSON API - track current values
	snapshot Snapshot
	started  time.Time

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON API
type Snapshot struct {
	Dispatches     int64   `json:"dispatches"`
	IdleDispatches int64   `json:"idle_dispatches"`
	Preemptions    int64   `json:"preemptions"`
	Syscalls       int64   `json:"syscalls"`
	Faults         int64   `json:"faults"`
	PipeRaces      int64   `json:"pipe_races"`
	EnvsActive     int64   `json:"envs_active"`
	PagesFree      int64   `json:"pages_free"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector registered on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		started:  time.Now(),

		Dispatches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "exokern_dispatches_total",
				Help: "Total number of environment dispatches",
			},
		),
		IdleDispatches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "exokern_idle_dispatches_total",
				Help: "Dispatches of the idle environment",
			},
		),
		Preemptions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "exokern_preemptions_total",
				Help: "Involuntary switches caused by quantum expiry",
			},
		),

		Syscalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exokern_syscalls_total",
				Help: "Total number of system calls",
			},
			[]string{"call"},
		),
		IPCSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exokern_ipc_sends_total",
				Help: "IPC send attempts by result",
			},
			[]string{"result"},
		),

		EnvsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exokern_envs_active",
				Help: "Number of allocated environments",
			},
		),
		EnvFaults: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "exokern_env_faults_total",
				Help: "Environments destroyed by a fault or user panic",
			},
		),

		PagesFree: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exokern_pages_free",
				Help: "Free physical frames",
			},
		),

		PipeRaces: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "exokern_pipe_races_total",
				Help: "Pipe close checks discarded because the environment was rescheduled",
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exokern_status_requests_total",
				Help: "Total number of status server requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exokern_status_request_duration_seconds",
				Help:    "Status server request duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"method", "path"},
		),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDispatch records one dispatch
func (m *Metrics) RecordDispatch(idle bool) {
	m.Dispatches.Inc()
	if idle {
		m.IdleDispatches.Inc()
	}

	m.mu.Lock()
	m.snapshot.Dispatches++
	if idle {
		m.snapshot.IdleDispatches++
	}
	m.mu.Unlock()
}

// RecordPreemption records a quantum expiry
func (m *Metrics) RecordPreemption() {
	m.Preemptions.Inc()
	m.mu.Lock()
	m.snapshot.Preemptions++
	m.mu.Unlock()
}

// RecordSyscall records a system call by name
func (m *Metrics) RecordSyscall(call string) {
	m.Syscalls.WithLabelValues(call).Inc()
	m.mu.Lock()
	m.snapshot.Syscalls++
	m.mu.Unlock()
}

// RecordIPCSend records the result of one send attempt
func (m *Metrics) RecordIPCSend(result string) {
	m.IPCSends.WithLabelValues(result).Inc()
}

// RecordFault records an environment killed by a fault
func (m *Metrics) RecordFault() {
	m.EnvFaults.Inc()
	m.mu.Lock()
	m.snapshot.Faults++
	m.mu.Unlock()
}

// RecordPipeRace records a discarded pipe close check
func (m *Metrics) RecordPipeRace() {
	m.PipeRaces.Inc()
	m.mu.Lock()
	m.snapshot.PipeRaces++
	m.mu.Unlock()
}

// SetEnvsActive sets the number of allocated environments
func (m *Metrics) SetEnvsActive(count int) {
	m.EnvsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.EnvsActive = int64(count)
	m.mu.Unlock()
}

// SetPagesFree sets the number of free frames
func (m *Metrics) SetPagesFree(count int) {
	m.PagesFree.Set(float64(count))
	m.mu.Lock()
	m.snapshot.PagesFree = int64(count)
	m.mu.Unlock()
}

// RecordHTTPRequest records a status server request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Snapshot returns the current values
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = time.Since(m.started).Seconds()
	return s
}
