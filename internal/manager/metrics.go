package manager

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the sandbox manager.
type Metrics struct {
	SandboxesCreated   prometheus.Counter
	SandboxesDestroyed prometheus.Counter
	SandboxesReclaimed prometheus.Counter
	CreateFailures     prometheus.Counter
	Executions         prometheus.Counter
	ExecFailures       *prometheus.CounterVec
	ExecDuration       prometheus.Histogram
	BusyRejections     prometheus.Counter
	ActiveSandboxes    prometheus.Gauge
	SweepDuration      prometheus.Histogram
}

// NewMetrics creates and registers manager metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SandboxesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "manager",
			Name:      "sandboxes_created_total",
			Help:      "Total sandboxes successfully created and started.",
		}),
		SandboxesDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "manager",
			Name:      "sandboxes_destroyed_total",
			Help:      "Total sandboxes destroyed, by any path.",
		}),
		SandboxesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "manager",
			Name:      "sandboxes_reclaimed_total",
			Help:      "Total sandboxes reclaimed by the background sweep.",
		}),
		CreateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "manager",
			Name:      "create_failures_total",
			Help:      "Total sandbox creations that failed.",
		}),
		Executions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "manager",
			Name:      "executions_total",
			Help:      "Total guest executions dispatched through the manager.",
		}),
		ExecFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "manager",
			Name:      "exec_failures_total",
			Help:      "Total failed guest executions, by error kind.",
		}, []string{"kind"}),
		ExecDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "manager",
			Name:      "exec_duration_seconds",
			Help:      "Wall-clock duration of guest executions.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		BusyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "manager",
			Name:      "busy_rejections_total",
			Help:      "Total operations rejected because the sandbox stayed busy past the wait bound.",
		}),
		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "manager",
			Name:      "active_sandboxes",
			Help:      "Sandboxes currently registered (any state).",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "manager",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each reclamation sweep.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}),
	}

	reg.MustRegister(
		m.SandboxesCreated,
		m.SandboxesDestroyed,
		m.SandboxesReclaimed,
		m.CreateFailures,
		m.Executions,
		m.ExecFailures,
		m.ExecDuration,
		m.BusyRejections,
		m.ActiveSandboxes,
		m.SweepDuration,
	)

	return m
}
