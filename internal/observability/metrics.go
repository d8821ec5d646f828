package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds the Prometheus metric families for the HTTP
// surface and the execution path. It owns its own registry so the
// exposition endpoint serves only intentional metrics.
type MetricsCollector struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates and registers all metric families.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mc := &MetricsCollector{
		Registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sanduku",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, path and status code.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sanduku",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sanduku",
				Subsystem: "http",
				Name:      "active_requests",
				Help:      "In-flight HTTP requests.",
			},
		),
		SandboxExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sanduku",
				Subsystem: "sandbox",
				Name:      "executions_total",
				Help:      "Sandbox command executions by backend kind and status.",
			},
			[]string{"kind", "status"},
		),
		SandboxExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sanduku",
				Subsystem: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Sandbox command execution latency.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sanduku",
				Subsystem: "tool",
				Name:      "executions_total",
				Help:      "Tool invocations by tool name and status.",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sanduku",
				Subsystem: "tool",
				Name:      "execution_duration_seconds",
				Help:      "Tool invocation latency.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
	}

	reg.MustRegister(
		mc.HTTPRequestsTotal,
		mc.HTTPRequestDuration,
		mc.ActiveRequests,
		mc.SandboxExecutionsTotal,
		mc.SandboxExecutionDuration,
		mc.ToolExecutionsTotal,
		mc.ToolExecutionDuration,
	)
	return mc
}

// RecordHTTPRequest records one completed request.
func (mc *MetricsCollector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	mc.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSandboxExecution records one command execution against a sandbox.
func (mc *MetricsCollector) RecordSandboxExecution(kind, status string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.SandboxExecutionsTotal.WithLabelValues(kind, status).Inc()
	mc.SandboxExecutionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordToolExecution records one tool invocation.
func (mc *MetricsCollector) RecordToolExecution(tool, status string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	mc.ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
