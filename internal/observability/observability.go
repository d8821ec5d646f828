// Package observability wires metrics, tracing, health checks and
// anomaly detection behind a single facade. A nil configuration
// disables everything with zero overhead.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
	"go.opentelemetry.io/otel/trace"
)

// Observability bundles the instrumentation components the server uses.
// Any field may be nil when the corresponding feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracing *TracerSetup
	Health  *HealthChecker
	Anomaly *AnomalyDetector

	logger *slog.Logger
}

// New builds the observability stack from configuration. A nil cfg
// returns nil, and every method on a nil *Observability is safe to call.
func New(ctx context.Context, cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	obs := &Observability{logger: logger}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(ctx, cfg.Tracing)
		if err != nil {
			return nil, err
		}
		obs.Tracing = ts
	}
	if cfg.Health != nil {
		obs.Health = NewHealthChecker(logger)
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// TracerOrNil returns the configured tracer, or nil when tracing is off.
// Callers must handle a nil tracer by skipping span creation.
func (o *Observability) TracerOrNil() trace.Tracer {
	if o == nil || o.Tracing == nil {
		return nil
	}
	return o.Tracing.Tracer()
}

// Shutdown flushes exporters. It is safe on a nil receiver.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	if o.Tracing != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := o.Tracing.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
