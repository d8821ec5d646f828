package observability

import (
	"context"
	"time"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedAdapter decorates a sandbox adapter with tracing,
// metrics and anomaly tracking. All instrumentation fields may be nil.
type InstrumentedAdapter struct {
	inner   sandbox.Adapter
	tracer  trace.Tracer
	metrics *MetricsCollector
	anomaly *AnomalyDetector
}

var _ sandbox.Adapter = (*InstrumentedAdapter)(nil)

// InstrumentAdapter wraps inner with the observability components of
// obs. When obs is nil the adapter is returned unwrapped.
func InstrumentAdapter(inner sandbox.Adapter, obs *Observability) sandbox.Adapter {
	if obs == nil {
		return inner
	}
	return &InstrumentedAdapter{
		inner:   inner,
		tracer:  obs.TracerOrNil(),
		metrics: obs.Metrics,
		anomaly: obs.Anomaly,
	}
}

func (a *InstrumentedAdapter) Kind() sandbox.Kind {
	return a.inner.Kind()
}

func (a *InstrumentedAdapter) Create(ctx context.Context, cfg sandbox.Config) (*sandbox.Handle, error) {
	ctx, span := a.startSpan(ctx, "sandbox.create",
		attribute.String("sandbox.kind", string(a.inner.Kind())),
		attribute.String("sandbox.image", cfg.Image),
	)
	defer span.End()

	h, err := a.inner.Create(ctx, cfg)
	a.finishSpan(span, "create", err)
	return h, err
}

func (a *InstrumentedAdapter) Start(ctx context.Context, h *sandbox.Handle) error {
	ctx, span := a.startSpan(ctx, "sandbox.start",
		attribute.String("sandbox.substrate_id", h.ID),
	)
	defer span.End()

	err := a.inner.Start(ctx, h)
	a.finishSpan(span, "start", err)
	return err
}

func (a *InstrumentedAdapter) Exec(ctx context.Context, h *sandbox.Handle, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	kind := string(a.inner.Kind())
	ctx, span := a.startSpan(ctx, "sandbox.exec",
		attribute.String("sandbox.kind", kind),
		attribute.String("sandbox.substrate_id", h.ID),
	)
	defer span.End()

	start := time.Now()
	res, err := a.inner.Exec(ctx, h, req)
	duration := time.Since(start)

	status := "success"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.anomaly.RecordError("exec_" + kind)
	case res != nil && res.ExitCode != 0:
		status = "nonzero_exit"
		span.SetAttributes(attribute.Int("sandbox.exit_code", res.ExitCode))
		a.anomaly.RecordSuccess("exec_" + kind)
	default:
		a.anomaly.RecordSuccess("exec_" + kind)
	}
	a.metrics.RecordSandboxExecution(kind, status, duration)
	return res, err
}

func (a *InstrumentedAdapter) CopyIn(ctx context.Context, h *sandbox.Handle, path string, data []byte) error {
	ctx, span := a.startSpan(ctx, "sandbox.copy_in",
		attribute.String("sandbox.path", path),
		attribute.Int("sandbox.bytes", len(data)),
	)
	defer span.End()

	err := a.inner.CopyIn(ctx, h, path, data)
	a.finishSpan(span, "copy_in", err)
	return err
}

func (a *InstrumentedAdapter) CopyOut(ctx context.Context, h *sandbox.Handle, path string) ([]byte, error) {
	ctx, span := a.startSpan(ctx, "sandbox.copy_out",
		attribute.String("sandbox.path", path),
	)
	defer span.End()

	data, err := a.inner.CopyOut(ctx, h, path)
	a.finishSpan(span, "copy_out", err)
	return data, err
}

func (a *InstrumentedAdapter) Stop(ctx context.Context, h *sandbox.Handle) error {
	ctx, span := a.startSpan(ctx, "sandbox.stop")
	defer span.End()

	err := a.inner.Stop(ctx, h)
	a.finishSpan(span, "stop", err)
	return err
}

func (a *InstrumentedAdapter) Destroy(ctx context.Context, h *sandbox.Handle) error {
	ctx, span := a.startSpan(ctx, "sandbox.destroy")
	defer span.End()

	err := a.inner.Destroy(ctx, h)
	a.finishSpan(span, "destroy", err)
	return err
}

func (a *InstrumentedAdapter) Inspect(ctx context.Context, h *sandbox.Handle) (string, error) {
	return a.inner.Inspect(ctx, h)
}

func (a *InstrumentedAdapter) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if a.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return a.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (a *InstrumentedAdapter) finishSpan(span trace.Span, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.anomaly.RecordError(op + "_" + string(a.inner.Kind()))
		return
	}
	a.anomaly.RecordSuccess(op + "_" + string(a.inner.Kind()))
}

// InstrumentedTool decorates a tool with metrics and tracing.
type InstrumentedTool struct {
	inner   tools.Tool
	tracer  trace.Tracer
	metrics *MetricsCollector
}

var _ tools.Tool = (*InstrumentedTool)(nil)

// InstrumentTool wraps inner, or returns it unwrapped when obs is nil.
func InstrumentTool(inner tools.Tool, obs *Observability) tools.Tool {
	if obs == nil {
		return inner
	}
	return &InstrumentedTool{
		inner:   inner,
		tracer:  obs.TracerOrNil(),
		metrics: obs.Metrics,
	}
}

func (t *InstrumentedTool) Name() string                { return t.inner.Name() }
func (t *InstrumentedTool) Description() string         { return t.inner.Description() }
func (t *InstrumentedTool) InputSchema() map[string]any { return t.inner.InputSchema() }

func (t *InstrumentedTool) Validate(params map[string]any) error {
	return t.inner.Validate(params)
}

func (t *InstrumentedTool) Execute(ctx context.Context, target tools.Target, params map[string]any) (*tools.Result, error) {
	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.Start(ctx, "tool.execute",
			trace.WithAttributes(attribute.String("tool.name", t.inner.Name())))
		defer span.End()
	}

	start := time.Now()
	res, err := t.inner.Execute(ctx, target, params)
	duration := time.Since(start)

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case res != nil && !res.Success:
		status = "failed"
	}
	t.metrics.RecordToolExecution(t.inner.Name(), status, duration)
	return res, err
}
