package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/tools"
	dto "github.com/prometheus/client_model/go"
)

// counterValue digs a labeled counter out of gathered metric families.
func counterValue(families []*dto.MetricFamily, name string, labels map[string]string) (float64, bool) {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metric
				}
			}
			return m.GetCounter().GetValue(), true
		}
	}
	return 0, false
}

func TestNewNilConfigDisablesEverything(t *testing.T) {
	obs, err := New(context.Background(), nil, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs != nil {
		t.Fatalf("expected nil observability for nil config, got %+v", obs)
	}
	// Nil-receiver methods must not panic.
	if tr := obs.TracerOrNil(); tr != nil {
		t.Errorf("expected nil tracer, got %v", tr)
	}
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil: %v", err)
	}
}

func TestNewMetricsOnly(t *testing.T) {
	obs, err := New(context.Background(), &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("expected metrics collector")
	}
	if obs.Tracing != nil || obs.Health != nil || obs.Anomaly != nil {
		t.Error("unrequested components were built")
	}
}

func TestMetricsCollectorRegistersFamilies(t *testing.T) {
	mc := NewMetricsCollector()

	mc.RecordHTTPRequest("GET", "/v1/sandboxes", "200", 12*time.Millisecond)
	mc.RecordSandboxExecution("docker", "success", 100*time.Millisecond)
	mc.RecordToolExecution("shell_exec", "success", 50*time.Millisecond)

	families, err := mc.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	want := map[string]bool{
		"sanduku_http_requests_total":                false,
		"sanduku_http_request_duration_seconds":      false,
		"sanduku_sandbox_executions_total":           false,
		"sanduku_sandbox_execution_duration_seconds": false,
		"sanduku_tool_executions_total":              false,
		"sanduku_tool_execution_duration_seconds":    false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric family %s not gathered", name)
		}
	}
}

func TestMetricsCollectorNilSafe(t *testing.T) {
	var mc *MetricsCollector
	mc.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
	mc.RecordSandboxExecution("docker", "success", time.Millisecond)
	mc.RecordToolExecution("shell_exec", "success", time.Millisecond)
}

func TestHealthCheckerReady(t *testing.T) {
	hc := NewHealthChecker(slog.Default())
	hc.AddCheck("always_ok", func(ctx context.Context) error { return nil })

	report := hc.CheckReady(context.Background())
	if report.Status != "ok" {
		t.Fatalf("status = %q, want ok", report.Status)
	}
	if len(report.Checks) != 1 || !report.Checks[0].Healthy {
		t.Fatalf("unexpected checks: %+v", report.Checks)
	}
}

func TestHealthCheckerDegraded(t *testing.T) {
	hc := NewHealthChecker(slog.Default())
	hc.AddCheck("ok", func(ctx context.Context) error { return nil })
	hc.AddCheck("broken", func(ctx context.Context) error { return errors.New("substrate down") })

	report := hc.CheckReady(context.Background())
	if report.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", report.Status)
	}
	var found bool
	for _, c := range report.Checks {
		if c.Name == "broken" && !c.Healthy && c.Error == "substrate down" {
			found = true
		}
	}
	if !found {
		t.Fatalf("broken check result missing: %+v", report.Checks)
	}
}

func TestHealthCheckerLive(t *testing.T) {
	hc := NewHealthChecker(nil)
	hc.AddCheck("never_called", func(ctx context.Context) error {
		t.Error("liveness ran a dependency probe")
		return nil
	})
	if report := hc.CheckLive(); report.Status != "ok" {
		t.Fatalf("status = %q, want ok", report.Status)
	}
}

func TestAnomalyDetectorErrorRate(t *testing.T) {
	d := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, slog.Default())

	// Too few samples: not meaningful yet.
	d.RecordError("exec_docker")
	if _, ok := d.ErrorRate("exec_docker"); ok {
		t.Fatal("rate reported below the sample floor")
	}

	for i := 0; i < 4; i++ {
		d.RecordError("exec_docker")
	}
	for i := 0; i < 5; i++ {
		d.RecordSuccess("exec_docker")
	}
	rate, ok := d.ErrorRate("exec_docker")
	if !ok {
		t.Fatal("expected a meaningful rate")
	}
	if rate != 0.5 {
		t.Fatalf("rate = %v, want 0.5", rate)
	}

	// Operations are tracked independently.
	if _, ok := d.ErrorRate("exec_process"); ok {
		t.Fatal("unrelated op has a rate")
	}
}

func TestAnomalyDetectorNilSafe(t *testing.T) {
	var d *AnomalyDetector
	d.RecordError("exec_docker")
	d.RecordSuccess("exec_docker")
	if _, ok := d.ErrorRate("exec_docker"); ok {
		t.Fatal("nil detector reported a rate")
	}
}

type recordingAdapter struct {
	execErr  error
	execRes  *sandbox.ExecResult
	execSeen int
}

func (r *recordingAdapter) Kind() sandbox.Kind { return sandbox.KindDocker }

func (r *recordingAdapter) Create(ctx context.Context, cfg sandbox.Config) (*sandbox.Handle, error) {
	return &sandbox.Handle{Kind: sandbox.KindDocker, ID: "rec-1", WorkDir: cfg.WorkDir}, nil
}

func (r *recordingAdapter) Start(ctx context.Context, h *sandbox.Handle) error { return nil }

func (r *recordingAdapter) Exec(ctx context.Context, h *sandbox.Handle, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	r.execSeen++
	if r.execErr != nil {
		return nil, r.execErr
	}
	if r.execRes != nil {
		return r.execRes, nil
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func (r *recordingAdapter) CopyIn(ctx context.Context, h *sandbox.Handle, path string, data []byte) error {
	return nil
}

func (r *recordingAdapter) CopyOut(ctx context.Context, h *sandbox.Handle, path string) ([]byte, error) {
	return nil, nil
}

func (r *recordingAdapter) Stop(ctx context.Context, h *sandbox.Handle) error    { return nil }
func (r *recordingAdapter) Destroy(ctx context.Context, h *sandbox.Handle) error { return nil }

func (r *recordingAdapter) Inspect(ctx context.Context, h *sandbox.Handle) (string, error) {
	return "running", nil
}

func TestInstrumentAdapterNilObs(t *testing.T) {
	inner := &recordingAdapter{}
	if got := InstrumentAdapter(inner, nil); got != sandbox.Adapter(inner) {
		t.Fatal("nil observability must return the adapter unwrapped")
	}
}

func TestInstrumentedAdapterRecordsExec(t *testing.T) {
	obs := &Observability{Metrics: NewMetricsCollector()}
	inner := &recordingAdapter{execRes: &sandbox.ExecResult{ExitCode: 3}}
	wrapped := InstrumentAdapter(inner, obs)

	res, err := wrapped.Exec(context.Background(), &sandbox.Handle{ID: "rec-1"}, sandbox.ExecRequest{
		Command: []string{"false"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if inner.execSeen != 1 {
		t.Fatalf("inner exec calls = %d, want 1", inner.execSeen)
	}

	families, err := obs.Metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	v, ok := counterValue(families, "sanduku_sandbox_executions_total",
		map[string]string{"kind": "docker", "status": "nonzero_exit"})
	if !ok || v != 1 {
		t.Fatalf("nonzero_exit executions = %v (found=%v), want 1", v, ok)
	}
}

func TestInstrumentedAdapterFeedsAnomalyDetector(t *testing.T) {
	obs := &Observability{
		Anomaly: NewAnomalyDetector(&config.AnomalyConfig{
			Enabled:            true,
			ErrorRateThreshold: 0.9,
			WindowSeconds:      60,
		}, slog.Default()),
	}
	inner := &recordingAdapter{execErr: errors.New("substrate exec failed")}
	wrapped := InstrumentAdapter(inner, obs)

	for i := 0; i < 5; i++ {
		if _, err := wrapped.Exec(context.Background(), &sandbox.Handle{ID: "rec-1"}, sandbox.ExecRequest{}); err == nil {
			t.Fatal("expected exec error")
		}
	}
	rate, ok := obs.Anomaly.ErrorRate("exec_docker")
	if !ok || rate != 1.0 {
		t.Fatalf("rate = %v ok=%v, want 1.0 true", rate, ok)
	}
}

type stubTool struct {
	res *tools.Result
	err error
}

func (s *stubTool) Name() string                { return "stub" }
func (s *stubTool) Description() string         { return "stub tool" }
func (s *stubTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) Validate(map[string]any) error {
	return nil
}

func (s *stubTool) Execute(ctx context.Context, target tools.Target, params map[string]any) (*tools.Result, error) {
	return s.res, s.err
}

func TestInstrumentedToolRecordsStatus(t *testing.T) {
	obs := &Observability{Metrics: NewMetricsCollector()}
	wrapped := InstrumentTool(&stubTool{res: &tools.Result{Success: false, Output: "boom"}}, obs)

	if wrapped.Name() != "stub" {
		t.Fatalf("name = %q", wrapped.Name())
	}
	if _, err := wrapped.Execute(context.Background(), nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	families, err := obs.Metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	v, ok := counterValue(families, "sanduku_tool_executions_total",
		map[string]string{"tool": "stub", "status": "failed"})
	if !ok || v != 1 {
		t.Fatalf("failed tool executions = %v (found=%v), want 1", v, ok)
	}
}
