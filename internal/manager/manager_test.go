package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAdapter is an in-memory Adapter for manager tests.
type fakeAdapter struct {
	nextID     int64
	execDelay  time.Duration
	createErr  error
	destroyErr error
	destroyed  sync.Map
}

func (f *fakeAdapter) Kind() sandbox.Kind { return sandbox.KindProcess }

func (f *fakeAdapter) Create(ctx context.Context, cfg sandbox.Config) (*sandbox.Handle, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := fmt.Sprintf("fake-%d", atomic.AddInt64(&f.nextID, 1))
	return &sandbox.Handle{Kind: sandbox.KindProcess, ID: id, WorkDir: "/work"}, nil
}

func (f *fakeAdapter) Start(ctx context.Context, h *sandbox.Handle) error { return nil }

func (f *fakeAdapter) Exec(ctx context.Context, h *sandbox.Handle, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	if f.execDelay > 0 {
		time.Sleep(f.execDelay)
	}
	return &sandbox.ExecResult{Stdout: "ok", Duration: f.execDelay}, nil
}

func (f *fakeAdapter) CopyIn(ctx context.Context, h *sandbox.Handle, path string, data []byte) error {
	return nil
}

func (f *fakeAdapter) CopyOut(ctx context.Context, h *sandbox.Handle, path string) ([]byte, error) {
	return []byte("content"), nil
}

func (f *fakeAdapter) Stop(ctx context.Context, h *sandbox.Handle) error { return nil }

func (f *fakeAdapter) Destroy(ctx context.Context, h *sandbox.Handle) error {
	if f.destroyErr != nil {
		return f.destroyErr
	}
	f.destroyed.Store(h.ID, true)
	return nil
}

func (f *fakeAdapter) Inspect(ctx context.Context, h *sandbox.Handle) (string, error) {
	return "running", nil
}

type recordedEvent struct {
	action    string
	sandboxID string
	success   bool
}

type fakeAudit struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeAudit) Record(ctx context.Context, action, sandboxID, detail string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{action, sandboxID, success})
}

func newTestManager(t *testing.T, cfg Config, fake *fakeAdapter) *Manager {
	t.Helper()
	adapters := sandbox.NewAdapterRegistry()
	adapters.Register(sandbox.KindProcess, func() sandbox.Adapter { return fake })
	cfg.DefaultKind = sandbox.KindProcess

	m, err := New(cfg, adapters, tools.NewRegistry(), nil, nil, testLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestManager_CreateGetDelete(t *testing.T) {
	m := newTestManager(t, Config{}, &fakeAdapter{})
	ctx := context.Background()

	created, err := m.Create(ctx, "", sandbox.Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.State != sandbox.StateRunning {
		t.Fatalf("state = %s, want running", created.State)
	}

	got, err := m.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("get returned %s, want %s", got.ID, created.ID)
	}

	if err := m.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(created.ID); !sandbox.IsNotFound(err) {
		t.Fatalf("get after delete: %v, want not found", err)
	}
}

func TestManager_DoubleDeleteNotFound(t *testing.T) {
	m := newTestManager(t, Config{}, &fakeAdapter{})
	ctx := context.Background()

	created, err := m.Create(ctx, "", sandbox.Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Delete(ctx, created.ID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := m.Delete(ctx, created.ID); !sandbox.IsNotFound(err) {
		t.Fatalf("second delete: %v, want not found", err)
	}
}

func TestManager_DeleteKeepsEntryOnDestroyFailure(t *testing.T) {
	fake := &fakeAdapter{destroyErr: sandbox.NewError(sandbox.KindUnavailable, "", "destroy", errors.New("daemon down"))}
	m := newTestManager(t, Config{}, fake)
	ctx := context.Background()

	s, err := m.Create(ctx, "", sandbox.Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Delete(ctx, s.ID); sandbox.KindOf(err) != sandbox.KindUnavailable {
		t.Fatalf("delete with failing substrate: %v, want unavailable", err)
	}

	// The still-live environment must stay tracked so the delete can be
	// retried once the substrate recovers.
	if _, err := m.Get(s.ID); err != nil {
		t.Fatalf("sandbox untracked after failed delete: %v", err)
	}

	fake.destroyErr = nil
	if err := m.Delete(ctx, s.ID); err != nil {
		t.Fatalf("retried delete: %v", err)
	}
	if _, err := m.Get(s.ID); !sandbox.IsNotFound(err) {
		t.Fatalf("get after successful delete: %v, want not found", err)
	}
}

func TestManager_ListFilteredByState(t *testing.T) {
	fake := &fakeAdapter{}
	m := newTestManager(t, Config{}, fake)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Create(ctx, "", sandbox.Config{}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	fake.createErr = errors.New("boom")
	m.Create(ctx, "", sandbox.Config{})

	if got := len(m.List()); got != 3 {
		t.Fatalf("unfiltered list = %d, want 3", got)
	}
	if got := len(m.List(sandbox.StateRunning)); got != 2 {
		t.Fatalf("running list = %d, want 2", got)
	}
	errored := m.List(sandbox.StateError)
	if len(errored) != 1 || errored[0].State != sandbox.StateError {
		t.Fatalf("errored list = %+v, want one errored sandbox", errored)
	}
	if got := len(m.List(sandbox.StateStopped)); got != 0 {
		t.Fatalf("stopped list = %d, want 0", got)
	}
}

func TestManager_ListCreationOrder(t *testing.T) {
	m := newTestManager(t, Config{}, &fakeAdapter{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		s, err := m.Create(ctx, "", sandbox.Config{})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, s.ID)
	}

	// Delete one in the middle; order of the rest must hold.
	if err := m.Delete(ctx, ids[2]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	want := []string{ids[0], ids[1], ids[3], ids[4]}

	list := m.List()
	if len(list) != len(want) {
		t.Fatalf("list length = %d, want %d", len(list), len(want))
	}
	for i, s := range list {
		if s.ID != want[i] {
			t.Fatalf("list[%d] = %s, want %s", i, s.ID, want[i])
		}
	}
}

func TestManager_CapacityCap(t *testing.T) {
	m := newTestManager(t, Config{MaxSandboxes: 2}, &fakeAdapter{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Create(ctx, "", sandbox.Config{}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	_, err := m.Create(ctx, "", sandbox.Config{})
	if sandbox.KindOf(err) != sandbox.KindProvision {
		t.Fatalf("over-cap create: kind = %v, want %v", sandbox.KindOf(err), sandbox.KindProvision)
	}

	// Deleting frees capacity.
	if err := m.Delete(ctx, m.List()[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Create(ctx, "", sandbox.Config{}); err != nil {
		t.Fatalf("create after delete: %v", err)
	}
}

func TestManager_UnknownKindRejected(t *testing.T) {
	m := newTestManager(t, Config{}, &fakeAdapter{})
	_, err := m.Create(context.Background(), sandbox.Kind("firecracker"), sandbox.Config{})
	if sandbox.KindOf(err) != sandbox.KindValidation {
		t.Fatalf("kind = %v, want %v", sandbox.KindOf(err), sandbox.KindValidation)
	}
}

func TestManager_FailedCreateStaysInErrorState(t *testing.T) {
	fake := &fakeAdapter{createErr: sandbox.NewError(sandbox.KindProvision, "", "create", errors.New("no image"))}
	m := newTestManager(t, Config{}, fake)

	_, err := m.Create(context.Background(), "", sandbox.Config{})
	if sandbox.KindOf(err) != sandbox.KindProvision {
		t.Fatalf("kind = %v, want %v", sandbox.KindOf(err), sandbox.KindProvision)
	}

	// The failed sandbox remains visible in the error state until reclaimed.
	list := m.List()
	if len(list) != 1 || list[0].State != sandbox.StateError {
		t.Fatalf("list = %+v, want one errored sandbox", list)
	}
}

func TestManager_ExecAndCopy(t *testing.T) {
	m := newTestManager(t, Config{}, &fakeAdapter{})
	ctx := context.Background()

	s, err := m.Create(ctx, "", sandbox.Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := m.Exec(ctx, s.ID, sandbox.ExecRequest{Command: []string{"echo"}})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Stdout != "ok" {
		t.Fatalf("stdout = %q", res.Stdout)
	}

	if err := m.CopyIn(ctx, s.ID, "f.txt", []byte("x")); err != nil {
		t.Fatalf("copy in: %v", err)
	}
	if _, err := m.CopyOut(ctx, s.ID, "f.txt"); err != nil {
		t.Fatalf("copy out: %v", err)
	}

	if _, err := m.Exec(ctx, "nope", sandbox.ExecRequest{Command: []string{"echo"}}); !sandbox.IsNotFound(err) {
		t.Fatalf("exec unknown sandbox: %v, want not found", err)
	}
}

func TestManager_InvokeTool(t *testing.T) {
	fake := &fakeAdapter{}
	adapters := sandbox.NewAdapterRegistry()
	adapters.Register(sandbox.KindProcess, func() sandbox.Adapter { return fake })

	reg := tools.NewRegistry()
	reg.Register(&echoTool{})

	m, err := New(Config{DefaultKind: sandbox.KindProcess}, adapters, reg, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close(context.Background())

	ctx := context.Background()
	s, err := m.Create(ctx, "", sandbox.Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := m.InvokeTool(ctx, s.ID, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !res.Success || res.Output != "ok" {
		t.Fatalf("result = %+v", res)
	}

	if _, err := m.InvokeTool(ctx, s.ID, "ghost", nil); !sandbox.IsNotFound(err) {
		t.Fatalf("unknown tool: %v, want not found", err)
	}
}

// echoTool runs a trivial exec against the target.
type echoTool struct{}

func (echoTool) Name() string                  { return "echo" }
func (echoTool) Description() string           { return "echo" }
func (echoTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (echoTool) Validate(map[string]any) error { return nil }
func (echoTool) Execute(ctx context.Context, target tools.Target, params map[string]any) (*tools.Result, error) {
	res, err := target.Exec(ctx, sandbox.ExecRequest{Command: []string{"echo"}})
	if err != nil {
		return nil, err
	}
	return &tools.Result{Output: res.Stdout, Success: true}, nil
}

func TestManager_SweepReclaimsIdle(t *testing.T) {
	fake := &fakeAdapter{}
	m := newTestManager(t, Config{
		IdleTimeout:     30 * time.Millisecond,
		RetentionPeriod: time.Hour,
		MaxAge:          time.Hour,
	}, fake)
	ctx := context.Background()

	s, err := m.Create(ctx, "", sandbox.Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if n := m.Sweep(ctx); n != 0 {
		t.Fatalf("fresh sandbox reclaimed: %d", n)
	}

	time.Sleep(50 * time.Millisecond)
	if n := m.Sweep(ctx); n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	if _, err := m.Get(s.ID); !sandbox.IsNotFound(err) {
		t.Fatalf("reclaimed sandbox still visible: %v", err)
	}
}

func TestManager_SweepSkipsBusy(t *testing.T) {
	fake := &fakeAdapter{execDelay: 150 * time.Millisecond}
	m := newTestManager(t, Config{
		IdleTimeout:     10 * time.Millisecond,
		RetentionPeriod: time.Hour,
		MaxAge:          time.Hour,
	}, fake)
	ctx := context.Background()

	s, err := m.Create(ctx, "", sandbox.Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Exec(ctx, s.ID, sandbox.ExecRequest{Command: []string{"sleep"}})
	}()

	time.Sleep(30 * time.Millisecond) // idle threshold passed, exec in flight
	if n := m.Sweep(ctx); n != 0 {
		t.Fatalf("busy sandbox reclaimed: %d", n)
	}
	<-done

	// Activity during the exec reset the idle clock.
	if n := m.Sweep(ctx); n != 0 {
		t.Fatalf("recently active sandbox reclaimed: %d", n)
	}

	time.Sleep(30 * time.Millisecond)
	if n := m.Sweep(ctx); n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
}

func TestManager_SweepReclaimsErrored(t *testing.T) {
	fake := &fakeAdapter{createErr: errors.New("boom")}
	m := newTestManager(t, Config{
		IdleTimeout:     time.Hour,
		RetentionPeriod: 20 * time.Millisecond,
		MaxAge:          time.Hour,
	}, fake)
	ctx := context.Background()

	m.Create(ctx, "", sandbox.Config{})
	if len(m.List()) != 1 {
		t.Fatal("errored sandbox not registered")
	}

	time.Sleep(40 * time.Millisecond)
	if n := m.Sweep(ctx); n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	if len(m.List()) != 0 {
		t.Fatal("errored sandbox survived sweep")
	}
}

func TestManager_SweepReclaimsOverMaxAge(t *testing.T) {
	m := newTestManager(t, Config{
		IdleTimeout:     time.Hour,
		RetentionPeriod: time.Hour,
		MaxAge:          20 * time.Millisecond,
	}, &fakeAdapter{})
	ctx := context.Background()

	if _, err := m.Create(ctx, "", sandbox.Config{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if n := m.Sweep(ctx); n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
}

func TestManager_Stats(t *testing.T) {
	m := newTestManager(t, Config{MaxSandboxes: 8}, &fakeAdapter{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Create(ctx, "", sandbox.Config{}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	stats := m.Stats()
	if stats.Total != 3 || stats.Capacity != 8 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByState[sandbox.StateRunning] != 3 {
		t.Fatalf("by_state = %v", stats.ByState)
	}
	if stats.ByKind[sandbox.KindProcess] != 3 {
		t.Fatalf("by_kind = %v", stats.ByKind)
	}
}

func TestManager_AuditRecorded(t *testing.T) {
	fake := &fakeAdapter{}
	adapters := sandbox.NewAdapterRegistry()
	adapters.Register(sandbox.KindProcess, func() sandbox.Adapter { return fake })
	audit := &fakeAudit{}

	m, err := New(Config{DefaultKind: sandbox.KindProcess}, adapters, tools.NewRegistry(), nil, audit, testLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close(context.Background())

	ctx := context.Background()
	s, _ := m.Create(ctx, "", sandbox.Config{})
	m.Delete(ctx, s.ID)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.events) != 2 {
		t.Fatalf("events = %+v, want create+delete", audit.events)
	}
	if audit.events[0].action != "create" || !audit.events[0].success {
		t.Fatalf("first event = %+v", audit.events[0])
	}
	if audit.events[1].action != "delete" {
		t.Fatalf("second event = %+v", audit.events[1])
	}
}

func TestManager_CloseDestroysAll(t *testing.T) {
	fake := &fakeAdapter{}
	m := newTestManager(t, Config{}, fake)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Create(ctx, "", sandbox.Config{}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	count := 0
	fake.destroyed.Range(func(_, _ any) bool { count++; return true })
	if count != 3 {
		t.Fatalf("destroyed = %d, want 3", count)
	}

	if _, err := m.Create(ctx, "", sandbox.Config{}); sandbox.KindOf(err) != sandbox.KindUnavailable {
		t.Fatalf("create after close: %v", err)
	}
}

func TestManager_MetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	if metrics == nil {
		t.Fatal("metrics should be non-nil with a registry")
	}
	if NewMetrics(nil) != nil {
		t.Fatal("nil registry should yield nil metrics")
	}

	fake := &fakeAdapter{}
	adapters := sandbox.NewAdapterRegistry()
	adapters.Register(sandbox.KindProcess, func() sandbox.Adapter { return fake })
	m, err := New(Config{DefaultKind: sandbox.KindProcess}, adapters, tools.NewRegistry(), metrics, nil, testLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close(context.Background())

	ctx := context.Background()
	s, err := m.Create(ctx, "", sandbox.Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Exec(ctx, s.ID, sandbox.ExecRequest{Command: []string{"echo"}}); err != nil {
		t.Fatalf("exec: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"sanduku_manager_sandboxes_created_total",
		"sanduku_manager_executions_total",
		"sanduku_manager_active_sandboxes",
	} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestManager_InvalidSweepSchedule(t *testing.T) {
	adapters := sandbox.NewAdapterRegistry()
	_, err := New(Config{SweepSchedule: "not a schedule"}, adapters, tools.NewRegistry(), nil, nil, testLogger())
	if err == nil {
		t.Fatal("invalid schedule should be rejected")
	}
}
