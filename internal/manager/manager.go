// Package manager owns the sandbox registry and lifecycle policy: it
// creates, tracks, and reclaims sandboxes, dispatches executions and tool
// invocations, and caps the fleet size. The registry is in-memory; a
// restart starts from an empty fleet and the substrate's own cleanup
// (container removal, workspace deletion) is the durability story.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/tools"
)

const (
	defaultMaxSandboxes    = 32
	defaultSweepSchedule   = "@every 30s"
	defaultIdleTimeout     = 30 * time.Minute
	defaultRetentionPeriod = 5 * time.Minute
	defaultMaxAge          = 24 * time.Hour
)

// Config configures the sandbox manager.
type Config struct {
	// MaxSandboxes caps concurrently registered sandboxes. Zero = 32.
	MaxSandboxes int `json:"max_sandboxes" yaml:"max_sandboxes"`

	// DefaultKind is used when a create request leaves the kind empty.
	DefaultKind sandbox.Kind `json:"default_kind" yaml:"default_kind"`

	// SweepSchedule is a cron expression (descriptors like "@every 30s"
	// allowed) for the reclamation sweep. Zero = every 30 seconds.
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule"`

	// IdleTimeout reclaims running sandboxes with no activity. Zero = 30m.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// RetentionPeriod reclaims stopped and errored sandboxes after this
	// long without activity. Zero = 5m.
	RetentionPeriod time.Duration `json:"retention_period" yaml:"retention_period"`

	// MaxAge reclaims any sandbox past this age regardless of activity.
	// Zero = 24h.
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`

	// Defaults seeds every sandbox config before per-request overrides.
	Defaults sandbox.Config `json:"defaults" yaml:"defaults"`
}

func (c Config) withDefaults() Config {
	if c.MaxSandboxes <= 0 {
		c.MaxSandboxes = defaultMaxSandboxes
	}
	if c.DefaultKind == "" {
		c.DefaultKind = sandbox.KindDocker
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = defaultSweepSchedule
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = defaultRetentionPeriod
	}
	if c.MaxAge <= 0 {
		c.MaxAge = defaultMaxAge
	}
	return c
}

// AuditRecorder receives a record of every mutating manager operation.
// A nil recorder disables auditing.
type AuditRecorder interface {
	Record(ctx context.Context, action, sandboxID, detail string, success bool)
}

// Stats is a point-in-time snapshot of the fleet.
type Stats struct {
	Total    int                   `json:"total"`
	Capacity int                   `json:"capacity"`
	Busy     int                   `json:"busy"`
	ByState  map[sandbox.State]int `json:"by_state"`
	ByKind   map[sandbox.Kind]int  `json:"by_kind"`
}

// Manager is the sandbox fleet coordinator.
type Manager struct {
	cfg      Config
	adapters *sandbox.AdapterRegistry
	tools    *tools.Registry
	schedule cron.Schedule
	metrics  *Metrics
	audit    AuditRecorder
	logger   *slog.Logger

	mu        sync.RWMutex
	sandboxes map[string]*sandbox.Sandbox
	order     []string // creation order, oldest first
	closed    bool
}

// New creates a Manager. The sweep does not run until Start.
func New(cfg Config, adapters *sandbox.AdapterRegistry, toolReg *tools.Registry, metrics *Metrics, audit AuditRecorder, logger *slog.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.SweepSchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}

	return &Manager{
		cfg:       cfg,
		adapters:  adapters,
		tools:     toolReg,
		schedule:  schedule,
		metrics:   metrics,
		audit:     audit,
		logger:    logger,
		sandboxes: make(map[string]*sandbox.Sandbox),
	}, nil
}

// Tools returns the tool registry.
func (m *Manager) Tools() *tools.Registry { return m.tools }

func (m *Manager) record(ctx context.Context, action, sandboxID, detail string, ok bool) {
	if m.audit != nil {
		m.audit.Record(ctx, action, sandboxID, detail, ok)
	}
}

// Create provisions and starts a new sandbox. Fleet capacity is reserved
// up front so concurrent creates cannot overshoot the cap. A sandbox
// whose start fails stays registered in the error state until the sweep
// or an explicit delete reclaims it.
func (m *Manager) Create(ctx context.Context, kind sandbox.Kind, overrides sandbox.Config) (sandbox.Summary, error) {
	if kind == "" {
		kind = m.cfg.DefaultKind
	}
	adapter, err := m.adapters.Resolve(kind)
	if err != nil {
		m.countCreateFailure()
		return sandbox.Summary{}, sandbox.NewError(sandbox.KindValidation, "", "create", err)
	}

	cfg := mergeConfig(m.cfg.Defaults, overrides)
	id := uuid.New().String()
	sbx := sandbox.NewSandbox(id, adapter, cfg, m.logger)

	// 1. Reserve a registry slot.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return sandbox.Summary{}, sandbox.NewError(sandbox.KindUnavailable, "", "create",
			fmt.Errorf("manager is shut down"))
	}
	if len(m.sandboxes) >= m.cfg.MaxSandboxes {
		m.mu.Unlock()
		m.countCreateFailure()
		return sandbox.Summary{}, sandbox.NewError(sandbox.KindProvision, "", "create",
			fmt.Errorf("sandbox limit reached (%d)", m.cfg.MaxSandboxes))
	}
	m.sandboxes[id] = sbx
	m.order = append(m.order, id)
	m.setActiveGauge(len(m.sandboxes))
	m.mu.Unlock()

	// 2. Bring the substrate up outside the registry lock.
	if err := sbx.Start(ctx); err != nil {
		m.countCreateFailure()
		m.record(ctx, "create", id, string(kind), false)
		return sbx.Summary(), err
	}

	if m.metrics != nil {
		m.metrics.SandboxesCreated.Inc()
	}
	m.record(ctx, "create", id, string(kind), true)
	m.logger.Info("sandbox created",
		slog.String("sandbox", id),
		slog.String("kind", string(kind)),
	)
	return sbx.Summary(), nil
}

// Get returns a snapshot of one sandbox.
func (m *Manager) Get(id string) (sandbox.Summary, error) {
	sbx, err := m.lookup(id)
	if err != nil {
		return sandbox.Summary{}, err
	}
	return sbx.Summary(), nil
}

// List returns snapshots of all sandboxes in creation order. With
// states given, only sandboxes in one of those states are included.
func (m *Manager) List(states ...sandbox.State) []sandbox.Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]sandbox.Summary, 0, len(m.order))
	for _, id := range m.order {
		sbx, ok := m.sandboxes[id]
		if !ok {
			continue
		}
		s := sbx.Summary()
		if len(states) > 0 && !stateIn(s.State, states) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func stateIn(s sandbox.State, states []sandbox.State) bool {
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}

// Delete destroys a sandbox and then removes it from the registry. The
// entry stays registered until the substrate confirms teardown, so a
// failed destroy can be retried and the sweep still sees the sandbox.
// Deleting an unknown (or already deleted) sandbox reports not found.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.RLock()
	sbx, ok := m.sandboxes[id]
	m.mu.RUnlock()
	if !ok {
		return sandbox.NewError(sandbox.KindNotFound, id, "delete",
			fmt.Errorf("no such sandbox"))
	}

	if err := sbx.Destroy(ctx); err != nil {
		m.record(ctx, "delete", id, "", false)
		return err
	}
	m.mu.Lock()
	m.remove(id)
	m.mu.Unlock()
	m.record(ctx, "delete", id, "", true)
	if m.metrics != nil {
		m.metrics.SandboxesDestroyed.Inc()
	}
	return nil
}

// Exec dispatches a command to a sandbox.
func (m *Manager) Exec(ctx context.Context, id string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	sbx, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	res, err := sbx.Exec(ctx, req)
	m.observeExec(res, err)
	return res, err
}

// CopyIn writes a file into a sandbox working directory.
func (m *Manager) CopyIn(ctx context.Context, id, path string, data []byte) error {
	sbx, err := m.lookup(id)
	if err != nil {
		return err
	}
	err = sbx.CopyIn(ctx, path, data)
	m.record(ctx, "copy_in", id, path, err == nil)
	return err
}

// CopyOut reads a file from a sandbox working directory.
func (m *Manager) CopyOut(ctx context.Context, id, path string) ([]byte, error) {
	sbx, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return sbx.CopyOut(ctx, path)
}

// InvokeTool runs a registered tool against a sandbox.
func (m *Manager) InvokeTool(ctx context.Context, id, name string, params map[string]any) (*tools.Result, error) {
	sbx, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	res, err := tools.Invoke(ctx, m.tools, sbx, name, params)
	m.record(ctx, "tool:"+name, id, "", err == nil)
	if err != nil {
		m.countExecFailure(err)
	}
	return res, err
}

// Stats returns fleet-level counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Total:    len(m.sandboxes),
		Capacity: m.cfg.MaxSandboxes,
		ByState:  make(map[sandbox.State]int),
		ByKind:   make(map[sandbox.Kind]int),
	}
	for _, sbx := range m.sandboxes {
		s := sbx.Summary()
		stats.ByState[s.State]++
		stats.ByKind[s.Kind]++
		if s.Busy {
			stats.Busy++
		}
	}
	return stats
}

// Sweep reclaims sandboxes in one pass:
//   - running sandboxes idle past IdleTimeout
//   - stopped or errored sandboxes inactive past RetentionPeriod
//   - any sandbox older than MaxAge
//
// Busy sandboxes are always skipped; the next sweep revisits them.
// Returns the number of sandboxes reclaimed.
func (m *Manager) Sweep(ctx context.Context) int {
	start := time.Now()
	now := start

	m.mu.RLock()
	candidates := make([]*sandbox.Sandbox, 0)
	for _, sbx := range m.sandboxes {
		if sbx.Busy() {
			continue
		}
		if reason := m.reclaimReason(sbx, now); reason != "" {
			candidates = append(candidates, sbx)
		}
	}
	m.mu.RUnlock()

	reclaimed := 0
	for _, sbx := range candidates {
		// Holding the execution slot during the destroy makes the busy
		// exclusion a guarantee: an exec that slipped in after the scan
		// either holds the slot (skip) or blocks until the next sweep.
		if !sbx.TryAcquire() {
			continue
		}
		reason := m.reclaimReason(sbx, now)
		if reason == "" {
			sbx.Release()
			continue
		}
		err := sbx.Destroy(ctx)
		sbx.Release()
		if err != nil {
			m.logger.Error("sweep failed to destroy sandbox",
				slog.String("sandbox", sbx.ID),
				slog.Any("error", err),
			)
			continue
		}
		m.mu.Lock()
		m.remove(sbx.ID)
		m.mu.Unlock()
		reclaimed++
		m.record(ctx, "sweep", sbx.ID, reason, true)
		m.logger.Info("sandbox reclaimed",
			slog.String("sandbox", sbx.ID),
			slog.String("reason", reason),
		)
	}

	if m.metrics != nil {
		m.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		m.metrics.SandboxesReclaimed.Add(float64(reclaimed))
		m.metrics.SandboxesDestroyed.Add(float64(reclaimed))
	}
	return reclaimed
}

// reclaimReason decides whether a sandbox should be reclaimed now, and
// why. Empty means keep. Busy exclusion is the caller's job: Sweep
// holds the execution slot before acting on the answer.
func (m *Manager) reclaimReason(sbx *sandbox.Sandbox, now time.Time) string {
	summary := sbx.Summary()
	if now.Sub(summary.CreatedAt) > m.cfg.MaxAge {
		return "max age exceeded"
	}
	switch summary.State {
	case sandbox.StateRunning:
		if now.Sub(summary.LastActiveAt) > m.cfg.IdleTimeout {
			return "idle timeout"
		}
	case sandbox.StateStopped, sandbox.StateError:
		if now.Sub(summary.LastActiveAt) > m.cfg.RetentionPeriod {
			return "retention expired"
		}
	}
	return ""
}

// Start launches the background sweep on the configured schedule and
// returns a stop function.
func (m *Manager) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		m.logger.Info("reclamation sweep started",
			slog.String("schedule", m.cfg.SweepSchedule),
		)
		for {
			next := m.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				m.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Close destroys every registered sandbox and rejects further creates.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	remaining := make([]*sandbox.Sandbox, 0, len(m.sandboxes))
	for _, sbx := range m.sandboxes {
		remaining = append(remaining, sbx)
	}
	m.sandboxes = make(map[string]*sandbox.Sandbox)
	m.order = nil
	m.setActiveGauge(0)
	m.mu.Unlock()

	var firstErr error
	for _, sbx := range remaining {
		if err := sbx.Destroy(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.logger.Info("manager closed", slog.Int("destroyed", len(remaining)))
	return firstErr
}

// lookup returns the live sandbox or a not-found error.
func (m *Manager) lookup(id string) (*sandbox.Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sbx, ok := m.sandboxes[id]
	if !ok {
		return nil, sandbox.NewError(sandbox.KindNotFound, id, "lookup",
			fmt.Errorf("no such sandbox"))
	}
	return sbx, nil
}

// remove drops an id from the registry. Caller holds m.mu.
func (m *Manager) remove(id string) {
	delete(m.sandboxes, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.setActiveGauge(len(m.sandboxes))
}

func (m *Manager) setActiveGauge(n int) {
	if m.metrics != nil {
		m.metrics.ActiveSandboxes.Set(float64(n))
	}
}

func (m *Manager) countCreateFailure() {
	if m.metrics != nil {
		m.metrics.CreateFailures.Inc()
	}
}

func (m *Manager) countExecFailure(err error) {
	if m.metrics == nil || err == nil {
		return
	}
	kind := string(sandbox.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	m.metrics.ExecFailures.WithLabelValues(kind).Inc()
	if sandbox.IsBusy(err) {
		m.metrics.BusyRejections.Inc()
	}
}

func (m *Manager) observeExec(res *sandbox.ExecResult, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.Executions.Inc()
	if res != nil {
		m.metrics.ExecDuration.Observe(res.Duration.Seconds())
	}
	m.countExecFailure(err)
}

// mergeConfig overlays per-request settings on the fleet defaults.
func mergeConfig(base, o sandbox.Config) sandbox.Config {
	if o.Image != "" {
		base.Image = o.Image
	}
	if o.Timeout > 0 {
		base.Timeout = o.Timeout
	}
	if o.AcquireWait > 0 {
		base.AcquireWait = o.AcquireWait
	}
	if o.MemoryMB != 0 {
		base.MemoryMB = o.MemoryMB
	}
	if o.CPUCores != 0 {
		base.CPUCores = o.CPUCores
	}
	if o.PIDsLimit != 0 {
		base.PIDsLimit = o.PIDsLimit
	}
	if o.NetworkEnabled {
		base.NetworkEnabled = true
	}
	if o.WorkDir != "" {
		base.WorkDir = o.WorkDir
	}
	if len(o.Env) > 0 {
		merged := make(map[string]string, len(base.Env)+len(o.Env))
		for k, v := range base.Env {
			merged[k] = v
		}
		for k, v := range o.Env {
			merged[k] = v
		}
		base.Env = merged
	}
	if len(o.Mounts) > 0 {
		base.Mounts = o.Mounts
	}
	if len(o.Ports) > 0 {
		base.Ports = o.Ports
	}
	return base
}
