package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CheckFunc probes one dependency. It must return promptly and honor
// the context deadline.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of a single dependency probe.
type CheckResult struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// HealthReport aggregates all dependency probes.
type HealthReport struct {
	Status string        `json:"status"` // "ok" or "degraded"
	Checks []CheckResult `json:"checks,omitempty"`
}

// HealthChecker runs registered dependency probes for the readiness
// endpoint. Liveness never runs probes: a process that can answer
// HTTP is alive.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	order  []string
	logger *slog.Logger
}

const checkTimeout = 3 * time.Second

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		checks: make(map[string]CheckFunc),
		logger: logger,
	}
}

// AddCheck registers a named dependency probe. Re-registering a name
// replaces the previous probe.
func (h *HealthChecker) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.checks[name]; !exists {
		h.order = append(h.order, name)
	}
	h.checks[name] = fn
}

// CheckLive reports process liveness.
func (h *HealthChecker) CheckLive() HealthReport {
	return HealthReport{Status: "ok"}
}

// CheckReady runs every registered probe, each bounded to a few
// seconds. Any failure degrades the report.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthReport {
	h.mu.RLock()
	names := make([]string, len(h.order))
	copy(names, h.order)
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	report := HealthReport{Status: "ok"}
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		err := checks[name](cctx)
		cancel()

		result := CheckResult{
			Name:      name,
			Healthy:   err == nil,
			LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			result.Error = err.Error()
			report.Status = "degraded"
			h.logger.Warn("readiness check failed", "check", name, "error", err)
		}
		report.Checks = append(report.Checks, result)
	}
	return report
}
