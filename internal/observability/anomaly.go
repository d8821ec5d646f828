package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
)

// AnomalyDetector watches execution outcomes per operation over a
// sliding window and warns when the failure rate crosses a threshold.
// It only observes and logs; it never blocks an operation.
type AnomalyDetector struct {
	mu        sync.Mutex
	outcomes  map[string][]outcome
	threshold float64
	window    time.Duration
	logger    *slog.Logger

	// lastAlert rate-limits warnings per operation.
	lastAlert map[string]time.Time
}

type outcome struct {
	at time.Time
	ok bool
}

const (
	minSamples    = 5
	alertCooldown = time.Minute
)

func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyDetector{
		outcomes:  make(map[string][]outcome),
		threshold: cfg.ErrorRateThreshold,
		window:    time.Duration(cfg.WindowSeconds) * time.Second,
		logger:    logger,
		lastAlert: make(map[string]time.Time),
	}
}

// RecordSuccess records a successful execution for op.
func (d *AnomalyDetector) RecordSuccess(op string) {
	d.record(op, true)
}

// RecordError records a failed execution for op and checks the
// window's failure rate.
func (d *AnomalyDetector) RecordError(op string) {
	d.record(op, false)
}

func (d *AnomalyDetector) record(op string, ok bool) {
	if d == nil {
		return
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	window := append(d.pruneLocked(op, now), outcome{at: now, ok: ok})
	d.outcomes[op] = window

	if ok || len(window) < minSamples {
		return
	}
	failures := 0
	for _, o := range window {
		if !o.ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(window))
	if rate < d.threshold {
		return
	}
	if last, seen := d.lastAlert[op]; seen && now.Sub(last) < alertCooldown {
		return
	}
	d.lastAlert[op] = now
	d.logger.Warn("elevated failure rate",
		"operation", op,
		"failure_rate", rate,
		"samples", len(window),
		"window", d.window.String(),
	)
}

// ErrorRate reports the current failure rate for op, and whether
// enough samples exist to be meaningful.
func (d *AnomalyDetector) ErrorRate(op string) (float64, bool) {
	if d == nil {
		return 0, false
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	window := d.pruneLocked(op, now)
	d.outcomes[op] = window
	if len(window) < minSamples {
		return 0, false
	}
	failures := 0
	for _, o := range window {
		if !o.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(window)), true
}

func (d *AnomalyDetector) pruneLocked(op string, now time.Time) []outcome {
	cutoff := now.Add(-d.window)
	window := d.outcomes[op]
	kept := window[:0]
	for _, o := range window {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	return kept
}
