package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sandbox is one managed execution environment. It owns the lifecycle
// state machine and serializes guest executions: at most one Exec runs at
// a time per sandbox.
//
// State transitions:
//
//	created -> starting -> running -> stopping -> stopped -> destroyed
//	                          |
//	                          +-> error (substrate failure; destroy only)
//
// Any state may transition to destroyed; all other transitions are
// rejected.
type Sandbox struct {
	ID      string
	Kind    Kind
	Config  Config
	adapter Adapter
	logger  *slog.Logger

	// execSlot has capacity 1; holding the token grants exclusive
	// execution. Acquisition is context-bounded.
	execSlot chan struct{}

	mu           sync.RWMutex
	state        State
	handle       *Handle
	lastErr      string
	createdAt    time.Time
	startedAt    time.Time
	lastActiveAt time.Time
}

// NewSandbox creates a sandbox in StateCreated. Nothing touches the
// substrate until Start.
func NewSandbox(id string, adapter Adapter, cfg Config, logger *slog.Logger) *Sandbox {
	now := time.Now()
	return &Sandbox{
		ID:           id,
		Kind:         adapter.Kind(),
		Config:       cfg.WithDefaults(),
		adapter:      adapter,
		logger:       logger.With(slog.String("sandbox", id)),
		execSlot:     make(chan struct{}, 1),
		state:        StateCreated,
		createdAt:    now,
		lastActiveAt: now,
	}
}

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Handle returns the substrate handle, or nil unless the sandbox is
// running. Callers must not retain it across state transitions.
func (s *Sandbox) Handle() *Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateRunning {
		return nil
	}
	return s.handle
}

// Busy reports whether an execution currently holds the slot.
func (s *Sandbox) Busy() bool { return len(s.execSlot) == 1 }

// CreatedAt returns the creation time.
func (s *Sandbox) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// LastActiveAt returns the time of the most recent completed operation.
func (s *Sandbox) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

func (s *Sandbox) touch() {
	s.mu.Lock()
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
}

// Start drives created -> starting -> running. On substrate failure the
// sandbox lands in StateError with the cause recorded; it can then only
// be destroyed.
func (s *Sandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return NewError(KindStart, s.ID, "start",
			fmt.Errorf("cannot start from state %s", state))
	}
	s.state = StateStarting
	s.mu.Unlock()

	// 1. Provision the substrate environment.
	h, err := s.adapter.Create(ctx, s.Config)
	if err != nil {
		s.fail(err)
		return err
	}

	// 2. Bring it to running.
	if err := s.adapter.Start(ctx, h); err != nil {
		s.fail(err)
		// The provisioned environment must not leak.
		if derr := s.adapter.Destroy(context.WithoutCancel(ctx), h); derr != nil {
			s.logger.Error("failed to reclaim after start failure", slog.Any("error", derr))
		}
		return err
	}

	s.mu.Lock()
	s.handle = h
	s.state = StateRunning
	now := time.Now()
	s.startedAt = now
	s.lastActiveAt = now
	s.mu.Unlock()

	s.logger.Info("sandbox running", slog.String("kind", string(s.Kind)))
	return nil
}

func (s *Sandbox) fail(cause error) {
	s.mu.Lock()
	s.state = StateError
	s.lastErr = cause.Error()
	s.mu.Unlock()
	s.logger.Error("sandbox entered error state", slog.Any("error", cause))
}

// Acquire takes the exclusive execution slot, waiting at most the
// configured AcquireWait (or until the context expires, whichever comes
// first). A sandbox that stays busy past the bound yields a busy error;
// the in-flight execution is never interrupted.
func (s *Sandbox) Acquire(ctx context.Context) error {
	if s.TryAcquire() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.Config.AcquireWait)
	defer cancel()
	select {
	case s.execSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return NewError(KindBusy, s.ID, "acquire",
			fmt.Errorf("sandbox busy: %w", ctx.Err()))
	}
}

// TryAcquire takes the execution slot without waiting. A true return
// must be paired with Release.
func (s *Sandbox) TryAcquire() bool {
	select {
	case s.execSlot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns the execution slot. Must follow a successful Acquire.
func (s *Sandbox) Release() {
	select {
	case <-s.execSlot:
	default:
		panic("sandbox: release without acquire")
	}
}

// runningHandle snapshots the handle for a substrate call, rejecting
// non-running states.
func (s *Sandbox) runningHandle(op string) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case StateRunning:
		return s.handle, nil
	case StateDestroyed:
		return nil, NewError(KindNotFound, s.ID, op,
			fmt.Errorf("sandbox destroyed"))
	default:
		return nil, NewError(KindValidation, s.ID, op,
			fmt.Errorf("sandbox not running (state %s)", s.state))
	}
}

// Exec runs a command inside the sandbox, holding the exclusive slot for
// the duration. The request timeout falls back to the config default.
// A timeout poisons nothing: the slot is released and the sandbox stays
// usable for the next caller.
func (s *Sandbox) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if err := s.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.Release()

	h, err := s.runningHandle("exec")
	if err != nil {
		return nil, err
	}
	if req.Timeout <= 0 {
		req.Timeout = s.Config.Timeout
	}

	res, err := s.adapter.Exec(ctx, h, req)
	s.touch()
	return res, err
}

// CopyIn writes a file into the sandbox working directory.
func (s *Sandbox) CopyIn(ctx context.Context, path string, data []byte) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()

	h, err := s.runningHandle("copy_in")
	if err != nil {
		return err
	}
	err = s.adapter.CopyIn(ctx, h, path, data)
	s.touch()
	return err
}

// CopyOut reads a file from the sandbox working directory.
func (s *Sandbox) CopyOut(ctx context.Context, path string) ([]byte, error) {
	if err := s.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.Release()

	h, err := s.runningHandle("copy_out")
	if err != nil {
		return nil, err
	}
	data, err := s.adapter.CopyOut(ctx, h, path)
	s.touch()
	return data, err
}

// Stop drives running -> stopping -> stopped. The substrate environment
// survives; only Destroy reclaims it. Stopping a stopped sandbox is a
// no-op.
func (s *Sandbox) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateRunning:
	default:
		state := s.state
		s.mu.Unlock()
		return NewError(KindValidation, s.ID, "stop",
			fmt.Errorf("cannot stop from state %s", state))
	}
	s.state = StateStopping
	h := s.handle
	s.mu.Unlock()

	if err := s.adapter.Stop(ctx, h); err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.state = StateStopped
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
	s.logger.Info("sandbox stopped")
	return nil
}

// Destroy reclaims the substrate environment from any state. A running
// sandbox gets a graceful stop first, bounded by the grace period, then
// the forced destroy. Idempotent: destroying a destroyed sandbox
// succeeds. Destroy does not wait for the execution slot; a forced
// destroy kills any in-flight execution at the substrate level.
func (s *Sandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.state == StateRunning
	if wasRunning {
		s.state = StateStopping
	}
	h := s.handle
	s.mu.Unlock()

	if h != nil {
		if wasRunning {
			stopCtx, cancel := context.WithTimeout(ctx, StopGracePeriod+2*time.Second)
			if err := s.adapter.Stop(stopCtx, h); err != nil {
				s.logger.Warn("graceful stop failed, forcing destroy", slog.Any("error", err))
			} else {
				s.mu.Lock()
				s.state = StateStopped
				s.mu.Unlock()
			}
			cancel()
		}
		if err := s.adapter.Destroy(ctx, h); err != nil {
			s.fail(err)
			return err
		}
	}

	s.mu.Lock()
	s.state = StateDestroyed
	s.handle = nil
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
	s.logger.Info("sandbox destroyed")
	return nil
}

// Summary is a point-in-time snapshot for listings and inspection.
type Summary struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	State        State     `json:"state"`
	Image        string    `json:"image"`
	Busy         bool      `json:"busy"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	LastActiveAt time.Time `json:"last_active_at"`
	LastError    string    `json:"last_error,omitempty"`
}

// Summary returns a snapshot of the sandbox.
func (s *Sandbox) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		ID:           s.ID,
		Kind:         s.Kind,
		State:        s.state,
		Image:        s.Config.Image,
		Busy:         len(s.execSlot) == 1,
		CreatedAt:    s.createdAt,
		StartedAt:    s.startedAt,
		LastActiveAt: s.lastActiveAt,
		LastError:    s.lastErr,
	}
}
