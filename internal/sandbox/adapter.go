package sandbox

import (
	"context"
	"io"
	"sync"
	"time"
)

// Handle is an opaque reference to one live environment. It is owned
// exclusively by the Sandbox it was created for; no other component may
// use it directly.
type Handle struct {
	Kind Kind
	// ID is the substrate-level identifier (container name for Docker,
	// root directory for the process backend).
	ID string
	// WorkDir is the resolved guest working directory.
	WorkDir string
}

// ExecRequest describes one guest execution.
type ExecRequest struct {
	// Command is the program and arguments to run inside the environment.
	Command []string

	// WorkDir overrides the handle's working directory for this call.
	WorkDir string

	// Env adds environment variables on top of the sandbox's base set.
	Env map[string]string

	// Timeout bounds the execution. Zero = the sandbox config default.
	// On expiry the guest operation is terminated inside the environment,
	// not merely abandoned by the caller.
	Timeout time.Duration

	// Stream, when non-nil, receives stdout bytes as they are produced,
	// in addition to the captured (capped) buffers in the result.
	Stream io.Writer
}

// ExecResult captures the outcome of a guest execution. On timeout the
// partial output captured before the cutoff is preserved.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// Adapter translates sandbox operations into isolation-substrate calls.
// Every method takes a context and must be bounded: killing a client-side
// wait does not stop a runaway guest process, so each implementation is
// responsible for substrate-level termination on deadline expiry.
//
// Destroy is idempotent: destroying an already-gone environment returns
// success, because reclamation races are expected and must not be fatal.
type Adapter interface {
	// Kind returns the adapter's sandbox-kind tag.
	Kind() Kind

	// Create provisions an environment but does not start it.
	// Fails with KindProvision if the image/template is unavailable or
	// the substrate rejects the resource spec.
	Create(ctx context.Context, cfg Config) (*Handle, error)

	// Start transitions the environment to running. Idempotent no-op if
	// already running. Fails with KindStart on substrate failure.
	Start(ctx context.Context, h *Handle) error

	// Exec runs a command inside the live environment, bounded by the
	// request timeout. Timeout expiry yields a KindTimeout error with the
	// partial, size-capped output in the accompanying result.
	Exec(ctx context.Context, h *Handle, req ExecRequest) (*ExecResult, error)

	// CopyIn writes byte content to a path inside the environment.
	// Fails with KindPath if the path escapes the working directory.
	CopyIn(ctx context.Context, h *Handle, path string, data []byte) error

	// CopyOut reads byte content from a path inside the environment.
	CopyOut(ctx context.Context, h *Handle, path string) ([]byte, error)

	// Stop gracefully halts the environment within StopGracePeriod, after
	// which implementations escalate to a forced kill.
	Stop(ctx context.Context, h *Handle) error

	// Destroy tears down the environment and releases its resources.
	Destroy(ctx context.Context, h *Handle) error

	// Inspect reports the substrate-level status of the environment.
	Inspect(ctx context.Context, h *Handle) (string, error)
}

// AdapterFactory constructs an adapter instance for its kind.
type AdapterFactory func() Adapter

// AdapterRegistry maps sandbox-kind tags to adapter factories. Kinds are
// registered at process startup; lookups are concurrent-safe.
type AdapterRegistry struct {
	mu        sync.RWMutex
	factories map[Kind]AdapterFactory
}

// NewAdapterRegistry creates an empty adapter registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{factories: make(map[Kind]AdapterFactory)}
}

// Register adds an adapter factory for a kind. Panics on duplicates —
// that is a startup wiring error, not a runtime condition.
func (r *AdapterRegistry) Register(kind Kind, factory AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		panic("duplicate adapter registration: " + string(kind))
	}
	r.factories[kind] = factory
}

// Resolve constructs an adapter for the given kind.
func (r *AdapterRegistry) Resolve(kind Kind) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(KindNotFound, "", "resolve adapter", errUnknownKind(kind))
	}
	return factory(), nil
}

// Kinds returns the registered sandbox kinds.
func (r *AdapterRegistry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}
