package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable classification of a sandbox failure. Callers
// branch on the kind; the wrapped error carries the substrate detail.
type ErrorKind string

const (
	// KindProvision: the substrate rejected environment creation (missing
	// image, invalid resource spec).
	KindProvision ErrorKind = "provision"
	// KindStart: the environment failed to transition to running.
	KindStart ErrorKind = "start"
	// KindTimeout: a guest operation exceeded its deadline and was
	// forcibly terminated inside the environment.
	KindTimeout ErrorKind = "timeout"
	// KindPath: a file operation escaped the configured working directory.
	KindPath ErrorKind = "path"
	// KindValidation: request parameters were rejected before any
	// substrate call was made.
	KindValidation ErrorKind = "validation"
	// KindBusy: the sandbox's exclusive execution slot could not be
	// acquired before the caller's deadline.
	KindBusy ErrorKind = "busy"
	// KindNotFound: no sandbox (or tool) with the given identifier exists.
	KindNotFound ErrorKind = "not_found"
	// KindUnavailable: the isolation substrate itself is unreachable.
	KindUnavailable ErrorKind = "unavailable"
)

var (
	errNegativeMemory = errors.New("memory_mb must not be negative")
	errNegativeCPU    = errors.New("cpu_cores must not be negative")
	errNegativePIDs   = errors.New("pids_limit must not be negative")
	errBadPort        = errors.New("port mappings must be in range 1-65535")
)

func errUnknownKind(k Kind) error { return fmt.Errorf("unknown sandbox kind %q", k) }

// Error is a classified sandbox failure. It carries enough context
// (sandbox id, operation, cause) for the caller to act on.
type Error struct {
	Kind      ErrorKind
	SandboxID string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.SandboxID != "" && e.Err != nil:
		return fmt.Sprintf("sandbox %s: %s: %s: %v", e.SandboxID, e.Op, e.Kind, e.Err)
	case e.SandboxID != "":
		return fmt.Sprintf("sandbox %s: %s: %s", e.SandboxID, e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error for the given operation.
func NewError(kind ErrorKind, sandboxID, op string, err error) *Error {
	return &Error{Kind: kind, SandboxID: sandboxID, Op: op, Err: err}
}

// KindOf extracts the classification from an error chain.
// Returns "" when the chain carries no *Error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsNotFound reports whether err is a KindNotFound sandbox error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTimeout reports whether err is a KindTimeout sandbox error.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsBusy reports whether err is a KindBusy sandbox error.
func IsBusy(err error) bool { return KindOf(err) == KindBusy }
