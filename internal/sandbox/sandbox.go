// Package sandbox provides isolated execution environments for untrusted
// code, shell commands, and file operations. Every environment is driven
// through an Adapter that translates lifecycle and execution operations into
// calls against the isolation substrate (Docker containers or plain OS
// processes). All external commands run through a sandbox — never directly
// on the host.
package sandbox

import (
	"fmt"
	"time"
)

// Kind selects which adapter implementation owns a sandbox.
type Kind string

const (
	// KindDocker runs each sandbox in a long-lived hardened container.
	KindDocker Kind = "docker"
	// KindProcess runs each sandbox as ulimit-constrained host processes
	// rooted in an isolated per-sandbox directory.
	KindProcess Kind = "process"
)

// State is the lifecycle state of a sandbox.
type State string

const (
	StateCreated   State = "created"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateDestroyed State = "destroyed"
	StateError     State = "error"
)

// ParseState validates a state string supplied by an external caller,
// such as a list filter.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateCreated, StateStarting, StateRunning, StateStopping,
		StateStopped, StateDestroyed, StateError:
		return State(s), nil
	}
	return "", &Error{Kind: KindValidation, Op: "state", Err: fmt.Errorf("unknown state %q", s)}
}

const (
	// MaxOutputBytes caps captured stdout/stderr to prevent OOM from
	// chatty guest commands.
	MaxOutputBytes = 1 << 20 // 1 MB

	// MaxFileBytes caps CopyOut reads. Files over the cap are rejected
	// outright rather than silently truncated.
	MaxFileBytes = 32 << 20 // 32 MB

	// DefaultTimeout bounds a guest execution when the config and the
	// request both leave the timeout unset.
	DefaultTimeout = 30 * time.Second

	// DefaultWorkDir is the guest working directory when unset.
	DefaultWorkDir = "/home/sanduku"

	// StopGracePeriod is how long a graceful stop may take before the
	// adapter escalates to a forced destroy.
	StopGracePeriod = 10 * time.Second

	// DefaultAcquireWait bounds how long a caller waits for a busy
	// sandbox before being rejected.
	DefaultAcquireWait = 5 * time.Second

	defaultMemoryMB  = 512
	defaultCPUCores  = 1.0
	defaultPIDsLimit = 64
	defaultImage     = "sanduku-runtime:latest"
)

// Mount maps a host path into the guest environment.
type Mount struct {
	HostPath  string `json:"host_path" yaml:"host_path"`
	GuestPath string `json:"guest_path" yaml:"guest_path"`
	ReadOnly  bool   `json:"read_only" yaml:"read_only"`
}

// PortMapping exposes a guest port on the host.
type PortMapping struct {
	HostPort  int `json:"host_port" yaml:"host_port"`
	GuestPort int `json:"guest_port" yaml:"guest_port"`
}

// Config describes one sandbox environment. It is supplied once at creation
// and never mutated afterward; a Config may be shared read-only across
// sandboxes of the same kind.
type Config struct {
	// Image is the container image or environment template identifier.
	Image string `json:"image" yaml:"image"`

	// Timeout is the default wall-clock bound per guest execution.
	// Zero = DefaultTimeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// AcquireWait bounds how long a caller blocks on a busy sandbox
	// before the operation is rejected. Zero = DefaultAcquireWait.
	AcquireWait time.Duration `json:"acquire_wait" yaml:"acquire_wait"`

	// MemoryMB is the hard memory ceiling. Zero = 512.
	MemoryMB int `json:"memory_mb" yaml:"memory_mb"`

	// CPUCores is the CPU rate limit (e.g. 0.5 = half a core). Zero = 1.0.
	CPUCores float64 `json:"cpu_cores" yaml:"cpu_cores"`

	// PIDsLimit bounds guest process count (fork bomb protection). Zero = 64.
	PIDsLimit int `json:"pids_limit" yaml:"pids_limit"`

	// NetworkEnabled opens the guest network stack. Default: no network.
	NetworkEnabled bool `json:"network_enabled" yaml:"network_enabled"`

	// WorkDir is the guest working directory. All file operations are
	// contained within it. Empty = DefaultWorkDir.
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// Env adds environment variables on top of the sanitized base set.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Mounts are host directories exposed inside the guest.
	Mounts []Mount `json:"mounts,omitempty" yaml:"mounts,omitempty"`

	// Ports are guest ports published on the host. Only meaningful when
	// NetworkEnabled is true.
	Ports []PortMapping `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// WithDefaults returns a copy of the config with zero values filled in.
func (c Config) WithDefaults() Config {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.AcquireWait <= 0 {
		c.AcquireWait = DefaultAcquireWait
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.CPUCores <= 0 {
		c.CPUCores = defaultCPUCores
	}
	if c.PIDsLimit <= 0 {
		c.PIDsLimit = defaultPIDsLimit
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	return c
}

// Validate rejects configs the substrate would refuse anyway, before a
// single substrate call is made.
func (c Config) Validate() error {
	if c.MemoryMB < 0 {
		return &Error{Kind: KindValidation, Op: "config", Err: errNegativeMemory}
	}
	if c.CPUCores < 0 {
		return &Error{Kind: KindValidation, Op: "config", Err: errNegativeCPU}
	}
	if c.PIDsLimit < 0 {
		return &Error{Kind: KindValidation, Op: "config", Err: errNegativePIDs}
	}
	for _, p := range c.Ports {
		if p.HostPort <= 0 || p.HostPort > 65535 || p.GuestPort <= 0 || p.GuestPort > 65535 {
			return &Error{Kind: KindValidation, Op: "config", Err: errBadPort}
		}
	}
	return nil
}
