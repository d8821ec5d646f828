package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"
)

// execGrace is how much longer than the guest timeout the docker client
// call is allowed to run. The in-guest timeout wrapper is the real
// enforcement; the grace only covers CLI startup overhead.
const execGrace = 3 * time.Second

// DockerAdapter drives sandboxes backed by long-lived Docker containers.
//
// Security guarantees per environment:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Read-only root filesystem with tmpfs for the working directory
//   - Non-root user (--user=65534:65534)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs, CPU rate limited
//   - Network disabled unless the config opts in
//   - Guest timeouts enforced inside the container (timeout -s KILL),
//     so a runaway guest dies even if the client-side wait is abandoned
//   - stdout/stderr capped to prevent OOM on the host
type DockerAdapter struct {
	logger *slog.Logger
}

// NewDockerAdapter creates a Docker-backed adapter.
func NewDockerAdapter(logger *slog.Logger) *DockerAdapter {
	return &DockerAdapter{logger: logger}
}

// Kind returns KindDocker.
func (a *DockerAdapter) Kind() Kind { return KindDocker }

// Create provisions a container without starting it. The container runs
// `sleep infinity` as PID 1 so it stays alive between exec calls.
func (a *DockerAdapter) Create(ctx context.Context, cfg Config) (*Handle, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, NewError(KindProvision, "", "create", err)
	}

	if err := a.ensureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	name, err := generateContainerName()
	if err != nil {
		return nil, NewError(KindProvision, "", "create", err)
	}

	args := buildCreateArgs(name, cfg)
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return nil, classifyDockerError("", "create", err, out)
	}

	a.logger.Info("docker sandbox provisioned",
		slog.String("container", name),
		slog.String("image", cfg.Image),
		slog.Int("memory_mb", cfg.MemoryMB),
		slog.Float64("cpu_cores", cfg.CPUCores),
		slog.Bool("network", cfg.NetworkEnabled),
	)

	return &Handle{Kind: KindDocker, ID: name, WorkDir: cfg.WorkDir}, nil
}

// Start brings the container to running. Idempotent: starting an
// already-running container succeeds.
func (a *DockerAdapter) Start(ctx context.Context, h *Handle) error {
	out, err := exec.CommandContext(ctx, "docker", "start", h.ID).CombinedOutput()
	if err != nil {
		serr := classifyDockerError(h.ID, "start", err, out)
		if KindOf(serr) == KindUnavailable {
			return serr
		}
		return NewError(KindStart, h.ID, "start", fmt.Errorf("%v: %s", err, trimOutput(out)))
	}
	return nil
}

// Exec runs a command inside the running container. The timeout is
// enforced in-guest: the command is wrapped with `timeout -s KILL`, so the
// guest process dies at the deadline regardless of the client side.
func (a *DockerAdapter) Exec(ctx context.Context, h *Handle, req ExecRequest) (*ExecResult, error) {
	if len(req.Command) == 0 {
		return nil, NewError(KindValidation, h.ID, "exec", errors.New("empty command"))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	secs := guestTimeoutSecs(timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout+execGrace)
	defer cancel()

	workDir := req.WorkDir
	if workDir == "" {
		workDir = h.WorkDir
	}

	args := []string{"exec", "--workdir", workDir}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, h.ID, "timeout", "-s", "KILL", strconv.Itoa(secs))
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: MaxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, remaining: MaxOutputBytes}
	if req.Stream != nil {
		cmd.Stdout = io.MultiWriter(stdout, req.Stream)
	} else {
		cmd.Stdout = stdout
	}
	cmd.Stderr = stderr

	a.logger.Info("docker sandbox executing",
		slog.String("container", h.ID),
		slog.Any("command", req.Command),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &ExecResult{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  duration,
		Truncated: stdout.truncated || stderr.truncated,
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			// Client-side deadline hit. The in-guest timeout wrapper has
			// already killed (or is about to kill) the guest process.
			a.logger.Warn("docker sandbox timed out",
				slog.String("container", h.ID),
				slog.Duration("timeout", timeout),
			)
			return result, NewError(KindTimeout, h.ID, "exec",
				fmt.Errorf("execution exceeded %s", timeout))
		case errors.As(runErr, &exitErr):
			code := exitErr.ExitCode()
			// timeout(1) reports 137 (SIGKILL) or 124 when the deadline fired.
			if (code == 137 || code == 124) && duration >= timeout {
				return result, NewError(KindTimeout, h.ID, "exec",
					fmt.Errorf("execution exceeded %s", timeout))
			}
			result.ExitCode = code
		default:
			return nil, classifyDockerError(h.ID, "exec", runErr, stderrBuf.Bytes())
		}
	}

	a.logger.Info("docker sandbox completed",
		slog.String("container", h.ID),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", len(result.Stdout)),
	)

	return result, nil
}

// CopyIn writes data to a path inside the container via a tar stream on
// the docker cp stdin protocol.
func (a *DockerAdapter) CopyIn(ctx context.Context, h *Handle, guestPath string, data []byte) error {
	resolved, err := resolveGuestPath(h.WorkDir, guestPath)
	if err != nil {
		return NewError(KindPath, h.ID, "copy_in", err)
	}

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	hdr := &tar.Header{
		Name: path.Base(resolved),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return NewError(KindUnavailable, h.ID, "copy_in", err)
	}
	if _, err := tw.Write(data); err != nil {
		return NewError(KindUnavailable, h.ID, "copy_in", err)
	}
	if err := tw.Close(); err != nil {
		return NewError(KindUnavailable, h.ID, "copy_in", err)
	}

	cmd := exec.CommandContext(ctx, "docker", "cp", "-", h.ID+":"+path.Dir(resolved))
	cmd.Stdin = &tarBuf
	if out, err := cmd.CombinedOutput(); err != nil {
		return classifyDockerError(h.ID, "copy_in", err, out)
	}
	return nil
}

// CopyOut reads a file from inside the container.
func (a *DockerAdapter) CopyOut(ctx context.Context, h *Handle, guestPath string) ([]byte, error) {
	resolved, err := resolveGuestPath(h.WorkDir, guestPath)
	if err != nil {
		return nil, NewError(KindPath, h.ID, "copy_out", err)
	}

	cmd := exec.CommandContext(ctx, "docker", "cp", h.ID+":"+resolved, "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if bytes.Contains(stderr.Bytes(), []byte("Could not find the file")) ||
			bytes.Contains(stderr.Bytes(), []byte("No such file")) {
			return nil, NewError(KindNotFound, h.ID, "copy_out",
				fmt.Errorf("no such file: %s", resolved))
		}
		return nil, classifyDockerError(h.ID, "copy_out", err, stderr.Bytes())
	}

	tr := tar.NewReader(&stdout)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, NewError(KindUnavailable, h.ID, "copy_out", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if hdr.Size > MaxFileBytes {
				return nil, NewError(KindValidation, h.ID, "copy_out",
					fmt.Errorf("file is %d bytes, read limit is %d", hdr.Size, MaxFileBytes))
			}
			return io.ReadAll(io.LimitReader(tr, MaxFileBytes))
		}
	}
	return nil, NewError(KindNotFound, h.ID, "copy_out",
		fmt.Errorf("no regular file at %s", resolved))
}

// Stop gracefully halts the container, escalating to SIGKILL after the
// grace period. Stopping an already-gone container succeeds.
func (a *DockerAdapter) Stop(ctx context.Context, h *Handle) error {
	grace := strconv.Itoa(int(StopGracePeriod / time.Second))
	out, err := exec.CommandContext(ctx, "docker", "stop", "-t", grace, h.ID).CombinedOutput()
	if err != nil && !isMissingContainer(out) {
		return classifyDockerError(h.ID, "stop", err, out)
	}
	return nil
}

// Destroy force-removes the container. Idempotent: a container that is
// already gone counts as success, because reclamation races are expected.
func (a *DockerAdapter) Destroy(ctx context.Context, h *Handle) error {
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", h.ID).CombinedOutput()
	if err != nil && !isMissingContainer(out) {
		return classifyDockerError(h.ID, "destroy", err, out)
	}
	return nil
}

// Inspect reports the container's substrate status ("running", "exited",
// "absent", ...).
func (a *DockerAdapter) Inspect(ctx context.Context, h *Handle) (string, error) {
	out, err := exec.CommandContext(ctx, "docker",
		"inspect", "-f", "{{.State.Status}}", h.ID).CombinedOutput()
	if err != nil {
		if isMissingContainer(out) {
			return "absent", nil
		}
		return "", classifyDockerError(h.ID, "inspect", err, out)
	}
	return strings.TrimSpace(string(out)), nil
}

// ensureImage verifies the image exists locally, pulling it if not.
func (a *DockerAdapter) ensureImage(ctx context.Context, image string) error {
	if out, err := exec.CommandContext(ctx, "docker", "image", "inspect", image).CombinedOutput(); err == nil {
		return nil
	} else if isDaemonUnreachable(out) {
		return NewError(KindUnavailable, "", "create", fmt.Errorf("docker daemon unreachable: %s", trimOutput(out)))
	}

	a.logger.Info("pulling sandbox image", slog.String("image", image))
	if out, err := exec.CommandContext(ctx, "docker", "pull", image).CombinedOutput(); err != nil {
		return NewError(KindProvision, "", "create",
			fmt.Errorf("image %s unavailable: %s", image, trimOutput(out)))
	}
	return nil
}

// buildCreateArgs constructs the docker create argument list with all
// hardening flags. The container keeps itself alive with sleep infinity.
func buildCreateArgs(name string, cfg Config) []string {
	memoryFlag := strconv.Itoa(cfg.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(cfg.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(cfg.PIDsLimit)

	args := []string{
		"create",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", cfg.WorkDir + ":rw,nosuid,size=64m",

		"--env", "HOME=" + cfg.WorkDir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"--workdir", cfg.WorkDir,
	}

	if cfg.NetworkEnabled {
		args = append(args, "--network=bridge")
		for _, p := range cfg.Ports {
			args = append(args, "-p", fmt.Sprintf("%d:%d", p.HostPort, p.GuestPort))
		}
	} else {
		args = append(args, "--network=none")
	}

	for _, m := range cfg.Mounts {
		spec := m.HostPath + ":" + m.GuestPath
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}

	for k, v := range cfg.Env {
		args = append(args, "--env", k+"="+v)
	}

	args = append(args, cfg.Image, "sleep", "infinity")
	return args
}

// guestTimeoutSecs converts a timeout to whole seconds for timeout(1),
// rounding up so a fractional timeout never shortens the guest's budget.
func guestTimeoutSecs(timeout time.Duration) int {
	secs := int((timeout + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// resolveGuestPath joins a user-supplied path against the working
// directory and rejects anything that escapes it.
func resolveGuestPath(workDir, p string) (string, error) {
	if p == "" {
		return "", errors.New("path must not be empty")
	}
	resolved := p
	if !path.IsAbs(resolved) {
		resolved = path.Join(workDir, resolved)
	} else {
		resolved = path.Clean(resolved)
	}
	if resolved != workDir && !strings.HasPrefix(resolved, workDir+"/") {
		return "", fmt.Errorf("path %q resolves to %q outside working directory %s", p, resolved, workDir)
	}
	return resolved, nil
}

// classifyDockerError maps docker CLI failures onto the error taxonomy.
func classifyDockerError(sandboxID, op string, err error, out []byte) error {
	msg := trimOutput(out)
	switch {
	case isDaemonUnreachable(out):
		return NewError(KindUnavailable, sandboxID, op, fmt.Errorf("docker daemon unreachable: %s", msg))
	case isMissingContainer(out):
		return NewError(KindNotFound, sandboxID, op, fmt.Errorf("container gone: %s", msg))
	case bytes.Contains(out, []byte("No such image")) || bytes.Contains(out, []byte("invalid")):
		return NewError(KindProvision, sandboxID, op, fmt.Errorf("%v: %s", err, msg))
	default:
		return NewError(KindUnavailable, sandboxID, op, fmt.Errorf("%v: %s", err, msg))
	}
}

func isMissingContainer(out []byte) bool {
	return bytes.Contains(out, []byte("No such container")) ||
		bytes.Contains(out, []byte("is not running"))
}

func isDaemonUnreachable(out []byte) bool {
	return bytes.Contains(out, []byte("Cannot connect to the Docker daemon")) ||
		bytes.Contains(out, []byte("docker daemon is not running"))
}

func trimOutput(out []byte) string {
	const max = 512
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// generateContainerName returns a unique container name: sanduku-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sanduku-sbx-" + hex.EncodeToString(b), nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded; the truncated flag records the cut.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		lw.truncated = true
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	return n, err
}
