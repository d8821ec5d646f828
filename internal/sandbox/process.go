package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ProcessAdapter runs sandboxes as host processes confined to a private
// working directory. It provides resource limits via ulimit and kills the
// whole process group at the deadline, but offers no kernel-level
// isolation. Use KindDocker where untrusted code is involved.
//
// Mitigations applied per execution:
//   - Own process group (SIGKILL hits the whole tree, not just the leader)
//   - ulimit -v caps the address space, ulimit -t caps CPU seconds
//   - Minimal sanitized environment (no host env leakage)
//   - Private per-sandbox working directory, wiped on destroy
//   - stdout/stderr capped to prevent OOM
type ProcessAdapter struct {
	// Root is the directory under which sandbox workspaces are created.
	// Empty means the system temp dir.
	Root string

	logger *slog.Logger
}

// NewProcessAdapter creates a process-backed adapter rooted at root.
func NewProcessAdapter(root string, logger *slog.Logger) *ProcessAdapter {
	return &ProcessAdapter{Root: root, logger: logger}
}

// Kind returns KindProcess.
func (a *ProcessAdapter) Kind() Kind { return KindProcess }

// Create allocates a private workspace directory. No process is spawned
// until Exec; the directory is the sandbox.
func (a *ProcessAdapter) Create(ctx context.Context, cfg Config) (*Handle, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, NewError(KindProvision, "", "create", err)
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return nil, NewError(KindProvision, "", "create", err)
	}
	id := "sanduku-proc-" + hex.EncodeToString(b)

	root := a.Root
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, NewError(KindProvision, "", "create", fmt.Errorf("workspace: %w", err))
	}

	a.logger.Info("process sandbox provisioned",
		slog.String("sandbox", id),
		slog.String("dir", dir),
	)

	return &Handle{Kind: KindProcess, ID: id, WorkDir: dir}, nil
}

// Start verifies the workspace directory still exists. There is no
// persistent process to launch, so start is otherwise a no-op.
func (a *ProcessAdapter) Start(ctx context.Context, h *Handle) error {
	info, err := os.Stat(h.WorkDir)
	if err != nil {
		return NewError(KindStart, h.ID, "start", fmt.Errorf("workspace gone: %w", err))
	}
	if !info.IsDir() {
		return NewError(KindStart, h.ID, "start", fmt.Errorf("workspace %s is not a directory", h.WorkDir))
	}
	return nil
}

// Exec runs a command in the sandbox workspace with resource limits.
// The command runs in its own process group so the deadline kill reaches
// any children it spawned.
func (a *ProcessAdapter) Exec(ctx context.Context, h *Handle, req ExecRequest) (*ExecResult, error) {
	if len(req.Command) == 0 {
		return nil, NewError(KindValidation, h.ID, "exec", errors.New("empty command"))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir := h.WorkDir
	if req.WorkDir != "" {
		resolved, err := resolveHostPath(h.WorkDir, req.WorkDir)
		if err != nil {
			return nil, NewError(KindPath, h.ID, "exec", err)
		}
		workDir = resolved
	}

	// Apply address-space and CPU limits through a shell wrapper, then
	// exec the real command so it keeps the limits but not the shell.
	memKB := 512 * 1024
	cpuSecs := int(timeout/time.Second) + 1
	wrapper := fmt.Sprintf(`ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec "$@"`, memKB, cpuSecs)
	argv := append([]string{"sh", "-c", wrapper, "_"}, req.Command...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = buildProcessEnv(workDir, req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid signals the whole group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
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

	a.logger.Info("process sandbox executing",
		slog.String("sandbox", h.ID),
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
		case ctx.Err() == context.DeadlineExceeded:
			a.logger.Warn("process sandbox timed out",
				slog.String("sandbox", h.ID),
				slog.Duration("timeout", timeout),
			)
			return result, NewError(KindTimeout, h.ID, "exec",
				fmt.Errorf("execution exceeded %s", timeout))
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
			if result.ExitCode < 0 {
				// Killed by a signal without the deadline firing, most
				// likely the ulimit CPU cap.
				result.ExitCode = 128 + 9
			}
		default:
			return nil, NewError(KindUnavailable, h.ID, "exec", runErr)
		}
	}

	return result, nil
}

// CopyIn writes a file into the sandbox workspace.
func (a *ProcessAdapter) CopyIn(ctx context.Context, h *Handle, guestPath string, data []byte) error {
	resolved, err := resolveHostPath(h.WorkDir, guestPath)
	if err != nil {
		return NewError(KindPath, h.ID, "copy_in", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o700); err != nil {
		return NewError(KindUnavailable, h.ID, "copy_in", err)
	}
	if err := os.WriteFile(resolved, data, 0o600); err != nil {
		return NewError(KindUnavailable, h.ID, "copy_in", err)
	}
	return nil
}

// CopyOut reads a file from the sandbox workspace.
func (a *ProcessAdapter) CopyOut(ctx context.Context, h *Handle, guestPath string) ([]byte, error) {
	resolved, err := resolveHostPath(h.WorkDir, guestPath)
	if err != nil {
		return nil, NewError(KindPath, h.ID, "copy_out", err)
	}
	info, err := os.Stat(resolved)
	if errors.Is(err, os.ErrNotExist) {
		return nil, NewError(KindNotFound, h.ID, "copy_out", err)
	}
	if err != nil {
		return nil, NewError(KindUnavailable, h.ID, "copy_out", err)
	}
	if info.Size() > MaxFileBytes {
		return nil, NewError(KindValidation, h.ID, "copy_out",
			fmt.Errorf("file is %d bytes, read limit is %d", info.Size(), MaxFileBytes))
	}
	data, err := os.ReadFile(resolved)
	if errors.Is(err, os.ErrNotExist) {
		return nil, NewError(KindNotFound, h.ID, "copy_out", err)
	}
	if err != nil {
		return nil, NewError(KindUnavailable, h.ID, "copy_out", err)
	}
	return data, nil
}

// Stop is a no-op for process sandboxes: executions are bounded by their
// own deadlines and nothing persists between them.
func (a *ProcessAdapter) Stop(ctx context.Context, h *Handle) error {
	return nil
}

// Destroy removes the workspace directory. Idempotent.
func (a *ProcessAdapter) Destroy(ctx context.Context, h *Handle) error {
	if err := os.RemoveAll(h.WorkDir); err != nil {
		return NewError(KindUnavailable, h.ID, "destroy", err)
	}
	return nil
}

// Inspect reports "running" while the workspace exists, "absent" after
// destroy.
func (a *ProcessAdapter) Inspect(ctx context.Context, h *Handle) (string, error) {
	if _, err := os.Stat(h.WorkDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "absent", nil
		}
		return "", NewError(KindUnavailable, h.ID, "inspect", err)
	}
	return "running", nil
}

// resolveHostPath joins a user-supplied path against the workspace
// directory and rejects escapes, following symlinks where they exist.
func resolveHostPath(workDir, p string) (string, error) {
	if p == "" {
		return "", errors.New("path must not be empty")
	}
	resolved := p
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workDir, resolved)
	} else {
		resolved = filepath.Clean(resolved)
	}

	// Resolve symlinks on the nearest existing ancestor so a link inside
	// the workspace cannot point outside it.
	probe := resolved
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			rest := strings.TrimPrefix(resolved, probe)
			resolved = real + rest
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	realWork, err := filepath.EvalSymlinks(workDir)
	if err != nil {
		return "", err
	}
	if resolved != realWork && !strings.HasPrefix(resolved, realWork+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace %s", p, workDir)
	}
	return resolved, nil
}

// buildProcessEnv returns a minimal environment, never the host's.
func buildProcessEnv(workDir string, extra map[string]string) []string {
	env := []string{
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}
