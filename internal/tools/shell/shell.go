// Package shell implements the sandboxed shell execution tool.
// The command string is interpreted by sh inside the target sandbox —
// never on the host.
package shell

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/tools"
)

// Tool executes shell commands inside the target sandbox.
type Tool struct {
	logger *slog.Logger
}

// NewTool creates the shell execution tool.
func NewTool(logger *slog.Logger) *Tool {
	return &Tool{logger: logger}
}

func (t *Tool) Name() string        { return "shell_exec" }
func (t *Tool) Description() string { return "Execute a shell command in a sandboxed environment" }
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":     map[string]any{"type": "string", "description": "The shell command to execute"},
			"timeout":     map[string]any{"type": "string", "description": "Duration string (e.g. '10s', '1m'), overrides default timeout"},
			"working_dir": map[string]any{"type": "string", "description": "Working directory override inside the sandbox"},
		},
		"required": []string{"command"},
	}
}

// Validate checks that required params are present and well-formed.
func (t *Tool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "command"); err != nil {
		return err
	}
	if timeout, ok := params["timeout"].(string); ok && timeout != "" {
		if _, err := time.ParseDuration(timeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
	}
	return nil
}

// Execute runs the command through the target sandbox.
//
// Required params:
//
//	"command" (string) — the shell command to execute
//
// Optional params:
//
//	"timeout" (string) — duration string (e.g. "10s", "1m"), overrides default
//	"working_dir" (string) — working directory override
func (t *Tool) Execute(ctx context.Context, target tools.Target, params map[string]any) (*tools.Result, error) {
	command, err := tools.RequireString(params, "command")
	if err != nil {
		return nil, err
	}

	req := sandbox.ExecRequest{
		// sh interprets the user's command string (pipes, redirects) and
		// is itself bounded by the sandbox's timeout enforcement.
		Command: []string{"sh", "-c", command},
	}

	if timeout, ok := params["timeout"].(string); ok && timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
		req.Timeout = d
	}
	if dir, ok := params["working_dir"].(string); ok {
		req.WorkDir = dir
	}

	t.logger.InfoContext(ctx, "shell tool executing",
		slog.String("command", command),
	)

	result, err := target.Exec(ctx, req)
	// A timeout with partial output is a tool result, not an error: the
	// caller gets whatever the guest produced before the kill.
	timedOut := sandbox.IsTimeout(err) && result != nil
	if err != nil && !timedOut {
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}

	output := result.Stdout
	if result.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += result.Stderr
	}

	meta := map[string]any{
		"exit_code": result.ExitCode,
		"duration":  result.Duration.String(),
		"truncated": result.Truncated || len(output) > tools.MaxOutputBytes,
	}
	if timedOut {
		meta["timed_out"] = true
		meta["error_kind"] = string(sandbox.KindTimeout)
	}

	return &tools.Result{
		Output:   tools.TruncateOutput(output, tools.MaxOutputBytes),
		Success:  !timedOut && result.ExitCode == 0,
		Metadata: meta,
	}, nil
}
