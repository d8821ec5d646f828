// Package code implements sandboxed code execution.
//
// Security:
//   - Source is copied into the sandbox working directory, never onto the host
//   - Only configured languages allowed
//   - Execution inherits the sandbox's timeout and resource limits
//   - Output truncated to prevent OOM
package code

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/tools"
)

// interpreter pairs a language with its command and script file name.
type interpreter struct {
	command []string
	file    string
}

// interpreters maps language names to their interpreter commands.
var interpreters = map[string]interpreter{
	"python3": {command: []string{"python3"}, file: "main.py"},
	"python":  {command: []string{"python3"}, file: "main.py"},
	"node":    {command: []string{"node"}, file: "main.js"},
	"sh":      {command: []string{"sh"}, file: "main.sh"},
	"bash":    {command: []string{"bash"}, file: "main.sh"},
}

// Config configures the code execution tool.
type Config struct {
	AllowedLanguages []string // Languages that can be executed. Empty = deny all.
}

// Tool executes code snippets inside the target sandbox.
type Tool struct {
	config  Config
	logger  *slog.Logger
	allowed map[string]bool // pre-computed set from AllowedLanguages
}

// NewTool creates a sandboxed code execution tool.
func NewTool(cfg Config, logger *slog.Logger) *Tool {
	allowed := make(map[string]bool, len(cfg.AllowedLanguages))
	for _, lang := range cfg.AllowedLanguages {
		allowed[lang] = true
	}
	return &Tool{config: cfg, logger: logger, allowed: allowed}
}

func (t *Tool) Name() string        { return "code_exec" }
func (t *Tool) Description() string { return "Execute code in a sandboxed environment" }
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"language": map[string]any{"type": "string", "description": "Programming language (e.g. 'python3', 'node', 'sh')"},
			"code":     map[string]any{"type": "string", "description": "The source code to execute"},
			"timeout":  map[string]any{"type": "string", "description": "Duration string (e.g. '10s'), overrides default timeout"},
		},
		"required": []string{"language", "code"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	lang, err := tools.RequireString(params, "language")
	if err != nil {
		return err
	}
	if !t.allowed[lang] {
		return fmt.Errorf("language %q is not allowed; permitted: %v", lang, t.config.AllowedLanguages)
	}
	if _, ok := interpreters[lang]; !ok {
		return fmt.Errorf("no interpreter configured for language %q", lang)
	}
	if _, err := tools.RequireString(params, "code"); err != nil {
		return err
	}
	if timeout, ok := params["timeout"].(string); ok && timeout != "" {
		if _, err := time.ParseDuration(timeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
	}
	return nil
}

// Execute copies the source into the sandbox working directory and runs
// the interpreter on it. The copy and the run take the sandbox's
// execution slot one after the other, so another caller may interleave;
// the script file name is per-invocation unique to keep that harmless.
//
// Required params:
//
//	"language" (string) — one of the allowed languages (e.g. "python3", "sh")
//	"code" (string) — the source code to execute
func (t *Tool) Execute(ctx context.Context, target tools.Target, params map[string]any) (*tools.Result, error) {
	lang, _ := tools.RequireString(params, "language")
	code, _ := tools.RequireString(params, "code")

	interp := interpreters[lang]
	script := fmt.Sprintf(".sanduku-%d-%s", time.Now().UnixNano(), interp.file)

	t.logger.InfoContext(ctx, "code_exec executing",
		slog.String("language", lang),
		slog.Int("code_size", len(code)),
	)

	if err := target.CopyIn(ctx, script, []byte(code)); err != nil {
		return nil, fmt.Errorf("staging source: %w", err)
	}

	req := sandbox.ExecRequest{
		Command: append(append([]string{}, interp.command...), script),
	}
	if timeout, ok := params["timeout"].(string); ok && timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
		req.Timeout = d
	}

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
		"language":  lang,
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
