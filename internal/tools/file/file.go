// Package file implements file access tools scoped to the sandbox
// working directory.
//
// Two separate tools are registered:
//   - file_read: read a file or list a directory inside the sandbox
//   - file_write: write a file inside the sandbox
//
// Security: paths are resolved and contained by the sandbox adapter; a
// path escaping the working directory is rejected before any I/O occurs.
// Binary content crosses the boundary base64-encoded.
package file

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/tools"
)

// Config configures file tool restrictions.
type Config struct {
	MaxFileSizeBytes int // Maximum file size for read/write. 0 = 10 MB default.
}

const defaultMaxFileSize = 10 << 20 // 10 MB

func maxSize(cfg Config) int {
	if cfg.MaxFileSizeBytes > 0 {
		return cfg.MaxFileSizeBytes
	}
	return defaultMaxFileSize
}

// ---- ReadTool ----

// ReadTool reads files and lists directories inside the sandbox.
type ReadTool struct {
	config Config
	logger *slog.Logger
}

// NewReadTool creates the file read tool.
func NewReadTool(cfg Config, logger *slog.Logger) *ReadTool {
	return &ReadTool{config: cfg, logger: logger}
}

func (t *ReadTool) Name() string { return "file_read" }
func (t *ReadTool) Description() string {
	return "Read file contents or list a directory inside the sandbox working directory"
}
func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Path relative to the sandbox working directory"},
			"operation": map[string]any{"type": "string", "enum": []string{"read", "list"}, "description": "Operation to perform: 'read' for file contents, 'list' for directory listing. Defaults to 'read'"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "path"); err != nil {
		return err
	}
	op := "read"
	if v, ok := params["operation"].(string); ok && v != "" {
		op = v
	}
	if op != "read" && op != "list" {
		return fmt.Errorf("operation must be \"read\" or \"list\", got %q", op)
	}
	return nil
}

func (t *ReadTool) Execute(ctx context.Context, target tools.Target, params map[string]any) (*tools.Result, error) {
	path, _ := tools.RequireString(params, "path")

	op := "read"
	if v, ok := params["operation"].(string); ok && v != "" {
		op = v
	}

	t.logger.InfoContext(ctx, "file_read executing",
		slog.String("operation", op),
		slog.String("path", path),
	)

	if op == "list" {
		result, err := target.Exec(ctx, sandbox.ExecRequest{
			Command: []string{"ls", "-la", path},
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", path, err)
		}
		if result.ExitCode != 0 {
			return &tools.Result{Output: result.Stderr, Success: false}, nil
		}
		return &tools.Result{
			Output:   tools.TruncateOutput(result.Stdout, tools.MaxOutputBytes),
			Success:  true,
			Metadata: map[string]any{"path": path},
		}, nil
	}

	data, err := target.CopyOut(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) > maxSize(t.config) {
		return nil, fmt.Errorf("file size %d exceeds limit %d bytes", len(data), maxSize(t.config))
	}

	// Binary content is base64-encoded so it survives JSON transport.
	if utf8.Valid(data) {
		return &tools.Result{
			Output:  tools.TruncateOutput(string(data), tools.MaxOutputBytes),
			Success: true,
			Metadata: map[string]any{
				"path":       path,
				"size_bytes": len(data),
				"encoding":   "utf-8",
			},
		}, nil
	}
	return &tools.Result{
		Output:  base64.StdEncoding.EncodeToString(data),
		Success: true,
		Metadata: map[string]any{
			"path":       path,
			"size_bytes": len(data),
			"encoding":   "base64",
		},
	}, nil
}

// ---- WriteTool ----

// WriteTool writes files inside the sandbox.
type WriteTool struct {
	config Config
	logger *slog.Logger
}

// NewWriteTool creates the file write tool.
func NewWriteTool(cfg Config, logger *slog.Logger) *WriteTool {
	return &WriteTool{config: cfg, logger: logger}
}

func (t *WriteTool) Name() string { return "file_write" }
func (t *WriteTool) Description() string {
	return "Write content to a file inside the sandbox working directory"
}
func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string", "description": "Path relative to the sandbox working directory"},
			"content":  map[string]any{"type": "string", "description": "Content to write"},
			"encoding": map[string]any{"type": "string", "enum": []string{"utf-8", "base64"}, "description": "How content is encoded. Defaults to 'utf-8'"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "path"); err != nil {
		return err
	}
	content, err := tools.RequireString(params, "content")
	if err != nil {
		return err
	}
	if len(content) > maxSize(t.config) {
		return fmt.Errorf("content size %d exceeds limit %d bytes", len(content), maxSize(t.config))
	}
	if enc, ok := params["encoding"].(string); ok && enc != "" {
		switch enc {
		case "utf-8":
		case "base64":
			if _, err := base64.StdEncoding.DecodeString(content); err != nil {
				return fmt.Errorf("content is not valid base64: %w", err)
			}
		default:
			return fmt.Errorf("encoding must be \"utf-8\" or \"base64\", got %q", enc)
		}
	}
	return nil
}

func (t *WriteTool) Execute(ctx context.Context, target tools.Target, params map[string]any) (*tools.Result, error) {
	path, _ := tools.RequireString(params, "path")
	content, _ := tools.RequireString(params, "content")

	data := []byte(content)
	if enc, ok := params["encoding"].(string); ok && enc == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("decoding content: %w", err)
		}
		data = decoded
	}

	t.logger.InfoContext(ctx, "file_write executing",
		slog.String("path", path),
		slog.Int("content_size", len(data)),
	)

	if err := target.CopyIn(ctx, path, data); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}

	return &tools.Result{
		Output:  fmt.Sprintf("wrote %d bytes to %s", len(data), path),
		Success: true,
		Metadata: map[string]any{
			"path":       path,
			"size_bytes": len(data),
		},
	}, nil
}
