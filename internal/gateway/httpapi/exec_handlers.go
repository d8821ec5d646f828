package httpapi

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/sanduku/internal/audit"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/tools"
)

// ExecRequest is the JSON body for POST /v1/sandboxes/{id}/exec.
type ExecRequest struct {
	Command        []string          `json:"command"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // 0 = sandbox default.
}

// ExecResponse is the JSON response for POST /v1/sandboxes/{id}/exec.
type ExecResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated"`
	TimedOut   bool   `json:"timed_out"`
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	id := c.Param("id")

	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Command) == 0 {
		return c.AbortBadRequest("command is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http exec",
		slog.String("sandbox_id", id),
		slog.String("correlation_id", correlationID),
		slog.String("client", c.GetString("clientID")),
	)

	res, err := g.manager.Exec(c.Context(), id, sandbox.ExecRequest{
		Command: req.Command,
		WorkDir: req.WorkDir,
		Env:     req.Env,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	// A timeout still carries the partial output captured before the
	// cutoff; report it as a completed request rather than an error.
	if err != nil && !(sandbox.IsTimeout(err) && res != nil) {
		g.logger.Warn("exec failed",
			slog.String("sandbox_id", id),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return sandboxError(c, err)
	}

	return c.OK(ExecResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
		Truncated:  res.Truncated,
		TimedOut:   err != nil,
	})
}

// CodeRequest is the JSON body for POST /v1/sandboxes/{id}/code.
type CodeRequest struct {
	Language       string `json:"language"` // e.g. "python3", "node", "sh"
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ToolResultResponse is the JSON shape of a tool invocation outcome.
type ToolResultResponse struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

func (g *Gateway) handleCode(c *okapi.Context) error {
	id := c.Param("id")

	var req CodeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Language == "" || req.Code == "" {
		return c.AbortBadRequest("language and code are required")
	}

	params := map[string]any{
		"language": req.Language,
		"code":     req.Code,
	}
	if req.TimeoutSeconds > 0 {
		params["timeout"] = strconv.Itoa(req.TimeoutSeconds) + "s"
	}
	return g.invokeTool(c, id, "code_exec", params)
}

// FileReadRequest is the JSON body for POST /v1/sandboxes/{id}/files/read.
type FileReadRequest struct {
	Path      string `json:"path"`
	Operation string `json:"operation,omitempty"` // "read" (default) or "list"
}

func (g *Gateway) handleFileRead(c *okapi.Context) error {
	id := c.Param("id")

	var req FileReadRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}

	params := map[string]any{"path": req.Path}
	if req.Operation != "" {
		params["operation"] = req.Operation
	}
	return g.invokeTool(c, id, "file_read", params)
}

// FileWriteRequest is the JSON body for POST /v1/sandboxes/{id}/files/write.
// Binary content travels base64-encoded with encoding set accordingly.
type FileWriteRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"` // "utf-8" (default) or "base64"
}

func (g *Gateway) handleFileWrite(c *okapi.Context) error {
	id := c.Param("id")

	var req FileWriteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}

	params := map[string]any{
		"path":    req.Path,
		"content": req.Content,
	}
	if req.Encoding != "" {
		params["encoding"] = req.Encoding
	}
	return g.invokeTool(c, id, "file_write", params)
}

// ToolInvokeRequest is the JSON body for POST /v1/sandboxes/{id}/tools/{tool}.
type ToolInvokeRequest struct {
	Params map[string]any `json:"params,omitempty"`
}

func (g *Gateway) handleToolInvoke(c *okapi.Context) error {
	id := c.Param("id")
	tool := c.Param("tool")

	var req ToolInvokeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	return g.invokeTool(c, id, tool, req.Params)
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	// The registry is fleet-wide; the sandbox only needs to exist.
	if _, err := g.manager.Get(c.Param("id")); err != nil {
		return sandboxError(c, err)
	}
	return c.OK(g.manager.Tools().Definitions())
}

// invokeTool runs a named tool against a sandbox and renders the result.
func (g *Gateway) invokeTool(c *okapi.Context, id, name string, params map[string]any) error {
	correlationID := newCorrelationID()
	g.logger.Info("http tool invocation",
		slog.String("sandbox_id", id),
		slog.String("tool", name),
		slog.String("correlation_id", correlationID),
		slog.String("client", c.GetString("clientID")),
	)

	res, err := g.manager.InvokeTool(c.Context(), id, name, params)
	if err != nil {
		g.logger.Warn("tool invocation failed",
			slog.String("sandbox_id", id),
			slog.String("tool", name),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return sandboxError(c, err)
	}
	return c.OK(toolResult(res))
}

func toolResult(res *tools.Result) ToolResultResponse {
	if res == nil {
		return ToolResultResponse{}
	}
	return ToolResultResponse{
		Output:   res.Output,
		Metadata: res.Metadata,
		Success:  res.Success,
	}
}

// handleAuditList serves GET /v1/audit. Optional query parameters:
// sandbox (filter by sandbox ID) and limit.
func (g *Gateway) handleAuditList(c *okapi.Context) error {
	q := c.Request().URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.AbortBadRequest(fmt.Sprintf("invalid limit %q", v))
		}
		limit = n
	}

	var (
		events []audit.Event
		err    error
	)
	if sid := q.Get("sandbox"); sid != "" {
		events, err = g.auditLog.BySandbox(c.Context(), sid, limit)
	} else {
		events, err = g.auditLog.Recent(c.Context(), limit)
	}
	if err != nil {
		g.logger.Error("audit query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}
	return c.OK(events)
}
