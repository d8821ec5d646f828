// Package tools defines the tool interface and registry for Sanduku.
// A tool never touches the host: every tool executes against a Target,
// the sandbox selected by the caller at invocation time.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

// Target is the sandbox surface tools execute against. *sandbox.Sandbox
// satisfies it; tests substitute fakes.
type Target interface {
	Exec(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error)
	CopyIn(ctx context.Context, path string, data []byte) error
	CopyOut(ctx context.Context, path string) ([]byte, error)
}

// Tool is the interface all Sanduku tools must implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "shell_exec").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's
	// parameters, exposed through the tool discovery endpoint.
	InputSchema() map[string]any

	// Validate checks that params are well-formed before the sandbox's
	// execution slot is taken, so malformed requests fail fast without
	// blocking other callers.
	Validate(params map[string]any) error

	// Execute runs the tool against the target sandbox.
	Execute(ctx context.Context, target Target, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// Definition is the discovery-facing description of a tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	return result
}

// Definitions returns discovery descriptions for every registered tool,
// sorted by name.
func (r *Registry) Definitions() []Definition {
	names := r.List()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		t := r.Get(name)
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Invoke looks up a tool, validates its params, and executes it against
// the target. Unknown tools and malformed params are rejected before the
// target is touched.
func Invoke(ctx context.Context, reg *Registry, target Target, name string, params map[string]any) (*Result, error) {
	t := reg.Get(name)
	if t == nil {
		return nil, sandbox.NewError(sandbox.KindNotFound, "", "tool",
			fmt.Errorf("unknown tool %q", name))
	}
	if err := t.Validate(params); err != nil {
		return nil, sandbox.NewError(sandbox.KindValidation, "", "tool",
			fmt.Errorf("tool %s: %w", name, err))
	}
	return t.Execute(ctx, target, params)
}

// RequireString extracts a required non-empty string parameter.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}
