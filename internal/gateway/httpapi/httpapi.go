// Package httpapi implements the HTTP API gateway for Sanduku.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits
//   - Per-client rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/sanduku/internal/audit"
	"github.com/jkaninda/sanduku/internal/manager"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

const defaultMaxRequestSize = 16 << 20 // 16 MB, file writes carry base64 payloads

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8090"
	EnableDocs     bool
	APIKeys        []string // Bearer keys. Empty = authentication disabled.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 16 MB default.
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	manager  *manager.Manager
	auditLog *audit.Log
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	group    *okapi.Group
}

// NewGateway creates an HTTP API gateway serving the given fleet manager.
func NewGateway(cfg Config, mgr *manager.Manager, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		manager: mgr,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithAuditLog attaches the audit log, enabling GET /v1/audit.
func (g *Gateway) WithAuditLog(log *audit.Log) *Gateway {
	g.auditLog = log
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group. Metrics middleware runs first so rejected
	// requests are still counted.
	var mws []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		mws = append(mws, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	mws = append(mws, g.authenticate)
	g.group = g.okapi.Group("/v1", mws...)

	// Sandbox lifecycle.
	g.group.Post("/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Provision a new sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(CreateSandboxRequest{}),
		okapi.DocResponse(http.StatusCreated, sandbox.Summary{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
	)
	g.group.Get("/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List sandboxes, optionally filtered by ?state="),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]sandbox.Summary{}),
	)
	g.group.Get("/sandboxes/{id}", g.handleSandboxGet,
		okapi.DocSummary("Get a sandbox by ID"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(sandbox.Summary{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{id}", g.handleSandboxDelete,
		okapi.DocSummary("Destroy a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Execution.
	g.group.Post("/sandboxes/{id}/exec", g.handleExec,
		okapi.DocSummary("Execute a command inside a sandbox"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/code", g.handleCode,
		okapi.DocSummary("Run a code snippet inside a sandbox"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(CodeRequest{}),
		okapi.DocResponse(ToolResultResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Files.
	g.group.Post("/sandboxes/{id}/files/read", g.handleFileRead,
		okapi.DocSummary("Read a file or list a directory inside a sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(FileReadRequest{}),
		okapi.DocResponse(ToolResultResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/files/write", g.handleFileWrite,
		okapi.DocSummary("Write a file inside a sandbox"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(FileWriteRequest{}),
		okapi.DocResponse(ToolResultResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Tools.
	g.group.Get("/sandboxes/{id}/tools", g.handleToolList,
		okapi.DocSummary("List tools available for a sandbox"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
	)
	g.group.Post("/sandboxes/{id}/tools/{tool}", g.handleToolInvoke,
		okapi.DocSummary("Invoke a tool against a sandbox"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocPathParam("tool", "string", "Tool name (e.g. shell_exec)"),
		okapi.DocRequestBody(ToolInvokeRequest{}),
		okapi.DocResponse(ToolResultResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Fleet.
	g.group.Get("/stats", g.handleStats,
		okapi.DocSummary("Fleet statistics"),
		okapi.DocTags("Fleet"),
		okapi.DocResponse(manager.Stats{}),
	)
	if g.auditLog != nil {
		g.group.Get("/audit", g.handleAuditList,
			okapi.DocSummary("List recent audit events"),
			okapi.DocTags("Fleet"),
			okapi.DocResponse([]audit.Event{}),
		)
	}

	// WebSocket attach endpoint, mounted on the mux directly because the
	// upgrade needs the raw ResponseWriter.
	g.okapi.HandleStd("GET", "/v1/attach", g.handleAttach)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	readTimeout := g.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := g.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 120 * time.Second
	}
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Sandbox lifecycle handlers ---

// CreateSandboxRequest is the JSON body for POST /v1/sandboxes. All
// fields are optional; zero values fall back to the server defaults.
type CreateSandboxRequest struct {
	Kind           string            `json:"kind,omitempty"` // "docker" or "process". Empty = server default.
	Image          string            `json:"image,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MemoryMB       int               `json:"memory_mb,omitempty"`
	CPUCores       float64           `json:"cpu_cores,omitempty"`
	PIDsLimit      int               `json:"pids_limit,omitempty"`
	NetworkEnabled *bool             `json:"network_enabled,omitempty"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	var req CreateSandboxRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	overrides := sandbox.Config{
		Image:     req.Image,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
		MemoryMB:  req.MemoryMB,
		CPUCores:  req.CPUCores,
		PIDsLimit: req.PIDsLimit,
		WorkDir:   req.WorkDir,
		Env:       req.Env,
	}
	if req.NetworkEnabled != nil {
		overrides.NetworkEnabled = *req.NetworkEnabled
	}

	summary, err := g.manager.Create(c.Context(), sandbox.Kind(req.Kind), overrides)
	if err != nil {
		g.logger.Error("sandbox create failed",
			slog.String("kind", req.Kind),
			slog.String("error", err.Error()),
		)
		return sandboxError(c, err)
	}

	g.logger.Info("sandbox created",
		slog.String("sandbox_id", summary.ID),
		slog.String("kind", string(summary.Kind)),
		slog.String("client", c.GetString("clientID")),
	)
	return c.JSON(http.StatusCreated, summary)
}

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	if raw := c.Request().URL.Query().Get("state"); raw != "" {
		state, err := sandbox.ParseState(raw)
		if err != nil {
			return sandboxError(c, err)
		}
		return c.OK(g.manager.List(state))
	}
	return c.OK(g.manager.List())
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	summary, err := g.manager.Get(c.Param("id"))
	if err != nil {
		return sandboxError(c, err)
	}
	return c.OK(summary)
}

func (g *Gateway) handleSandboxDelete(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.manager.Delete(c.Context(), id); err != nil {
		return sandboxError(c, err)
	}
	g.logger.Info("sandbox deleted",
		slog.String("sandbox_id", id),
		slog.String("client", c.GetString("clientID")),
	)
	return c.OK(map[string]string{"status": "destroyed", "id": id})
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	return c.OK(g.manager.Stats())
}

// --- Health handlers ---

// HealthResponse is the JSON response for the probe endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	report := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

// --- Authentication ---

// authenticate validates the bearer API key and tags the request with a
// stable client identifier for rate limiting. With no keys configured,
// authentication is disabled and the remote address identifies clients.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		clientID := ""

		if len(g.config.APIKeys) == 0 {
			host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
			if err != nil {
				host = c.Request().RemoteAddr
			}
			clientID = host
		} else {
			authHeader := c.Header("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return c.AbortUnauthorized("missing or invalid Authorization header")
			}
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")

			for _, key := range g.config.APIKeys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					clientID = keyFingerprint(key)
				}
			}
			if clientID == "" {
				return c.AbortUnauthorized("invalid API key")
			}
		}

		if g.limiter != nil {
			if err := g.limiter.Allow(clientID); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}

		c.Set("clientID", clientID)
		return next(c)
	}
}

// validKey reports whether the presented key matches a configured one.
// Used by the WebSocket attach path, which authenticates outside okapi.
func (g *Gateway) validKey(apiKey string) bool {
	for _, key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// keyFingerprint derives a loggable client identifier from an API key
// without exposing the key itself.
func keyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key-" + hex.EncodeToString(sum[:4])
}

// --- Helpers ---

// sandboxError maps classified sandbox errors to HTTP responses.
func sandboxError(c *okapi.Context, err error) error {
	kind := sandbox.KindOf(err)
	return c.JSON(statusForKind(kind), ErrorBody{Error: err.Error(), Kind: string(kind)})
}

func statusForKind(kind sandbox.ErrorKind) int {
	switch kind {
	case sandbox.KindValidation, sandbox.KindPath:
		return http.StatusBadRequest
	case sandbox.KindNotFound:
		return http.StatusNotFound
	case sandbox.KindBusy:
		return http.StatusConflict
	case sandbox.KindTimeout:
		return http.StatusRequestTimeout
	case sandbox.KindProvision:
		return http.StatusUnprocessableEntity
	case sandbox.KindStart:
		return http.StatusBadGateway
	case sandbox.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
