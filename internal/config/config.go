// Package config handles loading and validating Sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sanduku.
type Config struct {
	Listen        string               `json:"listen,omitempty" yaml:"listen,omitempty"`     // HTTP listen address. Default: ":8090". Override: SANDUKU_LISTEN env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sanduku/data. Override: SANDUKU_DATA_DIR env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Manager       ManagerConfig        `json:"manager" yaml:"manager"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = audit log disabled
}

// SandboxConfig sets fleet-wide sandbox defaults. Per-request overrides
// in the create call take precedence.
type SandboxConfig struct {
	Backend            string            `json:"backend" yaml:"backend"`                           // "docker" (default) or "process".
	Image              string            `json:"image" yaml:"image"`                               // Container image. Default: "sanduku-runtime:latest". Override: SANDUKU_SANDBOX_IMAGE env var.
	ProcessRoot        string            `json:"process_root" yaml:"process_root"`                 // Workspace root for the process backend. Default: derived from DataDir.
	TimeoutSeconds     int               `json:"timeout_seconds" yaml:"timeout_seconds"`           // Per-execution wall clock bound. Default: 30.
	AcquireWaitSeconds int               `json:"acquire_wait_seconds" yaml:"acquire_wait_seconds"` // Wait bound on a busy sandbox. Default: 5.
	MemoryMB           int               `json:"memory_mb" yaml:"memory_mb"`                       // Default: 512.
	CPUCores           float64           `json:"cpu_cores" yaml:"cpu_cores"`                       // Default: 1.0.
	PIDsLimit          int               `json:"pids_limit" yaml:"pids_limit"`                     // Default: 64.
	NetworkEnabled     bool              `json:"network_enabled" yaml:"network_enabled"`           // Default: no network.
	WorkDir            string            `json:"work_dir" yaml:"work_dir"`                         // Guest working directory. Default: "/home/sanduku".
	Env                map[string]string `json:"env,omitempty" yaml:"env,omitempty"`               // Extra guest environment variables.
}

// ManagerConfig configures fleet policy and the reclamation sweep.
type ManagerConfig struct {
	MaxSandboxes            int    `json:"max_sandboxes" yaml:"max_sandboxes"`                         // Default: 32.
	SweepSchedule           string `json:"sweep_schedule" yaml:"sweep_schedule"`                       // Cron expression or descriptor. Default: "@every 30s".
	IdleTimeoutSeconds      int    `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`           // Default: 1800 (30 min).
	RetentionPeriodSeconds  int    `json:"retention_period_seconds" yaml:"retention_period_seconds"`   // Default: 300 (5 min).
	MaxAgeSeconds           int    `json:"max_age_seconds" yaml:"max_age_seconds"`                     // Default: 86400 (24 h).
	ShutdownTimeoutSeconds  int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`   // Graceful shutdown bound. Default: 30.
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	AllowedLanguages []string `json:"allowed_languages" yaml:"allowed_languages"`           // Languages code_exec may run. Default: ["python3", "sh"].
	MaxFileSizeBytes int      `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`       // file_read/file_write size cap. Default: 10 MB.
}

// HTTPConfig configures the HTTP service surface.
type HTTPConfig struct {
	APIKeys          []string         `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Bearer keys. Empty = no auth. Override/append: SANDUKU_API_KEY env var.
	RateLimit        *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	ReadTimeoutSecs  int              `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`   // Default: 30.
	WriteTimeoutSecs int              `json:"write_timeout_seconds" yaml:"write_timeout_seconds"` // Default: 120 (long execs stream).
	MaxBodyBytes     int64            `json:"max_body_bytes" yaml:"max_body_bytes"`               // Default: 16 MB.
}

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"` // Default: 10.
	Burst             int     `json:"burst" yaml:"burst"`                             // Default: 20.
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317". Override: SANDUKU_OTLP_ENDPOINT env var.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency checks for the readiness probe.
type HealthConfig struct {
	IncludeSubstrate bool `json:"include_substrate" yaml:"include_substrate"` // Probe the container runtime on readyz.
}

// AnomalyConfig configures execution failure-rate monitoring.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // Fraction 0.0–1.0. Default: 0.5
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// AuditConfig configures the append-only operation log.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // SQLite file. Default: <data_dir>/audit.db.
}

// Default returns a configuration with all defaults applied, suitable
// for running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Environment variables take precedence over
// file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("SANDUKU_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SANDUKU_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SANDUKU_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("SANDUKU_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("SANDUKU_API_KEY"); v != "" {
		c.HTTP.APIKeys = append(c.HTTP.APIKeys, v)
	}
	if v := os.Getenv("SANDUKU_OTLP_ENDPOINT"); v != "" {
		if c.Observability == nil {
			c.Observability = &ObservabilityConfig{}
		}
		if c.Observability.Tracing == nil {
			c.Observability.Tracing = &TracingConfig{Enabled: true}
		}
		c.Observability.Tracing.Endpoint = v
	}
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".sanduku", "data")
		} else {
			c.DataDir = ".sanduku-data"
		}
	}
	if c.Sandbox.Backend == "" {
		c.Sandbox.Backend = "docker"
	}
	if c.Sandbox.ProcessRoot == "" {
		c.Sandbox.ProcessRoot = filepath.Join(c.DataDir, "workspaces")
	}
	if len(c.Tools.AllowedLanguages) == 0 {
		c.Tools.AllowedLanguages = []string{"python3", "sh"}
	}
	if c.HTTP.ReadTimeoutSecs <= 0 {
		c.HTTP.ReadTimeoutSecs = 30
	}
	if c.HTTP.WriteTimeoutSecs <= 0 {
		c.HTTP.WriteTimeoutSecs = 120
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 16 << 20
	}
	if c.HTTP.RateLimit != nil {
		if c.HTTP.RateLimit.RequestsPerSecond <= 0 {
			c.HTTP.RateLimit.RequestsPerSecond = 10
		}
		if c.HTTP.RateLimit.Burst <= 0 {
			c.HTTP.RateLimit.Burst = 20
		}
	}
	if c.Manager.ShutdownTimeoutSeconds <= 0 {
		c.Manager.ShutdownTimeoutSeconds = 30
	}
	if c.Observability != nil && c.Observability.Tracing != nil {
		t := c.Observability.Tracing
		if t.Protocol == "" {
			t.Protocol = "grpc"
		}
		if t.ServiceName == "" {
			t.ServiceName = "sanduku"
		}
		if t.SampleRate <= 0 {
			t.SampleRate = 1.0
		}
	}
	if c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Observability != nil && c.Observability.Anomaly != nil {
		a := c.Observability.Anomaly
		if a.ErrorRateThreshold <= 0 {
			a.ErrorRateThreshold = 0.5
		}
		if a.WindowSeconds <= 0 {
			a.WindowSeconds = 300
		}
	}
	if c.Audit != nil && c.Audit.Enabled && c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.DataDir, "audit.db")
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Sandbox.Backend {
	case "docker", "process":
	default:
		return fmt.Errorf("sandbox.backend must be \"docker\" or \"process\", got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox.memory_mb must not be negative")
	}
	if c.Manager.MaxSandboxes < 0 {
		return fmt.Errorf("manager.max_sandboxes must not be negative")
	}
	if ob := c.Observability; ob != nil && ob.Tracing != nil && ob.Tracing.Enabled {
		switch ob.Tracing.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be \"grpc\" or \"http\", got %q", ob.Tracing.Protocol)
		}
		if ob.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if ob.Tracing.SampleRate < 0 || ob.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be in [0, 1]")
		}
	}
	return nil
}

// DefaultConfigPath returns ~/.sanduku/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
