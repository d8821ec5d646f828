package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
listen: ":9000"
sandbox:
  backend: process
  timeout_seconds: 10
manager:
  max_sandboxes: 4
  sweep_schedule: "@every 10s"
http:
  rate_limit:
    requests_per_second: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Sandbox.Backend != "process" {
		t.Errorf("backend = %q", cfg.Sandbox.Backend)
	}
	if cfg.Manager.MaxSandboxes != 4 {
		t.Errorf("max_sandboxes = %d", cfg.Manager.MaxSandboxes)
	}
	if cfg.HTTP.RateLimit.Burst != 20 {
		t.Errorf("rate limit burst default = %d, want 20", cfg.HTTP.RateLimit.Burst)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"listen": ":9001", "sandbox": {"backend": "docker"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9001" {
		t.Errorf("listen = %q", cfg.Listen)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SANDUKU_LISTEN", ":7777")
	t.Setenv("SANDUKU_SANDBOX_IMAGE", "custom:latest")
	t.Setenv("SANDUKU_API_KEY", "sekrit")

	path := writeFile(t, "config.yaml", `listen: ":9000"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":7777" {
		t.Errorf("env override lost: listen = %q", cfg.Listen)
	}
	if cfg.Sandbox.Image != "custom:latest" {
		t.Errorf("image = %q", cfg.Sandbox.Image)
	}
	if len(cfg.HTTP.APIKeys) != 1 || cfg.HTTP.APIKeys[0] != "sekrit" {
		t.Errorf("api keys = %v", cfg.HTTP.APIKeys)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	path := writeFile(t, "config.yaml", `sandbox: {backend: vmware}`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown backend should be rejected")
	}
}

func TestLoad_TracingValidation(t *testing.T) {
	path := writeFile(t, "config.yaml", `
observability:
  tracing:
    enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("tracing without endpoint should be rejected")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file should error")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8090" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Sandbox.Backend != "docker" {
		t.Errorf("backend = %q", cfg.Sandbox.Backend)
	}
	if len(cfg.Tools.AllowedLanguages) == 0 {
		t.Error("allowed languages default missing")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestAuditDefaultPath(t *testing.T) {
	cfg := &Config{
		DataDir: "/var/lib/sanduku",
		Audit:   &AuditConfig{Enabled: true},
	}
	cfg.applyDefaults()
	if cfg.Audit.Path != filepath.Join("/var/lib/sanduku", "audit.db") {
		t.Errorf("audit path = %q", cfg.Audit.Path)
	}
}
