package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/sanduku/internal/audit"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/gateway/httpapi"
	"github.com/jkaninda/sanduku/internal/manager"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/tools"
	codetool "github.com/jkaninda/sanduku/internal/tools/code"
	filetool "github.com/jkaninda/sanduku/internal/tools/file"
	shelltool "github.com/jkaninda/sanduku/internal/tools/shell"
)

var (
	serverConfigPath string
	serverListen     string
	serverDocs       bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the sandbox service (default)",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `sanduku --config path` and `sanduku server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverListen, "listen", "", "override listen address (e.g. :8090)")
		cmd.Flags().BoolVar(&serverDocs, "docs", false, "serve OpenAPI docs")
	}
}

// runServer wires the fleet manager, tools, observability, and the HTTP
// gateway, then blocks until a shutdown signal arrives.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("SANDUKU_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}
	if serverListen != "" {
		cfg.Listen = serverListen
	}

	logger.Info("starting sanduku",
		slog.String("listen", cfg.Listen),
		slog.String("backend", cfg.Sandbox.Backend),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("observability setup: %w", err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			logger.Error("observability shutdown", slog.String("error", err.Error()))
		}
	}()

	var auditLog *audit.Log
	if cfg.Audit != nil && cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Audit.Path, logger)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()
		logger.Info("audit log enabled", slog.String("path", cfg.Audit.Path))
	}

	mgr, err := buildManager(cfg, obs, auditLog, logger)
	if err != nil {
		return err
	}
	cancelSweep := mgr.Start(ctx)
	defer cancelSweep()

	registerHealthChecks(cfg, obs, auditLog, mgr)

	gw := buildGateway(cfg, obs, mgr, logger)
	if auditLog != nil {
		gw.WithAuditLog(auditLog)
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline: stop accepting requests, then
	// destroy the fleet.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Manager.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Error("closing manager", slog.String("error", err.Error()))
	}
	return nil
}

// loadConfig reads the config file, falling back to built-in defaults
// when the default path does not exist yet.
func loadConfig(path string) (*config.Config, error) {
	if path == config.DefaultConfigPath() {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func buildManager(cfg *config.Config, obs *observability.Observability, auditLog *audit.Log, logger *slog.Logger) (*manager.Manager, error) {
	adapters := sandbox.NewAdapterRegistry()
	adapters.Register(sandbox.KindDocker, func() sandbox.Adapter {
		return observability.InstrumentAdapter(sandbox.NewDockerAdapter(logger), obs)
	})
	adapters.Register(sandbox.KindProcess, func() sandbox.Adapter {
		return observability.InstrumentAdapter(sandbox.NewProcessAdapter(cfg.Sandbox.ProcessRoot, logger), obs)
	})

	toolReg := buildTools(cfg, obs, logger)

	var mgrMetrics *manager.Metrics
	if obs != nil && obs.Metrics != nil {
		mgrMetrics = manager.NewMetrics(obs.Metrics.Registry)
	}
	var recorder manager.AuditRecorder
	if auditLog != nil {
		recorder = auditLog
	}

	mgrCfg := manager.Config{
		MaxSandboxes:    cfg.Manager.MaxSandboxes,
		DefaultKind:     sandbox.Kind(cfg.Sandbox.Backend),
		SweepSchedule:   cfg.Manager.SweepSchedule,
		IdleTimeout:     time.Duration(cfg.Manager.IdleTimeoutSeconds) * time.Second,
		RetentionPeriod: time.Duration(cfg.Manager.RetentionPeriodSeconds) * time.Second,
		MaxAge:          time.Duration(cfg.Manager.MaxAgeSeconds) * time.Second,
		Defaults: sandbox.Config{
			Image:          cfg.Sandbox.Image,
			Timeout:        time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
			AcquireWait:    time.Duration(cfg.Sandbox.AcquireWaitSeconds) * time.Second,
			MemoryMB:       cfg.Sandbox.MemoryMB,
			CPUCores:       cfg.Sandbox.CPUCores,
			PIDsLimit:      cfg.Sandbox.PIDsLimit,
			NetworkEnabled: cfg.Sandbox.NetworkEnabled,
			WorkDir:        cfg.Sandbox.WorkDir,
			Env:            cfg.Sandbox.Env,
		},
	}
	return manager.New(mgrCfg, adapters, toolReg, mgrMetrics, recorder, logger)
}

func buildTools(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) *tools.Registry {
	fileCfg := filetool.Config{MaxFileSizeBytes: cfg.Tools.MaxFileSizeBytes}

	reg := tools.NewRegistry()
	for _, t := range []tools.Tool{
		shelltool.NewTool(logger),
		codetool.NewTool(codetool.Config{AllowedLanguages: cfg.Tools.AllowedLanguages}, logger),
		filetool.NewReadTool(fileCfg, logger),
		filetool.NewWriteTool(fileCfg, logger),
	} {
		reg.Register(observability.InstrumentTool(t, obs))
	}
	return reg
}

// registerHealthChecks wires readiness probes: the audit store and,
// when configured, the container runtime itself.
func registerHealthChecks(cfg *config.Config, obs *observability.Observability, auditLog *audit.Log, mgr *manager.Manager) {
	if obs == nil || obs.Health == nil {
		return
	}

	obs.Health.AddCheck("manager", func(ctx context.Context) error {
		stats := mgr.Stats()
		if stats.Capacity > 0 && stats.Total >= stats.Capacity {
			return fmt.Errorf("fleet at capacity (%d/%d)", stats.Total, stats.Capacity)
		}
		return nil
	})

	if auditLog != nil {
		obs.Health.AddCheck("audit", func(ctx context.Context) error {
			_, err := auditLog.Recent(ctx, 1)
			return err
		})
	}

	includeSubstrate := cfg.Observability != nil &&
		cfg.Observability.Health != nil &&
		cfg.Observability.Health.IncludeSubstrate
	if includeSubstrate && cfg.Sandbox.Backend == "docker" {
		obs.Health.AddCheck("docker", func(ctx context.Context) error {
			return exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").Run()
		})
	}
}

func buildGateway(cfg *config.Config, obs *observability.Observability, mgr *manager.Manager, logger *slog.Logger) *httpapi.Gateway {
	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Listen,
		EnableDocs:     serverDocs,
		APIKeys:        cfg.HTTP.APIKeys,
		MaxRequestSize: cfg.HTTP.MaxBodyBytes,
		ReadTimeout:    time.Duration(cfg.HTTP.ReadTimeoutSecs) * time.Second,
		WriteTimeout:   time.Duration(cfg.HTTP.WriteTimeoutSecs) * time.Second,
	}
	if obs != nil {
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			gwCfg.Metrics = obs.Metrics
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		gwCfg.HealthChecker = obs.Health
		gwCfg.Tracer = obs.TracerOrNil()
	}

	var limiter *ratelimit.Limiter
	if rl := cfg.HTTP.RateLimit; rl != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             rl.Burst,
		})
	}

	return httpapi.NewGateway(gwCfg, mgr, limiter, logger)
}
