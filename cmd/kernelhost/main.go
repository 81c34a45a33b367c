// Package main is the entry point for kernelhost.
// The single binary runs the kernel pool, the HTTP and WebSocket API and
// the embedded MCP tool server with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	// Common packages
	"github.com/rzp-labs/kernelhost/internal/common/config"
	"github.com/rzp-labs/kernelhost/internal/common/logger"

	// Event bus
	"github.com/rzp-labs/kernelhost/internal/events"

	// Storage
	"github.com/rzp-labs/kernelhost/internal/db"
	"github.com/rzp-labs/kernelhost/internal/history"
	"github.com/rzp-labs/kernelhost/internal/settings"

	// Kernel packages
	"github.com/rzp-labs/kernelhost/internal/kernel"
	"github.com/rzp-labs/kernelhost/internal/kernel/launcher"
	"github.com/rzp-labs/kernelhost/internal/kernel/pool"
	"github.com/rzp-labs/kernelhost/internal/kernel/runtime"

	// Executors and tools
	"github.com/rzp-labs/kernelhost/internal/exec"
	"github.com/rzp-labs/kernelhost/internal/mcpserver"
	"github.com/rzp-labs/kernelhost/internal/shell"
	"github.com/rzp-labs/kernelhost/internal/tool"

	// API server
	"github.com/rzp-labs/kernelhost/internal/server"
	"github.com/rzp-labs/kernelhost/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting kernelhost...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}

	// 5. Open the database and storage layers
	dbPool, err := db.Open(db.Options{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}

	historyRepo, err := history.NewRepository(dbPool)
	if err != nil {
		log.Fatal("Failed to initialize execution history", zap.Error(err))
	}
	historyRepo.StartRetentionLoop(ctx, cfg.Database.HistoryRetentionDuration(), log)

	settingsRepo, closeSettings, err := settings.Provide(cfg.Database.SettingsPath)
	if err != nil {
		log.Fatal("Failed to open settings store", zap.Error(err))
	}
	settingsSvc := settings.NewService(settingsRepo, eventBus, log)

	// 6. Load the runtime manifest
	var registry *runtime.Registry
	if cfg.Kernel.RuntimesPath != "" {
		registry, err = runtime.LoadFile(cfg.Kernel.RuntimesPath)
	} else {
		registry, err = runtime.Load()
	}
	if err != nil {
		log.Fatal("Failed to load runtime manifest", zap.Error(err))
	}

	// 7. Build the kernel launcher and pool
	var kernelLauncher launcher.Launcher
	switch cfg.Kernel.Launcher {
	case "docker":
		dockerLauncher, err := launcher.NewDockerLauncher(launcher.DockerOptions{
			Host:       cfg.Docker.Host,
			APIVersion: cfg.Docker.APIVersion,
			Image:      cfg.Docker.Image,
			Network:    cfg.Docker.Network,
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker launcher", zap.Error(err))
		}
		kernelLauncher = dockerLauncher
	default:
		kernelLauncher = launcher.NewLocalLauncher(log)
	}
	log.Info("Kernel launcher ready",
		zap.String("launcher", kernelLauncher.Name()),
		zap.String("runtime", cfg.Kernel.Runtime))

	spawner := kernel.NewSpawner(kernelLauncher, registry,
		cfg.Kernel.StartupTimeoutDuration(), cfg.Kernel.InterruptGraceDuration(), log)
	kernelPool := pool.New(spawner, eventBus, pool.Options{
		Runtime:     cfg.Kernel.Runtime,
		ExecTimeout: cfg.Kernel.ExecTimeoutDuration(),
		MaxKernels:  int64(cfg.Kernel.MaxKernels),
	}, log)

	// 8. Shell runner and tool layer
	runner := exec.NewRunner(exec.Options{
		GracePeriod: cfg.Shell.StopGraceDuration(),
	}, log)

	resolver := tool.NewResolver(spawner, kernelPool, cfg.Kernel.Runtime,
		cfg.Kernel.SkipAvailabilityCheck, log)
	resolution := resolver.Resolve(ctx)
	if !resolution.Usable() {
		log.Warn("Kernel unavailable - python executes one-shot without session state",
			zap.String("reason", resolution.Reason()))
	}

	interpreter := ""
	if rt, err := registry.Lookup(cfg.Kernel.Runtime); err == nil {
		interpreter = rt.Command
	}
	pythonTool := tool.NewPythonTool(resolution, runner, settingsSvc, tool.PythonOptions{
		Runtime:     cfg.Kernel.Runtime,
		Interpreter: interpreter,
		Timeout:     cfg.Kernel.ExecTimeoutDuration(),
	}, log)
	bashTool := tool.NewBashTool(runner, settingsSvc, cfg.Kernel.ExecTimeoutDuration(), log)

	// 9. Execution service and PTY shell
	execSvc := server.NewExecutionService(kernelPool, settingsSvc, historyRepo, eventBus,
		server.ServiceOptions{
			DefaultRuntime: cfg.Kernel.Runtime,
			KernelEnabled:  resolution.Usable(),
		}, log)

	workDir, _ := os.Getwd()
	shellCfg := shell.DefaultConfig(workDir)
	if cfg.Shell.Command != "" {
		shellCfg.Command = cfg.Shell.Command
	}
	if cfg.Shell.Rows > 0 {
		shellCfg.Rows = cfg.Shell.Rows
	}
	if cfg.Shell.Cols > 0 {
		shellCfg.Cols = cfg.Shell.Cols
	}
	if cfg.Shell.ScrollbackSize > 0 {
		shellCfg.Scrollback = cfg.Shell.ScrollbackSize
	}
	shellMgr := shell.NewManager(shellCfg, eventBus, log)

	// 10. HTTP server (REST + WebSocket endpoints)
	apiServer := server.NewServer(execSvc, settingsSvc, runner, shellMgr, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 11. Embedded MCP tool server
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		current, err := settingsSvc.Get(ctx)
		if err != nil {
			log.Fatal("Failed to read settings", zap.Error(err))
		}
		_, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, mcpserver.Tools{
			Python: pythonTool,
			Bash:   bashTool,
			Mode:   current.PythonToolMode,
		}, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		mcpCleanup = cleanup
		log.Info("MCP server listening", zap.Int("port", cfg.MCP.Port))
	}

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("stream", "/api/v1/execute/stream"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down kernelhost...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server stop error", zap.Error(err))
		}
	}
	if err := shellMgr.Stop(); err != nil {
		log.Error("Shell stop error", zap.Error(err))
	}
	if err := runner.StopAll(shutdownCtx); err != nil {
		log.Error("Shell runner stop error", zap.Error(err))
	}
	kernelPool.DisposeAll(shutdownCtx)
	if err := busCleanup(); err != nil {
		log.Error("Event bus close error", zap.Error(err))
	}
	if err := closeSettings(); err != nil {
		log.Error("Settings store close error", zap.Error(err))
	}
	if err := dbPool.Close(); err != nil {
		log.Error("Database close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("kernelhost stopped")
}
