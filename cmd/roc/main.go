// Package main implements the Robot Orchestration Container entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/robot-control/roc/internal/adapter/unitreemock"
	"github.com/robot-control/roc/internal/api"
	"github.com/robot-control/roc/internal/arbiter"
	"github.com/robot-control/roc/internal/audit"
	"github.com/robot-control/roc/internal/auth"
	"github.com/robot-control/roc/internal/command"
	"github.com/robot-control/roc/internal/config"
	"github.com/robot-control/roc/internal/safety"
	"github.com/robot-control/roc/internal/service"
	"github.com/robot-control/roc/internal/telemetry"
)

const Version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "roc: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Step 1: Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting robot orchestration container", zap.String("version", Version))

	// Step 2: Load and compile the safety policy
	policy, err := safety.LoadPolicyFile(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load safety policy %s: %w", cfg.PolicyPath, err)
	}
	logger.Info("safety policy loaded",
		zap.String("path", cfg.PolicyPath),
		zap.Int("capabilities", len(policy.Capabilities)),
		zap.Int("modes", len(policy.Modes)))

	// Step 3: Audit logger (append-only decision trail)
	auditLogger, err := audit.NewLogger(cfg.AuditPath, cfg.Timing.AuditRetryMax, cfg.Timing.AuditRetryDelay, logger)
	if err != nil {
		return fmt.Errorf("initialize audit logger: %w", err)
	}
	defer func() { _ = auditLogger.Close() }()

	// An unaudited safety decision is a fatal condition: stop accepting and
	// executing commands once the trail can no longer be persisted.
	auditFatal := make(chan error, 1)
	auditLogger.SetFatalHandler(func(err error) {
		select {
		case auditFatal <- err:
		default:
		}
	})

	// Step 4: Telemetry hub
	hub := telemetry.NewHub(&cfg.Timing)
	defer hub.Stop()

	// Step 5: Registry, router, arbitrator, safety gates, emergency handler
	registry := service.NewRegistry()
	router := service.NewRouter(registry, logger)
	arb := arbiter.New(cfg.Timing.LeaseSweepInterval, logger, auditLogger)
	gates := safety.NewInterceptor(policy, registry)
	emergency := safety.NewEmergencyHandler(rate.Limit(cfg.Timing.DispatchRate), cfg.Timing.DispatchBurst, logger, auditLogger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	arb.Start(rootCtx)
	defer arb.Stop()

	// Step 6: Runtime engine
	engine := command.NewEngine(registry, router, arb, gates, emergency, auditLogger, hub, &cfg.Timing, logger)
	defer func() { _ = engine.Close() }()

	// Step 7: Attach the robot context
	robot := &service.RobotContext{
		ID:      cfg.RobotContextID,
		Brand:   "unitree",
		Adapter: unitreemock.NewUnitreeMock(cfg.RobotContextID, cfg.RobotModel),
	}
	if err := engine.AttachContext(rootCtx, robot); err != nil {
		return fmt.Errorf("attach robot context: %w", err)
	}

	// Step 8: API server
	var middleware *auth.Middleware
	if cfg.AuthDisabled {
		logger.Warn("API authentication disabled")
		middleware = auth.NewMiddleware(nil, true)
	} else {
		verifier, err := auth.NewVerifier(cfg.AuthSecret)
		if err != nil {
			return fmt.Errorf("initialize auth verifier: %w", err)
		}
		middleware = auth.NewMiddleware(verifier, false)
	}
	server := api.NewServer(engine, registry, hub, auditLogger, middleware, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.APIAddr); err != nil {
			serverErr <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("api server failed", zap.Error(err))
	case err := <-auditFatal:
		logger.Error("audit trail lost, shutting down", zap.Error(err))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		logger.Error("api server shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// buildLogger constructs the production zap logger at the configured level.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
