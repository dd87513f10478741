package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/robot-control/roc/internal/auth"
)

// Server represents the HTTP API server.
type Server struct {
	httpServer     *http.Server
	engine         EnginePort
	registry       RegistryPort
	telemetryHub   TelemetryPort
	auditLog       AuditPort
	authMiddleware *auth.Middleware
	logger         *zap.Logger
	startTime      time.Time
}

// NewServer creates a new API server.
func NewServer(engine EnginePort, registry RegistryPort, telemetryHub TelemetryPort,
	auditLog AuditPort, authMiddleware *auth.Middleware, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:         engine,
		registry:       registry,
		telemetryHub:   telemetryHub,
		auditLog:       auditLog,
		authMiddleware: authMiddleware,
		logger:         logger.Named("api"),
		startTime:      time.Now(),
	}
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("api server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
