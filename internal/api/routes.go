package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/robot-control/roc/internal/auth"
	"github.com/robot-control/roc/internal/command"
)

const apiV1 = "/api/v1"

// maxCommandBody bounds command submissions; parameter maps are small.
const maxCommandBody = 64 * 1024

// RegisterRoutes registers all v1 endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Health endpoint (no auth required)
	mux.HandleFunc(apiV1+"/health", s.handleHealth)

	if s.authMiddleware == nil {
		mux.HandleFunc(apiV1+"/capabilities", s.handleCapabilities)
		mux.HandleFunc(apiV1+"/robots", s.handleRobots)
		mux.HandleFunc(apiV1+"/commands", s.handleCommands)
		mux.HandleFunc(apiV1+"/commands/", s.handleCommandByID)
		mux.HandleFunc(apiV1+"/telemetry", s.handleTelemetry)
		mux.HandleFunc(apiV1+"/audit", s.handleAudit)
		return
	}

	requireRead := s.authMiddleware.RequireScope(auth.ScopeRead)
	requireExecute := s.authMiddleware.RequireScope(auth.ScopeExecute)
	requireTelemetry := s.authMiddleware.RequireScope(auth.ScopeTelemetry)

	mux.HandleFunc(apiV1+"/capabilities", s.authMiddleware.RequireAuth(requireRead(s.handleCapabilities)))
	mux.HandleFunc(apiV1+"/robots", s.authMiddleware.RequireAuth(requireRead(s.handleRobots)))
	mux.HandleFunc(apiV1+"/commands", s.authMiddleware.RequireAuth(requireExecute(s.handleCommands)))
	mux.HandleFunc(apiV1+"/commands/", s.authMiddleware.RequireAuth(s.handleCommandByID))
	mux.HandleFunc(apiV1+"/telemetry", s.authMiddleware.RequireAuth(requireTelemetry(s.handleTelemetry)))
	mux.HandleFunc(apiV1+"/audit", s.authMiddleware.RequireAuth(requireRead(s.handleAudit)))
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only GET method is allowed", nil)
		return
	}
	WriteSuccess(w, map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(s.startTime).Milliseconds(),
		"robots":   len(s.engine.Contexts()),
	})
}

// handleCapabilities handles GET /capabilities
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only GET method is allowed", nil)
		return
	}

	brands := make(map[string]any)
	for _, brand := range s.registry.Brands() {
		desc, err := s.registry.Lookup(brand)
		if err != nil {
			continue
		}
		brands[brand] = map[string]any{
			"capabilities": desc.Capabilities,
			"version":      desc.Version,
		}
	}
	WriteSuccess(w, map[string]any{
		"brands":    brands,
		"telemetry": []string{"sse"},
		"commands":  []string{"http-json"},
	})
}

// handleRobots handles GET /robots
func (s *Server) handleRobots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only GET method is allowed", nil)
		return
	}
	WriteSuccess(w, map[string]any{"contexts": s.engine.Contexts()})
}

// commandRequest is the POST /commands body.
type commandRequest struct {
	ContextID        string         `json:"contextId,omitempty"`
	Kind             string         `json:"kind,omitempty"`
	TargetCapability string         `json:"targetCapability"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	NoReply          bool           `json:"noReply,omitempty"`
	TimeoutMs        int64          `json:"timeoutMs,omitempty"`
}

// handleCommands handles POST /commands
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only POST method is allowed", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Unreadable request body", nil)
		return
	}
	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Malformed JSON body", nil)
		return
	}

	handle, err := s.engine.Execute(r.Context(), command.Spec{
		ContextID:        req.ContextID,
		Kind:             req.Kind,
		TargetCapability: req.TargetCapability,
		Parameters:       req.Parameters,
		Priority:         req.Priority,
		NoReply:          req.NoReply,
		Timeout:          time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteAccepted(w, handle)
}

// handleCommandByID handles GET /commands/{id} and POST /commands/{id}/cancel
func (s *Server) handleCommandByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, apiV1+"/commands/")
	if rest == "" {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
		return
	}

	if strings.HasSuffix(rest, "/cancel") {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
				"Only POST method is allowed", nil)
			return
		}
		if !s.authorizeScope(w, r, auth.ScopeExecute) {
			return
		}
		commandID := strings.TrimSuffix(rest, "/cancel")
		if err := s.engine.Cancel(r.Context(), commandID); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteSuccess(w, map[string]any{"commandId": commandID, "cancel": "requested"})
		return
	}

	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only GET method is allowed", nil)
		return
	}
	if !s.authorizeScope(w, r, auth.ScopeRead) {
		return
	}
	record, err := s.engine.Query(rest)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, record)
}

// handleTelemetry handles GET /telemetry (SSE stream)
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only GET method is allowed", nil)
		return
	}
	if err := s.telemetryHub.Subscribe(r.Context(), w, r); err != nil {
		s.logger.Debug("telemetry subscription ended", zap.Error(err))
	}
}

// handleAudit handles GET /audit?commandId=... or ?from=...&to=... (RFC 3339)
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			"Only GET method is allowed", nil)
		return
	}

	if commandID := r.URL.Query().Get("commandId"); commandID != "" {
		events, err := s.auditLog.QueryByCommand(r.Context(), commandID)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteSuccess(w, map[string]any{"events": events})
		return
	}

	from, to, err := parseAuditWindow(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	events, err := s.auditLog.QueryRange(r.Context(), from, to)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"events": events})
}

// authorizeScope enforces a scope on paths registered with auth at the prefix
// level only. No-op when auth is disabled at wiring time.
func (s *Server) authorizeScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	if s.authMiddleware == nil {
		return true
	}
	allowed := false
	s.authMiddleware.RequireScope(scope)(func(http.ResponseWriter, *http.Request) {
		allowed = true
	})(w, r)
	return allowed
}

func parseAuditWindow(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	from, to := now.Add(-1*time.Hour), now

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsed
	}
	return from, to, nil
}
