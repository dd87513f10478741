package safety

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Response is an emergency response class.
type Response string

const (
	// ResponseStop issues an immediate stop command.
	ResponseStop Response = "stop"

	// ResponseDegrade reduces operating limits and continues.
	ResponseDegrade Response = "degrade"

	// ResponseRollback forces the command into Recovering.
	ResponseRollback Response = "rollback"
)

// ResponseFor maps a breach severity to its response class.
func ResponseFor(severity Severity) Response {
	switch severity {
	case SeverityCritical:
		return ResponseStop
	case SeverityMinor:
		return ResponseDegrade
	default:
		return ResponseRollback
	}
}

// AuditSink receives every emergency trigger, collapsed or not.
type AuditSink interface {
	LogDecision(ctx context.Context, commandID, phase, decision, reason string)
}

// Trigger is the outcome of one breach report.
type Trigger struct {
	Response Response

	// Engaged is true for the first trigger of a recovery window; repeated
	// triggers for the same command collapse and report Engaged=false.
	Engaged bool
}

// EmergencyHandler executes stop/degrade/rollback responses to safety breaches.
//
// It is idempotent per command: concurrent or repeated triggers inside one
// recovery window collapse into a single active recovery sequence, while every
// trigger is still audited individually.
type EmergencyHandler struct {
	mu     sync.Mutex
	active map[string]Response // commandID -> engaged response

	// degrade installs a dispatch limiter shared by the engine
	limiter     *rate.Limiter
	normalRate  rate.Limit
	normalBurst int

	logger *zap.Logger
	audit  AuditSink
}

// NewEmergencyHandler creates a handler with the given normal dispatch rate.
func NewEmergencyHandler(dispatchRate rate.Limit, burst int, logger *zap.Logger, audit AuditSink) *EmergencyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmergencyHandler{
		active:      make(map[string]Response),
		limiter:     rate.NewLimiter(dispatchRate, burst),
		normalRate:  dispatchRate,
		normalBurst: burst,
		logger:      logger.Named("emergency"),
		audit:       audit,
	}
}

// Trigger reports a breach. The first trigger for a command engages the
// configured response; later triggers inside the same recovery window collapse.
func (h *EmergencyHandler) Trigger(ctx context.Context, breach Breach) Trigger {
	response := ResponseFor(breach.Severity)

	h.mu.Lock()
	_, collapsed := h.active[breach.CommandID]
	if !collapsed {
		h.active[breach.CommandID] = response
	}
	h.mu.Unlock()

	decision := string(response)
	if collapsed {
		decision = "collapsed"
	}
	if h.audit != nil {
		h.audit.LogDecision(ctx, breach.CommandID, "emergency", decision, breach.Reason)
	}

	if collapsed {
		h.logger.Debug("breach trigger collapsed",
			zap.String("commandId", breach.CommandID),
			zap.String("reason", breach.Reason))
		return Trigger{Response: response, Engaged: false}
	}

	h.logger.Warn("emergency response engaged",
		zap.String("commandId", breach.CommandID),
		zap.String("response", string(response)),
		zap.String("metric", breach.Metric),
		zap.Float64("value", breach.Value),
		zap.String("reason", breach.Reason))

	if response == ResponseDegrade {
		h.degrade()
	}

	return Trigger{Response: response, Engaged: true}
}

// Resolve closes the recovery window for a command. The next breach for the
// same command engages a fresh response. Dispatch limits are restored once no
// degrade response remains active.
func (h *EmergencyHandler) Resolve(commandID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, commandID)
	for _, response := range h.active {
		if response == ResponseDegrade {
			return
		}
	}
	h.limiter.SetLimit(h.normalRate)
	h.limiter.SetBurst(h.normalBurst)
}

// Active reports whether a recovery sequence is engaged for the command.
func (h *EmergencyHandler) Active(commandID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.active[commandID]
	return ok
}

// Limiter returns the dispatch limiter consulted by the engine before every
// Dispatching transition. Degrade halves its rate; Restore resets it.
func (h *EmergencyHandler) Limiter() *rate.Limiter {
	return h.limiter
}

// degrade reduces the operating limit to half the normal dispatch rate.
func (h *EmergencyHandler) degrade() {
	h.limiter.SetLimit(h.normalRate / 2)
	h.limiter.SetBurst(1)
}

// Restore resets operating limits to their configured values.
func (h *EmergencyHandler) Restore() {
	h.limiter.SetLimit(h.normalRate)
	h.limiter.SetBurst(h.normalBurst)
}
