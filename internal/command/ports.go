// Package command defines ports (interfaces) for executor collaborators.
package command

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/robot-control/roc/internal/adapter"
	"github.com/robot-control/roc/internal/arbiter"
	"github.com/robot-control/roc/internal/audit"
	"github.com/robot-control/roc/internal/safety"
	"github.com/robot-control/roc/internal/service"
	"github.com/robot-control/roc/internal/telemetry"
)

// Arbiter grants and releases mode leases.
type Arbiter interface {
	DefineMode(name string, class arbiter.Class)
	Acquire(ctx context.Context, mode, requester string, ttl time.Duration) (*arbiter.Lease, error)
	Release(ctx context.Context, lease *arbiter.Lease)
	HeldBy(holder string) []arbiter.Lease
}

// Dispatcher resolves and invokes the adapter for a command.
type Dispatcher interface {
	Route(ctx context.Context, cmd service.Command, robotCtx *service.RobotContext) (*adapter.Result, error)
}

// Gates is the four-phase safety interceptor consumed by the executor.
type Gates interface {
	CompileGuard(cmd service.Command) error
	PreExecGuard(cmd service.Command, robotCtx *service.RobotContext) error
	ExecGuard(cmd service.Command, telemetry map[string]float64) *safety.Breach
	VerifyGoal(cmd service.Command, telemetry map[string]float64) error
	PostExecGuard(cmd service.Command, residualModes, toggledServices []string) error
	Policy() *safety.Policy
}

// Emergency handles breach responses and owns the dispatch limiter.
type Emergency interface {
	Trigger(ctx context.Context, breach safety.Breach) safety.Trigger
	Resolve(commandID string)
	Limiter() *rate.Limiter
}

// AuditLogger interface for writing lifecycle decisions.
type AuditLogger interface {
	LogDecision(ctx context.Context, commandID, phase, decision, reason string)
}

// TelemetryHub is the slice of the hub the executor consumes: a live sample
// feed for Monitoring and lifecycle event publication.
type TelemetryHub interface {
	SubscribeSamples(contextID string) (<-chan adapter.Sample, func())
	PublishSample(sample adapter.Sample)
	PublishContext(contextID string, event telemetry.Event) error
}

// Compile-time assertions that the concrete collaborators satisfy the ports.
var _ Arbiter = (*arbiter.Arbitrator)(nil)
var _ Dispatcher = (*service.Router)(nil)
var _ Gates = (*safety.Interceptor)(nil)
var _ Emergency = (*safety.EmergencyHandler)(nil)
var _ AuditLogger = (*audit.Logger)(nil)
var _ TelemetryHub = (*telemetry.Hub)(nil)

// ErrNotFound indicates a requested command or robot context was not found.
var ErrNotFound = errors.New("NOT_FOUND")

// ErrVerificationFailed indicates a goal postcondition did not hold after the
// monitoring window.
var ErrVerificationFailed = errors.New("VERIFICATION_FAILED")
