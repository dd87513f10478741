package command

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robot-control/roc/internal/adapter"
	arb "github.com/robot-control/roc/internal/arbiter"
	"github.com/robot-control/roc/internal/config"
	"github.com/robot-control/roc/internal/safety"
	"github.com/robot-control/roc/internal/service"
	"github.com/robot-control/roc/internal/telemetry"
)

// State is one executor lifecycle state.
type State string

const (
	StatePreflight   State = "Preflight"
	StateArbitrating State = "Arbitrating"
	StateDispatching State = "Dispatching"
	StateMonitoring  State = "Monitoring"
	StateVerifying   State = "Verifying"
	StateRecovering  State = "Recovering"
	StateCompleted   State = "Completed"
	StateFailed      State = "Failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Transition is one recorded state change.
type Transition struct {
	State  State     `json:"state"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// ExecutionRecord is the queryable trace of one command execution.
type ExecutionRecord struct {
	CommandID  string         `json:"commandId"`
	ContextID  string         `json:"contextId"`
	Capability string         `json:"capability"`
	State      State          `json:"state"`
	Degraded   bool           `json:"degraded"`
	Cause      string         `json:"cause,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	FinishedAt time.Time      `json:"finishedAt,omitempty"`
	Transitions []Transition  `json:"transitions"`
}

// Executor drives a single command through its lifecycle. One executor per
// command; never reused.
type Executor struct {
	cmd      service.Command
	robotCtx *service.RobotContext

	timing    *config.TimingConfig
	arbiter   Arbiter
	router    Dispatcher
	gates     Gates
	emergency Emergency
	audit     AuditLogger
	hub       TelemetryHub
	logger    *zap.Logger

	// stopCapability is dispatched during teardown to halt motion.
	stopCapability string

	mu         sync.Mutex
	record     ExecutionRecord
	lease      *arb.Lease
	dispatched bool
	stopped    bool
	toggled    []string

	done chan struct{}
}

func newExecutor(cmd service.Command, robotCtx *service.RobotContext, timing *config.TimingConfig,
	arbiter Arbiter, router Dispatcher, gates Gates, emergency Emergency,
	audit AuditLogger, hub TelemetryHub, stopCapability string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cmd:            cmd,
		robotCtx:       robotCtx,
		timing:         timing,
		arbiter:        arbiter,
		router:         router,
		gates:          gates,
		emergency:      emergency,
		audit:          audit,
		hub:            hub,
		stopCapability: stopCapability,
		logger:         logger.Named("executor").With(zap.String("commandId", cmd.ID)),
		record: ExecutionRecord{
			CommandID:  cmd.ID,
			ContextID:  robotCtx.ID,
			Capability: cmd.TargetCapability,
			CreatedAt:  time.Now(),
		},
		done: make(chan struct{}),
	}
}

// Done is closed once the executor reaches a terminal state.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Record returns a snapshot of the execution trace.
func (e *Executor) Record() ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.record
	rec.Transitions = append([]Transition(nil), e.record.Transitions...)
	if e.record.Result != nil {
		rec.Result = make(map[string]any, len(e.record.Result))
		for k, v := range e.record.Result {
			rec.Result[k] = v
		}
	}
	return rec
}

// Run executes the command to a terminal state. Cancelling ctx before dispatch
// fails the command cleanly; after dispatch it routes through Recovering.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.done)

	// Audit and teardown writes must survive command cancellation.
	auditCtx := context.WithoutCancel(ctx)

	// Preflight: compile gate over the immutable command descriptor. Failure
	// here is terminal with zero side effects, so no teardown runs.
	e.transition(auditCtx, StatePreflight, "compile gate")
	if err := e.gates.CompileGuard(e.cmd); err != nil {
		e.audit.LogDecision(auditCtx, e.cmd.ID, "compile_guard", "reject", err.Error())
		e.fail(auditCtx, err)
		return
	}
	e.audit.LogDecision(auditCtx, e.cmd.ID, "compile_guard", "pass", e.cmd.TargetCapability)
	if ctx.Err() != nil {
		e.fail(auditCtx, fmt.Errorf("cancelled before arbitration: %w", ctx.Err()))
		return
	}

	pol, _ := e.gates.Policy().ForCapability(e.cmd.TargetCapability)

	// Arbitrating: take the mode lease the capability requires. Exhausting the
	// retry budget fails the command directly; no side effect exists yet.
	e.transition(auditCtx, StateArbitrating, pol.Mode)
	if pol.Mode != "" {
		lease, err := e.acquireLease(ctx, auditCtx, pol.Mode)
		if err != nil {
			e.fail(auditCtx, err)
			return
		}
		e.setLease(lease)
		if e.gates.Policy().ModeClass(pol.Mode) == "stream" {
			e.addToggle("control_source")
		}
	}

	// Pre-exec gate: live connectivity and capability drift. The lease is
	// already held, so failure routes through Recovering to release it.
	if err := e.gates.PreExecGuard(e.cmd, e.robotCtx); err != nil {
		e.audit.LogDecision(auditCtx, e.cmd.ID, "preexec_guard", "reject", err.Error())
		e.recover(auditCtx, err)
		return
	}
	e.audit.LogDecision(auditCtx, e.cmd.ID, "preexec_guard", "pass", e.robotCtx.ID)

	// Dispatching
	e.transition(auditCtx, StateDispatching, e.cmd.TargetCapability)
	if err := e.dispatch(ctx, auditCtx); err != nil {
		e.recover(auditCtx, err)
		return
	}

	// Monitoring
	e.transition(auditCtx, StateMonitoring, "window open")
	snapshot, err := e.monitor(ctx, auditCtx)
	if err != nil {
		e.recover(auditCtx, err)
		return
	}

	// Verifying
	e.transition(auditCtx, StateVerifying, "goal check")
	if err := e.verify(ctx, auditCtx, snapshot); err != nil {
		e.recover(auditCtx, err)
		return
	}

	e.complete(auditCtx)
}

// acquireLease retries CONFLICT with bounded exponential backoff; any other
// outcome is returned as-is.
func (e *Executor) acquireLease(ctx, auditCtx context.Context, mode string) (*arb.Lease, error) {
	var lastErr error
	for attempt := 1; attempt <= e.timing.ArbitrateMaxAttempts; attempt++ {
		lease, err := e.arbiter.Acquire(ctx, mode, e.cmd.ID, e.timing.LeaseTTL)
		if err == nil {
			return lease, nil
		}
		lastErr = err
		if !errors.Is(err, adapter.ErrConflict) {
			return nil, err
		}
		if attempt == e.timing.ArbitrateMaxAttempts {
			break
		}
		delay := e.backoff(attempt)
		e.logger.Debug("lease conflict, backing off",
			zap.String("mode", mode),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			// No lease is held and nothing has been dispatched yet, so
			// cancellation here fails the command directly without recovery.
			return nil, fmt.Errorf("cancelled during arbitration: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	e.audit.LogDecision(auditCtx, e.cmd.ID, "arbitrate", "exhausted",
		fmt.Sprintf("mode %s after %d attempts", mode, e.timing.ArbitrateMaxAttempts))
	return nil, lastErr
}

// backoff returns the delay before retry attempt+1, capped at the configured
// maximum.
func (e *Executor) backoff(attempt int) time.Duration {
	d := float64(e.timing.ArbitrateBackoffInitial) * math.Pow(e.timing.ArbitrateBackoffFactor, float64(attempt-1))
	if max := float64(e.timing.ArbitrateBackoffMax); d > max {
		d = max
	}
	return time.Duration(d)
}

// dispatch routes the command to the adapter. Transport and busy errors are
// retried within the bounded budget; timeout and validation errors are not.
// no_reply commands dispatch in the background and advance immediately.
func (e *Executor) dispatch(ctx, auditCtx context.Context) error {
	timeout := e.cmd.Policy.Timeout
	if timeout <= 0 {
		timeout = e.timing.DispatchTimeoutDefault
	}

	// The dispatch limiter is the degrade lever: under a degrade response it
	// admits commands at a reduced rate.
	if err := e.emergency.Limiter().Wait(ctx); err != nil {
		return fmt.Errorf("dispatch gate: %w", err)
	}

	if e.cmd.Policy.NoReply {
		// Fire-and-forget: the invocation outcome is discarded, but the
		// invocation itself stays bounded by the command timeout.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		e.markDispatched()
		go func() {
			defer cancel()
			if _, err := e.router.Route(dctx, e.cmd, e.robotCtx); err != nil {
				e.audit.LogDecision(dctx, e.cmd.ID, "dispatch", "discarded_error", err.Error())
				e.logger.Debug("no_reply dispatch error discarded", zap.Error(err))
			}
		}()
		e.audit.LogDecision(auditCtx, e.cmd.ID, "dispatch", "fire_and_forget", e.cmd.TargetCapability)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= e.timing.DispatchRetryMax; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		result, err := e.router.Route(dctx, e.cmd, e.robotCtx)
		cancel()
		e.markDispatched()
		if err == nil {
			e.setResult(result)
			e.audit.LogDecision(auditCtx, e.cmd.ID, "dispatch", "accept", e.cmd.TargetCapability)
			return nil
		}
		lastErr = err
		if !errors.Is(err, adapter.ErrTransport) && !errors.Is(err, adapter.ErrConflict) {
			break
		}
		if attempt == e.timing.DispatchRetryMax {
			break
		}
		e.audit.LogDecision(auditCtx, e.cmd.ID, "dispatch", "retry", err.Error())
		select {
		case <-ctx.Done():
			return fmt.Errorf("cancelled during dispatch: %w", ctx.Err())
		case <-time.After(e.timing.ArbitrateBackoffInitial):
		}
	}
	e.audit.LogDecision(auditCtx, e.cmd.ID, "dispatch", "error", lastErr.Error())
	return lastErr
}

// monitor consumes live samples for the monitoring window, running the exec
// gate on every update. It returns the final telemetry snapshot.
func (e *Executor) monitor(ctx, auditCtx context.Context) (map[string]float64, error) {
	samples, unsubscribe := e.hub.SubscribeSamples(e.robotCtx.ID)
	defer unsubscribe()

	snapshot := make(map[string]float64)
	window := time.NewTimer(e.timing.MonitorWindow)
	defer window.Stop()

	for {
		select {
		case <-ctx.Done():
			return snapshot, fmt.Errorf("cancelled during monitoring: %w", ctx.Err())
		case <-window.C:
			return snapshot, nil
		case s, ok := <-samples:
			if !ok {
				return snapshot, nil
			}
			snapshot[s.Metric] = s.Value
			breach := e.gates.ExecGuard(e.cmd, snapshot)
			if breach == nil {
				continue
			}
			e.audit.LogDecision(auditCtx, e.cmd.ID, "exec_guard", "breach", breach.Reason)
			trigger := e.emergency.Trigger(auditCtx, *breach)
			if !trigger.Engaged {
				continue
			}
			switch trigger.Response {
			case safety.ResponseDegrade:
				e.setDegraded()
				continue
			case safety.ResponseStop:
				// Halt motion immediately; teardown will not re-issue it.
				e.issueStop(auditCtx)
				return snapshot, fmt.Errorf("%w: %s", adapter.ErrSafetyViolation, breach.Reason)
			default:
				return snapshot, fmt.Errorf("%w: %s", adapter.ErrSafetyViolation, breach.Reason)
			}
		}
	}
}

// verify settles and evaluates goal postconditions, then stands the command
// down and runs the post-exec residual-state gate.
func (e *Executor) verify(ctx, auditCtx context.Context, snapshot map[string]float64) error {
	e.settle(ctx, snapshot)
	if ctx.Err() != nil {
		return fmt.Errorf("cancelled during verification: %w", ctx.Err())
	}

	if err := e.gates.VerifyGoal(e.cmd, snapshot); err != nil {
		e.audit.LogDecision(auditCtx, e.cmd.ID, "verify", "reject", err.Error())
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	e.audit.LogDecision(auditCtx, e.cmd.ID, "verify", "pass", e.cmd.TargetCapability)

	// Stand down before the residual-state check so a healthy completion
	// leaves nothing behind.
	e.restoreToggles(auditCtx)
	e.releaseLease(auditCtx)

	residual := leaseModes(e.arbiter.HeldBy(e.cmd.ID))
	if err := e.gates.PostExecGuard(e.cmd, residual, e.toggledServices()); err != nil {
		e.audit.LogDecision(auditCtx, e.cmd.ID, "postexec_guard", "reject", err.Error())
		return err
	}
	e.audit.LogDecision(auditCtx, e.cmd.ID, "postexec_guard", "pass", e.robotCtx.ID)
	return nil
}

// settle merges late samples into the snapshot until the robot had the verify
// window to reach its goal state. Skipped when no postcondition is bound.
func (e *Executor) settle(ctx context.Context, snapshot map[string]float64) {
	pol, ok := e.gates.Policy().ForCapability(e.cmd.TargetCapability)
	if !ok || len(pol.Postconditions) == 0 {
		return
	}
	samples, unsubscribe := e.hub.SubscribeSamples(e.robotCtx.ID)
	defer unsubscribe()

	deadline := time.NewTimer(e.timing.VerifyTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			snapshot[s.Metric] = s.Value
		}
	}
}

// recover tears down in deterministic order: stop motion, release the lease,
// restore toggled services, then settle terminal. A minor-severity breach with
// clean teardown completes degraded; everything else fails.
func (e *Executor) recover(ctx context.Context, cause error) {
	e.transition(ctx, StateRecovering, cause.Error())
	e.audit.LogDecision(ctx, e.cmd.ID, "recover", "engage", cause.Error())

	clean := true
	if e.wasDispatched() && !e.wasStopped() {
		if err := e.issueStop(ctx); err != nil {
			clean = false
			e.audit.LogDecision(ctx, e.cmd.ID, "recover", "stop_failed", err.Error())
		}
	}
	e.releaseLease(ctx)
	e.restoreToggles(ctx)

	if clean && e.nonFatal(cause) {
		e.setDegraded()
		e.audit.LogDecision(ctx, e.cmd.ID, "recover", "restored", "completing degraded")
		e.complete(ctx)
		return
	}
	e.fail(ctx, cause)
}

// nonFatal reports whether the fault class permits degraded completion after a
// clean teardown.
func (e *Executor) nonFatal(cause error) bool {
	if !errors.Is(cause, adapter.ErrSafetyViolation) {
		return false
	}
	pol, ok := e.gates.Policy().ForCapability(e.cmd.TargetCapability)
	return ok && pol.BreachSeverity == safety.SeverityMinor
}

// issueStop dispatches the stop capability with its own bounded deadline,
// detached from command cancellation.
func (e *Executor) issueStop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	stop := service.Command{
		ID:               e.cmd.ID + ":stop",
		Kind:             e.cmd.Kind,
		TargetCapability: e.stopCapability,
		Policy:           service.Policy{Timeout: e.timing.RecoveryStopTimeout},
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timing.RecoveryStopTimeout)
	defer cancel()

	if _, err := e.router.Route(sctx, stop, e.robotCtx); err != nil {
		e.logger.Error("teardown stop failed", zap.Error(err))
		return err
	}
	e.audit.LogDecision(ctx, e.cmd.ID, "recover", "stop_issued", e.stopCapability)
	return nil
}

func (e *Executor) releaseLease(ctx context.Context) {
	e.mu.Lock()
	lease := e.lease
	e.lease = nil
	e.mu.Unlock()
	if lease != nil {
		e.arbiter.Release(ctx, lease)
	}
}

// restoreToggles returns toggled services to their default state. The only
// toggle today is the control source, restored by the stop capability.
func (e *Executor) restoreToggles(ctx context.Context) {
	e.mu.Lock()
	toggled := e.toggled
	e.toggled = nil
	dispatched, stopped := e.dispatched, e.stopped
	e.mu.Unlock()

	if len(toggled) == 0 {
		return
	}
	if dispatched && !stopped {
		if err := e.issueStop(ctx); err != nil {
			e.audit.LogDecision(ctx, e.cmd.ID, "recover", "toggle_restore_failed", err.Error())
			return
		}
	}
	e.audit.LogDecision(ctx, e.cmd.ID, "recover", "toggles_restored", fmt.Sprintf("%v", toggled))
}

func (e *Executor) complete(ctx context.Context) {
	e.emergency.Resolve(e.cmd.ID)

	e.mu.Lock()
	degraded := e.record.Degraded
	e.record.FinishedAt = time.Now()
	e.mu.Unlock()

	reason := "ok"
	if degraded {
		reason = "degraded"
	}
	e.transition(ctx, StateCompleted, reason)
	e.publish(ctx, "commandCompleted", map[string]any{
		"commandId":  e.cmd.ID,
		"capability": e.cmd.TargetCapability,
		"degraded":   degraded,
	})
}

func (e *Executor) fail(ctx context.Context, cause error) {
	e.emergency.Resolve(e.cmd.ID)

	e.mu.Lock()
	e.record.Cause = cause.Error()
	e.record.FinishedAt = time.Now()
	e.mu.Unlock()

	e.transition(ctx, StateFailed, cause.Error())
	e.publish(ctx, "commandFailed", map[string]any{
		"commandId":  e.cmd.ID,
		"capability": e.cmd.TargetCapability,
		"cause":      cause.Error(),
	})
}

// transition records and audits a state change. Transitions are monotonic;
// the executor never re-enters a prior state.
func (e *Executor) transition(ctx context.Context, state State, reason string) {
	e.mu.Lock()
	e.record.State = state
	e.record.Transitions = append(e.record.Transitions, Transition{
		State:  state,
		At:     time.Now(),
		Reason: reason,
	})
	e.mu.Unlock()

	e.audit.LogDecision(ctx, e.cmd.ID, "state", string(state), reason)
	e.logger.Debug("state transition", zap.String("state", string(state)), zap.String("reason", reason))
}

func (e *Executor) publish(_ context.Context, eventType string, data map[string]any) {
	if err := e.hub.PublishContext(e.robotCtx.ID, telemetry.Event{
		Type:    eventType,
		Data:    data,
		Context: e.robotCtx.ID,
	}); err != nil {
		e.logger.Debug("lifecycle event publish failed", zap.Error(err))
	}
}

func (e *Executor) setLease(lease *arb.Lease) {
	e.mu.Lock()
	e.lease = lease
	e.mu.Unlock()
}

func (e *Executor) markDispatched() {
	e.mu.Lock()
	e.dispatched = true
	e.mu.Unlock()
}

func (e *Executor) wasDispatched() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatched
}

func (e *Executor) wasStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Executor) setDegraded() {
	e.mu.Lock()
	e.record.Degraded = true
	e.mu.Unlock()
}

func (e *Executor) setResult(result *adapter.Result) {
	if result == nil {
		return
	}
	e.mu.Lock()
	e.record.Result = result.Data
	e.mu.Unlock()
}

func (e *Executor) addToggle(name string) {
	e.mu.Lock()
	e.toggled = append(e.toggled, name)
	e.mu.Unlock()
}

func (e *Executor) toggledServices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.toggled...)
}

func leaseModes(leases []arb.Lease) []string {
	modes := make([]string, 0, len(leases))
	for _, l := range leases {
		modes = append(modes, l.ModeName)
	}
	return modes
}
