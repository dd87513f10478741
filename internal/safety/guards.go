package safety

import (
	"fmt"

	"github.com/robot-control/roc/internal/adapter"
	"github.com/robot-control/roc/internal/service"
)

// Breach describes one exec-gate threshold violation.
type Breach struct {
	CommandID string
	Metric    string
	Value     float64
	Severity  Severity
	Reason    string
}

// Interceptor is the four-phase safety gate pipeline. Each gate is a pure
// function over its explicit inputs; the interceptor only carries the policy
// and the registry handle needed for capability-drift detection.
type Interceptor struct {
	policy   *Policy
	registry *service.Registry
}

// NewInterceptor builds the gate pipeline over a loaded policy.
func NewInterceptor(policy *Policy, registry *service.Registry) *Interceptor {
	return &Interceptor{policy: policy, registry: registry}
}

// Policy exposes the bound table for consumers that select modes and severities.
func (i *Interceptor) Policy() *Policy {
	return i.policy
}

// CompileGuard validates command parameters against the static bounds of the
// capability's policy entry. Runs at Preflight; failure is fatal.
func (i *Interceptor) CompileGuard(cmd service.Command) error {
	pol, ok := i.policy.ForCapability(cmd.TargetCapability)
	if !ok {
		return fmt.Errorf("%w: capability %s has no policy entry", adapter.ErrInvalidParameter, cmd.TargetCapability)
	}

	if speed, ok := numParam(cmd.Parameters, "speed"); ok {
		if speed < 0 || (pol.MaxSpeed > 0 && speed > pol.MaxSpeed) {
			return fmt.Errorf("%w: speed %.3f outside [0, %.3f]", adapter.ErrInvalidParameter, speed, pol.MaxSpeed)
		}
	}
	if torque, ok := numParam(cmd.Parameters, "torque"); ok {
		if torque < 0 || (pol.MaxTorque > 0 && torque > pol.MaxTorque) {
			return fmt.Errorf("%w: torque %.3f outside [0, %.3f]", adapter.ErrInvalidParameter, torque, pol.MaxTorque)
		}
	}
	if duration, ok := numParam(cmd.Parameters, "duration"); ok {
		max := pol.MaxDuration.Std().Seconds()
		if duration < 0 || (max > 0 && duration > max) {
			return fmt.Errorf("%w: duration %.1fs outside [0, %.1fs]", adapter.ErrInvalidParameter, duration, max)
		}
	}

	if cmd.Policy.Timeout > 0 {
		if min := pol.TimeoutMin.Std(); min > 0 && cmd.Policy.Timeout < min {
			return fmt.Errorf("%w: timeout %v below policy minimum %v", adapter.ErrInvalidParameter, cmd.Policy.Timeout, min)
		}
		if max := pol.TimeoutMax.Std(); max > 0 && cmd.Policy.Timeout > max {
			return fmt.Errorf("%w: timeout %v above policy maximum %v", adapter.ErrInvalidParameter, cmd.Policy.Timeout, max)
		}
	}

	return nil
}

// PreExecGuard verifies connectivity and that the target capability is
// currently advertised, both in the registry (drift detection before a call
// is attempted) and in the live context's resolved set.
func (i *Interceptor) PreExecGuard(cmd service.Command, robotCtx *service.RobotContext) error {
	if robotCtx == nil || robotCtx.Adapter == nil {
		return fmt.Errorf("%w: no live robot context", adapter.ErrPreconditionNotMet)
	}

	advertised := false
	for _, desc := range i.registry.QueryCapability(cmd.TargetCapability) {
		if desc.Brand == robotCtx.Brand {
			advertised = true
			break
		}
	}
	if !advertised {
		return fmt.Errorf("%w: capability %s not advertised by brand %s", adapter.ErrPreconditionNotMet, cmd.TargetCapability, robotCtx.Brand)
	}

	if !robotCtx.HasCapability(cmd.TargetCapability) {
		return fmt.Errorf("%w: capability %s absent from context %s", adapter.ErrPreconditionNotMet, cmd.TargetCapability, robotCtx.ID)
	}

	return nil
}

// ExecGuard evaluates a live telemetry snapshot against the capability's
// thresholds and rule expressions. A non-nil Breach must be routed through the
// Emergency Handler synchronously.
func (i *Interceptor) ExecGuard(cmd service.Command, telemetry map[string]float64) *Breach {
	pol, ok := i.policy.ForCapability(cmd.TargetCapability)
	if !ok {
		return nil
	}

	if v, ok := telemetry["speed"]; ok && pol.MaxSpeed > 0 && v > pol.MaxSpeed {
		return &Breach{
			CommandID: cmd.ID,
			Metric:    "speed",
			Value:     v,
			Severity:  pol.BreachSeverity,
			Reason:    fmt.Sprintf("speed %.3f exceeds bound %.3f", v, pol.MaxSpeed),
		}
	}
	if v, ok := telemetry["torque"]; ok && pol.MaxTorque > 0 && v > pol.MaxTorque {
		return &Breach{
			CommandID: cmd.ID,
			Metric:    "torque",
			Value:     v,
			Severity:  pol.BreachSeverity,
			Reason:    fmt.Sprintf("torque %.3f exceeds bound %.3f", v, pol.MaxTorque),
		}
	}

	for idx, prg := range i.policy.execPrograms[cmd.TargetCapability] {
		if !evalRule(prg, telemetry, cmd.Parameters) {
			return &Breach{
				CommandID: cmd.ID,
				Metric:    "rule",
				Severity:  pol.BreachSeverity,
				Reason:    fmt.Sprintf("exec rule %d (%s) violated", idx, pol.ExecRules[idx]),
			}
		}
	}

	return nil
}

// VerifyGoal checks the final telemetry snapshot against the capability's
// postconditions. Used by the Verifying state.
func (i *Interceptor) VerifyGoal(cmd service.Command, telemetry map[string]float64) error {
	pol, ok := i.policy.ForCapability(cmd.TargetCapability)
	if !ok {
		return nil
	}
	for idx, prg := range i.policy.postPrograms[cmd.TargetCapability] {
		if !evalRule(prg, telemetry, cmd.Parameters) {
			return fmt.Errorf("postcondition %d (%s) not satisfied", idx, pol.Postconditions[idx])
		}
	}
	return nil
}

// PostExecGuard verifies no residual unsafe condition remains before a
// Completed acknowledgment: no leftover mode leases, no service toggle left in
// a non-default position. Failure forces Recovering rather than Completed.
func (i *Interceptor) PostExecGuard(cmd service.Command, residualModes []string, toggledServices []string) error {
	if len(residualModes) > 0 {
		return fmt.Errorf("%w: mode %s still held by command %s", adapter.ErrResidualState, residualModes[0], cmd.ID)
	}
	if len(toggledServices) > 0 {
		return fmt.Errorf("%w: service %s left in non-default state", adapter.ErrResidualState, toggledServices[0])
	}
	return nil
}

// numParam extracts a numeric parameter, tolerating JSON float64 and int forms.
func numParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
