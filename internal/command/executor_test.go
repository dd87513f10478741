package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-control/roc/internal/adapter"
	"github.com/robot-control/roc/internal/config"
)

func TestExecuteHappyPath(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)
	f.fake.ScriptResult("walk", map[string]any{"status": "ok"})
	f.injectSamples(t,
		adapter.Sample{Metric: "speed", Value: 0.5},
		adapter.Sample{Metric: "posture", Value: 2.0},
	)

	handle, err := f.engine.Execute(context.Background(), Spec{
		TargetCapability: "walk",
		Parameters:       map[string]any{"speed": 0.5},
	})
	require.NoError(t, err)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, StateCompleted, rec.State)
	assert.False(t, rec.Degraded)
	assert.Empty(t, rec.Cause)
	assert.Equal(t, "ok", rec.Result["status"])
	assert.Equal(t, 1, f.fake.InvocationCount("walk"))
	assert.Equal(t, 0, f.fake.InvocationCount("stop_move"))

	// Full forward path, no recovery.
	assert.Equal(t, []State{
		StatePreflight, StateArbitrating, StateDispatching,
		StateMonitoring, StateVerifying, StateCompleted,
	}, states(rec))

	// The sport lease was released on the way out.
	_, held := f.arbiter.Holder("sport")
	assert.False(t, held)
}

func TestExecuteCompileRejectHasNoSideEffects(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)

	handle, err := f.engine.Execute(context.Background(), Spec{
		TargetCapability: "walk",
		Parameters:       map[string]any{"speed": 5.0}, // bound is 1.0
	})
	require.NoError(t, err)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, StateFailed, rec.State)
	assert.Contains(t, rec.Cause, "INVALID_PARAMETER")

	// Rejected before arbitration: nothing dispatched, nothing to recover.
	assert.Empty(t, f.fake.Invocations())
	assert.NotContains(t, states(rec), StateRecovering)
	_, held := f.arbiter.Holder("sport")
	assert.False(t, held)
}

func TestExecuteDispatchTimeoutRecoversWithStop(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)
	f.fake.ScriptHang("stand")

	handle, err := f.engine.Execute(context.Background(), Spec{TargetCapability: "stand"})
	require.NoError(t, err)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, StateFailed, rec.State)
	assert.Contains(t, rec.Cause, "TIMEOUT_EXCEEDED")
	assert.Contains(t, states(rec), StateRecovering)

	// Teardown halted motion exactly once and released the lease.
	assert.Equal(t, 1, f.fake.InvocationCount("stop_move"))
	_, held := f.arbiter.Holder("sport")
	assert.False(t, held)

	// Timeouts are not retried at dispatch.
	assert.Equal(t, 1, f.fake.InvocationCount("stand"))
}

func TestExecuteTransportErrorRetriesDispatch(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)
	// SERVICE_BUSY normalizes to CONFLICT, which stays on the retry path.
	f.fake.ScriptError("stand", errors.New("SERVICE_BUSY: motion in progress"))

	handle, err := f.engine.Execute(context.Background(), Spec{TargetCapability: "stand"})
	require.NoError(t, err)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, f.timing.DispatchRetryMax, f.fake.InvocationCount("stand"))
	assert.Contains(t, rec.Cause, "CONFLICT")

	// Exhausted dispatch still tears down: lease released, motion stopped.
	assert.Equal(t, 1, f.fake.InvocationCount("stop_move"))
}

func TestExecuteNoReplyAdvancesImmediately(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)
	f.fake.ScriptHang("stand")

	handle, err := f.engine.Execute(context.Background(), Spec{
		TargetCapability: "stand",
		NoReply:          true,
	})
	require.NoError(t, err)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, 1, f.fake.InvocationCount("stand"))
	// The hung invocation's outcome was discarded, never recovered from.
	assert.NotContains(t, states(rec), StateRecovering)
}

func TestExecuteLeaseConflictRetriesUntilGranted(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)

	lease, err := f.arbiter.Acquire(context.Background(), "sport", "other-cmd", f.timing.LeaseTTL)
	require.NoError(t, err)

	handle, err := f.engine.Execute(context.Background(), Spec{TargetCapability: "stand"})
	require.NoError(t, err)

	// Release after the executor has burned a couple of attempts.
	time.Sleep(15 * time.Millisecond)
	f.arbiter.Release(context.Background(), lease)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, 1, f.fake.InvocationCount("stand"))
}

func TestExecuteLeaseConflictExhaustsAndFails(t *testing.T) {
	f := newRuntimeFixture(t, true, func(tc *config.TimingConfig) {
		tc.ArbitrateMaxAttempts = 2
	})

	_, err := f.arbiter.Acquire(context.Background(), "sport", "other-cmd", f.timing.LeaseTTL)
	require.NoError(t, err)

	handle, err := f.engine.Execute(context.Background(), Spec{TargetCapability: "stand"})
	require.NoError(t, err)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, StateFailed, rec.State)
	assert.Contains(t, rec.Cause, "CONFLICT")

	// Arbitration exhaustion precedes any adapter contact.
	assert.Empty(t, f.fake.Invocations())
	assert.NotContains(t, states(rec), StateRecovering)
	assert.Equal(t, 1, f.audit.count("/arbitrate/exhausted"))
}

func TestExecuteCriticalBreachStopsAndFails(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)
	f.injectSamples(t, adapter.Sample{Metric: "speed", Value: 2.0}) // bound is 1.0

	handle, err := f.engine.Execute(context.Background(), Spec{
		TargetCapability: "walk",
		Parameters:       map[string]any{"speed": 0.5},
	})
	require.NoError(t, err)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, StateFailed, rec.State)
	assert.Contains(t, rec.Cause, "SAFETY_VIOLATION")

	// Stop was issued from the breach, not re-issued by teardown.
	assert.Equal(t, 1, f.fake.InvocationCount("stop_move"))
	_, held := f.arbiter.Holder("sport")
	assert.False(t, held)
}

func TestExecuteMinorBreachCompletesDegraded(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)
	f.injectSamples(t, adapter.Sample{Metric: "noise", Value: 2.0})

	handle, err := f.engine.Execute(context.Background(), Spec{TargetCapability: "sit"})
	require.NoError(t, err)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, StateCompleted, rec.State)
	assert.True(t, rec.Degraded)

	// Degrade keeps the command running; no stop, no recovery.
	assert.Equal(t, 0, f.fake.InvocationCount("stop_move"))
	assert.NotContains(t, states(rec), StateRecovering)
}

func TestCancelDuringMonitoringRecovers(t *testing.T) {
	f := newRuntimeFixture(t, true, func(tc *config.TimingConfig) {
		tc.MonitorWindow = 500 * time.Millisecond
	})

	handle, err := f.engine.Execute(context.Background(), Spec{TargetCapability: "stand"})
	require.NoError(t, err)

	waitState(t, f.engine, handle.CommandID, StateMonitoring)
	require.NoError(t, f.engine.Cancel(context.Background(), handle.CommandID))

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, StateFailed, rec.State)
	assert.Contains(t, rec.Cause, "cancelled during monitoring")
	assert.Contains(t, states(rec), StateRecovering)
	assert.Equal(t, 1, f.fake.InvocationCount("stop_move"))

	// Cancelling a terminal command is a no-op.
	assert.NoError(t, f.engine.Cancel(context.Background(), handle.CommandID))
}

func TestVerifyPostconditionFailure(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)
	// Robot never reaches the goal posture.
	f.injectSamples(t,
		adapter.Sample{Metric: "speed", Value: 0.5},
		adapter.Sample{Metric: "posture", Value: 0.0},
	)

	handle, err := f.engine.Execute(context.Background(), Spec{
		TargetCapability: "walk",
		Parameters:       map[string]any{"speed": 0.5},
	})
	require.NoError(t, err)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, StateFailed, rec.State)
	assert.Contains(t, rec.Cause, "VERIFICATION_FAILED")
	assert.Contains(t, states(rec), StateRecovering)
}
