package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-control/roc/internal/adapter"
	"github.com/robot-control/roc/internal/adapter/fake"
	"github.com/robot-control/roc/internal/service"
)

func interceptorFixture(t *testing.T) (*Interceptor, *service.RobotContext) {
	t.Helper()
	policy, err := ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)

	fa := fake.NewFakeAdapter("unitree", "walk", "stand", "stop_move")
	registry := service.NewRegistry()
	require.NoError(t, registry.Register(adapter.Descriptor{
		Brand:        "unitree",
		Capabilities: fa.Capabilities(),
	}))

	robotCtx := &service.RobotContext{
		ID:           "go2-test",
		Brand:        "unitree",
		Adapter:      fa,
		Capabilities: fa.Capabilities(),
	}
	return NewInterceptor(policy, registry), robotCtx
}

func TestCompileGuardRejectsOverSpeed(t *testing.T) {
	gates, _ := interceptorFixture(t)

	err := gates.CompileGuard(service.Command{
		ID:               "cmd-1",
		TargetCapability: "walk",
		Parameters:       map[string]any{"speed": 1.5}, // bound is 1.0
	})
	assert.ErrorIs(t, err, adapter.ErrInvalidParameter)
}

func TestCompileGuardAcceptsInBounds(t *testing.T) {
	gates, _ := interceptorFixture(t)

	err := gates.CompileGuard(service.Command{
		ID:               "cmd-2",
		TargetCapability: "walk",
		Parameters:       map[string]any{"speed": 0.8, "duration": 30.0},
		Policy:           service.Policy{Timeout: 5 * time.Second},
	})
	assert.NoError(t, err)
}

func TestCompileGuardRejectsUnknownCapability(t *testing.T) {
	gates, _ := interceptorFixture(t)
	err := gates.CompileGuard(service.Command{ID: "cmd-3", TargetCapability: "backflip"})
	assert.ErrorIs(t, err, adapter.ErrInvalidParameter)
}

func TestCompileGuardTimeoutWindow(t *testing.T) {
	gates, _ := interceptorFixture(t)

	err := gates.CompileGuard(service.Command{
		ID:               "cmd-4",
		TargetCapability: "walk",
		Policy:           service.Policy{Timeout: 100 * time.Millisecond}, // below 500ms floor
	})
	assert.ErrorIs(t, err, adapter.ErrInvalidParameter)

	err = gates.CompileGuard(service.Command{
		ID:               "cmd-5",
		TargetCapability: "walk",
		Policy:           service.Policy{Timeout: time.Minute}, // above 30s ceiling
	})
	assert.ErrorIs(t, err, adapter.ErrInvalidParameter)
}

func TestPreExecGuard(t *testing.T) {
	gates, robotCtx := interceptorFixture(t)
	cmd := service.Command{ID: "cmd-6", TargetCapability: "walk"}

	assert.NoError(t, gates.PreExecGuard(cmd, robotCtx))
	assert.ErrorIs(t, gates.PreExecGuard(cmd, nil), adapter.ErrPreconditionNotMet)

	// Capability missing from the live context's resolved set.
	drifted := &service.RobotContext{
		ID:           robotCtx.ID,
		Brand:        robotCtx.Brand,
		Adapter:      robotCtx.Adapter,
		Capabilities: []string{"stand"},
	}
	assert.ErrorIs(t, gates.PreExecGuard(cmd, drifted), adapter.ErrPreconditionNotMet)
}

func TestExecGuardSpeedThreshold(t *testing.T) {
	gates, _ := interceptorFixture(t)
	cmd := service.Command{ID: "cmd-7", TargetCapability: "walk"}

	assert.Nil(t, gates.ExecGuard(cmd, map[string]float64{"speed": 0.9}))

	breach := gates.ExecGuard(cmd, map[string]float64{"speed": 1.1})
	require.NotNil(t, breach)
	assert.Equal(t, "speed", breach.Metric)
	assert.Equal(t, SeverityCritical, breach.Severity)
	assert.Equal(t, "cmd-7", breach.CommandID)
}

func TestExecGuardRuleViolation(t *testing.T) {
	gates, _ := interceptorFixture(t)
	cmd := service.Command{ID: "cmd-8", TargetCapability: "stand"}

	// stand has no rules or bounds; nothing can breach.
	assert.Nil(t, gates.ExecGuard(cmd, map[string]float64{"speed": 9.9}))
}

func TestVerifyGoalPostcondition(t *testing.T) {
	gates, _ := interceptorFixture(t)
	cmd := service.Command{ID: "cmd-9", TargetCapability: "walk"}

	assert.NoError(t, gates.VerifyGoal(cmd, map[string]float64{"posture": 2.0}))
	assert.Error(t, gates.VerifyGoal(cmd, map[string]float64{"posture": 0.0}))

	// Absent metric fails closed.
	assert.Error(t, gates.VerifyGoal(cmd, map[string]float64{}))
}

func TestPostExecGuardResidualState(t *testing.T) {
	gates, _ := interceptorFixture(t)
	cmd := service.Command{ID: "cmd-10", TargetCapability: "walk"}

	assert.NoError(t, gates.PostExecGuard(cmd, nil, nil))
	assert.ErrorIs(t, gates.PostExecGuard(cmd, []string{"sport"}, nil), adapter.ErrResidualState)
	assert.ErrorIs(t, gates.PostExecGuard(cmd, nil, []string{"control_source"}), adapter.ErrResidualState)
}
