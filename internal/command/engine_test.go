package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-control/roc/internal/adapter"
	"github.com/robot-control/roc/internal/service"
)

func TestExecuteRequiresCapability(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)

	_, err := f.engine.Execute(context.Background(), Spec{})
	assert.ErrorIs(t, err, adapter.ErrInvalidParameter)
}

func TestExecuteUnknownContext(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)

	_, err := f.engine.Execute(context.Background(), Spec{
		ContextID:        "ghost",
		TargetCapability: "stand",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteWithoutAttachedContext(t *testing.T) {
	f := newRuntimeFixture(t, false, nil)

	_, err := f.engine.Execute(context.Background(), Spec{TargetCapability: "stand"})
	assert.ErrorIs(t, err, adapter.ErrPreconditionNotMet)
}

func TestAttachContextRegistersBrandAndPumpsTelemetry(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)

	assert.Contains(t, f.engine.Contexts(), "go2-test")
	assert.True(t, f.fake.Initialized())

	samples, cancel := f.hub.SubscribeSamples("go2-test")
	defer cancel()

	f.fake.InjectSample("telemetry", adapter.Sample{Metric: "speed", Value: 0.3})

	select {
	case s := <-samples:
		assert.Equal(t, "go2-test", s.ContextID, "pump stamps the context ID")
		assert.Equal(t, "speed", s.Metric)
	case <-time.After(time.Second):
		t.Fatal("adapter sample never reached the hub")
	}
}

func TestAttachContextRequiresAdapter(t *testing.T) {
	f := newRuntimeFixture(t, false, nil)

	err := f.engine.AttachContext(context.Background(), &service.RobotContext{ID: "bare"})
	assert.ErrorIs(t, err, adapter.ErrInvalidParameter)

	err = f.engine.AttachContext(context.Background(), nil)
	assert.ErrorIs(t, err, adapter.ErrInvalidParameter)
}

func TestQueryUnknownCommand(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)

	_, err := f.engine.Query("no-such-command")
	assert.True(t, IsNotFound(err))
}

func TestCancelUnknownCommand(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)

	err := f.engine.Cancel(context.Background(), "no-such-command")
	assert.True(t, IsNotFound(err))
}

func TestQuerySurvivesCompletion(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)

	handle, err := f.engine.Execute(context.Background(), Spec{TargetCapability: "stand"})
	require.NoError(t, err)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	require.Equal(t, StateCompleted, rec.State)

	// The archived record keeps the full transition trace.
	archived, err := f.engine.Query(handle.CommandID)
	require.NoError(t, err)
	assert.Equal(t, rec.State, archived.State)
	assert.Equal(t, states(rec), states(archived))
	assert.False(t, archived.FinishedAt.IsZero())
}

func TestExecuteDefaultsContextAndKind(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)

	// Single attached context: contextId may be omitted.
	handle, err := f.engine.Execute(context.Background(), Spec{TargetCapability: "stand"})
	require.NoError(t, err)
	require.NotEmpty(t, handle.CommandID)

	rec := waitTerminal(t, f.engine, handle.CommandID)
	assert.Equal(t, "go2-test", rec.ContextID)
	assert.Equal(t, StateCompleted, rec.State)
}

func TestCloseCancelsRunningCommands(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)
	f.fake.ScriptDelay("stand", 50*time.Millisecond)

	handle, err := f.engine.Execute(context.Background(), Spec{TargetCapability: "stand"})
	require.NoError(t, err)

	require.NoError(t, f.engine.Close())

	rec, err := f.engine.Query(handle.CommandID)
	require.NoError(t, err)
	assert.True(t, rec.State.Terminal(), "Close must drive running commands terminal, got %s", rec.State)
}

func TestLifecycleEventsPublished(t *testing.T) {
	f := newRuntimeFixture(t, true, nil)

	handle, err := f.engine.Execute(context.Background(), Spec{TargetCapability: "stand"})
	require.NoError(t, err)
	rec := waitTerminal(t, f.engine, handle.CommandID)
	require.Equal(t, StateCompleted, rec.State)

	// Every transition, including the terminal one, is audited.
	deadline := time.After(time.Second)
	for {
		if f.audit.count("/state/"+string(StateCompleted)) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("completion was never audited")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
