// Package adaptertest provides vendor-agnostic conformance testing for robot
// adapters. Any adapter wired into the runtime must pass the same lifecycle,
// capability, and error-normalization checks.
package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-control/roc/internal/adapter"
)

// Expectations parameterizes the conformance run for one vendor.
type Expectations struct {
	// Brand is the vendor key used for error normalization.
	Brand string

	// RequiredCapabilities must all be advertised and invokable.
	RequiredCapabilities []string

	// InvalidInvocations map a capability to parameters the adapter must
	// reject with a vendor error normalizing to ErrInvalidParameter.
	InvalidInvocations map[string]map[string]any

	// TelemetryTopic is subscribed and must deliver at least one sample
	// within SampleWindow after a capability invocation, when set.
	TelemetryTopic string
	SampleWindow   time.Duration
}

// RunConformance runs the conformance suite against a fresh adapter per check.
func RunConformance(t *testing.T, newAdapter func() adapter.IRobotAdapter, exp Expectations) {
	t.Helper()

	t.Run("initialize", func(t *testing.T) {
		a := newAdapter()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, a.Initialize(ctx))
	})

	t.Run("capabilities advertised", func(t *testing.T) {
		a := newAdapter()
		require.NoError(t, a.Initialize(context.Background()))
		caps := a.Capabilities()
		require.NotEmpty(t, caps)
		for _, want := range exp.RequiredCapabilities {
			assert.Contains(t, caps, want)
		}
	})

	t.Run("required capabilities invoke", func(t *testing.T) {
		a := newAdapter()
		require.NoError(t, a.Initialize(context.Background()))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, capability := range exp.RequiredCapabilities {
			_, err := a.Invoke(ctx, capability, nil)
			assert.NoError(t, err, "capability %s", capability)
		}
	})

	t.Run("invalid parameters normalize", func(t *testing.T) {
		for capability, params := range exp.InvalidInvocations {
			a := newAdapter()
			require.NoError(t, a.Initialize(context.Background()))
			_, err := a.Invoke(context.Background(), capability, params)
			require.Error(t, err, "capability %s", capability)
			normalized := adapter.NormalizeVendorErrorWithVendor(err, nil, exp.Brand)
			assert.ErrorIs(t, normalized, adapter.ErrInvalidParameter, "capability %s", capability)
		}
	})

	t.Run("cancelled invoke returns timeout class", func(t *testing.T) {
		a := newAdapter()
		require.NoError(t, a.Initialize(context.Background()))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := a.Invoke(ctx, exp.RequiredCapabilities[0], nil)
		if err != nil {
			normalized := adapter.NormalizeVendorErrorWithVendor(err, nil, exp.Brand)
			assert.ErrorIs(t, normalized, adapter.ErrTimeout)
		}
	})

	if exp.TelemetryTopic != "" {
		t.Run("telemetry flows after invocation", func(t *testing.T) {
			a := newAdapter()
			require.NoError(t, a.Initialize(context.Background()))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			samples, err := a.Subscribe(ctx, exp.TelemetryTopic)
			require.NoError(t, err)

			_, err = a.Invoke(ctx, exp.RequiredCapabilities[0], nil)
			require.NoError(t, err)

			window := exp.SampleWindow
			if window <= 0 {
				window = 2 * time.Second
			}
			select {
			case sample, ok := <-samples:
				require.True(t, ok)
				assert.NotEmpty(t, sample.Metric)
			case <-time.After(window):
				t.Fatal("no telemetry sample within window")
			}
		})

		t.Run("subscription closes on cancel", func(t *testing.T) {
			a := newAdapter()
			require.NoError(t, a.Initialize(context.Background()))
			ctx, cancel := context.WithCancel(context.Background())

			samples, err := a.Subscribe(ctx, exp.TelemetryTopic)
			require.NoError(t, err)
			cancel()

			deadline := time.After(2 * time.Second)
			for {
				select {
				case _, ok := <-samples:
					if !ok {
						return
					}
				case <-deadline:
					t.Fatal("sample channel not closed after cancel")
				}
			}
		})
	}
}
