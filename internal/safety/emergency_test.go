package safety

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type countingSink struct {
	mu        sync.Mutex
	decisions []string
}

func (s *countingSink) LogDecision(_ context.Context, commandID, phase, decision, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, decision)
}

func (s *countingSink) byDecision(decision string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.decisions {
		if d == decision {
			n++
		}
	}
	return n
}

func TestResponseForSeverity(t *testing.T) {
	assert.Equal(t, ResponseStop, ResponseFor(SeverityCritical))
	assert.Equal(t, ResponseDegrade, ResponseFor(SeverityMinor))
	assert.Equal(t, ResponseRollback, ResponseFor(SeverityMajor))
}

func TestTriggerIsIdempotentPerCommand(t *testing.T) {
	sink := &countingSink{}
	h := NewEmergencyHandler(rate.Limit(10), 2, nil, sink)
	ctx := context.Background()

	breach := Breach{CommandID: "cmd-1", Metric: "speed", Value: 2.0, Severity: SeverityCritical, Reason: "over speed"}

	first := h.Trigger(ctx, breach)
	assert.True(t, first.Engaged)
	assert.Equal(t, ResponseStop, first.Response)

	// Repeated triggers inside the same recovery window collapse.
	second := h.Trigger(ctx, breach)
	assert.False(t, second.Engaged)

	// Both triggers are still audited individually.
	assert.Equal(t, 1, sink.byDecision("stop"))
	assert.Equal(t, 1, sink.byDecision("collapsed"))
	assert.True(t, h.Active("cmd-1"))
}

func TestConcurrentTriggersEngageOnce(t *testing.T) {
	h := NewEmergencyHandler(rate.Limit(10), 2, nil, nil)
	breach := Breach{CommandID: "cmd-2", Severity: SeverityCritical, Reason: "breach"}

	const triggers = 16
	var wg sync.WaitGroup
	engaged := make(chan struct{}, triggers)
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Trigger(context.Background(), breach).Engaged {
				engaged <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(engaged)

	n := 0
	for range engaged {
		n++
	}
	assert.Equal(t, 1, n)
}

func TestResolveReopensWindow(t *testing.T) {
	h := NewEmergencyHandler(rate.Limit(10), 2, nil, nil)
	breach := Breach{CommandID: "cmd-3", Severity: SeverityMajor, Reason: "breach"}

	require.True(t, h.Trigger(context.Background(), breach).Engaged)
	h.Resolve("cmd-3")
	assert.False(t, h.Active("cmd-3"))

	// A fresh breach after resolution engages again.
	assert.True(t, h.Trigger(context.Background(), breach).Engaged)
}

func TestDegradeHalvesDispatchRateAndResolveRestores(t *testing.T) {
	h := NewEmergencyHandler(rate.Limit(10), 4, nil, nil)
	breach := Breach{CommandID: "cmd-4", Severity: SeverityMinor, Reason: "soft breach"}

	trigger := h.Trigger(context.Background(), breach)
	require.True(t, trigger.Engaged)
	require.Equal(t, ResponseDegrade, trigger.Response)

	assert.Equal(t, rate.Limit(5), h.Limiter().Limit())
	assert.Equal(t, 1, h.Limiter().Burst())

	h.Resolve("cmd-4")
	assert.Equal(t, rate.Limit(10), h.Limiter().Limit())
	assert.Equal(t, 4, h.Limiter().Burst())
}

func TestResolveKeepsDegradeWhileAnotherActive(t *testing.T) {
	h := NewEmergencyHandler(rate.Limit(10), 4, nil, nil)

	require.True(t, h.Trigger(context.Background(), Breach{CommandID: "cmd-5", Severity: SeverityMinor}).Engaged)
	require.True(t, h.Trigger(context.Background(), Breach{CommandID: "cmd-6", Severity: SeverityMinor}).Engaged)

	h.Resolve("cmd-5")
	// cmd-6 still degraded; limits stay reduced.
	assert.Equal(t, rate.Limit(5), h.Limiter().Limit())

	h.Resolve("cmd-6")
	assert.Equal(t, rate.Limit(10), h.Limiter().Limit())
}
