package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/robot-control/roc/internal/adapter"
	"github.com/robot-control/roc/internal/adapter/fake"
	arb "github.com/robot-control/roc/internal/arbiter"
	"github.com/robot-control/roc/internal/config"
	"github.com/robot-control/roc/internal/safety"
	"github.com/robot-control/roc/internal/service"
	"github.com/robot-control/roc/internal/telemetry"
)

const runtimePolicy = `
default_severity: major

modes:
  sport:
    class: command
  lowlevel:
    class: stream

capabilities:
  walk:
    mode: sport
    max_speed: 1.0
    timeout_min: 10ms
    timeout_max: 30s
    breach_severity: critical
    postconditions:
      - "telemetry.posture == 2.0"
  stand:
    mode: sport
  sit:
    mode: sport
    breach_severity: minor
    exec_rules:
      - "!has(telemetry.noise) || telemetry.noise <= 1.0"
  stop_move: {}
`

// recordingAudit satisfies every decision-sink port in the runtime.
type recordingAudit struct {
	mu      sync.Mutex
	entries []string // commandID/phase/decision
}

func (r *recordingAudit) LogDecision(_ context.Context, commandID, phase, decision, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, commandID+"/"+phase+"/"+decision)
}

func (r *recordingAudit) count(suffix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if len(e) >= len(suffix) && e[len(e)-len(suffix):] == suffix {
			n++
		}
	}
	return n
}

type runtimeFixture struct {
	engine  *Engine
	fake    *fake.FakeAdapter
	arbiter *arb.Arbitrator
	hub     *telemetry.Hub
	audit   *recordingAudit
	timing  *config.TimingConfig
}

// newRuntimeFixture wires a full runtime over the fake adapter with timing
// shrunk to keep the tests fast. mut may adjust timing before wiring.
func newRuntimeFixture(t *testing.T, attach bool, mut func(*config.TimingConfig)) *runtimeFixture {
	t.Helper()

	tc := config.Baseline()
	tc.LeaseTTL = time.Second
	tc.ArbitrateMaxAttempts = 6
	tc.ArbitrateBackoffInitial = 5 * time.Millisecond
	tc.ArbitrateBackoffMax = 20 * time.Millisecond
	tc.DispatchTimeoutDefault = 60 * time.Millisecond
	tc.MonitorWindow = 120 * time.Millisecond
	tc.VerifyTimeout = 40 * time.Millisecond
	tc.RecoveryStopTimeout = 500 * time.Millisecond
	tc.DispatchRate = 1000
	tc.DispatchBurst = 100
	if mut != nil {
		mut(tc)
	}

	policy, err := safety.ParsePolicy([]byte(runtimePolicy))
	require.NoError(t, err)

	auditRec := &recordingAudit{}
	registry := service.NewRegistry()
	router := service.NewRouter(registry, zap.NewNop())
	arbiter := arb.New(tc.LeaseSweepInterval, zap.NewNop(), auditRec)
	gates := safety.NewInterceptor(policy, registry)
	emergency := safety.NewEmergencyHandler(rate.Limit(tc.DispatchRate), tc.DispatchBurst, zap.NewNop(), auditRec)
	hub := telemetry.NewHub(tc)

	fa := fake.NewFakeAdapter("unitree", "walk", "stand", "sit", "stop_move")
	eng := NewEngine(registry, router, arbiter, gates, emergency, auditRec, hub, tc, zap.NewNop())

	if attach {
		require.NoError(t, eng.AttachContext(context.Background(), &service.RobotContext{
			ID:      "go2-test",
			Brand:   "unitree",
			Adapter: fa,
		}))
	}

	t.Cleanup(func() {
		_ = eng.Close()
		hub.Stop()
	})

	return &runtimeFixture{
		engine:  eng,
		fake:    fa,
		arbiter: arbiter,
		hub:     hub,
		audit:   auditRec,
		timing:  tc,
	}
}

// injectSamples feeds the adapter's telemetry topic every few milliseconds
// until the returned stop func is called.
func (f *runtimeFixture) injectSamples(t *testing.T, samples ...adapter.Sample) func() {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				for _, s := range samples {
					f.fake.InjectSample("telemetry", s)
				}
			}
		}
	}()
	var once sync.Once
	stopFn := func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}
	t.Cleanup(stopFn)
	return stopFn
}

func waitTerminal(t *testing.T, eng *Engine, commandID string) ExecutionRecord {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		rec, err := eng.Query(commandID)
		require.NoError(t, err)
		if rec.State.Terminal() {
			return rec
		}
		select {
		case <-deadline:
			t.Fatalf("command %s stuck in state %s", commandID, rec.State)
		case <-time.After(3 * time.Millisecond):
		}
	}
}

func waitState(t *testing.T, eng *Engine, commandID string, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		rec, err := eng.Query(commandID)
		require.NoError(t, err)
		if rec.State == want {
			return
		}
		if rec.State.Terminal() {
			t.Fatalf("command %s reached %s before %s (cause: %s)", commandID, rec.State, want, rec.Cause)
		}
		select {
		case <-deadline:
			t.Fatalf("command %s never reached %s (at %s)", commandID, want, rec.State)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func states(rec ExecutionRecord) []State {
	out := make([]State, 0, len(rec.Transitions))
	for _, tr := range rec.Transitions {
		out = append(out, tr.State)
	}
	return out
}
