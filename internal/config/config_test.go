package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ROC_AUTH_DISABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.APIAddr)
	assert.Equal(t, "logs/audit.db", cfg.AuditPath)
	assert.Equal(t, "config/safety_policy.yaml", cfg.PolicyPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "go2-local", cfg.RobotContextID)
	assert.Equal(t, *Baseline(), cfg.Timing)
}

func TestLoadEnvOverlay(t *testing.T) {
	t.Setenv("ROC_AUTH_DISABLED", "true")
	t.Setenv("ROC_API_ADDR", ":9100")
	t.Setenv("ROC_LOG_LEVEL", "debug")
	t.Setenv("ROC_LEASE_TTL", "45s")
	t.Setenv("ROC_MONITOR_WINDOW", "2s")
	t.Setenv("ROC_DISPATCH_RETRY_MAX", "5")
	t.Setenv("ROC_DISPATCH_RATE", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.APIAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.Timing.LeaseTTL)
	assert.Equal(t, 2*time.Second, cfg.Timing.MonitorWindow)
	assert.Equal(t, 5, cfg.Timing.DispatchRetryMax)
	assert.Equal(t, 10.0, cfg.Timing.DispatchRate)

	// Untouched fields keep the baseline.
	assert.Equal(t, Baseline().VerifyTimeout, cfg.Timing.VerifyTimeout)
}

func TestLoadRequiresAuthSecret(t *testing.T) {
	t.Setenv("ROC_AUTH_DISABLED", "false")
	t.Setenv("ROC_AUTH_SECRET", "")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("ROC_AUTH_SECRET", "bench-secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bench-secret", cfg.AuthSecret)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Setenv("ROC_AUTH_DISABLED", "true")
	t.Setenv("ROC_LOG_LEVEL", "chatty")

	_, err := Load()
	assert.Error(t, err)
}

func TestTimingValidate(t *testing.T) {
	base := Baseline()
	require.NoError(t, base.Validate())

	cases := []struct {
		name string
		mut  func(*TimingConfig)
	}{
		{"zero lease ttl", func(tc *TimingConfig) { tc.LeaseTTL = 0 }},
		{"sweep longer than ttl", func(tc *TimingConfig) { tc.LeaseSweepInterval = tc.LeaseTTL + time.Second }},
		{"zero arbitrate attempts", func(tc *TimingConfig) { tc.ArbitrateMaxAttempts = 0 }},
		{"backoff factor below one", func(tc *TimingConfig) { tc.ArbitrateBackoffFactor = 0.5 }},
		{"zero dispatch retries", func(tc *TimingConfig) { tc.DispatchRetryMax = 0 }},
		{"zero dispatch timeout", func(tc *TimingConfig) { tc.DispatchTimeoutDefault = 0 }},
		{"zero monitor window", func(tc *TimingConfig) { tc.MonitorWindow = 0 }},
		{"zero dispatch rate", func(tc *TimingConfig) { tc.DispatchRate = 0 }},
		{"zero dispatch burst", func(tc *TimingConfig) { tc.DispatchBurst = 0 }},
		{"negative audit retries", func(tc *TimingConfig) { tc.AuditRetryMax = -1 }},
		{"zero event buffer", func(tc *TimingConfig) { tc.EventBufferSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *Baseline()
			tc.mut(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
