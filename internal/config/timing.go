package config

import (
	"fmt"
	"time"
)

// TimingConfig bounds every suspension point in the command lifecycle.
type TimingConfig struct {
	// Lease management
	LeaseTTL           time.Duration `env:"ROC_LEASE_TTL"`
	LeaseSweepInterval time.Duration `env:"ROC_LEASE_SWEEP_INTERVAL"`

	// Arbitration retry (bounded exponential backoff on CONFLICT)
	ArbitrateMaxAttempts    int           `env:"ROC_ARBITRATE_MAX_ATTEMPTS"`
	ArbitrateBackoffInitial time.Duration `env:"ROC_ARBITRATE_BACKOFF_INITIAL"`
	ArbitrateBackoffFactor  float64       `env:"ROC_ARBITRATE_BACKOFF_FACTOR"`
	ArbitrateBackoffMax     time.Duration `env:"ROC_ARBITRATE_BACKOFF_MAX"`

	// Command phase windows
	DispatchRetryMax       int           `env:"ROC_DISPATCH_RETRY_MAX"`
	DispatchTimeoutDefault time.Duration `env:"ROC_DISPATCH_TIMEOUT"`
	MonitorWindow          time.Duration `env:"ROC_MONITOR_WINDOW"`
	VerifyTimeout          time.Duration `env:"ROC_VERIFY_TIMEOUT"`
	RecoveryStopTimeout    time.Duration `env:"ROC_RECOVERY_STOP_TIMEOUT"`

	// Dispatch admission rate; the degrade response halves it
	DispatchRate  float64 `env:"ROC_DISPATCH_RATE"`
	DispatchBurst int     `env:"ROC_DISPATCH_BURST"`

	// Audit persistence retry before escalation
	AuditRetryMax   int           `env:"ROC_AUDIT_RETRY_MAX"`
	AuditRetryDelay time.Duration `env:"ROC_AUDIT_RETRY_DELAY"`

	// Telemetry hub
	HeartbeatInterval time.Duration `env:"ROC_HEARTBEAT_INTERVAL"`
	HeartbeatJitter   time.Duration `env:"ROC_HEARTBEAT_JITTER"`
	EventBufferSize   int           `env:"ROC_EVENT_BUFFER_SIZE"`
}

// Baseline returns the default timing values.
func Baseline() *TimingConfig {
	return &TimingConfig{
		LeaseTTL:           30 * time.Second,
		LeaseSweepInterval: 1 * time.Second,

		ArbitrateMaxAttempts:    4,
		ArbitrateBackoffInitial: 50 * time.Millisecond,
		ArbitrateBackoffFactor:  2.0,
		ArbitrateBackoffMax:     2 * time.Second,

		DispatchRetryMax:       2,
		DispatchTimeoutDefault: 10 * time.Second,
		MonitorWindow:          5 * time.Second,
		VerifyTimeout:          3 * time.Second,
		RecoveryStopTimeout:    5 * time.Second,

		DispatchRate:  5,
		DispatchBurst: 2,

		AuditRetryMax:   3,
		AuditRetryDelay: 100 * time.Millisecond,

		HeartbeatInterval: 15 * time.Second,
		HeartbeatJitter:   2 * time.Second,
		EventBufferSize:   50,
	}
}

// Validate checks invariants the runtime depends on.
func (t *TimingConfig) Validate() error {
	if t.LeaseTTL <= 0 {
		return fmt.Errorf("lease TTL must be positive, got %v", t.LeaseTTL)
	}
	if t.LeaseSweepInterval <= 0 {
		return fmt.Errorf("lease sweep interval must be positive, got %v", t.LeaseSweepInterval)
	}
	if t.LeaseSweepInterval > t.LeaseTTL {
		return fmt.Errorf("lease sweep interval %v exceeds lease TTL %v", t.LeaseSweepInterval, t.LeaseTTL)
	}
	if t.ArbitrateMaxAttempts < 1 {
		return fmt.Errorf("arbitrate max attempts must be at least 1, got %d", t.ArbitrateMaxAttempts)
	}
	if t.ArbitrateBackoffFactor < 1.0 {
		return fmt.Errorf("arbitrate backoff factor must be >= 1.0, got %f", t.ArbitrateBackoffFactor)
	}
	if t.DispatchRetryMax < 1 {
		return fmt.Errorf("dispatch retry max must be at least 1, got %d", t.DispatchRetryMax)
	}
	if t.DispatchTimeoutDefault <= 0 {
		return fmt.Errorf("dispatch timeout must be positive, got %v", t.DispatchTimeoutDefault)
	}
	if t.MonitorWindow <= 0 {
		return fmt.Errorf("monitor window must be positive, got %v", t.MonitorWindow)
	}
	if t.DispatchRate <= 0 || t.DispatchBurst < 1 {
		return fmt.Errorf("dispatch rate %f / burst %d out of range", t.DispatchRate, t.DispatchBurst)
	}
	if t.AuditRetryMax < 0 {
		return fmt.Errorf("audit retry max must be non-negative, got %d", t.AuditRetryMax)
	}
	if t.EventBufferSize < 1 {
		return fmt.Errorf("event buffer size must be at least 1, got %d", t.EventBufferSize)
	}
	return nil
}
