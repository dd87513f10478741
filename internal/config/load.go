package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration.
type Config struct {
	// APIAddr is the listen address of the control API server.
	APIAddr string `env:"ROC_API_ADDR" envDefault:":8000"`

	// AuditPath is the SQLite database file backing the audit log.
	AuditPath string `env:"ROC_AUDIT_PATH" envDefault:"logs/audit.db"`

	// PolicyPath points at the external safety-policy YAML document.
	PolicyPath string `env:"ROC_POLICY_PATH" envDefault:"config/safety_policy.yaml"`

	// AuthSecret is the HMAC key for API bearer tokens. Empty disables auth
	// only when AuthDisabled is also set.
	AuthSecret string `env:"ROC_AUTH_SECRET"`

	// AuthDisabled turns off API authentication (development only).
	AuthDisabled bool `env:"ROC_AUTH_DISABLED" envDefault:"false"`

	// LogLevel is the zap level: debug, info, warn, error.
	LogLevel string `env:"ROC_LOG_LEVEL" envDefault:"info"`

	// RobotContextID and RobotModel identify the robot attached at startup.
	// The in-tree transport is the Unitree bench mock; real transports attach
	// through the same engine entry point.
	RobotContextID string `env:"ROC_ROBOT_CONTEXT" envDefault:"go2-local"`
	RobotModel     string `env:"ROC_ROBOT_MODEL" envDefault:"go2"`

	Timing TimingConfig
}

// Load builds the configuration: timing baseline first, then environment
// overlay, then validation.
func Load() (*Config, error) {
	cfg := &Config{
		Timing: *Baseline(),
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := env.Parse(&cfg.Timing); err != nil {
		return nil, fmt.Errorf("parse env timing: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the composed configuration.
func (c *Config) Validate() error {
	if c.APIAddr == "" {
		return fmt.Errorf("API address must be non-empty")
	}
	if !c.AuthDisabled && c.AuthSecret == "" {
		return fmt.Errorf("auth secret required unless ROC_AUTH_DISABLED=true")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return c.Timing.Validate()
}
