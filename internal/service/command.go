package service

import (
	"time"

	"github.com/robot-control/roc/internal/adapter"
)

// Policy carries the per-command execution policy.
type Policy struct {
	Priority int           `json:"priority"`
	NoReply  bool          `json:"noReply"`
	Timeout  time.Duration `json:"timeout"`
}

// Command is a validated command descriptor. Immutable once accepted.
type Command struct {
	ID               string         `json:"id"`
	Kind             string         `json:"kind"`
	TargetCapability string         `json:"targetCapability"`
	Parameters       map[string]any `json:"parameters"`
	Policy           Policy         `json:"policy"`
}

// RobotContext is the live context for one controlled robot.
// Owned by the runtime engine; one per robot.
type RobotContext struct {
	ID           string
	Brand        string
	Adapter      adapter.IRobotAdapter
	Capabilities []string
}

// HasCapability reports whether the resolved capability set includes name.
func (c *RobotContext) HasCapability(name string) bool {
	for _, cap := range c.Capabilities {
		if cap == name {
			return true
		}
	}
	return false
}
