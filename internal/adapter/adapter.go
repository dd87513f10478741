package adapter

import (
	"context"
	"time"
)

// Descriptor identifies a registered adapter instance.
// Immutable after registration.
type Descriptor struct {
	Brand        string   `json:"brand"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// Advertises reports whether the descriptor lists the named capability.
func (d Descriptor) Advertises(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Result is the acknowledgment returned by a capability invocation.
type Result struct {
	Capability string         `json:"capability"`
	Data       map[string]any `json:"data,omitempty"`
}

// Sample is one telemetry reading published by an adapter feedback stream.
type Sample struct {
	ContextID string    `json:"contextId"`
	Timestamp time.Time `json:"ts"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
}

// IRobotAdapter defines the stable southbound adapter contract.
//
// Invoke is synchronous up to the caller's context deadline; fire-and-forget
// semantics are the caller's concern, not the adapter's. Subscribe returns a
// channel that is closed when the context is cancelled or the transport drops.
type IRobotAdapter interface {
	// Initialize establishes the vendor transport session.
	Initialize(ctx context.Context) error

	// Invoke executes a named capability with the given parameters.
	Invoke(ctx context.Context, capability string, params map[string]any) (*Result, error)

	// Subscribe opens a live feedback stream for the named topic.
	Subscribe(ctx context.Context, topic string) (<-chan Sample, error)

	// Capabilities returns the capability names this adapter advertises.
	Capabilities() []string
}

// AdapterBase provides common identity fields for adapter implementations.
type AdapterBase struct {
	// Brand identifies the vendor this adapter binds to
	Brand string

	// Model identifies the robot model
	Model string

	// Status indicates the current transport status
	Status string
}

// GetBrand returns the vendor brand.
func (a *AdapterBase) GetBrand() string {
	return a.Brand
}

// GetModel returns the robot model.
func (a *AdapterBase) GetModel() string {
	return a.Model
}

// GetStatus returns the transport status.
func (a *AdapterBase) GetStatus() string {
	return a.Status
}

// SetStatus updates the transport status.
func (a *AdapterBase) SetStatus(status string) {
	a.Status = status
}
