// Package unitreemock provides a Unitree-like mock adapter for testing and development.
//
// It simulates the vendor's split control surface: high-level sport-service
// capabilities (stand, sit, walk, stop_move) and a low-level joint command
// stream, with motion-switcher semantics making the two mutually exclusive.
package unitreemock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robot-control/roc/internal/adapter"
)

// Capability names advertised by the mock, mirroring the sport-service surface.
var sportCapabilities = []string{
	"stand",
	"sit",
	"walk",
	"stop_move",
	"lift_leg",
	"balance_stand",
	"lowlevel_stream",
	"video_stream",
}

// UnitreeMock implements IRobotAdapter with Unitree-like behavior for testing.
type UnitreeMock struct {
	adapter.AdapterBase

	mu sync.RWMutex

	// Posture state machine: "standing", "sitting", "walking", "stopped"
	posture string

	// Motion switcher: "sport" (high-level service) or "lowlevel" (streaming)
	controlSource string

	speed           float64
	lastCommandTime time.Time

	// Fault injection modes:
	// "ReturnBusy", "ReturnOffline", "ReturnInvalidParam", "ReturnTimeout", ""
	faultMode string

	feedsMu sync.Mutex
	feeds   []chan adapter.Sample

	contextID string
}

// NewUnitreeMock creates a new UnitreeMock adapter bound to a context id.
func NewUnitreeMock(contextID, model string) *UnitreeMock {
	if model == "" {
		model = "go2"
	}
	return &UnitreeMock{
		AdapterBase: adapter.AdapterBase{
			Brand:  "unitree",
			Model:  model,
			Status: "offline",
		},
		posture:         "sitting",
		controlSource:   "sport",
		lastCommandTime: time.Now(),
		contextID:       contextID,
	}
}

// Initialize establishes the simulated DDS session.
func (u *UnitreeMock) Initialize(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := u.checkFaultMode("Initialize"); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.Status = "online"
	return nil
}

// Invoke executes a named sport-service capability.
func (u *UnitreeMock) Invoke(ctx context.Context, capability string, params map[string]any) (*adapter.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := u.checkFaultMode(capability); err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.Status != "online" {
		return nil, fmt.Errorf("ROBOT_OFFLINE: %s transport not initialized", u.Model)
	}

	// Motion-switcher rule: sport capabilities reject while the low-level
	// stream owns the robot, and vice versa.
	if capability == "lowlevel_stream" {
		if u.controlSource == "sport" && u.posture == "walking" {
			return nil, fmt.Errorf("SPORT_MODE_ACTIVE: stand down sport service before streaming")
		}
		u.controlSource = "lowlevel"
	} else if capability != "video_stream" && u.controlSource == "lowlevel" {
		return nil, fmt.Errorf("LOWLEVEL_STREAM_ACTIVE: release stream before sport command %s", capability)
	}

	switch capability {
	case "stand", "balance_stand":
		u.posture = "standing"
		u.speed = 0
	case "sit":
		u.posture = "sitting"
		u.speed = 0
	case "walk":
		speed, _ := params["speed"].(float64)
		if speed < 0 || speed > 2.5 {
			return nil, fmt.Errorf("SPEED_OUT_OF_BOUNDS: %.2f m/s", speed)
		}
		u.posture = "walking"
		u.speed = speed
	case "stop_move":
		u.posture = "stopped"
		u.speed = 0
		u.controlSource = "sport"
	case "lift_leg":
		if u.posture != "standing" {
			return nil, fmt.Errorf("INVALID_PARAMETER: lift_leg requires standing posture")
		}
	case "lowlevel_stream", "video_stream":
		// Stream setup only; data flows through Subscribe.
	default:
		return nil, fmt.Errorf("SERVICE_NOT_ACTIVATED: unknown capability %s", capability)
	}

	u.lastCommandTime = time.Now()
	u.publishLocked()

	return &adapter.Result{
		Capability: capability,
		Data: map[string]any{
			"posture": u.posture,
			"speed":   u.speed,
		},
	}, nil
}

// Subscribe opens a simulated feedback stream.
func (u *UnitreeMock) Subscribe(ctx context.Context, topic string) (<-chan adapter.Sample, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := u.checkFaultMode("Subscribe"); err != nil {
		return nil, err
	}

	ch := make(chan adapter.Sample, 64)

	u.feedsMu.Lock()
	u.feeds = append(u.feeds, ch)
	u.feedsMu.Unlock()

	go func() {
		<-ctx.Done()
		u.feedsMu.Lock()
		defer u.feedsMu.Unlock()
		for i, c := range u.feeds {
			if c == ch {
				u.feeds = append(u.feeds[:i], u.feeds[i+1:]...)
				close(ch)
				return
			}
		}
	}()

	return ch, nil
}

// Capabilities returns the capability names this adapter advertises.
func (u *UnitreeMock) Capabilities() []string {
	out := make([]string, len(sportCapabilities))
	copy(out, sportCapabilities)
	return out
}

// publishLocked emits the current state as telemetry. Caller holds u.mu.
func (u *UnitreeMock) publishLocked() {
	now := time.Now()
	samples := []adapter.Sample{
		{ContextID: u.contextID, Timestamp: now, Metric: "speed", Value: u.speed},
		{ContextID: u.contextID, Timestamp: now, Metric: "posture", Value: postureCode(u.posture)},
	}

	u.feedsMu.Lock()
	defer u.feedsMu.Unlock()
	for _, ch := range u.feeds {
		for _, s := range samples {
			select {
			case ch <- s:
			default:
				// Drop for slow consumers; the live stream is lossy.
			}
		}
	}
}

// postureCode maps posture names to numeric telemetry values.
func postureCode(p string) float64 {
	switch p {
	case "sitting":
		return 0
	case "standing":
		return 1
	case "walking":
		return 2
	case "stopped":
		return 3
	default:
		return -1
	}
}

// Fault injection methods

// SetFaultMode sets the fault injection mode.
func (u *UnitreeMock) SetFaultMode(mode string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.faultMode = mode
}

// ClearFaultMode clears the fault injection mode.
func (u *UnitreeMock) ClearFaultMode() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.faultMode = ""
}

// checkFaultMode checks if a fault should be injected for the current operation.
func (u *UnitreeMock) checkFaultMode(operation string) error {
	u.mu.RLock()
	mode := u.faultMode
	u.mu.RUnlock()

	switch mode {
	case "ReturnBusy":
		return fmt.Errorf("SERVICE_BUSY: UnitreeMock simulated busy error for %s", operation)
	case "ReturnOffline":
		return fmt.Errorf("ROBOT_OFFLINE: UnitreeMock simulated offline error for %s", operation)
	case "ReturnInvalidParam":
		return fmt.Errorf("INVALID_PARAMETER: UnitreeMock simulated parameter error for %s", operation)
	case "ReturnTimeout":
		return fmt.Errorf("API_TIMEOUT: UnitreeMock simulated timeout for %s", operation)
	default:
		return nil
	}
}

// Helper methods for testing

// Posture returns the current posture (for testing).
func (u *UnitreeMock) Posture() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.posture
}

// ControlSource returns the active control source (for testing).
func (u *UnitreeMock) ControlSource() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.controlSource
}

// InjectSample pushes an arbitrary telemetry sample to all subscribers.
func (u *UnitreeMock) InjectSample(sample adapter.Sample) {
	u.feedsMu.Lock()
	defer u.feedsMu.Unlock()
	for _, ch := range u.feeds {
		select {
		case ch <- sample:
		default:
		}
	}
}
