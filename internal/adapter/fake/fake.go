// Package fake provides a scriptable vendor adapter implementation for testing.
//
// Any adapter must pass the same orchestration flows; the fake lets tests script
// per-capability latency, vendor errors, and telemetry injection.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robot-control/roc/internal/adapter"
)

// Invocation records one Invoke call for test assertions.
type Invocation struct {
	Capability string
	Params     map[string]any
	At         time.Time
}

// FakeAdapter implements IRobotAdapter for testing purposes.
type FakeAdapter struct {
	adapter.AdapterBase

	mu sync.Mutex

	capabilities []string

	// Scripted behavior per capability
	delays  map[string]time.Duration
	errors  map[string]error
	results map[string]map[string]any

	// Unbounded delay simulation: Invoke blocks until ctx is done.
	hangForever map[string]bool

	// Recorded calls
	invocations []Invocation
	initialized bool

	// Telemetry injection
	feeds map[string][]chan adapter.Sample
}

// NewFakeAdapter creates a new fake adapter advertising the given capabilities.
func NewFakeAdapter(brand string, capabilities ...string) *FakeAdapter {
	if len(capabilities) == 0 {
		capabilities = []string{"stand", "sit", "walk", "stop_move"}
	}
	return &FakeAdapter{
		AdapterBase: adapter.AdapterBase{
			Brand:  brand,
			Model:  "fake-robot-test",
			Status: "online",
		},
		capabilities: capabilities,
		delays:       make(map[string]time.Duration),
		errors:       make(map[string]error),
		results:      make(map[string]map[string]any),
		hangForever:  make(map[string]bool),
		feeds:        make(map[string][]chan adapter.Sample),
	}
}

// Initialize establishes the fake transport session.
func (f *FakeAdapter) Initialize(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return nil
}

// Invoke executes a named capability, honoring scripted delays and errors.
func (f *FakeAdapter) Invoke(ctx context.Context, capability string, params map[string]any) (*adapter.Result, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, Invocation{Capability: capability, Params: params, At: time.Now()})
	delay := f.delays[capability]
	scriptedErr := f.errors[capability]
	hang := f.hangForever[capability]
	data := f.results[capability]
	supported := false
	for _, c := range f.capabilities {
		if c == capability {
			supported = true
		}
	}
	f.mu.Unlock()

	if !supported {
		return nil, fmt.Errorf("SERVICE_NOT_ACTIVATED: capability %s not bound", capability)
	}

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if scriptedErr != nil {
		return nil, scriptedErr
	}

	return &adapter.Result{Capability: capability, Data: data}, nil
}

// Subscribe opens a scripted feedback stream for the named topic.
func (f *FakeAdapter) Subscribe(ctx context.Context, topic string) (<-chan adapter.Sample, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan adapter.Sample, 32)

	f.mu.Lock()
	f.feeds[topic] = append(f.feeds[topic], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		feeds := f.feeds[topic]
		for i, c := range feeds {
			if c == ch {
				f.feeds[topic] = append(feeds[:i], feeds[i+1:]...)
				close(ch)
				return
			}
		}
	}()

	return ch, nil
}

// Capabilities returns the capability names this adapter advertises.
func (f *FakeAdapter) Capabilities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.capabilities))
	copy(out, f.capabilities)
	return out
}

// Scripting helpers for tests

// ScriptDelay makes Invoke of the capability take the given duration.
func (f *FakeAdapter) ScriptDelay(capability string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[capability] = d
}

// ScriptError makes Invoke of the capability fail with the given vendor error.
func (f *FakeAdapter) ScriptError(capability string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[capability] = err
}

// ScriptResult sets the result data returned for the capability.
func (f *FakeAdapter) ScriptResult(capability string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[capability] = data
}

// ScriptHang makes Invoke of the capability block until the caller's context expires.
func (f *FakeAdapter) ScriptHang(capability string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangForever[capability] = true
}

// InjectSample pushes a telemetry sample to every subscriber of the topic.
func (f *FakeAdapter) InjectSample(topic string, sample adapter.Sample) {
	f.mu.Lock()
	feeds := make([]chan adapter.Sample, len(f.feeds[topic]))
	copy(feeds, f.feeds[topic])
	f.mu.Unlock()

	for _, ch := range feeds {
		select {
		case ch <- sample:
		default:
			// Drop when a test subscriber is not draining.
		}
	}
}

// Invocations returns a copy of the recorded Invoke calls.
func (f *FakeAdapter) Invocations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Invocation, len(f.invocations))
	copy(out, f.invocations)
	return out
}

// InvocationCount returns the number of Invoke calls for the capability.
func (f *FakeAdapter) InvocationCount(capability string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, inv := range f.invocations {
		if inv.Capability == capability {
			n++
		}
	}
	return n
}

// Initialized reports whether Initialize has been called.
func (f *FakeAdapter) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}
