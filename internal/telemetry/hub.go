package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robot-control/roc/internal/adapter"
	"github.com/robot-control/roc/internal/config"
)

// Event is a lifecycle or telemetry event with SSE formatting.
type Event struct {
	ID      int64          `json:"id,omitempty"`
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
	Context string         `json:"context,omitempty"`
}

// Client represents an SSE client connection.
type Client struct {
	ID      string
	Writer  http.ResponseWriter
	Request *http.Request
	Context context.Context
	Cancel  context.CancelFunc
	LastID  int64
	Robot   string
	Events  chan Event
	once    sync.Once
	mu      sync.Mutex // Protect Writer access
}

// sampleSub is one internal Monitoring subscription.
type sampleSub struct {
	contextID string
	ch        chan adapter.Sample
}

// Hub manages telemetry distribution with per-context buffering.
//
// LOCK ORDERING:
// 1. h.mu (Hub's RWMutex) - protects clients, counters, buffers, sample subs
// 2. EventBuffer.mu (per-buffer mutex)
// 3. Client.once (sync.Once) - single channel close
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	counters map[string]*int64 // Monotonic event IDs per context

	// Per-context event buffers for SSE replay
	buffers map[string]*EventBuffer

	// Internal sample subscriptions for Monitoring executors
	samples map[string][]*sampleSub

	config *config.TimingConfig

	heartbeatTicker *time.Ticker
	stopHeartbeat   chan bool

	done chan struct{}
	wg   sync.WaitGroup
}

// EventBuffer maintains a circular buffer of events for one robot context.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	nextID   int64
}

// NewHub creates a new telemetry hub.
func NewHub(timingConfig *config.TimingConfig) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		counters: make(map[string]*int64),
		buffers:  make(map[string]*EventBuffer),
		samples:  make(map[string][]*sampleSub),
		config:   timingConfig,
		done:     make(chan struct{}),
	}
}

// SubscribeSamples registers a Monitoring executor as a listener on the
// context's sample stream. The returned cancel func must be called when the
// Monitoring window closes.
func (h *Hub) SubscribeSamples(contextID string) (<-chan adapter.Sample, func()) {
	sub := &sampleSub{
		contextID: contextID,
		ch:        make(chan adapter.Sample, 64),
	}

	h.mu.Lock()
	h.samples[contextID] = append(h.samples[contextID], sub)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.samples[contextID]
		for i, s := range subs {
			if s == sub {
				h.samples[contextID] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}

	return sub.ch, cancel
}

// PublishSample fans a telemetry sample out to every Monitoring listener bound
// to its context.
func (h *Hub) PublishSample(sample adapter.Sample) {
	h.mu.RLock()
	subs := make([]*sampleSub, len(h.samples[sample.ContextID]))
	copy(subs, h.samples[sample.ContextID])
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- sample:
		default:
			// Drop for a subscriber that is not draining; the live stream is
			// lossy by contract, postconditions re-verify at Verifying.
		}
	}
}

// Publish publishes a lifecycle event to all connected SSE clients.
func (h *Hub) Publish(event Event) error {
	if event.ID == 0 {
		event.ID = h.nextEventID(event.Context)
	}

	if event.Context != "" {
		h.bufferEvent(event)
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case <-client.Context.Done():
			continue
		case <-h.done:
			return nil
		case client.Events <- event:
		case <-time.After(100 * time.Millisecond):
			// Drop event if client is slow to prevent blocking
		}
	}

	return nil
}

// PublishContext publishes an event for a specific robot context.
func (h *Hub) PublishContext(contextID string, event Event) error {
	event.Context = contextID
	return h.Publish(event)
}

// Subscribe handles SSE client subscription with Last-Event-ID resume support.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCtx, cancel := context.WithCancel(ctx)

	clientID := fmt.Sprintf("client_%d", time.Now().UnixNano())

	lastEventID := int64(0)
	if lastIDStr := r.Header.Get("Last-Event-ID"); lastIDStr != "" {
		if id, err := strconv.ParseInt(lastIDStr, 10, 64); err == nil {
			lastEventID = id
		}
	}

	contextID := r.URL.Query().Get("context")

	client := &Client{
		ID:      clientID,
		Writer:  w,
		Request: r,
		Context: clientCtx,
		Cancel:  cancel,
		LastID:  lastEventID,
		Robot:   contextID,
		Events:  make(chan Event, 100),
	}

	h.mu.Lock()
	h.clients[clientID] = client
	h.mu.Unlock()

	if err := h.sendReadyEvent(client); err != nil {
		h.unregisterClient(clientID)
		return fmt.Errorf("failed to send ready event: %w", err)
	}

	if lastEventID > 0 {
		if err := h.replayEvents(client, lastEventID); err != nil {
			h.unregisterClient(clientID)
			return fmt.Errorf("failed to replay events: %w", err)
		}
	}

	h.mu.Lock()
	if len(h.clients) == 1 && h.heartbeatTicker == nil {
		h.startHeartbeat()
	}
	h.mu.Unlock()

	h.handleClient(client)

	return nil
}

// sendReadyEvent sends the initial ready event to a client.
func (h *Hub) sendReadyEvent(client *Client) error {
	readyEvent := Event{
		ID:   h.nextEventID(client.Robot),
		Type: "ready",
		Data: map[string]any{
			"context": client.Robot,
			"ts":      time.Now().UTC().Format(time.RFC3339),
		},
	}
	return h.sendEventToClient(client, readyEvent)
}

// replayEvents replays buffered events for a client based on Last-Event-ID.
func (h *Hub) replayEvents(client *Client, lastEventID int64) error {
	h.mu.RLock()
	buffer, exists := h.buffers[client.Robot]
	h.mu.RUnlock()

	if !exists {
		return nil
	}

	for _, event := range buffer.GetEventsAfter(lastEventID) {
		if err := h.sendEventToClient(client, event); err != nil {
			return err
		}
	}
	return nil
}

// sendEventToClient sends a single event to a client via SSE.
func (h *Hub) sendEventToClient(client *Client, event Event) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if event.ID > 0 {
		if _, err := fmt.Fprintf(client.Writer, "id: %d\n", event.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(client.Writer, "event: %s\n", event.Type); err != nil {
		return fmt.Errorf("failed to write event type: %w", err)
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if _, err := fmt.Fprintf(client.Writer, "data: %s\n\n", string(data)); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}

	if flusher, ok := client.Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	return nil
}

// handleClient manages a client connection and event delivery.
func (h *Hub) handleClient(client *Client) {
	defer func() {
		client.once.Do(func() {
			close(client.Events)
		})
		h.unregisterClient(client.ID)
	}()

	for {
		select {
		case <-client.Context.Done():
			return
		default:
		}

		timeout := time.NewTimer(100 * time.Millisecond)
		select {
		case <-client.Context.Done():
			timeout.Stop()
			return
		case <-timeout.C:
			continue
		case event, ok := <-client.Events:
			timeout.Stop()
			if !ok {
				return
			}
			if err := h.sendEventToClient(client, event); err != nil {
				return
			}
		}
	}
}

// unregisterClient removes a client from the hub.
func (h *Hub) unregisterClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, exists := h.clients[clientID]; exists {
		client.Cancel()
		delete(h.clients, clientID)

		if len(h.clients) == 0 && h.heartbeatTicker != nil {
			h.heartbeatTicker.Stop()
			h.heartbeatTicker = nil
			if h.stopHeartbeat != nil {
				close(h.stopHeartbeat)
				h.stopHeartbeat = nil
			}
		}
	}
}

// nextEventID returns the next monotonic event ID for a context.
func (h *Hub) nextEventID(contextID string) int64 {
	if contextID == "" {
		contextID = "global"
	}

	h.mu.RLock()
	counter, exists := h.counters[contextID]
	h.mu.RUnlock()

	if exists {
		return atomic.AddInt64(counter, 1)
	}

	h.mu.Lock()
	counter, exists = h.counters[contextID]
	if !exists {
		var initial int64 = 0
		counter = &initial
		h.counters[contextID] = counter
	}
	h.mu.Unlock()

	return atomic.AddInt64(counter, 1)
}

// bufferEvent adds an event to the per-context buffer.
//
// EventBuffer references are never removed from h.buffers, so holding the
// buffer after releasing h.mu is safe; AddEvent synchronizes internally.
func (h *Hub) bufferEvent(event Event) {
	if event.Context == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	buffer, exists := h.buffers[event.Context]
	if !exists {
		buffer = NewEventBuffer(h.config.EventBufferSize)
		h.buffers[event.Context] = buffer
	}

	buffer.AddEvent(event)
}

// startHeartbeat starts the heartbeat ticker.
// Caller must hold h.mu and verify h.heartbeatTicker == nil.
func (h *Hub) startHeartbeat() {
	interval := h.config.HeartbeatInterval
	jitter := h.config.HeartbeatJitter

	// Add jitter to prevent thundering herd
	actualInterval := interval + time.Duration(float64(jitter)*0.5)

	h.heartbeatTicker = time.NewTicker(actualInterval)
	h.stopHeartbeat = make(chan bool)

	ticker := h.heartbeatTicker
	stopChan := h.stopHeartbeat

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ticker.C:
				h.Publish(Event{
					Type: "heartbeat",
					Data: map[string]any{
						"ts": time.Now().UTC().Format(time.RFC3339),
					},
				})
			case <-stopChan:
				return
			case <-h.done:
				return
			}
		}
	}()
}

// Stop stops the telemetry hub and cleans up resources.
func (h *Hub) Stop() {
	close(h.done)

	h.mu.Lock()
	for _, client := range h.clients {
		client.Cancel()
	}
	if h.heartbeatTicker != nil {
		h.heartbeatTicker.Stop()
		h.heartbeatTicker = nil
	}
	if h.stopHeartbeat != nil {
		close(h.stopHeartbeat)
		h.stopHeartbeat = nil
	}
	for _, subs := range h.samples {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	h.samples = make(map[string][]*sampleSub)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		// Force cleanup after timeout
	}

	h.mu.Lock()
	for _, client := range h.clients {
		client.Cancel()
		client.once.Do(func() {
			close(client.Events)
		})
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
}

// NewEventBuffer creates a new event buffer with the specified capacity.
func NewEventBuffer(capacity int) *EventBuffer {
	return &EventBuffer{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// AddEvent adds an event to the buffer.
func (b *EventBuffer) AddEvent(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if event.ID == 0 {
		event.ID = b.nextID
		b.nextID++
	}

	b.events = append(b.events, event)

	if len(b.events) > b.capacity {
		b.events = b.events[1:]
	}
}

// GetEventsAfter returns events after the specified ID.
func (b *EventBuffer) GetEventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events {
		if event.ID > lastID {
			result = append(result, event)
		}
	}
	return result
}

// GetSize returns the current buffer size.
func (b *EventBuffer) GetSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
