package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/robot-control/roc/internal/adapter"
	arb "github.com/robot-control/roc/internal/arbiter"
	"github.com/robot-control/roc/internal/config"
	"github.com/robot-control/roc/internal/service"
)

// DefaultStopCapability is dispatched during teardown unless the engine is
// configured otherwise.
const DefaultStopCapability = "stop_move"

// recordArchiveLimit bounds the terminal-record archive; oldest entries are
// evicted first.
const recordArchiveLimit = 512

// Spec is a raw execution request before validation.
type Spec struct {
	ContextID        string         `json:"contextId,omitempty"`
	Kind             string         `json:"kind"`
	TargetCapability string         `json:"targetCapability"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	NoReply          bool           `json:"noReply,omitempty"`
	Timeout          time.Duration  `json:"-"`
}

// Handle identifies a launched execution.
type Handle struct {
	CommandID string `json:"commandId"`
}

// Engine is the runtime entry point: it owns robot contexts, launches one
// executor per accepted command, and archives terminal execution records.
type Engine struct {
	registry  *service.Registry
	router    Dispatcher
	arbiter   Arbiter
	gates     Gates
	emergency Emergency
	audit     AuditLogger
	hub       TelemetryHub
	timing    *config.TimingConfig
	logger    *zap.Logger

	stopCapability string

	mu       sync.Mutex
	contexts map[string]*service.RobotContext
	running  map[string]*Executor
	cancels  map[string]context.CancelFunc
	archive  map[string]ExecutionRecord
	order    []string // archive eviction order, oldest first

	pumps      *errgroup.Group
	pumpCtx    context.Context
	pumpCancel context.CancelFunc
}

// NewEngine wires the runtime. Mode definitions are taken from the loaded
// policy so the arbitrator knows each mode's exclusion class up front.
func NewEngine(registry *service.Registry, router Dispatcher, arbiter Arbiter, gates Gates,
	emergency Emergency, audit AuditLogger, hub TelemetryHub,
	timing *config.TimingConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	pumps, pumpCtx := errgroup.WithContext(pumpCtx)

	eng := &Engine{
		registry:       registry,
		router:         router,
		arbiter:        arbiter,
		gates:          gates,
		emergency:      emergency,
		audit:          audit,
		hub:            hub,
		timing:         timing,
		logger:         logger.Named("engine"),
		stopCapability: DefaultStopCapability,
		contexts:       make(map[string]*service.RobotContext),
		running:        make(map[string]*Executor),
		cancels:        make(map[string]context.CancelFunc),
		archive:        make(map[string]ExecutionRecord),
		pumps:          pumps,
		pumpCtx:        pumpCtx,
		pumpCancel:     pumpCancel,
	}

	for name, spec := range gates.Policy().Modes {
		eng.arbiter.DefineMode(name, modeClass(spec.Class))
	}
	return eng
}

// SetStopCapability overrides the capability dispatched during teardown.
func (e *Engine) SetStopCapability(capability string) {
	e.stopCapability = capability
}

// AttachContext initializes the adapter, resolves its capability set, registers
// the brand descriptor, and starts the telemetry pump feeding the hub.
func (e *Engine) AttachContext(ctx context.Context, robotCtx *service.RobotContext) error {
	if robotCtx == nil || robotCtx.Adapter == nil {
		return fmt.Errorf("%w: robot context requires an adapter", adapter.ErrInvalidParameter)
	}

	if err := robotCtx.Adapter.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize adapter for context %s: %w", robotCtx.ID, err)
	}
	robotCtx.Capabilities = robotCtx.Adapter.Capabilities()

	if _, err := e.registry.Lookup(robotCtx.Brand); err != nil {
		desc := adapter.Descriptor{
			Brand:        robotCtx.Brand,
			Capabilities: robotCtx.Capabilities,
		}
		if err := e.registry.Register(desc); err != nil {
			return fmt.Errorf("register brand %s: %w", robotCtx.Brand, err)
		}
	}

	samples, err := robotCtx.Adapter.Subscribe(e.pumpCtx, "telemetry")
	if err != nil {
		return fmt.Errorf("subscribe telemetry for context %s: %w", robotCtx.ID, err)
	}
	e.pumps.Go(func() error {
		for sample := range samples {
			sample.ContextID = robotCtx.ID
			e.hub.PublishSample(sample)
		}
		return nil
	})

	e.mu.Lock()
	e.contexts[robotCtx.ID] = robotCtx
	e.mu.Unlock()

	e.logger.Info("robot context attached",
		zap.String("contextId", robotCtx.ID),
		zap.String("brand", robotCtx.Brand),
		zap.Int("capabilities", len(robotCtx.Capabilities)))
	return nil
}

// Execute validates the request, builds the immutable command, and launches
// its executor. The returned handle is valid immediately for Query and Cancel.
func (e *Engine) Execute(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.TargetCapability == "" {
		return nil, fmt.Errorf("%w: targetCapability is required", adapter.ErrInvalidParameter)
	}
	kind := spec.Kind
	if kind == "" {
		kind = "action"
	}

	robotCtx, err := e.resolveContext(spec.ContextID)
	if err != nil {
		return nil, err
	}

	cmd := service.Command{
		ID:               uuid.NewString(),
		Kind:             kind,
		TargetCapability: spec.TargetCapability,
		Parameters:       spec.Parameters,
		Policy: service.Policy{
			Priority: spec.Priority,
			NoReply:  spec.NoReply,
			Timeout:  spec.Timeout,
		},
	}

	ex := newExecutor(cmd, robotCtx, e.timing, e.arbiter, e.router, e.gates,
		e.emergency, e.audit, e.hub, e.stopCapability, e.logger)

	// The execution outlives the submitting request; only Cancel and engine
	// shutdown cancel it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e.mu.Lock()
	e.running[cmd.ID] = ex
	e.cancels[cmd.ID] = cancel
	e.mu.Unlock()

	go func() {
		ex.Run(runCtx)
		cancel()
		e.finish(cmd.ID, ex)
	}()

	e.logger.Info("command accepted",
		zap.String("commandId", cmd.ID),
		zap.String("capability", cmd.TargetCapability),
		zap.String("contextId", robotCtx.ID))
	return &Handle{CommandID: cmd.ID}, nil
}

// Cancel requests cooperative cancellation. Cancelling a terminal command is a
// no-op; an unknown command is an error.
func (e *Engine) Cancel(ctx context.Context, commandID string) error {
	e.mu.Lock()
	cancel, running := e.cancels[commandID]
	_, archived := e.archive[commandID]
	e.mu.Unlock()

	if running {
		e.audit.LogDecision(ctx, commandID, "cancel", "requested", "")
		cancel()
		return nil
	}
	if archived {
		e.audit.LogDecision(ctx, commandID, "cancel", "noop", "already terminal")
		return nil
	}
	return fmt.Errorf("%w: command %s", ErrNotFound, commandID)
}

// Query returns the execution record for a running or archived command.
func (e *Engine) Query(commandID string) (ExecutionRecord, error) {
	e.mu.Lock()
	ex, running := e.running[commandID]
	rec, archived := e.archive[commandID]
	e.mu.Unlock()

	if running {
		return ex.Record(), nil
	}
	if archived {
		return rec, nil
	}
	return ExecutionRecord{}, fmt.Errorf("%w: command %s", ErrNotFound, commandID)
}

// Contexts returns the attached robot context IDs.
func (e *Engine) Contexts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.contexts))
	for id := range e.contexts {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every running command, stops the telemetry pumps, and waits
// for them to drain.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.cancels))
	executors := make([]*Executor, 0, len(e.running))
	for id, cancel := range e.cancels {
		cancels = append(cancels, cancel)
		executors = append(executors, e.running[id])
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, ex := range executors {
		<-ex.Done()
	}

	e.pumpCancel()
	return e.pumps.Wait()
}

// finish archives the terminal record and evicts the oldest entries past the
// archive limit.
func (e *Engine) finish(commandID string, ex *Executor) {
	rec := ex.Record()

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, commandID)
	delete(e.cancels, commandID)
	e.archive[commandID] = rec
	e.order = append(e.order, commandID)
	for len(e.order) > recordArchiveLimit {
		delete(e.archive, e.order[0])
		e.order = e.order[1:]
	}
}

// resolveContext picks the target robot context: explicit ID, or the single
// attached context when the request omits one.
func (e *Engine) resolveContext(contextID string) (*service.RobotContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if contextID != "" {
		robotCtx, ok := e.contexts[contextID]
		if !ok {
			return nil, fmt.Errorf("%w: robot context %s", ErrNotFound, contextID)
		}
		return robotCtx, nil
	}
	if len(e.contexts) == 1 {
		for _, robotCtx := range e.contexts {
			return robotCtx, nil
		}
	}
	if len(e.contexts) == 0 {
		return nil, fmt.Errorf("%w: no robot context attached", adapter.ErrPreconditionNotMet)
	}
	return nil, fmt.Errorf("%w: contextId required with multiple robots attached", adapter.ErrInvalidParameter)
}

func modeClass(class string) arb.Class {
	switch class {
	case string(arb.ClassCommand):
		return arb.ClassCommand
	case string(arb.ClassStream):
		return arb.ClassStream
	default:
		return arb.ClassAuxiliary
	}
}

// IsNotFound reports whether err is the engine's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
