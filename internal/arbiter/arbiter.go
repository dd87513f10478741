package arbiter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robot-control/roc/internal/adapter"
)

// Class partitions modes into arbitration domains.
type Class string

const (
	// ClassCommand is high-level command-service control.
	ClassCommand Class = "command"

	// ClassStream is low-level streaming control. Mutually exclusive with ClassCommand.
	ClassStream Class = "stream"

	// ClassAuxiliary modes (e.g. video capture) arbitrate independently.
	ClassAuxiliary Class = "auxiliary"
)

// Lease is a time-bounded ownership grant over a mode.
type Lease struct {
	ID         string
	ModeName   string
	HolderID   string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Expired reports whether the lease TTL has elapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return l.TTL > 0 && now.After(l.AcquiredAt.Add(l.TTL))
}

// AuditSink receives every arbitration decision.
type AuditSink interface {
	LogDecision(ctx context.Context, commandID, phase, decision, reason string)
}

type modeState struct {
	class Class
	lease *Lease
}

// Arbitrator grants and revokes exclusive leases over named control modes.
//
// The lease table is the shared mutable structure; one mutex serializes grant
// decisions so that N concurrent acquires on a mode yield exactly one grant.
type Arbitrator struct {
	mu    sync.Mutex
	modes map[string]*modeState

	sweepInterval time.Duration

	logger *zap.Logger
	audit  AuditSink

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an arbitrator. The sweep is not started until Start is called.
func New(sweepInterval time.Duration, logger *zap.Logger, audit AuditSink) *Arbitrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbitrator{
		modes:         make(map[string]*modeState),
		sweepInterval: sweepInterval,
		logger:        logger.Named("arbiter"),
		audit:         audit,
	}
}

// DefineMode declares a mode and its arbitration class. Redefining an existing
// mode keeps the original class.
func (a *Arbitrator) DefineMode(name string, class Class) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.modes[name]; ok {
		return
	}
	a.modes[name] = &modeState{class: class}
}

// Acquire grants a lease over the mode, or fails with CONFLICT while another
// holder owns it or while a mutually exclusive class is occupied. Re-acquiring
// a held mode with the same holder renews the lease.
func (a *Arbitrator) Acquire(ctx context.Context, mode, requester string, ttl time.Duration) (*Lease, error) {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.modes[mode]
	if !ok {
		state = &modeState{class: ClassAuxiliary}
		a.modes[mode] = state
	}

	a.expireLocked(ctx, now)

	if state.lease != nil {
		if state.lease.HolderID == requester {
			state.lease.AcquiredAt = now
			state.lease.TTL = ttl
			a.record(ctx, requester, "renew", mode)
			return cloneLease(state.lease), nil
		}
		a.record(ctx, requester, "conflict", fmt.Sprintf("%s held by %s", mode, state.lease.HolderID))
		return nil, fmt.Errorf("%w: mode %s held by %s", adapter.ErrConflict, mode, state.lease.HolderID)
	}

	// Cross-class exclusion: a streaming controller may only take over once the
	// command-service owner is stood down and released, and vice versa.
	if blocking := a.blockingModeLocked(state.class); blocking != "" {
		a.record(ctx, requester, "conflict", fmt.Sprintf("%s blocked by %s class owner on %s", mode, a.modes[blocking].class, blocking))
		return nil, fmt.Errorf("%w: mode %s blocked by held mode %s", adapter.ErrConflict, mode, blocking)
	}

	lease := &Lease{
		ID:         uuid.NewString(),
		ModeName:   mode,
		HolderID:   requester,
		AcquiredAt: now,
		TTL:        ttl,
	}
	state.lease = lease

	a.record(ctx, requester, "grant", mode)
	a.logger.Debug("lease granted",
		zap.String("mode", mode),
		zap.String("holder", requester),
		zap.Duration("ttl", ttl))

	return cloneLease(lease), nil
}

// Release transitions the mode back to Free. Releasing a lease that is no
// longer held (expired or superseded) is a no-op.
func (a *Arbitrator) Release(ctx context.Context, lease *Lease) {
	if lease == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.modes[lease.ModeName]
	if !ok || state.lease == nil || state.lease.ID != lease.ID {
		return
	}

	state.lease = nil
	a.record(ctx, lease.HolderID, "release", lease.ModeName)
	a.logger.Debug("lease released",
		zap.String("mode", lease.ModeName),
		zap.String("holder", lease.HolderID))
}

// Holder returns the current holder of the mode, if held.
func (a *Arbitrator) Holder(mode string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.modes[mode]
	if !ok || state.lease == nil || state.lease.Expired(time.Now()) {
		return "", false
	}
	return state.lease.HolderID, true
}

// HeldBy returns every live lease owned by the holder, sorted by mode name.
// The post-exec guard uses this to detect leases left behind by a command.
func (a *Arbitrator) HeldBy(holder string) []Lease {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Lease
	for _, state := range a.modes {
		if state.lease != nil && state.lease.HolderID == holder && !state.lease.Expired(now) {
			out = append(out, *state.lease)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModeName < out[j].ModeName })
	return out
}

// Start launches the TTL sweep. The sweep stops when ctx is cancelled or Stop
// is called.
func (a *Arbitrator) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				a.mu.Lock()
				a.expireLocked(sweepCtx, time.Now())
				a.mu.Unlock()
			}
		}
	}()
}

// Stop cancels the TTL sweep and waits for it to exit.
func (a *Arbitrator) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

// expireLocked auto-releases leases whose TTL has elapsed. Caller holds a.mu.
func (a *Arbitrator) expireLocked(ctx context.Context, now time.Time) {
	for mode, state := range a.modes {
		if state.lease != nil && state.lease.Expired(now) {
			holder := state.lease.HolderID
			state.lease = nil
			a.record(ctx, holder, "expire", mode)
			a.logger.Warn("lease expired",
				zap.String("mode", mode),
				zap.String("holder", holder))
		}
	}
}

// blockingModeLocked returns the name of a held mode whose class excludes the
// requested class, or "". Caller holds a.mu.
func (a *Arbitrator) blockingModeLocked(requested Class) string {
	var excluded Class
	switch requested {
	case ClassStream:
		excluded = ClassCommand
	case ClassCommand:
		excluded = ClassStream
	default:
		return ""
	}

	for name, state := range a.modes {
		if state.class == excluded && state.lease != nil {
			return name
		}
	}
	return ""
}

func (a *Arbitrator) record(ctx context.Context, commandID, decision, reason string) {
	if a.audit != nil {
		a.audit.LogDecision(ctx, commandID, "arbitrate", decision, reason)
	}
}

func cloneLease(l *Lease) *Lease {
	c := *l
	return &c
}
