package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/robot-control/roc/internal/adapter"
)

// ErrUnsupportedCapability indicates the target capability is not advertised by
// the resolved adapter.
var ErrUnsupportedCapability = errors.New("UNSUPPORTED_CAPABILITY")

// Router resolves an abstract command to a concrete adapter call.
type Router struct {
	registry *Registry
	logger   *zap.Logger
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry: registry,
		logger:   logger.Named("router"),
	}
}

// Route resolves the adapter for the context's brand, validates the command's
// target capability against the advertised set, and forwards the call through
// the adapter's transport binding. Transport failures come back wrapped in the
// unified taxonomy. The router never retries.
func (rt *Router) Route(ctx context.Context, cmd Command, robotCtx *RobotContext) (*adapter.Result, error) {
	if robotCtx == nil || robotCtx.Adapter == nil {
		return nil, fmt.Errorf("%w: no live robot context", ErrNotFound)
	}

	desc, err := rt.registry.Lookup(robotCtx.Brand)
	if err != nil {
		return nil, err
	}

	if !desc.Advertises(cmd.TargetCapability) {
		rt.logger.Warn("capability not advertised",
			zap.String("commandId", cmd.ID),
			zap.String("brand", robotCtx.Brand),
			zap.String("capability", cmd.TargetCapability))
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedCapability, robotCtx.Brand, cmd.TargetCapability)
	}

	result, err := robotCtx.Adapter.Invoke(ctx, cmd.TargetCapability, cmd.Parameters)
	if err != nil {
		normalized := adapter.NormalizeVendorErrorWithVendor(err, nil, robotCtx.Brand)
		rt.logger.Debug("dispatch failed",
			zap.String("commandId", cmd.ID),
			zap.String("capability", cmd.TargetCapability),
			zap.Error(normalized))
		return nil, normalized
	}

	return result, nil
}
