// Package api defines ports (interfaces) for the HTTP layer's collaborators.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/robot-control/roc/internal/adapter"
	"github.com/robot-control/roc/internal/audit"
	"github.com/robot-control/roc/internal/command"
)

// EnginePort is the slice of the runtime engine the API consumes.
type EnginePort interface {
	Execute(ctx context.Context, spec command.Spec) (*command.Handle, error)
	Cancel(ctx context.Context, commandID string) error
	Query(commandID string) (command.ExecutionRecord, error)
	Contexts() []string
}

// RegistryPort exposes read access to registered robot descriptors.
type RegistryPort interface {
	Brands() []string
	Lookup(brand string) (adapter.Descriptor, error)
}

// TelemetryPort is the SSE subscription entry point.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// AuditPort exposes read access to the decision trail.
type AuditPort interface {
	QueryByCommand(ctx context.Context, commandID string) ([]audit.Event, error)
	QueryRange(ctx context.Context, from, to time.Time) ([]audit.Event, error)
}
