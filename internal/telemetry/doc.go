// Package telemetry implements the live feedback hub for the Robot
// Orchestration Container.
//
// The hub fans adapter samples out to every Monitoring executor bound to a
// robot context, buffers lifecycle events per context with monotonic IDs for
// SSE replay, and serves the event stream to the UI collaborator.
package telemetry
