// Package arbiter implements exclusive control-mode arbitration for the
// Robot Orchestration Container.
//
// Each named mode carries at most one Held lease at any instant. Grant
// decisions are serialized per table; the TTL sweep runs as a scheduled task
// whose lifetime is tied to the arbitrator itself. High-level command-service
// control and low-level streaming control are mutually exclusive mode classes.
package arbiter
