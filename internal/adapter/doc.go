// Package adapter defines the vendor adapter contract for the Robot Orchestration Container.
//
// Adapters implement vendor-specific transports to translate abstract capability
// invocations into concrete robot service calls. The IRobotAdapter interface is the
// stable southbound contract every vendor binding must implement.
//
// The package also owns the unified error taxonomy: vendor errors are normalized
// into typed sentinel codes through deterministic, table-driven token matching.
package adapter
