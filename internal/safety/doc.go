// Package safety implements the four-phase safety interceptor and the
// emergency handler for the Robot Orchestration Container.
//
// The four gates (compile, pre-exec, exec, post-exec) are pure validators over
// (command, context, policy, telemetry) and are independently testable. Breach
// responses are selected by configured severity: Stop, Degrade, or Rollback.
// Policy rule expressions compile once, at document load, through CEL.
package safety
