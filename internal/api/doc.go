// Package api implements the HTTP control surface: command submission,
// cancellation and query, robot and capability listing, the SSE telemetry
// stream, and audit export. Responses use a unified envelope with correlation
// IDs; runtime errors map onto a fixed code table.
package api
