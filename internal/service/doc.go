// Package service implements the adapter registry and command router for the
// Robot Orchestration Container.
//
// The registry holds immutable adapter descriptors keyed by vendor brand and
// advertised capability. The router resolves an abstract command to a concrete
// adapter call through the active robot context; it never retries, since retry
// policy belongs to the command executor.
package service
