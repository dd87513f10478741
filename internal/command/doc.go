// Package command implements the command lifecycle: a per-command executor
// state machine (Preflight, Arbitrating, Dispatching, Monitoring, Verifying,
// Recovering) and the runtime engine that owns robot contexts, launches
// executors, and archives execution records.
//
// The executor drives one command to a terminal state. Faults after dispatch
// always traverse Recovering, which tears down in a deterministic order (stop,
// lease release, toggle restore) before the command settles in Failed.
package command
