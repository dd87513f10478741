// Package audit implements the append-only audit log for the Robot
// Orchestration Container.
//
// Every arbitration decision, safety decision, and command state transition
// produces one event with a strictly increasing sequence number. Events are
// never mutated after being written. An unaudited safety decision is treated
// as unacceptable: persistence failure escalates to a fatal condition once the
// configured retries are exhausted.
package audit
