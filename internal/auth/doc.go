// Package auth implements bearer-token authentication for the control API.
//
// Tokens are HS256 JWTs signed with a shared secret. Two roles exist:
// observer (read state, subscribe to telemetry) and operator (observer
// privileges plus command execution and cancellation). Auth can be disabled
// for bench setups via configuration.
package auth
