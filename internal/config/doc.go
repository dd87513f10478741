// Package config loads runtime configuration for the Robot Orchestration Container.
//
// A typed timing baseline provides documented defaults; environment variables
// overlay the baseline; the external safety-policy document is parsed from YAML
// and handed read-only to the safety interceptor.
package config
