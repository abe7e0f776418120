// Package governance provides the failure-isolation primitives wrapped
// around the engine's fallible dependencies: circuit breakers guarding
// storage and IP-lookup calls, and bounded retry with backoff for probes
// that are worth a second attempt.
//
// Breakers are owned by the orchestrator instance that created them and are
// never shared across instances; the package therefore keeps no global
// state.
package governance
