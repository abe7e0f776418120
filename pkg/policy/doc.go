// Package policy evaluates Rego policies as custom protection rules using an
// embedded Open Policy Agent (OPA) instance.
//
// The engine compiles modules once, prepares one query per entrypoint, and
// caches verdicts in a bounded LRU. Verdicts are pure functions of the
// request, its characteristics and the compiled modules, so cached entries
// never go stale; swapping modules means building a new engine.
//
// Register wires an engine into a rule registry so request protection
// configurations can declare Rego-backed rules alongside the builtin kinds.
package policy
