// Package guardrail decides, per request, whether traffic is allowed
// through: rate limits and token quotas, bot and attack-payload detection,
// email validation and static allow/deny lists, combined under a
// configurable evaluation strategy.
//
// Build an engine once with New, then call Protect on every request, or
// mount Middleware in front of an http.Handler. Decisions explain
// themselves: the first denying rule supplies the reason and every rule's
// vote is retained in declaration order.
package guardrail
