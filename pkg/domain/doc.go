// Package domain defines the core business types for the Guardrail engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no storage, HTTP transport, DNS, etc.)
// - Technology-agnostic (no framework coupling)
// - Testable in isolation without mocks
// - Stable and unlikely to change frequently
//
// Other packages (guardrail, ratelimit, shield, botdetect, etc.) operate on these
// types and implement the service interfaces defined here. The dependency direction
// is always:
//
//	Engine / Infrastructure → Domain (CORRECT)
//	Domain → Engine / Infrastructure (FORBIDDEN)
//
// This architecture enables:
// - Easy testing through interface mocking
// - Storage / lookup backend swap without domain changes
// - Clear separation between decision data and rule evaluation
// - Flexible composition in callers
package domain
