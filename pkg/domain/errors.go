package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrIPLookupFailed     = errors.New("ip lookup failed")
	ErrUnknownRuleType    = errors.New("unknown rule type")
	ErrEvaluatorMissing   = errors.New("custom rule evaluator not registered")
)

// RuleError reports that a single rule's evaluation failed. Under fail-open
// handling the orchestrator converts it into an ALLOW outcome for that rule;
// under fail-closed it propagates out of the protect call.
type RuleError struct {
	Rule string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.Rule, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// ConfigError wraps ErrInvalidConfig with the offending field. Construction
// time validation failures always propagate regardless of the error handling
// mode since they indicate a programming error, not a runtime fault.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrInvalidConfig, e.Message)
	}
	return fmt.Sprintf("%v: %s: %s", ErrInvalidConfig, e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// ErrorResponse defines the standard JSON error model adapters return when a
// request is rejected. It intentionally avoids exposing detection internals
// while keeping a stable machine-readable code.
type ErrorResponse struct {
	Error     string `json:"error"`               // machine-readable code, e.g. RATE_LIMIT, BOT
	Message   string `json:"message"`             // human-readable message, safe for logs
	Remaining *int   `json:"remaining,omitempty"` // present for rate and quota denials
}
