package guardrail

import (
	"context"
	"fmt"
	"sync"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

// Evaluator is the contract Custom rules run. Evaluate returns the rule's
// vote; errors are resolved under the rule's error mode like any builtin
// failure.
type Evaluator interface {
	Evaluate(ctx context.Context, req *domain.Request, chars domain.Characteristics) (domain.RuleResult, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, req *domain.Request, chars domain.Characteristics) (domain.RuleResult, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, req *domain.Request, chars domain.Characteristics) (domain.RuleResult, error) {
	return f(ctx, req, chars)
}

// EvaluatorFactory builds an evaluator from the params of one Custom rule.
type EvaluatorFactory func(params map[string]any) (Evaluator, error)

// EvaluatorRegistry maps custom rule kinds to factories. Each engine works
// against the registry instance it was configured with; there is no
// process-wide registration.
type EvaluatorRegistry struct {
	mu        sync.RWMutex
	factories map[string]EvaluatorFactory
}

// NewEvaluatorRegistry returns an empty registry.
func NewEvaluatorRegistry() *EvaluatorRegistry {
	return &EvaluatorRegistry{factories: make(map[string]EvaluatorFactory)}
}

// Register adds a factory under kind. Registering the same kind twice is a
// configuration error.
func (r *EvaluatorRegistry) Register(kind string, factory EvaluatorFactory) error {
	if kind == "" {
		return &domain.ConfigError{Field: "kind", Message: "evaluator kind is required"}
	}
	if factory == nil {
		return &domain.ConfigError{Field: kind, Message: "evaluator factory is nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[kind]; dup {
		return &domain.ConfigError{Field: kind, Message: "evaluator kind already registered"}
	}
	r.factories[kind] = factory
	return nil
}

// build resolves kind and constructs the evaluator for one rule.
func (r *EvaluatorRegistry) build(kind string, params map[string]any) (Evaluator, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrEvaluatorMissing, kind)
	}

	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrEvaluatorMissing, kind)
	}

	evaluator, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("building evaluator %q: %w", kind, err)
	}
	if evaluator == nil {
		return nil, &domain.ConfigError{Field: kind, Message: "factory returned no evaluator"}
	}
	return evaluator, nil
}
