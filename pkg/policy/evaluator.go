package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/guardrail-sh/guardrail/pkg/domain"
	"github.com/guardrail-sh/guardrail/pkg/guardrail"
)

// Kind is the default registry kind for Rego-backed rules.
const Kind = "rego"

// Register wires the engine into a rule registry under kind, Kind when
// empty. Registered rules accept two params:
//
//	entrypoint: string, decision document path for this rule, engine
//	            default when absent
//	cache:      bool, false bypasses the verdict cache
func Register(registry *guardrail.EvaluatorRegistry, kind string, engine *Engine) error {
	if engine == nil {
		return &domain.ConfigError{Field: "engine", Message: "policy engine is required"}
	}
	if kind == "" {
		kind = Kind
	}
	return registry.Register(kind, engine.factory())
}

func (e *Engine) factory() guardrail.EvaluatorFactory {
	return func(params map[string]any) (guardrail.Evaluator, error) {
		var entry string
		if raw, ok := params["entrypoint"]; ok {
			text, ok := raw.(string)
			if !ok || strings.TrimSpace(text) == "" {
				return nil, &domain.ConfigError{Field: "entrypoint", Message: fmt.Sprintf("want a non-empty string, got %T", raw)}
			}
			entry = strings.TrimSpace(text)

			// Prepare now so a broken path fails rule construction
			// instead of every request.
			if _, err := e.preparedQuery(context.Background(), entry); err != nil {
				return nil, &domain.ConfigError{Field: "entrypoint", Message: err.Error()}
			}
		}

		noCache := false
		if raw, ok := params["cache"]; ok {
			enabled, ok := raw.(bool)
			if !ok {
				return nil, &domain.ConfigError{Field: "cache", Message: fmt.Sprintf("want a bool, got %T", raw)}
			}
			noCache = !enabled
		}

		return &ruleEvaluator{engine: e, entrypoint: entry, noCache: noCache}, nil
	}
}

// ruleEvaluator binds one configured rule to the shared engine.
type ruleEvaluator struct {
	engine     *Engine
	entrypoint string
	noCache    bool
}

func (r *ruleEvaluator) Evaluate(ctx context.Context, req *domain.Request, chars domain.Characteristics) (domain.RuleResult, error) {
	verdict, err := r.engine.Decide(ctx, Query{
		Entrypoint:      r.entrypoint,
		Request:         req,
		Characteristics: chars,
		NoCache:         r.noCache,
	})
	if err != nil {
		return domain.RuleResult{}, err
	}

	if verdict.Conclusion != domain.ConclusionDeny {
		return domain.RuleResult{Conclusion: domain.ConclusionAllow}, nil
	}

	message := verdict.Message
	if message == "" {
		message = "denied by policy"
	}
	entry := r.entrypoint
	if entry == "" {
		entry = r.engine.entrypoint
	}

	return domain.RuleResult{
		Conclusion: domain.ConclusionDeny,
		Reason: &domain.Reason{
			Kind:    domain.ReasonFilter,
			Message: message,
			Filter:  &domain.FilterReason{Field: "policy", Match: entry},
		},
	}, nil
}
