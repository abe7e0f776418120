package guardrail

import (
	"context"
	"fmt"
	"time"

	"github.com/guardrail-sh/guardrail/internal/governance"
	"github.com/guardrail-sh/guardrail/pkg/botdetect"
	"github.com/guardrail-sh/guardrail/pkg/domain"
	"github.com/guardrail-sh/guardrail/pkg/emailcheck"
	"github.com/guardrail-sh/guardrail/pkg/ratelimit"
	"github.com/guardrail-sh/guardrail/pkg/shield"
	"github.com/guardrail-sh/guardrail/pkg/storage"
)

// RuleMode selects whether a rule's verdict counts.
type RuleMode string

const (
	// ModeLive applies the rule's verdict to the decision.
	ModeLive RuleMode = "LIVE"
	// ModeDryRun runs the full detection but always votes ALLOW. The real
	// outcome stays observable through metrics and events.
	ModeDryRun RuleMode = "DRY_RUN"
)

// ErrorMode selects what a failure turns into.
type ErrorMode string

const (
	// ErrorModeUnset defers to the engine-wide setting.
	ErrorModeUnset ErrorMode = ""
	// ErrorModeFailOpen resolves failures to ALLOW.
	ErrorModeFailOpen ErrorMode = "FAIL_OPEN"
	// ErrorModeFailClosed propagates failures to the caller.
	ErrorModeFailClosed ErrorMode = "FAIL_CLOSED"
)

// RuleBase carries the settings shared by every rule variant.
type RuleBase struct {
	// Name identifies the rule in results, metrics and events. Empty
	// selects "<kind>-<position>". Names must be unique within an engine.
	Name string
	// Mode defaults to LIVE.
	Mode RuleMode
	// OnError overrides the engine-wide error handling for this rule only.
	OnError ErrorMode
}

// Rule is one protection in the evaluation chain. Implementations live in
// this package; build them with the constructors (SlidingWindow,
// TokenBucket, DetectBot, ValidateEmail, Shield, Filter, Custom). A Rule
// value is bound to the engine that received it and must not be shared.
type Rule interface {
	// Name returns the resolved rule name.
	Name() string

	kind() string
	mode() RuleMode
	onError() ErrorMode
	bind(deps ruleDeps) error
	evaluate(ctx context.Context, ev *evaluation) (domain.RuleResult, error)
}

// ruleDeps is what New hands each rule at bind time.
type ruleDeps struct {
	store      storage.Store
	breaker    *governance.CircuitBreaker // guards storage-backed evaluations
	evaluators *EvaluatorRegistry
	position   int
}

// evaluation is the per-request context rules evaluate against.
type evaluation struct {
	request   *domain.Request
	chars     domain.Characteristics
	ipinfo    domain.IPInfo
	requested int // token cost for quota rules
}

// ruleCore implements the shared accessors. Variants embed it and fill it
// during bind.
type ruleCore struct {
	name     string
	ruleKind string
	ruleMode RuleMode
	errMode  ErrorMode
}

func (c *ruleCore) Name() string       { return c.name }
func (c *ruleCore) kind() string       { return c.ruleKind }
func (c *ruleCore) mode() RuleMode     { return c.ruleMode }
func (c *ruleCore) onError() ErrorMode { return c.errMode }

func newRuleCore(base RuleBase, kind string, position int) (ruleCore, error) {
	mode := base.Mode
	switch mode {
	case "":
		mode = ModeLive
	case ModeLive, ModeDryRun:
	default:
		return ruleCore{}, &domain.ConfigError{Field: "mode", Message: fmt.Sprintf("unknown rule mode %q", mode)}
	}
	switch base.OnError {
	case ErrorModeUnset, ErrorModeFailOpen, ErrorModeFailClosed:
	default:
		return ruleCore{}, &domain.ConfigError{Field: "onError", Message: fmt.Sprintf("unknown error mode %q", base.OnError)}
	}

	name := base.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", kind, position)
	}
	return ruleCore{name: name, ruleKind: kind, ruleMode: mode, errMode: base.OnError}, nil
}

// characteristicKeys defaults an empty key set to the client address.
func characteristicKeys(keys []string) []string {
	if len(keys) == 0 {
		return []string{domain.CharacteristicIP}
	}
	return keys
}

// SlidingWindowRule configures a trailing-window rate limit. A denial
// carries reason RATE_LIMIT.
type SlidingWindowRule struct {
	RuleBase
	// Characteristics are the dimensions the limit is keyed on. Empty
	// selects the client address.
	Characteristics []string
	// Interval is the window length.
	Interval time.Duration
	// Max is the number of requests allowed inside the window.
	Max int
}

// SlidingWindow builds the rule.
func SlidingWindow(cfg SlidingWindowRule) Rule { return &slidingWindowRule{cfg: cfg} }

type slidingWindowRule struct {
	ruleCore
	cfg     SlidingWindowRule
	keys    []string
	limiter *ratelimit.SlidingWindow
	breaker *governance.CircuitBreaker
}

func (r *slidingWindowRule) bind(deps ruleDeps) error {
	core, err := newRuleCore(r.cfg.RuleBase, "sliding-window", deps.position)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.NewSlidingWindow(deps.store, ratelimit.SlidingWindowConfig{
		Interval: r.cfg.Interval,
		Max:      r.cfg.Max,
	})
	if err != nil {
		return err
	}

	r.ruleCore = core
	r.keys = characteristicKeys(r.cfg.Characteristics)
	r.limiter = limiter
	r.breaker = deps.breaker
	return nil
}

func (r *slidingWindowRule) evaluate(ctx context.Context, ev *evaluation) (domain.RuleResult, error) {
	var res ratelimit.Result
	err := r.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var evalErr error
		res, evalErr = r.limiter.Evaluate(ctx, ev.chars.Fingerprint(r.keys))
		return evalErr
	})
	if err != nil {
		return domain.RuleResult{}, err
	}

	remaining := res.Remaining
	result := domain.RuleResult{
		Rule:       r.name,
		Conclusion: domain.ConclusionAllow,
		Remaining:  &remaining,
		Reset:      res.Reset,
	}
	if !res.Allowed {
		result.Conclusion = domain.ConclusionDeny
		result.Reason = &domain.Reason{
			Kind:    domain.ReasonRateLimit,
			Message: "rate limit exceeded",
			RateLimit: &domain.RateLimitReason{
				Max:       r.cfg.Max,
				Remaining: res.Remaining,
				Reset:     res.Reset,
				Window:    r.cfg.Interval,
			},
		}
	}
	return result, nil
}

// TokenBucketRule configures a weighted quota. Each evaluation debits the
// caller-supplied token cost; a denial carries reason QUOTA.
type TokenBucketRule struct {
	RuleBase
	// Characteristics are the dimensions the bucket is keyed on. Empty
	// selects the client address.
	Characteristics []string
	// Interval is the refill period.
	Interval time.Duration
	// RefillRate is the number of tokens added per interval.
	RefillRate int
	// Capacity caps the bucket. A fresh key starts full.
	Capacity int
}

// TokenBucket builds the rule.
func TokenBucket(cfg TokenBucketRule) Rule { return &tokenBucketRule{cfg: cfg} }

type tokenBucketRule struct {
	ruleCore
	cfg     TokenBucketRule
	keys    []string
	limiter *ratelimit.TokenBucket
	breaker *governance.CircuitBreaker
}

func (r *tokenBucketRule) bind(deps ruleDeps) error {
	core, err := newRuleCore(r.cfg.RuleBase, "token-bucket", deps.position)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.NewTokenBucket(deps.store, ratelimit.TokenBucketConfig{
		Interval:   r.cfg.Interval,
		RefillRate: r.cfg.RefillRate,
		Capacity:   r.cfg.Capacity,
	})
	if err != nil {
		return err
	}

	r.ruleCore = core
	r.keys = characteristicKeys(r.cfg.Characteristics)
	r.limiter = limiter
	r.breaker = deps.breaker
	return nil
}

func (r *tokenBucketRule) evaluate(ctx context.Context, ev *evaluation) (domain.RuleResult, error) {
	var res ratelimit.Result
	err := r.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var evalErr error
		res, evalErr = r.limiter.Evaluate(ctx, ev.chars.Fingerprint(r.keys), ev.requested)
		return evalErr
	})
	if err != nil {
		return domain.RuleResult{}, err
	}

	remaining := res.Remaining
	result := domain.RuleResult{
		Rule:       r.name,
		Conclusion: domain.ConclusionAllow,
		Remaining:  &remaining,
		Reset:      res.Reset,
	}
	if !res.Allowed {
		result.Conclusion = domain.ConclusionDeny
		result.Reason = &domain.Reason{
			Kind:    domain.ReasonQuota,
			Message: "token quota exhausted",
			RateLimit: &domain.RateLimitReason{
				Max:       r.cfg.Capacity,
				Remaining: res.Remaining,
				Reset:     res.Reset,
				Window:    r.cfg.Interval,
			},
		}
	}
	return result, nil
}

// DetectBotRule configures automated-client detection. A denial carries
// reason BOT.
type DetectBotRule struct {
	RuleBase
	// Allow, Block, BlockThreshold and Signatures pass through to the
	// detector; see botdetect.Config.
	Allow          []string
	Block          []string
	BlockThreshold int
	Signatures     []botdetect.Signature
}

// DetectBot builds the rule.
func DetectBot(cfg DetectBotRule) Rule { return &detectBotRule{cfg: cfg} }

type detectBotRule struct {
	ruleCore
	cfg      DetectBotRule
	detector *botdetect.Detector
}

func (r *detectBotRule) bind(deps ruleDeps) error {
	core, err := newRuleCore(r.cfg.RuleBase, "detect-bot", deps.position)
	if err != nil {
		return err
	}
	detector, err := botdetect.New(botdetect.Config{
		Allow:          r.cfg.Allow,
		Block:          r.cfg.Block,
		BlockThreshold: r.cfg.BlockThreshold,
		Signatures:     r.cfg.Signatures,
	})
	if err != nil {
		return err
	}

	r.ruleCore = core
	r.detector = detector
	return nil
}

func (r *detectBotRule) evaluate(_ context.Context, ev *evaluation) (domain.RuleResult, error) {
	res := r.detector.Detect(ev.request)

	result := domain.RuleResult{Rule: r.name, Conclusion: domain.ConclusionAllow}
	if r.detector.ShouldBlock(res) {
		result.Conclusion = domain.ConclusionDeny
		result.Reason = &domain.Reason{
			Kind:    domain.ReasonBot,
			Message: "automated client detected",
			Bot: &domain.BotReason{
				Name:       res.Name,
				Kind:       string(res.Type),
				Confidence: res.Confidence,
				Signals:    res.Signals,
			},
		}
	}
	return result, nil
}

// ValidateEmailRule configures address validation. It inspects the email
// supplied through Options; a request without one passes. A denial carries
// reason EMAIL.
type ValidateEmailRule struct {
	RuleBase
	// Deny lists the issues that reject an address; see emailcheck.Config.
	Deny []emailcheck.Issue
	// CheckMX enables the MX-record probe.
	CheckMX bool
	// Resolver overrides DNS resolution, mainly for tests.
	Resolver emailcheck.MXResolver
	// DisposableDomains, FreeDomains and TypoTargets extend the builtin
	// reference data.
	DisposableDomains []string
	FreeDomains       []string
	TypoTargets       []string
}

// ValidateEmail builds the rule.
func ValidateEmail(cfg ValidateEmailRule) Rule { return &validateEmailRule{cfg: cfg} }

type validateEmailRule struct {
	ruleCore
	cfg       ValidateEmailRule
	validator *emailcheck.Validator
}

func (r *validateEmailRule) bind(deps ruleDeps) error {
	core, err := newRuleCore(r.cfg.RuleBase, "validate-email", deps.position)
	if err != nil {
		return err
	}
	validator, err := emailcheck.New(emailcheck.Config{
		Deny:              r.cfg.Deny,
		CheckMX:           r.cfg.CheckMX,
		Resolver:          r.cfg.Resolver,
		DisposableDomains: r.cfg.DisposableDomains,
		FreeDomains:       r.cfg.FreeDomains,
		TypoTargets:       r.cfg.TypoTargets,
	})
	if err != nil {
		return err
	}

	r.ruleCore = core
	r.validator = validator
	return nil
}

func (r *validateEmailRule) evaluate(ctx context.Context, ev *evaluation) (domain.RuleResult, error) {
	email := ev.chars[domain.CharacteristicEmail]
	if email == "" {
		return domain.RuleResult{Rule: r.name, Conclusion: domain.ConclusionAllow}, nil
	}

	res, err := r.validator.Validate(ctx, email)
	if err != nil {
		return domain.RuleResult{}, err
	}

	result := domain.RuleResult{Rule: r.name, Conclusion: domain.ConclusionAllow}
	if blocking := r.validator.Blocking(res); len(blocking) > 0 {
		result.Conclusion = domain.ConclusionDeny
		result.Reason = &domain.Reason{
			Kind:    domain.ReasonEmail,
			Message: "email address rejected",
			Email:   &domain.EmailReason{Issues: emailIssues(blocking)},
		}
	}
	return result, nil
}

// emailIssues maps validator issue codes onto the decision vocabulary.
func emailIssues(issues []emailcheck.Issue) []domain.EmailIssue {
	mapped := make([]domain.EmailIssue, 0, len(issues))
	for _, issue := range issues {
		switch issue {
		case emailcheck.IssueRole:
			mapped = append(mapped, domain.EmailRoleBased)
		case emailcheck.IssueTypo:
			mapped = append(mapped, domain.EmailDomainTypo)
		default:
			mapped = append(mapped, domain.EmailIssue(issue))
		}
	}
	return mapped
}

// ShieldRule configures attack-payload inspection. A denial carries reason
// SHIELD.
type ShieldRule struct {
	RuleBase
	// Categories, Patterns and the scanning bounds pass through to the
	// detector; see shield.Config.
	Categories      []shield.Category
	Patterns        []shield.Pattern
	SkipHeaders     []string
	AnomalyScoring  bool
	ScoreThreshold  int
	CategoryWeights map[shield.Category]int
	EndpointAllow   map[string][]string
}

// Shield builds the rule.
func Shield(cfg ShieldRule) Rule { return &shieldRule{cfg: cfg} }

type shieldRule struct {
	ruleCore
	cfg      ShieldRule
	detector *shield.Detector
}

func (r *shieldRule) bind(deps ruleDeps) error {
	core, err := newRuleCore(r.cfg.RuleBase, "shield", deps.position)
	if err != nil {
		return err
	}
	detector, err := shield.New(shield.Config{
		Categories:      r.cfg.Categories,
		Patterns:        r.cfg.Patterns,
		SkipHeaders:     r.cfg.SkipHeaders,
		AnomalyScoring:  r.cfg.AnomalyScoring,
		ScoreThreshold:  r.cfg.ScoreThreshold,
		CategoryWeights: r.cfg.CategoryWeights,
		EndpointAllow:   r.cfg.EndpointAllow,
	})
	if err != nil {
		return err
	}

	r.ruleCore = core
	r.detector = detector
	return nil
}

func (r *shieldRule) evaluate(_ context.Context, ev *evaluation) (domain.RuleResult, error) {
	res := r.detector.Inspect(ev.request)

	result := domain.RuleResult{Rule: r.name, Conclusion: domain.ConclusionAllow}
	if res.Detected {
		result.Conclusion = domain.ConclusionDeny
		result.Reason = &domain.Reason{
			Kind:    domain.ReasonShield,
			Message: "suspicious request payload",
			Shield: &domain.ShieldReason{
				Category: string(res.Category),
				Pattern:  res.Pattern,
				Location: res.Location,
				Excerpt:  res.Excerpt,
				Score:    res.Score,
			},
		}
	}
	return result, nil
}

// FilterRule allows or denies requests by static list membership inside the
// rule chain. Deny matches reject with reason FILTER; with a non-empty
// Allow list, requests matching no allow entry are rejected too.
type FilterRule struct {
	RuleBase
	Allow ListConfig
	Deny  ListConfig
}

// Filter builds the rule.
func Filter(cfg FilterRule) Rule { return &filterRule{cfg: cfg} }

type filterRule struct {
	ruleCore
	cfg   FilterRule
	allow *listFilter
	deny  *listFilter
}

func (r *filterRule) bind(deps ruleDeps) error {
	core, err := newRuleCore(r.cfg.RuleBase, "filter", deps.position)
	if err != nil {
		return err
	}
	allow, err := newListFilter(r.cfg.Allow)
	if err != nil {
		return err
	}
	deny, err := newListFilter(r.cfg.Deny)
	if err != nil {
		return err
	}
	if allow.isEmpty() && deny.isEmpty() {
		return &domain.ConfigError{Field: "filter", Message: "needs at least one allow or deny entry"}
	}

	r.ruleCore = core
	r.allow = allow
	r.deny = deny
	return nil
}

func (r *filterRule) evaluate(_ context.Context, ev *evaluation) (domain.RuleResult, error) {
	if field, entry, ok := r.deny.match(ev.chars, ev.ipinfo); ok {
		return domain.RuleResult{
			Rule:       r.name,
			Conclusion: domain.ConclusionDeny,
			Reason: &domain.Reason{
				Kind:    domain.ReasonFilter,
				Message: "request matched a deny list",
				Filter:  &domain.FilterReason{Field: field, Match: entry},
			},
		}, nil
	}

	if !r.allow.isEmpty() {
		if _, _, ok := r.allow.match(ev.chars, ev.ipinfo); !ok {
			return domain.RuleResult{
				Rule:       r.name,
				Conclusion: domain.ConclusionDeny,
				Reason: &domain.Reason{
					Kind:    domain.ReasonFilter,
					Message: "request not on the allow list",
					Filter:  &domain.FilterReason{Field: "allow"},
				},
			}, nil
		}
	}

	return domain.RuleResult{Rule: r.name, Conclusion: domain.ConclusionAllow}, nil
}

// CustomRule runs a caller-registered evaluator. Kind selects the factory
// in the engine's registry and Params are handed to it at bind time.
type CustomRule struct {
	RuleBase
	Kind   string
	Params map[string]any
}

// Custom builds the rule.
func Custom(cfg CustomRule) Rule { return &customRule{cfg: cfg} }

type customRule struct {
	ruleCore
	cfg       CustomRule
	evaluator Evaluator
}

func (r *customRule) bind(deps ruleDeps) error {
	if r.cfg.Kind == "" {
		return &domain.ConfigError{Field: "kind", Message: "custom rule kind is required"}
	}
	core, err := newRuleCore(r.cfg.RuleBase, r.cfg.Kind, deps.position)
	if err != nil {
		return err
	}
	evaluator, err := deps.evaluators.build(r.cfg.Kind, r.cfg.Params)
	if err != nil {
		return err
	}

	r.ruleCore = core
	r.evaluator = evaluator
	return nil
}

func (r *customRule) evaluate(ctx context.Context, ev *evaluation) (domain.RuleResult, error) {
	res, err := r.evaluator.Evaluate(ctx, ev.request, ev.chars)
	if err != nil {
		return domain.RuleResult{}, err
	}

	// The engine owns naming, whatever the evaluator filled in.
	res.Rule = r.name
	if res.Conclusion == "" {
		res.Conclusion = domain.ConclusionAllow
	}
	return res, nil
}
