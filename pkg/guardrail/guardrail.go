package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/guardrail-sh/guardrail/internal/governance"
	"github.com/guardrail-sh/guardrail/pkg/domain"
	"github.com/guardrail-sh/guardrail/pkg/logging"
	"github.com/guardrail-sh/guardrail/pkg/storage"
	"github.com/guardrail-sh/guardrail/pkg/telemetry"
)

// Strategy selects how the rule chain is dispatched.
type Strategy string

const (
	// StrategySequential evaluates every rule in declaration order.
	StrategySequential Strategy = "SEQUENTIAL"
	// StrategyShortCircuit stops at the first denial; later rules never
	// run and are absent from the results.
	StrategyShortCircuit Strategy = "SHORT_CIRCUIT"
	// StrategyParallel evaluates all rules concurrently. Results keep
	// declaration order and the first denial in that order supplies the
	// decision reason.
	StrategyParallel Strategy = "PARALLEL"
)

// PreEvaluateFunc inspects a request after the list checks and before the
// rule chain runs. Hooks may enrich the characteristics in place; an error
// aborts evaluation and is resolved under the engine error mode.
type PreEvaluateFunc func(ctx context.Context, req *domain.Request, chars domain.Characteristics, info domain.IPInfo) error

// Options carries the caller-supplied request context Protect cannot derive
// from the request itself.
type Options struct {
	// UserID keys rate limits and list checks to an authenticated user.
	UserID string
	// Email is what ValidateEmail rules inspect.
	Email string
	// Requested is the token cost debited by quota rules. Zero means 1.
	Requested int
	// Metadata adds custom characteristics under their own keys. Computed
	// keys win on collision.
	Metadata map[string]string
}

// Config assembles an engine.
type Config struct {
	// Rules are evaluated in declaration order. An empty chain is valid;
	// the list checks still apply.
	Rules []Rule
	// Store backs rate and quota rules. Nil selects the in-process store.
	Store storage.Store
	// Strategy defaults to SEQUENTIAL.
	Strategy Strategy
	// ErrorHandling defaults to FAIL_OPEN: infrastructure failures resolve
	// to ALLOW instead of propagating to the caller.
	ErrorHandling ErrorMode
	// Blacklist denies matching requests before any rule runs; Whitelist
	// then allows them. Blacklist wins on overlap.
	Blacklist ListConfig
	Whitelist ListConfig
	// Geolocation resolves client addresses. Nil skips IP enrichment.
	Geolocation domain.GeolocationService
	// PreEvaluate hooks run between the list checks and rule dispatch.
	PreEvaluate []PreEvaluateFunc
	// Evaluators resolves Custom rules.
	Evaluators *EvaluatorRegistry
	// CacheTTL bounds the dedup cache lifetime for GET and HEAD decisions.
	// Zero selects one second, negative disables caching.
	CacheTTL time.Duration
	// CacheSize caps the dedup cache entry count. Zero selects 1024.
	CacheSize int
	// Metrics defaults to a fresh registry.
	Metrics *telemetry.Metrics
	// Logger defaults to the process logger.
	Logger *slog.Logger
}

const (
	defaultCacheTTL  = time.Second
	defaultCacheSize = 1024
)

// Guardrail evaluates requests against its configured protections. Safe for
// concurrent use; one instance per protected surface is the expected shape.
type Guardrail struct {
	rules     []Rule
	strategy  Strategy
	errMode   ErrorMode
	blacklist *listFilter
	whitelist *listFilter
	geo       domain.GeolocationService
	hooks     []PreEvaluateFunc
	cacheTTL  time.Duration
	cache     *decisionCache
	events    *eventBus
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	storageWatch *breakerWatch
	ipWatch      *breakerWatch

	now func() time.Time
}

// New validates cfg, compiles the lists and binds every rule to its
// dependencies. Configuration problems surface as *domain.ConfigError no
// matter the error mode.
func New(cfg Config) (*Guardrail, error) {
	strategy := cfg.Strategy
	switch strategy {
	case "":
		strategy = StrategySequential
	case StrategySequential, StrategyShortCircuit, StrategyParallel:
	default:
		return nil, &domain.ConfigError{Field: "strategy", Message: fmt.Sprintf("unknown strategy %q", strategy)}
	}

	errMode := cfg.ErrorHandling
	switch errMode {
	case ErrorModeUnset:
		errMode = ErrorModeFailOpen
	case ErrorModeFailOpen, ErrorModeFailClosed:
	default:
		return nil, &domain.ConfigError{Field: "errorHandling", Message: fmt.Sprintf("unknown error mode %q", errMode)}
	}

	blacklist, err := newListFilter(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}
	whitelist, err := newListFilter(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}

	store := cfg.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = defaultCacheTTL
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	g := &Guardrail{
		rules:        cfg.Rules,
		strategy:     strategy,
		errMode:      errMode,
		blacklist:    blacklist,
		whitelist:    whitelist,
		geo:          cfg.Geolocation,
		hooks:        cfg.PreEvaluate,
		cacheTTL:     cacheTTL,
		cache:        newDecisionCache(cacheSize),
		events:       newEventBus(metrics),
		metrics:      metrics,
		logger:       logging.Component(cfg.Logger, "guardrail"),
		tracer:       otel.Tracer("guardrail.engine"),
		storageWatch: newBreakerWatch("storage", governance.NewCircuitBreaker(governance.DefaultStorageBreaker())),
		ipWatch:      newBreakerWatch("ip_lookup", governance.NewCircuitBreaker(governance.DefaultIPLookupBreaker())),
		now:          time.Now,
	}

	deps := ruleDeps{store: store, breaker: g.storageWatch.breaker, evaluators: cfg.Evaluators}
	seen := make(map[string]struct{}, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		if rule == nil {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("rules[%d]", i), Message: "rule is nil"}
		}
		deps.position = i
		if err := rule.bind(deps); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, dup := seen[rule.Name()]; dup {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("rules[%d]", i), Message: fmt.Sprintf("duplicate rule name %q", rule.Name())}
		}
		seen[rule.Name()] = struct{}{}
	}

	return g, nil
}

// Protect evaluates one request and returns the decision. Under FAIL_OPEN
// the error return is nil and infrastructure failures resolve to ALLOW;
// FAIL_CLOSED (engine-wide or per rule) propagates them instead. A nil
// request is a programming error and always returns one.
func (g *Guardrail) Protect(ctx context.Context, req *domain.Request, opts Options) (*domain.Decision, error) {
	if req == nil {
		return nil, &domain.ConfigError{Field: "request", Message: "request is required"}
	}

	ctx, span := g.tracer.Start(ctx, "guardrail.protect")
	defer span.End()

	start := g.now()
	id := uuid.NewString()

	decision, cached, err := g.decide(ctx, id, req, opts)
	if err != nil {
		// A rule error only escapes dispatch when that rule resolved to
		// FAIL_CLOSED, so it propagates regardless of the engine mode.
		var ruleErr *domain.RuleError
		if g.errMode == ErrorModeFailClosed || errors.As(err, &ruleErr) {
			return nil, err
		}
		g.logger.Warn("evaluation failed, failing open", "decision", id, "error", err)
		decision = g.fallbackDecision(id, req)
	}

	telemetry.RecordDecision(span, decision)
	telemetry.RecordClientNetwork(span, decision.IPInfo)
	if cached {
		return decision, nil
	}

	g.metrics.RecordDecision(decision, g.now().Sub(start))
	g.publishDecision(decision)
	if decision.IsDenied() {
		g.logger.Info("request denied",
			"decision", decision.ID,
			"reason", string(decision.Reason.Kind),
			"ip", decision.IPInfo.IP,
		)
	}

	return decision, nil
}

// decide runs the evaluation pipeline: dedup cache, network enrichment,
// list checks, hooks, then the rule chain. The cached flag marks a decision
// served from the dedup cache, which is not re-counted or re-published.
func (g *Guardrail) decide(ctx context.Context, id string, req *domain.Request, opts Options) (*domain.Decision, bool, error) {
	var cacheKey string
	useCache := g.cacheTTL > 0 && req.Idempotent()
	if useCache {
		cacheKey = dedupKey(req, opts)
		if cached, ok := g.cache.get(cacheKey, g.now()); ok {
			g.metrics.RecordCacheLookup("hit")
			return cached, true, nil
		}
		g.metrics.RecordCacheLookup("miss")
	}

	chars := g.characteristics(req, opts)

	info, err := g.lookupIP(ctx, req.ClientIP())
	if err != nil {
		if g.errMode == ErrorModeFailClosed {
			return nil, false, err
		}
		g.logger.Warn("ip lookup failed, continuing without network info", "decision", id, "error", err)
		info = domain.IPInfo{IP: req.ClientIP()}
	}

	if field, entry, ok := g.blacklist.match(chars, info); ok {
		g.metrics.RecordFilterMatch("blacklist")
		reason := &domain.Reason{
			Kind:    domain.ReasonFilter,
			Message: "blocked by blacklist",
			Filter:  &domain.FilterReason{Field: field, Match: entry},
		}
		d := g.newDecision(id, req, domain.ConclusionDeny, reason, nil, info, chars)
		g.cacheDecision(cacheKey, useCache, d)
		return d, false, nil
	}
	if _, _, ok := g.whitelist.match(chars, info); ok {
		g.metrics.RecordFilterMatch("whitelist")
		d := g.newDecision(id, req, domain.ConclusionAllow, nil, nil, info, chars)
		g.cacheDecision(cacheKey, useCache, d)
		return d, false, nil
	}

	for _, hook := range g.hooks {
		if err := hook(ctx, req, chars, info); err != nil {
			return nil, false, err
		}
	}

	ev := &evaluation{request: req, chars: chars, ipinfo: info, requested: requestedTokens(opts)}
	results, err := g.dispatch(ctx, ev)
	if err != nil {
		return nil, false, err
	}

	conclusion := domain.ConclusionAllow
	var reason *domain.Reason
	for _, res := range results {
		if res.IsDenied() {
			conclusion = domain.ConclusionDeny
			reason = res.Reason
			break
		}
	}

	d := g.newDecision(id, req, conclusion, reason, results, info, chars)
	g.cacheDecision(cacheKey, useCache, d)
	return d, false, nil
}

// dispatch runs the rule chain under the configured strategy. The returned
// slice keeps declaration order; under SHORT_CIRCUIT it ends at the first
// denial.
func (g *Guardrail) dispatch(ctx context.Context, ev *evaluation) ([]domain.RuleResult, error) {
	if len(g.rules) == 0 {
		return nil, nil
	}

	if g.strategy == StrategyParallel {
		return g.dispatchParallel(ctx, ev)
	}

	stopOnDeny := g.strategy == StrategyShortCircuit
	results := make([]domain.RuleResult, 0, len(g.rules))
	for _, rule := range g.rules {
		res, err := g.runRule(ctx, rule, ev)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
		if stopOnDeny && res.IsDenied() {
			break
		}
	}
	return results, nil
}

// dispatchParallel evaluates every rule concurrently. Each result lands in
// its rule's declaration slot so the reported order never depends on
// completion order, and one rule's failure cannot starve the others.
func (g *Guardrail) dispatchParallel(ctx context.Context, ev *evaluation) ([]domain.RuleResult, error) {
	results := make([]domain.RuleResult, len(g.rules))
	errs := make([]error, len(g.rules))

	var wg sync.WaitGroup
	for i, rule := range g.rules {
		wg.Add(1)
		go func(i int, rule Rule) {
			defer wg.Done()
			results[i], errs[i] = g.runRule(ctx, rule, ev)
		}(i, rule)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// runRule executes one rule and applies its error and dry-run semantics.
// The returned error is non-nil only when the rule resolves to FAIL_CLOSED.
func (g *Guardrail) runRule(ctx context.Context, rule Rule, ev *evaluation) (domain.RuleResult, error) {
	start := g.now()
	result, err := rule.evaluate(ctx, ev)
	duration := g.now().Sub(start)
	g.storageWatch.observe(g.metrics)

	dryRun := rule.mode() == ModeDryRun

	if err != nil {
		ruleErr := &domain.RuleError{Rule: rule.Name(), Err: err}
		failClosed := g.ruleFailsClosed(rule)
		telemetry.RecordRuleMetrics(ctx, telemetry.RuleMetrics{
			Rule:        rule.Name(),
			Type:        rule.kind(),
			Conclusion:  domain.ConclusionAllow,
			DryRun:      dryRun,
			Duration:    duration,
			ErrStrategy: errorStrategyLabel(failClosed),
		})
		g.events.publish(Event{Type: EventRuleError, Rule: rule.Name(), Err: ruleErr, At: g.now()})
		if failClosed {
			return domain.RuleResult{}, ruleErr
		}
		g.logger.Warn("rule failed, failing open", "rule", rule.Name(), "error", err)
		return domain.RuleResult{Rule: rule.Name(), Conclusion: domain.ConclusionAllow}, nil
	}

	vote := result.Conclusion
	overridden := false
	if dryRun && result.IsDenied() {
		overridden = true
		g.events.publish(Event{Type: EventDryRunDenied, Rule: rule.Name(), Reason: result.Reason, At: g.now()})
		g.logger.Info("dry run rule would deny", "rule", rule.Name(), "reason", string(result.Reason.Kind))
		result.Conclusion = domain.ConclusionAllow
		result.Reason = nil
	}

	telemetry.RecordRuleMetrics(ctx, telemetry.RuleMetrics{
		Rule:       rule.Name(),
		Type:       rule.kind(),
		Conclusion: vote,
		DryRun:     dryRun,
		Overridden: overridden,
		Duration:   duration,
	})
	return result, nil
}

// ruleFailsClosed resolves the effective error mode for one rule.
func (g *Guardrail) ruleFailsClosed(rule Rule) bool {
	switch rule.onError() {
	case ErrorModeFailClosed:
		return true
	case ErrorModeFailOpen:
		return false
	default:
		return g.errMode == ErrorModeFailClosed
	}
}

func errorStrategyLabel(failClosed bool) string {
	if failClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// lookupIP resolves network intelligence behind the lookup breaker. Without
// a geolocation service the request address passes through untouched.
func (g *Guardrail) lookupIP(ctx context.Context, ip string) (domain.IPInfo, error) {
	if g.geo == nil || ip == "" {
		return domain.IPInfo{IP: ip}, nil
	}

	var info domain.IPInfo
	err := g.ipWatch.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var lookupErr error
		info, lookupErr = g.geo.Lookup(ctx, ip)
		return lookupErr
	})
	g.ipWatch.observe(g.metrics)
	if err != nil {
		outcome := "error"
		if errors.Is(err, governance.ErrCircuitOpen) {
			outcome = "circuit_open"
		}
		g.metrics.RecordIPLookup(outcome)
		return domain.IPInfo{}, fmt.Errorf("%w: %v", domain.ErrIPLookupFailed, err)
	}

	g.metrics.RecordIPLookup("ok")
	if info.IP == "" {
		info.IP = ip
	}
	return info, nil
}

// characteristics assembles the request dimensions rules key on.
func (g *Guardrail) characteristics(req *domain.Request, opts Options) domain.Characteristics {
	chars := domain.Characteristics{
		domain.CharacteristicIP:     req.ClientIP(),
		domain.CharacteristicMethod: req.Method,
		domain.CharacteristicPath:   req.Path(),
	}
	if host := req.Host(); host != "" {
		chars[domain.CharacteristicHost] = host
	}
	if opts.UserID != "" {
		chars[domain.CharacteristicUserID] = opts.UserID
	}
	if opts.Email != "" {
		chars[domain.CharacteristicEmail] = opts.Email
	}
	for key, value := range opts.Metadata {
		if _, taken := chars[key]; !taken {
			chars[key] = value
		}
	}
	return chars
}

func requestedTokens(opts Options) int {
	if opts.Requested <= 0 {
		return 1
	}
	return opts.Requested
}

func (g *Guardrail) newDecision(id string, req *domain.Request, conclusion domain.Conclusion, reason *domain.Reason, results []domain.RuleResult, info domain.IPInfo, chars domain.Characteristics) *domain.Decision {
	d := &domain.Decision{
		ID:              id,
		Conclusion:      conclusion,
		Reason:          reason,
		Results:         results,
		IPInfo:          info,
		Characteristics: chars,
		CreatedAt:       g.now(),
	}
	if req.Idempotent() && g.cacheTTL > 0 {
		d.TTL = g.cacheTTL
	}
	return d
}

func (g *Guardrail) cacheDecision(key string, eligible bool, d *domain.Decision) {
	if !eligible || d.TTL <= 0 {
		return
	}
	g.cache.put(key, d, g.now())
}

// fallbackDecision is the FAIL_OPEN answer when evaluation itself failed:
// an ALLOW carrying only the client address.
func (g *Guardrail) fallbackDecision(id string, req *domain.Request) *domain.Decision {
	ip := req.ClientIP()
	return &domain.Decision{
		ID:              id,
		Conclusion:      domain.ConclusionAllow,
		IPInfo:          domain.IPInfo{IP: ip},
		Characteristics: domain.Characteristics{domain.CharacteristicIP: ip},
		CreatedAt:       g.now(),
	}
}

func (g *Guardrail) publishDecision(d *domain.Decision) {
	eventType := EventDecisionAllowed
	if d.IsDenied() {
		eventType = EventDecisionDenied
	}
	g.events.publish(Event{Type: eventType, Decision: d, At: g.now()})
}

// Subscribe returns a channel of engine events and a cancel function. The
// channel is buffered; events overflowing a slow subscriber are dropped and
// counted, never blocking evaluation.
func (g *Guardrail) Subscribe(buffer int) (<-chan Event, func()) {
	return g.events.subscribe(buffer)
}

// Close releases the engine's background resources. The engine must not be
// used afterwards.
func (g *Guardrail) Close() error {
	g.cache.close()
	g.events.close()
	return nil
}

// dedupKey identifies a decision in the idempotent-request cache: same URL,
// same client, same user.
func dedupKey(req *domain.Request, opts Options) string {
	return req.URL + "\x00" + req.ClientIP() + "\x00" + opts.UserID
}

// SecurityHeaders returns the response headers every adapter attaches: the
// decision id and conclusion, plus the rate limit balance when a rule
// produced one.
func SecurityHeaders(d *domain.Decision) map[string]string {
	headers := map[string]string{
		"X-Guardrail-Id":         d.ID,
		"X-Guardrail-Conclusion": string(d.Conclusion),
	}
	if remaining, reset, ok := d.RateLimitState(); ok {
		headers["X-RateLimit-Remaining"] = strconv.Itoa(remaining)
		headers["X-RateLimit-Reset"] = strconv.FormatInt(reset.Unix(), 10)
	}
	return headers
}

// breakerWatch mirrors a breaker's state into the gauge and counts
// transitions. Breakers expose no change hook, so the engine samples state
// after each guarded call.
type breakerWatch struct {
	name    string
	breaker *governance.CircuitBreaker

	mu   sync.Mutex
	last governance.CircuitBreakerState
}

func newBreakerWatch(name string, breaker *governance.CircuitBreaker) *breakerWatch {
	return &breakerWatch{name: name, breaker: breaker, last: breaker.State()}
}

func (w *breakerWatch) observe(metrics *telemetry.Metrics) {
	state := w.breaker.State()
	metrics.SetBreakerState(w.name, string(state))

	w.mu.Lock()
	changed := state != w.last
	w.last = state
	w.mu.Unlock()

	if changed {
		metrics.RecordBreakerTransition(w.name, string(state))
	}
}
