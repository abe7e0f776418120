package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

// Options control engine construction and runtime behaviour.
type Options struct {
	// Entrypoint is the default decision document path, e.g.
	// "guardrail/decision". Queries may select another per call.
	Entrypoint string
	// Modules maps module names to Rego source.
	Modules map[string]string
	// CacheMaxEntries bounds the verdict cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
}

// Query selects one evaluation: which document to consult and what it sees.
type Query struct {
	// Entrypoint overrides the engine default when non-empty.
	Entrypoint      string
	Request         *domain.Request
	Characteristics domain.Characteristics
	// NoCache bypasses the verdict cache for this call.
	NoCache bool
}

// Verdict is the parsed outcome of one policy evaluation.
type Verdict struct {
	Conclusion domain.Conclusion
	Message    string
}

// Engine evaluates Rego decision documents against inbound requests.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *verdictCache
	queries       map[string]*rego.PreparedEvalQuery
	mu            sync.RWMutex
}

const (
	defaultEntrypoint    = "guardrail/decision"
	defaultCacheCapacity = 1024
)

// NewEngine compiles the supplied modules and prepares the default
// entrypoint, so policy syntax errors surface here rather than on the
// request path.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}
	var cache *verdictCache
	if maxEntries > 0 {
		cache = newVerdictCache(maxEntries)
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(opts.Modules))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		cache:         cache,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}

	if _, err := engine.preparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return engine, nil
}

// Decide evaluates the selected decision document and parses its verdict.
// An undefined document, or one without a conclusion, allows: absence of a
// policy opinion must not deny traffic.
func (e *Engine) Decide(ctx context.Context, q Query) (Verdict, error) {
	if q.Request == nil {
		return Verdict{}, errors.New("policy query requires a request")
	}

	entry := strings.TrimSpace(q.Entrypoint)
	if entry == "" {
		entry = e.entrypoint
	}

	key, cacheable := e.cacheKey(entry, q)
	if cacheable {
		if verdict, ok := e.cache.get(key); ok {
			return verdict, nil
		}
	}

	prepared, err := e.preparedQuery(ctx, entry)
	if err != nil {
		return Verdict{}, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(queryInput(q)))
	if err != nil {
		return Verdict{}, fmt.Errorf("rego eval: %w", err)
	}

	verdict, err := parseVerdict(results)
	if err != nil {
		return Verdict{}, err
	}

	if cacheable {
		e.cache.add(key, verdict)
	}
	return verdict, nil
}

func (e *Engine) preparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have prepared the same entrypoint; keep the
	// first entry.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

// queryInput is the document policies see as input. Header keys are
// lowercased and collapsed to their first value; the body is deliberately
// excluded, payload inspection is not a policy concern.
func queryInput(q Query) map[string]any {
	req := q.Request

	headers := make(map[string]string, len(req.Headers))
	for name, values := range req.Headers {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	chars := make(map[string]string, len(q.Characteristics))
	for key, value := range q.Characteristics {
		chars[key] = value
	}

	return map[string]any{
		"request": map[string]any{
			"method":  req.Method,
			"url":     req.URL,
			"path":    req.Path(),
			"host":    req.Host(),
			"headers": headers,
		},
		"characteristics": chars,
	}
}

// parseVerdict maps the decision document to a Verdict. Only "conclusion"
// and "message" are consulted; other document keys are policy-internal.
func parseVerdict(results rego.ResultSet) (Verdict, error) {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Verdict{Conclusion: domain.ConclusionAllow}, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Verdict{}, fmt.Errorf("rego eval: decision document is %T, want an object", results[0].Expressions[0].Value)
	}

	verdict := Verdict{Conclusion: domain.ConclusionAllow}
	if raw, present := doc["conclusion"]; present && raw != nil {
		text, ok := raw.(string)
		if !ok {
			return Verdict{}, fmt.Errorf("rego eval: conclusion is %T, want a string", raw)
		}
		switch domain.Conclusion(strings.ToUpper(strings.TrimSpace(text))) {
		case domain.ConclusionAllow:
		case domain.ConclusionDeny:
			verdict.Conclusion = domain.ConclusionDeny
		default:
			return Verdict{}, fmt.Errorf("rego eval: unknown conclusion %q", text)
		}
	}
	if message, ok := doc["message"].(string); ok {
		verdict.Message = message
	}

	return verdict, nil
}

// cacheKey hashes everything a policy can observe, so equal keys are
// guaranteed equal verdicts.
func (e *Engine) cacheKey(entry string, q Query) (string, bool) {
	if e.cache == nil || q.NoCache {
		return "", false
	}

	h := sha256.New()
	writeKeyField(h, entry)
	writeKeyField(h, q.Request.Method)
	writeKeyField(h, q.Request.URL)

	names := make([]string, 0, len(q.Request.Headers))
	for name := range q.Request.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeKeyField(h, "h:"+strings.ToLower(name))
		writeKeyField(h, q.Request.Headers.Get(name))
	}

	keys := make([]string, 0, len(q.Characteristics))
	for key := range q.Characteristics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		writeKeyField(h, "c:"+key)
		writeKeyField(h, q.Characteristics[key])
	}

	return hex.EncodeToString(h.Sum(nil)), true
}

// writeKeyField appends a field followed by a NUL delimiter so distinct
// field sequences cannot collide on concatenation.
func writeKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

type verdictCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type verdictEntry struct {
	key     string
	verdict Verdict
}

func newVerdictCache(capacity int) *verdictCache {
	return &verdictCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *verdictCache) get(key string) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Verdict{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(verdictEntry).verdict, true
}

func (c *verdictCache) add(key string, verdict Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = verdictEntry{key: key, verdict: verdict}
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(verdictEntry{key: key, verdict: verdict})

	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(verdictEntry).key)
	}
}
