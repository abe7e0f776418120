// Package shield implements signature-based attack detection over the
// canonical request: URL, query string, headers and body are scanned against
// per-category pattern sets (SQL injection, XSS, command injection, path
// traversal, LDAP injection, XXE, header injection, log injection, payload
// anomalies). Matching is bounded against adversarial input: every pattern
// execution is time-boxed, scanned text is truncated, and injected patterns
// are statically validated before compilation.
//
// Two matching modes exist. In single-pattern mode the first match is the
// verdict. With anomaly scoring enabled, matches accumulate weighted scores
// per category and only a category crossing the threshold triggers a verdict,
// which tolerates isolated weak-signature noise the way CRS-style engines do.
package shield

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

// Category groups signatures by the attack class they detect.
type Category string

const (
	CategorySQLInjection     Category = "sql_injection"
	CategoryXSS              Category = "xss"
	CategoryCommandInjection Category = "command_injection"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryLDAPInjection    Category = "ldap_injection"
	CategoryXXE              Category = "xxe"
	CategoryHeaderInjection  Category = "header_injection"
	CategoryLogInjection     Category = "log_injection"
	CategoryPayloadAnomaly   Category = "payload_anomaly"
)

// Scan locations reported in detections. Header locations carry the header
// name, e.g. "header:user-agent".
const (
	LocationURL   = "url"
	LocationQuery = "query"
	LocationBody  = "body"

	headerLocationPrefix = "header:"
)

// HeaderLocation names the scan location for a request header.
func HeaderLocation(name string) string {
	return headerLocationPrefix + strings.ToLower(name)
}

const (
	defaultMatchTimeout   = 100 * time.Millisecond
	defaultMaxScanBytes   = 100 * 1024
	defaultChunkSize      = 16 * 1024
	defaultChunkOverlap   = 256
	defaultScoreThreshold = 5
	excerptLimit          = 100
)

// defaultCategoryWeights reflect signature confidence: command injection and
// XXE rarely occur in benign traffic, log injection keywords constantly do.
var defaultCategoryWeights = map[Category]int{
	CategorySQLInjection:     4,
	CategoryXSS:              4,
	CategoryCommandInjection: 5,
	CategoryPathTraversal:    4,
	CategoryLDAPInjection:    4,
	CategoryXXE:              5,
	CategoryHeaderInjection:  3,
	CategoryLogInjection:     2,
	CategoryPayloadAnomaly:   2,
}

// defaultSkipHeaders are never scanned: their values are secrets, and
// leaking an excerpt of one into a result would be worse than any injection
// they could carry.
var defaultSkipHeaders = []string{"authorization", "cookie"}

// Pattern declares one attack signature.
type Pattern struct {
	// Name identifies the signature in detections, e.g. "sql.union-select".
	Name string
	// Expr is the regular expression source.
	Expr string
	// Category assigns the signature to an attack class.
	Category Category
	// Weight is the anomaly-mode score contribution. Zero selects the
	// category default.
	Weight int
	// Weak marks low-confidence signatures that are suppressed in scan
	// locations where they are known to false-positive (single-keyword SQL
	// patterns on URL paths, reflected-XSS fragments in headers).
	Weak bool
}

// Config controls detector construction. The zero value scans all builtin
// categories in single-pattern mode with default bounds.
type Config struct {
	// Categories restricts scanning to the listed attack classes. Empty
	// means all builtin categories.
	Categories []Category
	// Patterns are additional signatures appended to the builtin set. They
	// are statically validated against the ReDoS budget before compilation.
	Patterns []Pattern
	// SkipHeaders replaces the sensitive-header set excluded from scanning.
	// Nil keeps the default (authorization, cookie); an empty non-nil slice
	// scans everything.
	SkipHeaders []string

	// AnomalyScoring switches from first-match verdicts to accumulated
	// per-category scoring.
	AnomalyScoring bool
	// ScoreThreshold is the per-category score that triggers a detection in
	// anomaly mode. Zero selects the default of 5.
	ScoreThreshold int
	// CategoryWeights overrides the default per-category weights.
	CategoryWeights map[Category]int

	// MatchTimeout bounds a single pattern execution. Zero selects 100ms.
	MatchTimeout time.Duration
	// MaxScanBytes truncates scanned text. Zero selects 100KB.
	MaxScanBytes int
	// ChunkSize bounds the body scan window. Zero selects 16KB.
	ChunkSize int

	// EndpointAllow maps request paths to pattern sources that downgrade an
	// otherwise-detected match on that path back to a pass. The table is
	// consulted only after a signature matched; it never expands what is
	// scanned.
	EndpointAllow map[string][]string
}

// Result is the outcome of scanning one request.
type Result struct {
	Detected bool
	Category Category
	Pattern  string
	Location string
	// Excerpt is the matched text truncated to 100 characters so large
	// payloads never travel into logs or response headers.
	Excerpt string
	// Score is the accumulated category score in anomaly mode, zero in
	// single-pattern mode.
	Score int
}

type compiledPattern struct {
	name     string
	expr     *regexp.Regexp
	category Category
	weight   int
	weak     bool
}

// Detector scans requests against its compiled signature set. It is
// immutable after construction and safe for concurrent use.
type Detector struct {
	patterns      []compiledPattern
	skipHeaders   map[string]struct{}
	anomaly       bool
	threshold     int
	timeout       time.Duration
	maxScan       int
	chunkSize     int
	overlap       int
	endpointAllow map[string][]*regexp.Regexp
}

// New compiles the configured signature set. Injected patterns and endpoint
// allow entries failing static validation return a *domain.ConfigError.
func New(cfg Config) (*Detector, error) {
	d := &Detector{
		anomaly:   cfg.AnomalyScoring,
		threshold: cfg.ScoreThreshold,
		timeout:   cfg.MatchTimeout,
		maxScan:   cfg.MaxScanBytes,
		chunkSize: cfg.ChunkSize,
	}
	if d.threshold <= 0 {
		d.threshold = defaultScoreThreshold
	}
	if d.timeout <= 0 {
		d.timeout = defaultMatchTimeout
	}
	if d.maxScan <= 0 {
		d.maxScan = defaultMaxScanBytes
	}
	if d.chunkSize <= 0 {
		d.chunkSize = defaultChunkSize
	}
	d.overlap = defaultChunkOverlap
	if d.overlap > d.chunkSize {
		d.overlap = d.chunkSize
	}

	skip := cfg.SkipHeaders
	if skip == nil {
		skip = defaultSkipHeaders
	}
	d.skipHeaders = make(map[string]struct{}, len(skip))
	for _, name := range skip {
		d.skipHeaders[strings.ToLower(name)] = struct{}{}
	}

	wanted := categorySet(cfg.Categories)
	for _, p := range builtinPatterns {
		if wanted != nil {
			if _, ok := wanted[p.Category]; !ok {
				continue
			}
		}
		compiled, err := d.compilePattern(p, cfg.CategoryWeights, false)
		if err != nil {
			return nil, err
		}
		d.patterns = append(d.patterns, compiled)
	}
	for _, p := range cfg.Patterns {
		compiled, err := d.compilePattern(p, cfg.CategoryWeights, true)
		if err != nil {
			return nil, err
		}
		d.patterns = append(d.patterns, compiled)
	}
	if len(d.patterns) == 0 {
		return nil, &domain.ConfigError{Field: "categories", Message: "no signatures selected"}
	}

	if len(cfg.EndpointAllow) > 0 {
		d.endpointAllow = make(map[string][]*regexp.Regexp, len(cfg.EndpointAllow))
		for path, sources := range cfg.EndpointAllow {
			for _, src := range sources {
				if err := ValidatePattern(src); err != nil {
					return nil, &domain.ConfigError{Field: "endpointAllow." + path, Message: err.Error()}
				}
				expr, err := regexp.Compile(src)
				if err != nil {
					return nil, &domain.ConfigError{Field: "endpointAllow." + path, Message: err.Error()}
				}
				d.endpointAllow[path] = append(d.endpointAllow[path], expr)
			}
		}
	}

	return d, nil
}

func (d *Detector) compilePattern(p Pattern, weights map[Category]int, injected bool) (compiledPattern, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return compiledPattern{}, &domain.ConfigError{Field: "patterns", Message: "signature name is required"}
	}
	if p.Category == "" {
		return compiledPattern{}, &domain.ConfigError{Field: "patterns." + name, Message: "category is required"}
	}
	if injected {
		if err := ValidatePattern(p.Expr); err != nil {
			return compiledPattern{}, &domain.ConfigError{Field: "patterns." + name, Message: err.Error()}
		}
	}
	expr, err := regexp.Compile(p.Expr)
	if err != nil {
		return compiledPattern{}, &domain.ConfigError{Field: "patterns." + name, Message: err.Error()}
	}

	weight := p.Weight
	if weight <= 0 {
		if w, ok := weights[p.Category]; ok && w > 0 {
			weight = w
		} else if w, ok := defaultCategoryWeights[p.Category]; ok {
			weight = w
		} else {
			weight = 1
		}
	}

	return compiledPattern{
		name:     name,
		expr:     expr,
		category: p.Category,
		weight:   weight,
		weak:     p.Weak,
	}, nil
}

func categorySet(categories []Category) map[Category]struct{} {
	if len(categories) == 0 {
		return nil
	}
	set := make(map[Category]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}
	return set
}

// matchRecord is one signature hit during a scan.
type matchRecord struct {
	pattern  compiledPattern
	location string
	excerpt  string
}

// scanState accumulates hits across the scan locations of one request.
type scanState struct {
	path    string
	matches []matchRecord
	scores  map[Category]int
}

// Inspect scans the request and returns the detection verdict. Scanning the
// same request with the same configuration is deterministic: signatures run
// in a fixed order and excerpts truncate identically.
func (d *Detector) Inspect(req *domain.Request) Result {
	state := &scanState{
		path:   req.Path(),
		scores: make(map[Category]int),
	}

	if d.scanText(state, req.URL, LocationURL) {
		return d.verdict(state)
	}

	// Query values and headers scan in sorted key order so a request that
	// trips several signatures reports the same one on every run.
	query := req.Query()
	for _, key := range sortedKeys(query) {
		for _, value := range query[key] {
			if d.scanText(state, value, LocationQuery) {
				return d.verdict(state)
			}
		}
	}
	for _, name := range sortedKeys(req.Headers) {
		if _, sensitive := d.skipHeaders[strings.ToLower(name)]; sensitive {
			continue
		}
		location := HeaderLocation(name)
		for _, value := range req.Headers[name] {
			if d.scanText(state, value, location) {
				return d.verdict(state)
			}
		}
	}
	d.scanBody(state, req.Body)

	return d.verdict(state)
}

// scanText runs every applicable signature against text, recording hits.
// The return value reports whether scanning can stop early: true only in
// single-pattern mode once a hit landed.
func (d *Detector) scanText(state *scanState, text, location string) bool {
	if text == "" {
		return false
	}
	text = truncate(text, d.maxScan)

	for _, p := range d.patterns {
		if d.skipPattern(p, location) {
			continue
		}
		idx := d.matchIndex(p.expr, text)
		if idx == nil {
			continue
		}
		if d.record(state, p, location, text[idx[0]:idx[1]]) && !d.anomaly {
			return true
		}
	}
	return false
}

// record registers a hit unless the endpoint allow table downgrades it.
// Reports whether the hit counted.
func (d *Detector) record(state *scanState, p compiledPattern, location, matched string) bool {
	if d.allowedOnEndpoint(state.path, matched) {
		return false
	}
	state.matches = append(state.matches, matchRecord{
		pattern:  p,
		location: location,
		excerpt:  truncate(matched, excerptLimit),
	})
	state.scores[p.category] += p.weight
	return true
}

// allowedOnEndpoint reports whether the matched text is allow-listed for the
// request path. Consulted only once a signature matched.
func (d *Detector) allowedOnEndpoint(path, matched string) bool {
	for _, expr := range d.endpointAllow[path] {
		if expr.MatchString(matched) {
			return true
		}
	}
	return false
}

// matchIndex runs one signature with a hard deadline. A timeout counts as no
// match for that pattern rather than a detection, keeping worst-case scan
// cost bounded against adversarial payloads. The abandoned match finishes in
// the background; the regexp engine's linear-time guarantee bounds the stray
// work.
func (d *Detector) matchIndex(expr *regexp.Regexp, text string) []int {
	found := make(chan []int, 1)
	go func() {
		found <- expr.FindStringIndex(text)
	}()

	select {
	case idx := <-found:
		return idx
	case <-time.After(d.timeout):
		return nil
	}
}

// verdict derives the detection result from the accumulated state.
func (d *Detector) verdict(state *scanState) Result {
	if len(state.matches) == 0 {
		return Result{}
	}

	if !d.anomaly {
		first := state.matches[0]
		return Result{
			Detected: true,
			Category: first.pattern.category,
			Pattern:  first.pattern.name,
			Location: first.location,
			Excerpt:  first.excerpt,
		}
	}

	// Highest-scoring category at or above the threshold wins; ties break
	// toward the category that matched first so reruns stay deterministic.
	var winner Category
	for _, m := range state.matches {
		score := state.scores[m.pattern.category]
		if score < d.threshold {
			continue
		}
		if winner == "" || score > state.scores[winner] {
			winner = m.pattern.category
		}
	}
	if winner == "" {
		return Result{}
	}

	for _, m := range state.matches {
		if m.pattern.category == winner {
			return Result{
				Detected: true,
				Category: winner,
				Pattern:  m.pattern.name,
				Location: m.location,
				Excerpt:  m.excerpt,
				Score:    state.scores[winner],
			}
		}
	}
	return Result{}
}

// skipPattern reports whether a signature is suppressed for the location.
// Weak signatures never decide alone: in single-pattern mode they are skipped
// outright, and in anomaly mode known-noisy combinations stay out of the
// score. Single-keyword SQL fragments false-positive on URL paths such as
// /api/select, and XSS fragments in headers are never rendered as HTML.
// Strong signatures apply everywhere.
func (d *Detector) skipPattern(p compiledPattern, location string) bool {
	if !p.weak {
		return false
	}
	if !d.anomaly {
		return true
	}
	switch p.category {
	case CategorySQLInjection:
		return location == LocationURL
	case CategoryXSS:
		return strings.HasPrefix(location, headerLocationPrefix)
	}
	return false
}

func sortedKeys[M ~map[string][]string](m M) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
