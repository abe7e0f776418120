// Package botdetect classifies requests as automated traffic using layered
// signals: user-agent signature matching against a curated catalogue, header
// completeness heuristics, user-agent anomaly checks and headless-browser
// fingerprints. Signals contribute to a 0-100 confidence taken as a running
// maximum, never a sum, so three weak hints do not masquerade as one strong
// one.
package botdetect

import (
	"strings"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

// Type is the coarse classification of detected automation.
type Type string

const (
	TypeSearchEngine    Type = "search_engine"
	TypeSEOCrawler      Type = "seo_crawler"
	TypeAICrawler       Type = "ai_crawler"
	TypeSocialMedia     Type = "social_media"
	TypeHTTPClient      Type = "http_client"
	TypeScraper         Type = "scraper"
	TypeMonitoring      Type = "monitoring"
	TypeSecurityScanner Type = "security_scanner"
	TypeAutomation      Type = "automation"
	TypeUnknown         Type = "unknown"
)

const (
	defaultBlockThreshold = 70
	flaggedConfidence     = 50

	emptyUAConfidence  = 85
	headlessConfidence = 90
)

// Signature identifies a known bot by a user-agent substring.
type Signature struct {
	// Name is the stable identifier reported in results and matched against
	// allow/block lists.
	Name string
	// Match is the substring looked for in the lowercased user-agent.
	Match string
	Type  Type
	// Confidence is the baseline score a match sets.
	Confidence int
}

// Config controls detector construction. The zero value detects with the
// builtin catalogue, blocks nothing below confidence 70 and allow-lists
// nothing, which means every confidently detected bot is blockable.
type Config struct {
	// Allow lists bot names or signal ids that are never blocked.
	Allow []string
	// Block lists bot names or signal ids that are blocked when confident.
	// With a non-empty Allow and an empty Block, only unlisted-but-flagged
	// traffic at or above the threshold is blocked.
	Block []string
	// BlockThreshold is the confidence needed to block. Zero selects 70.
	BlockThreshold int
	// Signatures are additional identifiers checked before the builtin
	// catalogue, so a custom entry can override a builtin one.
	Signatures []Signature
}

// Result is the classification of one request.
type Result struct {
	// IsBot reports whether any signal fired or confidence reached 50.
	IsBot bool
	// Name is the matched signature identifier, empty for heuristic-only
	// detections.
	Name       string
	Type       Type
	Confidence int
	// Signals lists the heuristic identifiers that fired, in check order.
	Signals []string
}

// Detector classifies requests. Immutable after construction and safe for
// concurrent use.
type Detector struct {
	signatures []Signature
	allow      map[string]struct{}
	block      map[string]struct{}
	threshold  int
}

// New builds a detector from cfg.
func New(cfg Config) (*Detector, error) {
	threshold := cfg.BlockThreshold
	if threshold == 0 {
		threshold = defaultBlockThreshold
	}
	if threshold < 0 || threshold > 100 {
		return nil, &domain.ConfigError{Field: "blockThreshold", Message: "must be between 1 and 100"}
	}

	for _, s := range cfg.Signatures {
		if strings.TrimSpace(s.Name) == "" {
			return nil, &domain.ConfigError{Field: "signatures", Message: "signature name is required"}
		}
		if strings.TrimSpace(s.Match) == "" {
			return nil, &domain.ConfigError{Field: "signatures." + s.Name, Message: "match substring is required"}
		}
		if s.Confidence < 1 || s.Confidence > 100 {
			return nil, &domain.ConfigError{Field: "signatures." + s.Name, Message: "confidence must be between 1 and 100"}
		}
	}

	signatures := make([]Signature, 0, len(cfg.Signatures)+len(builtinSignatures))
	signatures = append(signatures, cfg.Signatures...)
	signatures = append(signatures, builtinSignatures...)

	return &Detector{
		signatures: signatures,
		allow:      listSet(cfg.Allow),
		block:      listSet(cfg.Block),
		threshold:  threshold,
	}, nil
}

func listSet(entries []string) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			set[e] = struct{}{}
		}
	}
	return set
}

// Detect classifies one request.
func (d *Detector) Detect(req *domain.Request) Result {
	ua := req.Headers.Get("User-Agent")
	if strings.TrimSpace(ua) == "" {
		// No legitimate browser or SDK ships without a user-agent.
		return Result{
			IsBot:      true,
			Type:       TypeUnknown,
			Confidence: emptyUAConfidence,
			Signals:    []string{SignalEmptyUserAgent},
		}
	}

	var res Result
	lower := strings.ToLower(ua)

	if token, fromHeader := headlessFingerprint(req, lower); token != "" {
		res.Name = token
		res.Type = TypeAutomation
		res.Confidence = headlessConfidence
		signal := SignalHeadlessBrowser
		if fromHeader {
			signal = SignalWebdriverHeader
		}
		res.Signals = append(res.Signals, signal)
	}

	if res.Name == "" {
		// First match wins; the catalogue orders specific entries before
		// generic ones.
		for _, s := range d.signatures {
			if strings.Contains(lower, strings.ToLower(s.Match)) {
				res.Name = s.Name
				res.Type = s.Type
				res.Confidence = maxInt(res.Confidence, s.Confidence)
				break
			}
		}
	}

	for _, h := range heuristics {
		if !h.applies(req, lower) {
			continue
		}
		res.Signals = append(res.Signals, h.id)
		res.Confidence = maxInt(res.Confidence, h.confidence)
	}

	res.IsBot = res.Confidence >= flaggedConfidence || len(res.Signals) > 0
	if res.IsBot && res.Type == "" {
		res.Type = TypeUnknown
	}
	return res
}

// ShouldBlock applies the list precedence to a detection: an allow-listed
// bot always passes; otherwise a block-listed one, or any bot when the allow
// list is empty, is blocked once its confidence reaches the threshold.
func (d *Detector) ShouldBlock(res Result) bool {
	if !res.IsBot {
		return false
	}
	if d.listed(d.allow, res) {
		return false
	}
	if !d.listed(d.block, res) && len(d.allow) > 0 {
		return false
	}
	return res.Confidence >= d.threshold
}

// listed reports whether the result's name or any fired signal is in the set.
func (d *Detector) listed(set map[string]struct{}, res Result) bool {
	if len(set) == 0 {
		return false
	}
	if res.Name != "" {
		if _, ok := set[strings.ToLower(res.Name)]; ok {
			return true
		}
	}
	for _, sig := range res.Signals {
		if _, ok := set[sig]; ok {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
