package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/emailcheck"
	"github.com/guardrail-sh/guardrail/pkg/guardrail"
	"github.com/guardrail-sh/guardrail/pkg/shield"
)

// RuleConfig is one protection rule in YAML form. Type selects the variant;
// only the fields belonging to that variant apply. Recognized types:
// sliding_window, token_bucket, detect_bot, validate_email, shield, filter
// and custom.
type RuleConfig struct {
	Type    string `yaml:"type"`
	Name    string `yaml:"name"`
	Mode    string `yaml:"mode"`
	OnError string `yaml:"on_error"`

	// sliding_window and token_bucket
	Characteristics []string      `yaml:"characteristics"`
	Interval        time.Duration `yaml:"interval"`
	Max             int           `yaml:"max"`
	RefillRate      int           `yaml:"refill_rate"`
	Capacity        int           `yaml:"capacity"`

	// detect_bot
	Allow          []string `yaml:"allow"`
	Block          []string `yaml:"block"`
	BlockThreshold int      `yaml:"block_threshold"`

	// validate_email
	Deny              []string `yaml:"deny"`
	CheckMX           bool     `yaml:"check_mx"`
	DisposableDomains []string `yaml:"disposable_domains"`
	FreeDomains       []string `yaml:"free_domains"`
	TypoTargets       []string `yaml:"typo_targets"`

	// shield
	Categories      []string            `yaml:"categories"`
	SkipHeaders     []string            `yaml:"skip_headers"`
	AnomalyScoring  bool                `yaml:"anomaly_scoring"`
	ScoreThreshold  int                 `yaml:"score_threshold"`
	CategoryWeights map[string]int      `yaml:"category_weights"`
	EndpointAllow   map[string][]string `yaml:"endpoint_allow"`

	// filter
	AllowList ListConfig `yaml:"allow_list"`
	DenyList  ListConfig `yaml:"deny_list"`

	// custom
	Kind   string         `yaml:"kind"`
	Params map[string]any `yaml:"params"`
}

// Build compiles the declaration into a live rule. Mode and error handling
// names are accepted in any case; the engine validates them when the rule is
// bound.
func (r RuleConfig) Build() (guardrail.Rule, error) {
	base := guardrail.RuleBase{
		Name:    strings.TrimSpace(r.Name),
		Mode:    guardrail.RuleMode(strings.ToUpper(strings.TrimSpace(r.Mode))),
		OnError: guardrail.ErrorMode(strings.ToUpper(strings.TrimSpace(r.OnError))),
	}

	switch strings.TrimSpace(r.Type) {
	case "sliding_window":
		return guardrail.SlidingWindow(guardrail.SlidingWindowRule{
			RuleBase:        base,
			Characteristics: r.Characteristics,
			Interval:        r.Interval,
			Max:             r.Max,
		}), nil

	case "token_bucket":
		return guardrail.TokenBucket(guardrail.TokenBucketRule{
			RuleBase:        base,
			Characteristics: r.Characteristics,
			Interval:        r.Interval,
			RefillRate:      r.RefillRate,
			Capacity:        r.Capacity,
		}), nil

	case "detect_bot":
		return guardrail.DetectBot(guardrail.DetectBotRule{
			RuleBase:       base,
			Allow:          r.Allow,
			Block:          r.Block,
			BlockThreshold: r.BlockThreshold,
		}), nil

	case "validate_email":
		deny, err := emailIssues(r.Deny)
		if err != nil {
			return nil, err
		}
		return guardrail.ValidateEmail(guardrail.ValidateEmailRule{
			RuleBase:          base,
			Deny:              deny,
			CheckMX:           r.CheckMX,
			DisposableDomains: r.DisposableDomains,
			FreeDomains:       r.FreeDomains,
			TypoTargets:       r.TypoTargets,
		}), nil

	case "shield":
		categories, err := shieldCategories(r.Categories)
		if err != nil {
			return nil, err
		}
		weights, err := shieldWeights(r.CategoryWeights)
		if err != nil {
			return nil, err
		}
		return guardrail.Shield(guardrail.ShieldRule{
			RuleBase:        base,
			Categories:      categories,
			SkipHeaders:     r.SkipHeaders,
			AnomalyScoring:  r.AnomalyScoring,
			ScoreThreshold:  r.ScoreThreshold,
			CategoryWeights: weights,
			EndpointAllow:   r.EndpointAllow,
		}), nil

	case "filter":
		return guardrail.Filter(guardrail.FilterRule{
			RuleBase: base,
			Allow:    r.AllowList.Build(),
			Deny:     r.DenyList.Build(),
		}), nil

	case "custom":
		if strings.TrimSpace(r.Kind) == "" {
			return nil, fmt.Errorf("custom rule requires a kind")
		}
		return guardrail.Custom(guardrail.CustomRule{
			RuleBase: base,
			Kind:     strings.TrimSpace(r.Kind),
			Params:   r.Params,
		}), nil

	case "":
		return nil, fmt.Errorf("rule type is required")
	default:
		return nil, fmt.Errorf("unknown rule type %q", r.Type)
	}
}

// BuildRules compiles a declared chain in order.
func BuildRules(rules []RuleConfig) ([]guardrail.Rule, error) {
	built := make([]guardrail.Rule, 0, len(rules))
	for i, rc := range rules {
		rule, err := rc.Build()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		built = append(built, rule)
	}
	return built, nil
}

var issueNames = map[string]emailcheck.Issue{
	"INVALID":       emailcheck.IssueInvalid,
	"DISPOSABLE":    emailcheck.IssueDisposable,
	"FREE":          emailcheck.IssueFree,
	"ROLE":          emailcheck.IssueRole,
	"TYPO":          emailcheck.IssueTypo,
	"NO_MX_RECORDS": emailcheck.IssueNoMX,
}

func emailIssues(names []string) ([]emailcheck.Issue, error) {
	if len(names) == 0 {
		return nil, nil
	}
	issues := make([]emailcheck.Issue, 0, len(names))
	for _, name := range names {
		issue, ok := issueNames[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown email issue %q, supported: %s", name, strings.Join(sortedKeys(issueNames), ", "))
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

var categoryNames = map[string]shield.Category{
	"sql_injection":     shield.CategorySQLInjection,
	"xss":               shield.CategoryXSS,
	"command_injection": shield.CategoryCommandInjection,
	"path_traversal":    shield.CategoryPathTraversal,
	"ldap_injection":    shield.CategoryLDAPInjection,
	"xxe":               shield.CategoryXXE,
	"header_injection":  shield.CategoryHeaderInjection,
	"log_injection":     shield.CategoryLogInjection,
	"payload_anomaly":   shield.CategoryPayloadAnomaly,
}

func shieldCategories(names []string) ([]shield.Category, error) {
	if len(names) == 0 {
		return nil, nil
	}
	categories := make([]shield.Category, 0, len(names))
	for _, name := range names {
		category, ok := categoryNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown shield category %q, supported: %s", name, strings.Join(sortedKeys(categoryNames), ", "))
		}
		categories = append(categories, category)
	}
	return categories, nil
}

func shieldWeights(weights map[string]int) (map[shield.Category]int, error) {
	if len(weights) == 0 {
		return nil, nil
	}
	out := make(map[shield.Category]int, len(weights))
	for name, weight := range weights {
		category, ok := categoryNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown shield category %q in category_weights", name)
		}
		out[category] = weight
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
