// Package emailcheck validates and classifies email addresses: RFC
// format checks, domain classification against disposable/free lists,
// role-account local parts, likely domain typos by edit distance, and an
// optional MX-record probe with bounded retry. Classification yields an
// issue set; which issues block is deployment policy, not detection.
package emailcheck

import (
	"context"
	"errors"
	"net"
	"net/mail"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/guardrail-sh/guardrail/internal/governance"
	"github.com/guardrail-sh/guardrail/pkg/domain"
)

// Issue classifies one problem found with an address.
type Issue string

const (
	IssueInvalid    Issue = "INVALID"
	IssueDisposable Issue = "DISPOSABLE"
	IssueFree       Issue = "FREE"
	IssueRole       Issue = "ROLE"
	IssueTypo       Issue = "TYPO"
	IssueNoMX       Issue = "NO_MX_RECORDS"
)

var knownIssues = map[Issue]struct{}{
	IssueInvalid:    {},
	IssueDisposable: {},
	IssueFree:       {},
	IssueRole:       {},
	IssueTypo:       {},
	IssueNoMX:       {},
}

// defaultDenyIssues block by default; free-provider, role-account and typo
// findings are advisory unless the deployment opts in.
var defaultDenyIssues = []Issue{IssueInvalid, IssueDisposable, IssueNoMX}

// typoDistance is 2 rather than 1 so plain edit distance still catches
// transpositions like gmial.com; known providers are exempt from the check,
// which keeps the wider bound from flagging them.
const (
	maxLocalLength  = 64
	maxDomainLength = 255
	typoDistance    = 2
)

// MXResolver is the slice of the DNS resolver the validator needs.
// *net.Resolver satisfies it.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Config controls validator construction. The zero value validates format
// and classifies domains with the builtin lists, denies the default issue
// set and never touches the network.
type Config struct {
	// Deny lists the issues that make Blocked report true. Empty selects
	// INVALID, DISPOSABLE and NO_MX_RECORDS.
	Deny []Issue
	// CheckMX enables the MX-record probe for domains not already known
	// from the free list.
	CheckMX bool
	// Resolver overrides the DNS resolver, mainly for tests. Nil selects
	// net.DefaultResolver.
	Resolver MXResolver

	// DisposableDomains, FreeDomains and TypoTargets extend the builtin
	// reference data.
	DisposableDomains []string
	FreeDomains       []string
	TypoTargets       []string
}

// Result is the classification of one address.
type Result struct {
	// Email is the address as given, trimmed.
	Email string
	// Local and Domain are the parsed parts, domain lowercased. Both empty
	// when the format is invalid.
	Local  string
	Domain string
	// Issues found, in classification order.
	Issues []Issue
	// Suggestion is the likely intended domain for a TYPO finding.
	Suggestion string
}

// Has reports whether the result carries the issue.
func (r Result) Has(issue Issue) bool {
	for _, i := range r.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

// Validator classifies addresses. Immutable after construction and safe for
// concurrent use.
type Validator struct {
	deny        map[Issue]struct{}
	checkMX     bool
	resolver    MXResolver
	retry       *governance.RetryPolicy
	disposable  map[string]struct{}
	free        map[string]struct{}
	typoTargets []string
}

// New builds a validator from cfg.
func New(cfg Config) (*Validator, error) {
	deny := cfg.Deny
	if len(deny) == 0 {
		deny = defaultDenyIssues
	}
	denySet := make(map[Issue]struct{}, len(deny))
	for _, issue := range deny {
		if _, ok := knownIssues[issue]; !ok {
			return nil, &domain.ConfigError{Field: "deny", Message: "unknown issue " + string(issue)}
		}
		denySet[issue] = struct{}{}
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	targets := make([]string, 0, len(builtinTypoTargets)+len(cfg.TypoTargets))
	for _, lists := range [][]string{builtinTypoTargets, cfg.TypoTargets} {
		for _, d := range lists {
			if d = normalizeDomain(d); d != "" {
				targets = append(targets, d)
			}
		}
	}
	sort.Strings(targets)

	return &Validator{
		deny:        denySet,
		checkMX:     cfg.CheckMX,
		resolver:    resolver,
		retry:       governance.NewRetryPolicy(governance.DefaultRetryConfig()),
		disposable:  domainSet(builtinDisposableDomains, cfg.DisposableDomains),
		free:        domainSet(builtinFreeDomains, cfg.FreeDomains),
		typoTargets: targets,
	}, nil
}

// Validate classifies the address. The error is non-nil only when the MX
// probe failed transiently after retries; the returned result still carries
// every issue found before the probe, so a fail-open caller can use it.
func (v *Validator) Validate(ctx context.Context, email string) (Result, error) {
	res := Result{Email: strings.TrimSpace(email)}

	local, dom, ok := splitAddress(res.Email)
	if !ok {
		res.Issues = append(res.Issues, IssueInvalid)
		return res, nil
	}
	res.Local = local
	res.Domain = dom

	_, disposable := v.disposable[dom]
	_, free := v.free[dom]
	if disposable {
		res.Issues = append(res.Issues, IssueDisposable)
	}
	if free {
		res.Issues = append(res.Issues, IssueFree)
	}
	if isRoleLocal(local) {
		res.Issues = append(res.Issues, IssueRole)
	}

	// Typo detection only makes sense for unknown domains: mail.com is one
	// edit away from gmail.com but is a provider in its own right.
	if !disposable && !free {
		if suggestion := v.closestTypoTarget(dom); suggestion != "" {
			res.Issues = append(res.Issues, IssueTypo)
			res.Suggestion = suggestion
		}
	}

	if v.checkMX && !free {
		hasMX, err := v.probeMX(ctx, dom)
		if err != nil {
			return res, err
		}
		if !hasMX {
			res.Issues = append(res.Issues, IssueNoMX)
		}
	}

	return res, nil
}

// Blocked reports whether any found issue is in the deny set.
func (v *Validator) Blocked(res Result) bool {
	return len(v.Blocking(res)) > 0
}

// Blocking returns the found issues that are in the deny set, in
// classification order.
func (v *Validator) Blocking(res Result) []Issue {
	var blocking []Issue
	for _, issue := range res.Issues {
		if _, ok := v.deny[issue]; ok {
			blocking = append(blocking, issue)
		}
	}
	return blocking
}

// probeMX resolves MX records with retry on transient DNS failures.
// NXDOMAIN and an empty record set both mean "no MX", not an error.
func (v *Validator) probeMX(ctx context.Context, dom string) (bool, error) {
	var records []*net.MX

	err := v.retry.Execute(ctx, func(ctx context.Context) error {
		var lookupErr error
		records, lookupErr = v.resolver.LookupMX(ctx, dom)
		return lookupErr
	})
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return false, nil
		}
		return false, &domain.RuleError{Rule: "emailcheck", Err: err}
	}
	return len(records) > 0, nil
}

// closestTypoTarget returns the typo target within the edit-distance bound,
// or "".
func (v *Validator) closestTypoTarget(dom string) string {
	for _, target := range v.typoTargets {
		if dom == target {
			continue
		}
		if levenshtein.ComputeDistance(dom, target) <= typoDistance {
			return target
		}
	}
	return ""
}

// splitAddress parses a bare address into local and lowercased domain
// parts, applying the practical length and shape limits RFC parsing alone
// does not enforce.
func splitAddress(email string) (local, dom string, ok bool) {
	if email == "" {
		return "", "", false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		// Display names and angle brackets are valid RFC 5322 but not a
		// bare address.
		return "", "", false
	}

	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", "", false
	}
	local = email[:at]
	dom = strings.ToLower(email[at+1:])

	if len(local) > maxLocalLength || len(dom) > maxDomainLength {
		return "", "", false
	}
	if !strings.Contains(dom, ".") || strings.Contains(dom, "..") {
		return "", "", false
	}
	if strings.HasPrefix(dom, "-") || strings.HasSuffix(dom, ".") {
		return "", "", false
	}
	return local, dom, true
}

func isRoleLocal(local string) bool {
	local = strings.ToLower(local)
	// Plus-addressed role accounts still count: admin+tag@ is admin@.
	if i := strings.IndexByte(local, '+'); i > 0 {
		local = local[:i]
	}
	for _, role := range builtinRoleLocals {
		if local == role {
			return true
		}
	}
	return false
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}
