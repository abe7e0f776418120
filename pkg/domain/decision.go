package domain

import (
	"fmt"
	"strings"
	"time"
)

// Conclusion is the verdict of a rule evaluation or of a whole decision.
type Conclusion string

const (
	ConclusionAllow Conclusion = "ALLOW"
	ConclusionDeny  Conclusion = "DENY"
)

// ReasonKind identifies the denial taxonomy entry a Reason belongs to.
type ReasonKind string

const (
	ReasonRateLimit ReasonKind = "RATE_LIMIT" // sliding window exhausted
	ReasonQuota     ReasonKind = "QUOTA"      // token bucket balance too low
	ReasonBot       ReasonKind = "BOT"
	ReasonShield    ReasonKind = "SHIELD"
	ReasonEmail     ReasonKind = "EMAIL"
	ReasonFilter    ReasonKind = "FILTER"
)

// Reason explains a denial. Kind selects which detail field is populated;
// the others stay nil.
type Reason struct {
	Kind    ReasonKind
	Message string

	RateLimit *RateLimitReason
	Bot       *BotReason
	Shield    *ShieldReason
	Email     *EmailReason
	Filter    *FilterReason
}

// RateLimitReason carries limiter state at denial time. Token bucket denials
// report the current balance rather than zero so callers can reason about
// retry timing.
type RateLimitReason struct {
	Max       int
	Remaining int
	Reset     time.Time
	Window    time.Duration
}

// BotReason identifies the detected automation.
type BotReason struct {
	Name       string
	Kind       string // search_engine, tool, scraper, automation, unknown, ...
	Confidence int    // 0-100
	Signals    []string
}

// ShieldReason points at the attack signature that fired.
type ShieldReason struct {
	Category string
	Pattern  string
	Location string // url, query, header:<name>, body
	Excerpt  string // truncated, never the full payload
	Score    int    // accumulated anomaly score, zero in single-pattern mode
}

// EmailIssue classifies a blockable property of an email address.
type EmailIssue string

const (
	EmailInvalid     EmailIssue = "INVALID"
	EmailDisposable  EmailIssue = "DISPOSABLE"
	EmailFree        EmailIssue = "FREE"
	EmailRoleBased   EmailIssue = "ROLE_BASED"
	EmailDomainTypo  EmailIssue = "DOMAIN_TYPO"
	EmailNoMXRecords EmailIssue = "NO_MX_RECORDS"
)

// EmailReason lists the blockable issues found on the supplied address.
type EmailReason struct {
	Issues []EmailIssue
}

// FilterReason records which deny-list entry matched.
type FilterReason struct {
	Field string // characteristic that matched, e.g. "ip.src"
	Match string // the list entry
}

// RuleResult is the immutable outcome of one rule evaluation. Under the
// short-circuit strategy, rules after the first denial never run and are
// simply absent from the decision results.
type RuleResult struct {
	Rule       string
	Conclusion Conclusion
	Reason     *Reason   // populated on DENY
	Remaining  *int      // rate and quota rules report the balance on every outcome
	Reset      time.Time // when the window or bucket replenishes
}

// IsDenied reports whether this rule voted to reject the request.
func (r RuleResult) IsDenied() bool {
	return r.Conclusion == ConclusionDeny
}

// Decision is the immutable outcome of one protect call.
type Decision struct {
	ID              string
	Conclusion      Conclusion
	Reason          *Reason // nil when the request is allowed
	Results         []RuleResult
	IPInfo          IPInfo
	Characteristics Characteristics
	CreatedAt       time.Time
	TTL             time.Duration // dedup cache lifetime, zero disables caching
}

// IsAllowed reports whether the request may proceed.
func (d *Decision) IsAllowed() bool {
	return d.Conclusion == ConclusionAllow
}

// IsDenied reports whether the request must be rejected.
func (d *Decision) IsDenied() bool {
	return d.Conclusion == ConclusionDeny
}

// RateLimitState surfaces the remaining balance and reset time for response
// headers. The denying rule wins when the denial is rate or quota based;
// otherwise the first rule that reported a balance supplies both values.
// ok is false when no rule produced one.
func (d *Decision) RateLimitState() (remaining int, reset time.Time, ok bool) {
	if d.Reason != nil && d.Reason.RateLimit != nil {
		return d.Reason.RateLimit.Remaining, d.Reason.RateLimit.Reset, true
	}
	for _, res := range d.Results {
		if res.Remaining != nil {
			return *res.Remaining, res.Reset, true
		}
	}
	return 0, time.Time{}, false
}

// Explain renders a human-readable account of the decision: verdict, denial
// reason, rule tally and what is known about the client address. It is safe
// on partially populated decisions.
func (d *Decision) Explain() string {
	var b strings.Builder

	if d.IsDenied() {
		b.WriteString("Request denied")
	} else {
		b.WriteString("Request allowed")
	}

	if d.Reason != nil {
		b.WriteString(": ")
		b.WriteString(d.Reason.describe())
	}

	if len(d.Results) > 0 {
		passed := 0
		for _, res := range d.Results {
			if !res.IsDenied() {
				passed++
			}
		}
		fmt.Fprintf(&b, " [%d/%d rules passed]", passed, len(d.Results))
	}

	if loc := d.IPInfo.describeLocation(); loc != "" {
		b.WriteString(". Location: ")
		b.WriteString(loc)
	}
	if flags := d.IPInfo.describeFlags(); len(flags) > 0 {
		b.WriteString(". Network flags: ")
		b.WriteString(strings.Join(flags, ", "))
	}

	return b.String()
}

func (r *Reason) describe() string {
	switch r.Kind {
	case ReasonRateLimit:
		if r.RateLimit != nil {
			return fmt.Sprintf("rate limit exceeded, %d request(s) remaining", r.RateLimit.Remaining)
		}
		return "rate limit exceeded"
	case ReasonQuota:
		if r.RateLimit != nil {
			return fmt.Sprintf("token quota exhausted, %d token(s) remaining", r.RateLimit.Remaining)
		}
		return "token quota exhausted"
	case ReasonBot:
		if r.Bot != nil && r.Bot.Name != "" {
			return fmt.Sprintf("automated client detected (%s)", r.Bot.Name)
		}
		return "automated client detected"
	case ReasonShield:
		if r.Shield != nil && r.Shield.Category != "" {
			return fmt.Sprintf("suspicious payload detected (%s)", r.Shield.Category)
		}
		return "suspicious payload detected"
	case ReasonEmail:
		return "email address rejected"
	case ReasonFilter:
		return "blocked by filter list"
	}
	if r.Message != "" {
		return r.Message
	}
	return string(r.Kind)
}
