package botdetect

import (
	"strings"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

// Signal identifiers reported in results and usable in allow/block lists.
const (
	SignalEmptyUserAgent   = "empty-user-agent"
	SignalHeadlessBrowser  = "headless-browser"
	SignalWebdriverHeader  = "webdriver-header"
	SignalMissingLanguage  = "missing-accept-language"
	SignalMissingEncoding  = "missing-accept-encoding"
	SignalMissingSecFetch  = "missing-sec-fetch"
	SignalSparseHeaders    = "sparse-headers"
	SignalExcessiveHeaders = "excessive-headers"
	SignalGenericAccept    = "generic-accept"
	SignalOutdatedBrowser  = "outdated-browser"
	SignalImpossibleUA     = "impossible-user-agent"
	SignalShortUA          = "short-user-agent"
	SignalUnstructuredUA   = "unstructured-user-agent"
)

// headlessTokens are user-agent substrings left behind by browser automation
// stacks.
var headlessTokens = []string{
	"headlesschrome",
	"phantomjs",
	"webdriver",
	"puppeteer",
	"playwright",
	"selenium",
	"electron",
}

// headlessFingerprint reports the automation token found in the user-agent,
// or "webdriver" with fromHeader set when the request carries a webdriver
// header.
func headlessFingerprint(req *domain.Request, lowerUA string) (token string, fromHeader bool) {
	for _, t := range headlessTokens {
		if strings.Contains(lowerUA, t) {
			return t, false
		}
	}
	if req.Headers.Get("Webdriver") != "" || req.Headers.Get("X-Webdriver") != "" {
		return "webdriver", true
	}
	return "", false
}

// heuristic is one independent completeness or anomaly check. Confidence
// values feed the running maximum, so they are absolute scores rather than
// additive increments.
type heuristic struct {
	id         string
	confidence int
	applies    func(req *domain.Request, lowerUA string) bool
}

// heuristics run in declaration order on every non-empty user-agent.
// Browser-completeness checks are gated on the UA claiming to be a browser;
// penalizing an SDK for not sending Accept-Language would be noise, and SDKs
// are caught by the signature catalogue instead.
var heuristics = []heuristic{
	{
		id:         SignalMissingLanguage,
		confidence: 30,
		applies: func(req *domain.Request, lowerUA string) bool {
			return claimsBrowser(lowerUA) && req.Headers.Get("Accept-Language") == ""
		},
	},
	{
		id:         SignalMissingEncoding,
		confidence: 30,
		applies: func(req *domain.Request, lowerUA string) bool {
			return claimsBrowser(lowerUA) && req.Headers.Get("Accept-Encoding") == ""
		},
	},
	{
		id:         SignalMissingSecFetch,
		confidence: 40,
		applies: func(req *domain.Request, lowerUA string) bool {
			// Every Chromium release since 76 sends Sec-Fetch-* on all
			// requests.
			if !strings.Contains(lowerUA, "chrome/") {
				return false
			}
			return req.Headers.Get("Sec-Fetch-Mode") == "" && req.Headers.Get("Sec-Fetch-Site") == ""
		},
	},
	{
		id:         SignalSparseHeaders,
		confidence: 35,
		applies: func(req *domain.Request, lowerUA string) bool {
			return claimsBrowser(lowerUA) && len(req.Headers) < 4
		},
	},
	{
		id:         SignalExcessiveHeaders,
		confidence: 25,
		applies: func(req *domain.Request, lowerUA string) bool {
			return len(req.Headers) > 40
		},
	},
	{
		id:         SignalGenericAccept,
		confidence: 25,
		applies: func(req *domain.Request, lowerUA string) bool {
			return claimsBrowser(lowerUA) && req.Headers.Get("Accept") == "*/*"
		},
	},
	{
		id:         SignalOutdatedBrowser,
		confidence: 45,
		applies: func(req *domain.Request, lowerUA string) bool {
			return versionBelow(lowerUA, "chrome/", 60) ||
				versionBelow(lowerUA, "firefox/", 50) ||
				strings.Contains(lowerUA, "msie ")
		},
	},
	{
		id:         SignalImpossibleUA,
		confidence: 60,
		applies: func(req *domain.Request, lowerUA string) bool {
			// No real browser identifies as both Chrome and Firefox.
			return strings.Contains(lowerUA, "chrome/") && strings.Contains(lowerUA, "firefox/")
		},
	},
	{
		id:         SignalShortUA,
		confidence: 40,
		applies: func(req *domain.Request, lowerUA string) bool {
			return claimsBrowser(lowerUA) && len(lowerUA) < 40
		},
	},
	{
		id:         SignalUnstructuredUA,
		confidence: 45,
		applies: func(req *domain.Request, lowerUA string) bool {
			// Real user-agents are product/version lists; a bare opaque
			// token is usually a generated string.
			return len(lowerUA) >= 16 &&
				!strings.Contains(lowerUA, " ") &&
				!strings.Contains(lowerUA, "/")
		},
	},
}

func claimsBrowser(lowerUA string) bool {
	return strings.Contains(lowerUA, "mozilla/")
}

// versionBelow reports whether the UA carries token with a major version
// lower than floor, e.g. versionBelow("...chrome/41.0...", "chrome/", 60).
func versionBelow(lowerUA, token string, floor int) bool {
	i := strings.Index(lowerUA, token)
	if i < 0 {
		return false
	}
	rest := lowerUA[i+len(token):]
	major := 0
	seen := false
	for _, c := range rest {
		if c < '0' || c > '9' {
			break
		}
		major = major*10 + int(c-'0')
		seen = true
	}
	return seen && major < floor
}
