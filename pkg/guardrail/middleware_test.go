package guardrail

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

func browserHTTPRequest(method, target, ip string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.Header.Set("User-Agent", browserUA)
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	r.Header.Set("Accept-Language", "en-US,en;q=0.9")
	r.Header.Set("Accept-Encoding", "gzip, deflate, br")
	r.Header.Set("X-Forwarded-For", ip)
	return r
}

func TestMiddlewareAllowsAndSetsHeaders(t *testing.T) {
	g := newEngine(t, Config{
		Rules: []Rule{SlidingWindow(SlidingWindowRule{Interval: time.Minute, Max: 10})},
	})

	var nextCalled bool
	handler := g.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, browserHTTPRequest(http.MethodPost, "https://example.com/login", "198.51.100.90"))

	if !nextCalled {
		t.Fatal("next handler not reached")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("X-Guardrail-Conclusion") != "ALLOW" {
		t.Errorf("conclusion header = %q", rec.Header().Get("X-Guardrail-Conclusion"))
	}
	if rec.Header().Get("X-Guardrail-Id") == "" {
		t.Error("decision id header missing")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Errorf("remaining header = %q, want 9", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestMiddlewareRateLimitDenial(t *testing.T) {
	g := newEngine(t, Config{
		Rules: []Rule{SlidingWindow(SlidingWindowRule{Interval: time.Minute, Max: 1})},
	})
	handler := g.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, browserHTTPRequest(http.MethodPost, "https://example.com/login", "198.51.100.91"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, browserHTTPRequest(http.MethodPost, "https://example.com/login", "198.51.100.91"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining header = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}

	var body domain.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "RATE_LIMIT" {
		t.Errorf("body error = %q, want RATE_LIMIT", body.Error)
	}
	if body.Remaining == nil || *body.Remaining != 0 {
		t.Errorf("body remaining = %v, want 0", body.Remaining)
	}
}

func TestMiddlewareBotDenial(t *testing.T) {
	g := newEngine(t, Config{Rules: []Rule{DetectBot(DetectBotRule{})}})
	handler := g.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler reached for a denied request")
	}))

	req := browserHTTPRequest(http.MethodGet, "https://example.com/", "203.0.113.91")
	req.Header.Set("User-Agent", "Googlebot/2.1 (+http://www.google.com/bot.html)")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body domain.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "BOT" {
		t.Errorf("body error = %q, want BOT", body.Error)
	}
	if body.Remaining != nil {
		t.Errorf("body remaining = %v, want absent", body.Remaining)
	}
}

func TestMiddlewareReplaysBodyDownstream(t *testing.T) {
	g := newEngine(t, Config{Rules: []Rule{Shield(ShieldRule{})}})

	const payload = `{"comment":"perfectly ordinary text"}`
	var downstreamBody string
	handler := g.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("downstream read: %v", err)
		}
		downstreamBody = string(b)
	}))

	req := httptest.NewRequest(http.MethodPost, "https://example.com/comments", strings.NewReader(payload))
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if downstreamBody != payload {
		t.Errorf("downstream body = %q, want the full payload", downstreamBody)
	}
}

func TestMiddlewareProtectErrorDefaultsTo503(t *testing.T) {
	g := newEngine(t, Config{
		ErrorHandling: ErrorModeFailClosed,
		Evaluators:    failingEvaluators(t),
		Rules:         []Rule{Custom(CustomRule{RuleBase: RuleBase{Name: "flaky"}, Kind: "broken"})},
	})
	handler := g.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler reached despite a protect error")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, browserHTTPRequest(http.MethodPost, "https://example.com/", "198.51.100.92"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestMiddlewareOnErrorOverride(t *testing.T) {
	g := newEngine(t, Config{
		ErrorHandling: ErrorModeFailClosed,
		Evaluators:    failingEvaluators(t),
		Rules:         []Rule{Custom(CustomRule{RuleBase: RuleBase{Name: "flaky"}, Kind: "broken"})},
	})

	handler := g.Middleware(MiddlewareConfig{
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, "try later", http.StatusTeapot)
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, browserHTTPRequest(http.MethodPost, "https://example.com/", "198.51.100.93"))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want the hook's own status", rec.Code)
	}
}

func TestMiddlewareOptionsExtraction(t *testing.T) {
	g := newEngine(t, Config{
		Whitelist: ListConfig{UserIDs: []string{"vip-1"}},
		Rules:     []Rule{DetectBot(DetectBotRule{})},
	})

	handler := g.Middleware(MiddlewareConfig{
		Options: func(r *http.Request) Options {
			return Options{UserID: r.Header.Get("X-User-Id")}
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	// A whitelisted user sails through even with a crawler user agent.
	req := browserHTTPRequest(http.MethodGet, "https://example.com/", "203.0.113.92")
	req.Header.Set("User-Agent", "Googlebot/2.1 (+http://www.google.com/bot.html)")
	req.Header.Set("X-User-Id", "vip-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("whitelisted user status = %d, want 200", rec.Code)
	}

	req = browserHTTPRequest(http.MethodGet, "https://example.com/", "203.0.113.93")
	req.Header.Set("User-Agent", "Googlebot/2.1 (+http://www.google.com/bot.html)")
	req.Header.Set("X-User-Id", "anon")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("unlisted user status = %d, want 403", rec.Code)
	}
}

func TestFromHTTPReconstructsURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/a/b?x=1", nil)
	req, err := FromHTTP(r, 0)
	if err != nil {
		t.Fatalf("FromHTTP: %v", err)
	}
	if req.URL != "http://example.com/a/b?x=1" {
		t.Errorf("url = %q", req.URL)
	}
	if req.Method != http.MethodGet {
		t.Errorf("method = %q", req.Method)
	}

	// A proxy-terminated TLS hop advertises itself in X-Forwarded-Proto.
	r = httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	req, err = FromHTTP(r, 0)
	if err != nil {
		t.Fatalf("FromHTTP: %v", err)
	}
	if req.URL != "https://example.com/a" {
		t.Errorf("url = %q, want the forwarded scheme", req.URL)
	}
}

func TestFromHTTPTruncatesBodyAtLimit(t *testing.T) {
	payload := strings.Repeat("a", 64)
	r := httptest.NewRequest(http.MethodPost, "http://example.com/", strings.NewReader(payload))

	req, err := FromHTTP(r, 16)
	if err != nil {
		t.Fatalf("FromHTTP: %v", err)
	}
	if len(req.Body) != 16 {
		t.Errorf("captured body = %d bytes, want 16", len(req.Body))
	}

	// The original stream still yields everything.
	full, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("replay read: %v", err)
	}
	if string(full) != payload {
		t.Errorf("replayed body = %d bytes, want %d", len(full), len(payload))
	}
}
