package integration

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/guardrail-sh/guardrail/pkg/config"
	"github.com/guardrail-sh/guardrail/pkg/domain"
	"github.com/guardrail-sh/guardrail/pkg/guardrail"
	"github.com/guardrail-sh/guardrail/pkg/storage"
)

// upstream is the handler living behind the protection middleware. It
// records every request that made it through so scenarios can assert on
// what was stopped before reaching the application.
type upstream struct {
	mu       sync.Mutex
	hits     int
	lastPath string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.hits++
	u.lastPath = r.URL.Path
	u.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// Hits returns how many requests reached the upstream.
func (u *upstream) Hits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits
}

// loadConfig writes a YAML document to a temp file and runs it through the
// real loader, validation included.
func loadConfig(t *testing.T, doc string) *config.Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "guardrail.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// newEngine compiles the protection section of cfg into a live engine.
// A nil store selects a fresh in-memory one; reg may be nil when the
// configuration declares no custom rules.
func newEngine(t *testing.T, cfg *config.Config, reg *guardrail.EvaluatorRegistry, store storage.Store) *guardrail.Guardrail {
	t.Helper()

	rules, err := config.BuildRules(cfg.Protection.Rules)
	if err != nil {
		t.Fatalf("failed to build rules: %v", err)
	}

	g, err := guardrail.New(guardrail.Config{
		Rules:         rules,
		Store:         store,
		Strategy:      guardrail.Strategy(cfg.Protection.Strategy),
		ErrorHandling: guardrail.ErrorMode(cfg.Protection.ErrorHandling),
		Blacklist:     cfg.Protection.Blacklist.Build(),
		Whitelist:     cfg.Protection.Whitelist.Build(),
		Evaluators:    reg,
		CacheTTL:      cfg.Protection.CacheTTL,
		CacheSize:     cfg.Protection.CacheSize,
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// newProtectedServer stands up the full middleware stack over a recording
// upstream. User identity flows in through the X-User-Id and X-User-Email
// headers, mirroring how the server binary extracts options.
func newProtectedServer(t *testing.T, cfg *config.Config, reg *guardrail.EvaluatorRegistry, store storage.Store) (*httptest.Server, *upstream, *guardrail.Guardrail) {
	t.Helper()

	g := newEngine(t, cfg, reg, store)
	up := &upstream{}
	mw := g.Middleware(guardrail.MiddlewareConfig{
		Options: func(r *http.Request) guardrail.Options {
			return guardrail.Options{
				UserID: r.Header.Get("X-User-Id"),
				Email:  r.Header.Get("X-User-Email"),
			}
		},
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	ts := httptest.NewServer(mw(up))
	t.Cleanup(ts.Close)
	return ts, up, g
}

// send issues one request through the protected server as if it came from
// ip. The default header set mimics a well-behaved browser so bot
// heuristics stay quiet unless a scenario overrides them.
func send(t *testing.T, ts *httptest.Server, method, path, ip string, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("X-Forwarded-For", ip)
	for key, values := range header {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// readDenial decodes the canonical error body and closes the response.
func readDenial(t *testing.T, resp *http.Response) domain.ErrorResponse {
	t.Helper()
	defer closeBody(resp)

	var body domain.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode denial body: %v", err)
	}
	return body
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
