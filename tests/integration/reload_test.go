package integration

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/config"
	"github.com/guardrail-sh/guardrail/pkg/guardrail"
	"github.com/guardrail-sh/guardrail/pkg/storage"
)

// swapHandler lets a test replace the protection stack under a running
// server, the way the server binary swaps engines on a list reload.
type swapHandler struct {
	cur atomic.Pointer[http.Handler]
}

func (s *swapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.cur.Load()).ServeHTTP(w, r)
}

func (s *swapHandler) set(h http.Handler) {
	s.cur.Store(&h)
}

// TestListReloadFlow drives the full reload path: a blacklist file change
// is picked up by the watcher, a fresh engine is built on the shared
// store, and the swap neither drops traffic nor resets limiter state.
func TestListReloadFlow(t *testing.T) {
	listPath := filepath.Join(t.TempDir(), "blacklist.yaml")
	if err := os.WriteFile(listPath, []byte("ips: []\n"), 0o600); err != nil {
		t.Fatalf("failed to write the list file: %v", err)
	}

	provider, err := config.NewListProvider(listPath, discardLogger())
	if err != nil {
		t.Fatalf("failed to start the list provider: %v", err)
	}
	t.Cleanup(func() { _ = provider.Close() })

	updates := provider.Subscribe()
	<-updates // seed snapshot

	cfg := loadConfig(t, `
protection:
  cache_ttl: -1ms
  rules:
    - type: sliding_window
      name: per-ip-burst
      characteristics: ["ip.src"]
      interval: 1m
      max: 2
`)

	// Rules bind to one engine, so every rebuild compiles them anew. The
	// store is shared deliberately: limiter state must outlive the swap.
	store := storage.NewMemoryStore()
	build := func() (*guardrail.Guardrail, http.Handler) {
		t.Helper()
		rules, err := config.BuildRules(cfg.Protection.Rules)
		if err != nil {
			t.Fatalf("failed to build rules: %v", err)
		}
		g, err := guardrail.New(guardrail.Config{
			Rules:     rules,
			Store:     store,
			Blacklist: provider.Current(),
			CacheTTL:  cfg.Protection.CacheTTL,
			Logger:    discardLogger(),
		})
		if err != nil {
			t.Fatalf("failed to build the engine: %v", err)
		}
		return g, g.Middleware(guardrail.MiddlewareConfig{})(&upstream{})
	}

	sw := &swapHandler{}
	engine, handler := build()
	sw.set(handler)
	ts := httptest.NewServer(sw)
	t.Cleanup(ts.Close)

	// Phase 1: both clients pass, clientA spends one slot of its window.
	resp := send(t, ts, http.MethodGet, "/", "198.51.100.70", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected clientA to pass before the reload, got %d", resp.StatusCode)
	}
	closeBody(resp)
	resp = send(t, ts, http.MethodGet, "/", "203.0.113.80", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected clientB to pass before the reload, got %d", resp.StatusCode)
	}
	closeBody(resp)

	// Phase 2: blacklist clientB on disk and wait for the watcher.
	if err := os.WriteFile(listPath, []byte("ips: [\"203.0.113.80\"]\n"), 0o600); err != nil {
		t.Fatalf("failed to rewrite the list file: %v", err)
	}
	select {
	case updated := <-updates:
		if len(updated.IPs) != 1 || updated.IPs[0] != "203.0.113.80" {
			t.Fatalf("unexpected list update: %+v", updated)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no list update within the deadline")
	}

	next, nextHandler := build()
	sw.set(nextHandler)
	if err := engine.Close(); err != nil {
		t.Fatalf("failed to close the previous engine: %v", err)
	}
	t.Cleanup(func() { _ = next.Close() })

	// Phase 3: clientB is now rejected by the list check.
	resp = send(t, ts, http.MethodGet, "/", "203.0.113.80", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected clientB to be blacklisted after the reload, got %d", resp.StatusCode)
	}
	body := readDenial(t, resp)
	if body.Error != "FILTER" {
		t.Errorf("expected error code FILTER, got %q", body.Error)
	}

	// Phase 4: clientA's window carried over, one slot left, then 429.
	resp = send(t, ts, http.MethodGet, "/", "198.51.100.70", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected clientA's second request to pass, got %d", resp.StatusCode)
	}
	closeBody(resp)
	resp = send(t, ts, http.MethodGet, "/", "198.51.100.70", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected clientA's window to be exhausted across the swap, got %d", resp.StatusCode)
	}
	closeBody(resp)
}
