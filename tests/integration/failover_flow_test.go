package integration

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/guardrail"
)

var errStorageDown = errors.New("storage is down")

// brokenStore fails every operation, standing in for an unreachable
// backend.
type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errStorageDown
}

func (brokenStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errStorageDown
}

func (brokenStore) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	return 0, errStorageDown
}

func (brokenStore) Decrement(ctx context.Context, key string, amount int64) (int64, error) {
	return 0, errStorageDown
}

func (brokenStore) Delete(ctx context.Context, key string) error {
	return errStorageDown
}

// TestFailOpenFlow loses the storage backend under the default error mode:
// requests keep flowing and the failure surfaces on the event stream.
func TestFailOpenFlow(t *testing.T) {
	cfg := loadConfig(t, `
protection:
  error_handling: fail_open
  cache_ttl: -1ms
  rules:
    - type: sliding_window
      name: per-ip-burst
      characteristics: ["ip.src"]
      interval: 1m
      max: 1
`)
	ts, up, g := newProtectedServer(t, cfg, nil, brokenStore{})

	events, cancel := g.Subscribe(16)
	defer cancel()

	// Test: well past the configured window, every request passes.
	for i := 0; i < 3; i++ {
		resp := send(t, ts, http.MethodGet, "/", "198.51.100.60", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected FAIL_OPEN to allow, got %d", i+1, resp.StatusCode)
		}
		closeBody(resp)
	}
	if got := up.Hits(); got != 3 {
		t.Errorf("expected 3 upstream hits, got %d", got)
	}

	// Verify: the storage failure is reported, not swallowed.
	ev := awaitEvent(t, events, guardrail.EventRuleError)
	if ev.Rule != "per-ip-burst" {
		t.Errorf("expected the failing rule on the event, got %q", ev.Rule)
	}
	if ev.Err == nil {
		t.Error("expected the event to carry the failure")
	}
}

// TestFailClosedFlow flips the engine mode and verifies the same outage
// turns into a 503 instead of an allow.
func TestFailClosedFlow(t *testing.T) {
	cfg := loadConfig(t, `
protection:
  error_handling: fail_closed
  cache_ttl: -1ms
  rules:
    - type: sliding_window
      name: per-ip-burst
      characteristics: ["ip.src"]
      interval: 1m
      max: 1
`)
	ts, up, _ := newProtectedServer(t, cfg, nil, brokenStore{})

	resp := send(t, ts, http.MethodGet, "/", "198.51.100.61", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 under FAIL_CLOSED, got %d", resp.StatusCode)
	}
	closeBody(resp)
	if got := up.Hits(); got != 0 {
		t.Errorf("expected nothing to reach the upstream, got %d hits", got)
	}
}

// TestPerRuleErrorOverrideFlow pins FAIL_CLOSED on one rule while the
// engine stays FAIL_OPEN, so only that rule's failures become hard errors.
func TestPerRuleErrorOverrideFlow(t *testing.T) {
	cfg := loadConfig(t, `
protection:
  error_handling: fail_open
  cache_ttl: -1ms
  rules:
    - type: sliding_window
      name: strict-burst
      on_error: fail_closed
      characteristics: ["ip.src"]
      interval: 1m
      max: 1
`)
	ts, up, _ := newProtectedServer(t, cfg, nil, brokenStore{})

	resp := send(t, ts, http.MethodGet, "/", "198.51.100.62", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected the per-rule override to fail closed, got %d", resp.StatusCode)
	}
	closeBody(resp)
	if got := up.Hits(); got != 0 {
		t.Errorf("expected nothing to reach the upstream, got %d hits", got)
	}
}
