package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/guardrail"
)

// awaitEvent drains the subscription until an event of the wanted type
// arrives or the deadline passes.
func awaitEvent(t *testing.T, events <-chan guardrail.Event, want guardrail.EventType) guardrail.Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within the deadline", want)
		}
	}
}

// TestDryRunFlow puts the attack detector into DRY_RUN and verifies an
// injection attempt is let through while the would-be denial is published
// on the event stream.
func TestDryRunFlow(t *testing.T) {
	cfg := loadConfig(t, `
protection:
  cache_ttl: -1ms
  rules:
    - type: shield
      name: attack-patterns
      mode: dry_run
`)
	ts, up, g := newProtectedServer(t, cfg, nil, nil)

	events, cancel := g.Subscribe(16)
	defer cancel()

	// Test: the probe reaches the upstream despite matching.
	resp := send(t, ts, http.MethodGet, "/search?q=1%27%20UNION%20SELECT%20secret%20FROM%20vault", "203.0.113.40", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected DRY_RUN to pass the request, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Guardrail-Conclusion"); got != "ALLOW" {
		t.Errorf("expected conclusion ALLOW, got %q", got)
	}
	closeBody(resp)
	if got := up.Hits(); got != 1 {
		t.Errorf("expected the request to reach the upstream, got %d hits", got)
	}

	// Verify: the suppressed denial is still observable.
	ev := awaitEvent(t, events, guardrail.EventDryRunDenied)
	if ev.Rule != "attack-patterns" {
		t.Errorf("expected the event to name the rule, got %q", ev.Rule)
	}
	if ev.Reason == nil || ev.Reason.Kind != "SHIELD" {
		t.Errorf("expected a SHIELD reason on the event, got %+v", ev.Reason)
	}
}

// TestDecisionEventsFlow watches the stream across an allowed and a denied
// request.
func TestDecisionEventsFlow(t *testing.T) {
	cfg := loadConfig(t, `
protection:
  cache_ttl: -1ms
  blacklist:
    ips: ["203.0.113.50"]
`)
	ts, _, g := newProtectedServer(t, cfg, nil, nil)

	events, cancel := g.Subscribe(16)
	defer cancel()

	resp := send(t, ts, http.MethodGet, "/", "203.0.113.51", nil)
	closeBody(resp)
	ev := awaitEvent(t, events, guardrail.EventDecisionAllowed)
	if ev.Decision == nil || !ev.Decision.IsAllowed() {
		t.Errorf("expected an allowed decision on the event, got %+v", ev.Decision)
	}

	resp = send(t, ts, http.MethodGet, "/", "203.0.113.50", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected the blacklisted client to be denied, got %d", resp.StatusCode)
	}
	closeBody(resp)
	ev = awaitEvent(t, events, guardrail.EventDecisionDenied)
	if ev.Decision == nil || !ev.Decision.IsDenied() {
		t.Fatalf("expected a denied decision on the event, got %+v", ev.Decision)
	}
	if ev.Decision.Reason == nil || ev.Decision.Reason.Kind != "FILTER" {
		t.Errorf("expected a FILTER reason, got %+v", ev.Decision.Reason)
	}
}
