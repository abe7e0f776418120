package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/domain"
	"github.com/guardrail-sh/guardrail/pkg/storage"
)

const windowKeyPrefix = "guardrail:sw:"

// SlidingWindowConfig defines the window length and the number of requests
// allowed inside it.
type SlidingWindowConfig struct {
	Interval time.Duration
	Max      int
}

// SlidingWindow counts the requests observed in the trailing interval per
// fingerprint. Unlike a fixed bucket counter it recomputes the exact count
// on every evaluation, so bursts cannot slip through at bucket edges.
type SlidingWindow struct {
	store  storage.Store
	config SlidingWindowConfig
	now    func() time.Time
}

// NewSlidingWindow validates the configuration and builds the limiter.
func NewSlidingWindow(store storage.Store, config SlidingWindowConfig) (*SlidingWindow, error) {
	if store == nil {
		return nil, &domain.ConfigError{Field: "store", Message: "storage backend is required"}
	}
	if config.Interval <= 0 {
		return nil, &domain.ConfigError{Field: "interval", Message: "must be positive"}
	}
	if config.Max <= 0 {
		return nil, &domain.ConfigError{Field: "max", Message: "must be positive"}
	}

	return &SlidingWindow{
		store:  store,
		config: config,
		now:    time.Now,
	}, nil
}

// Evaluate admits the request iff fewer than Max requests were admitted in
// the trailing interval for this fingerprint. Admission appends the current
// timestamp and persists the pruned window with a TTL of twice the interval;
// denial leaves the stored state untouched.
func (sw *SlidingWindow) Evaluate(ctx context.Context, fingerprint string) (Result, error) {
	key := windowKeyPrefix + fingerprint
	ttl := 2 * sw.config.Interval

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		raw, found, err := sw.store.Get(ctx, key)
		if err != nil {
			return Result{}, err
		}

		now := sw.now()
		kept, err := decodeWindow(raw, found)
		if err != nil {
			// Unreadable state counts as an empty window rather than an
			// outage; the TTL would have discarded it shortly anyway.
			kept = nil
		}
		kept = pruneWindow(kept, now.Add(-sw.config.Interval))

		if len(kept) >= sw.config.Max {
			return Result{
				Allowed:   false,
				Remaining: 0,
				Reset:     sw.resetTime(kept, now),
			}, nil
		}

		next := append(kept, now.UnixMilli())
		encoded, err := json.Marshal(next)
		if err != nil {
			return Result{}, err
		}

		swapped, err := persist(ctx, sw.store, key, raw, string(encoded), ttl)
		if err != nil {
			return Result{}, err
		}
		if swapped {
			return Result{
				Allowed:   true,
				Remaining: sw.config.Max - len(next),
				Reset:     sw.resetTime(next, now),
			}, nil
		}
		// Lost the swap to a concurrent evaluation; re-read and retry.
	}

	return Result{}, contentionError("sliding window", key)
}

// resetTime is when the oldest retained request leaves the window, or one
// full interval from now for an empty window.
func (sw *SlidingWindow) resetTime(window []int64, now time.Time) time.Time {
	if len(window) == 0 {
		return now.Add(sw.config.Interval)
	}
	oldest := window[0]
	for _, ts := range window[1:] {
		if ts < oldest {
			oldest = ts
		}
	}
	return time.UnixMilli(oldest).Add(sw.config.Interval)
}

func decodeWindow(raw string, found bool) ([]int64, error) {
	if !found || raw == "" {
		return nil, nil
	}
	var window []int64
	if err := json.Unmarshal([]byte(raw), &window); err != nil {
		return nil, err
	}
	return window, nil
}

// pruneWindow drops timestamps at or before the cutoff.
func pruneWindow(window []int64, cutoff time.Time) []int64 {
	cutoffMS := cutoff.UnixMilli()
	kept := window[:0]
	for _, ts := range window {
		if ts > cutoffMS {
			kept = append(kept, ts)
		}
	}
	return kept
}
