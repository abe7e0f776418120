package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/domain"
	"github.com/guardrail-sh/guardrail/pkg/storage"
)

const bucketKeyPrefix = "guardrail:tb:"

// TokenBucketConfig defines the bucket capacity and how fast it refills.
type TokenBucketConfig struct {
	Interval   time.Duration // refill period
	RefillRate int           // tokens added per interval
	Capacity   int
}

// TokenBucket meters weighted requests: each evaluation debits a caller
// supplied cost and the bucket refills lazily at RefillRate per Interval,
// capped at Capacity. A fresh fingerprint starts with a full bucket.
type TokenBucket struct {
	store  storage.Store
	config TokenBucketConfig
	now    func() time.Time
}

// bucketState is the stored per-fingerprint record. Tokens are fractional so
// partial refills between evaluations are not lost to rounding.
type bucketState struct {
	Tokens       float64 `json:"tokens"`
	LastRefillMS int64   `json:"lastRefillAt"`
}

// NewTokenBucket validates the configuration and builds the limiter.
func NewTokenBucket(store storage.Store, config TokenBucketConfig) (*TokenBucket, error) {
	if store == nil {
		return nil, &domain.ConfigError{Field: "store", Message: "storage backend is required"}
	}
	if config.Interval <= 0 {
		return nil, &domain.ConfigError{Field: "interval", Message: "must be positive"}
	}
	if config.RefillRate <= 0 {
		return nil, &domain.ConfigError{Field: "refillRate", Message: "must be positive"}
	}
	if config.Capacity <= 0 {
		return nil, &domain.ConfigError{Field: "capacity", Message: "must be positive"}
	}

	return &TokenBucket{
		store:  store,
		config: config,
		now:    time.Now,
	}, nil
}

// Evaluate debits requested tokens from the fingerprint's bucket. Requests
// cost one token unless the caller says otherwise. The remaining balance is
// reported floored on both outcomes; a denial reports the current balance,
// not zero, and leaves the stored state untouched.
func (tb *TokenBucket) Evaluate(ctx context.Context, fingerprint string, requested int) (Result, error) {
	if requested < 1 {
		requested = 1
	}

	key := bucketKeyPrefix + fingerprint

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		raw, found, err := tb.store.Get(ctx, key)
		if err != nil {
			return Result{}, err
		}

		now := tb.now()
		state := tb.decodeState(raw, found, now)
		tb.refill(&state, now)

		if state.Tokens < float64(requested) {
			return Result{
				Allowed:   false,
				Remaining: int(math.Floor(state.Tokens)),
				Reset:     tb.resetTime(state, requested, now),
			}, nil
		}

		state.Tokens -= float64(requested)
		state.LastRefillMS = now.UnixMilli()

		encoded, err := json.Marshal(state)
		if err != nil {
			return Result{}, err
		}

		swapped, err := persist(ctx, tb.store, key, raw, string(encoded), tb.stateTTL())
		if err != nil {
			return Result{}, err
		}
		if swapped {
			return Result{
				Allowed:   true,
				Remaining: int(math.Floor(state.Tokens)),
				Reset:     tb.resetTime(state, requested, now),
			}, nil
		}
	}

	return Result{}, contentionError("token bucket", key)
}

func (tb *TokenBucket) decodeState(raw string, found bool, now time.Time) bucketState {
	if !found || raw == "" {
		return bucketState{Tokens: float64(tb.config.Capacity), LastRefillMS: now.UnixMilli()}
	}
	var state bucketState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		// Unreadable state resets to a full bucket, the same outcome TTL
		// expiry would produce.
		return bucketState{Tokens: float64(tb.config.Capacity), LastRefillMS: now.UnixMilli()}
	}
	return state
}

// refill credits tokens for the time elapsed since the last evaluation,
// capped at capacity.
func (tb *TokenBucket) refill(state *bucketState, now time.Time) {
	elapsed := now.Sub(time.UnixMilli(state.LastRefillMS))
	if elapsed <= 0 {
		return
	}

	refilled := float64(elapsed) / float64(tb.config.Interval) * float64(tb.config.RefillRate)
	state.Tokens = math.Min(float64(tb.config.Capacity), state.Tokens+refilled)
}

// resetTime estimates when the bucket will hold enough tokens for a request
// of the same cost. A bucket that already covers the cost resets immediately.
func (tb *TokenBucket) resetTime(state bucketState, requested int, now time.Time) time.Time {
	deficit := float64(requested) - state.Tokens
	if deficit <= 0 {
		return now
	}
	wait := deficit / float64(tb.config.RefillRate) * float64(tb.config.Interval)
	return now.Add(time.Duration(wait))
}

// stateTTL is how long idle state stays around: the time a fully drained
// bucket needs to refill completely. Once that has elapsed, dropping the
// record is lossless because a fresh bucket starts full.
func (tb *TokenBucket) stateTTL() time.Duration {
	intervals := float64(tb.config.Capacity) / float64(tb.config.RefillRate)
	ttl := time.Duration(intervals * float64(tb.config.Interval))
	if ttl < 2*tb.config.Interval {
		ttl = 2 * tb.config.Interval
	}
	return ttl
}
