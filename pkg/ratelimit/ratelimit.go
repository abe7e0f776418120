// Package ratelimit implements the engine's two rate limiting algorithms:
// a sliding window that recomputes exact request counts in the trailing
// interval, and a token bucket with lazy refill. Both are keyed by a
// characteristic fingerprint and keep their state in a storage backend, so
// several engine instances sharing a distributed store enforce one limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/storage"
)

// maxSwapAttempts bounds the optimistic-concurrency retry loop when the
// backend supports conditional writes.
const maxSwapAttempts = 4

// Result is the outcome of one limiter evaluation.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// persist writes next at key. On a backend with compare-and-swap support the
// write only lands while the stored value still equals the one read, which
// keeps concurrent read-modify-write cycles from losing updates. On a plain
// backend the write is unconditional; the in-memory reference store is safe
// because a single process owns it.
func persist(ctx context.Context, st storage.Store, key, old, next string, ttl time.Duration) (bool, error) {
	if cs, ok := st.(storage.ConditionalStore); ok {
		return cs.CompareAndSwap(ctx, key, old, next, ttl)
	}
	return true, st.Set(ctx, key, next, ttl)
}

// contentionError reports that the swap loop lost every attempt.
func contentionError(algorithm, key string) error {
	return fmt.Errorf("%s: state contention on %s after %d attempts", algorithm, key, maxSwapAttempts)
}
