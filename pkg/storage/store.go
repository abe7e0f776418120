// Package storage provides the key/value state backends behind the engine's
// rate limiters and caches. Backends supply TTL expiry and atomic counters;
// the optional compare-and-swap capability is what makes the limiters'
// read-modify-write step safe on a shared distributed store.
package storage

import (
	"context"
	"time"
)

// Store is the minimal contract rate limiters and caches depend on. Keys are
// opaque strings. TTL is best-effort expiry; zero means the key never expires.
type Store interface {
	// Get returns the value at key, with ok false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value at key, replacing any previous value and TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Increment adds amount to the integer at key, creating it at zero first,
	// and returns the new value. Fails when the stored value is not an integer.
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// Decrement subtracts amount from the integer at key, creating it at zero
	// first, and returns the new value.
	Decrement(ctx context.Context, key string, amount int64) (int64, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// ConditionalStore is the capability a backend exposes when it can replace a
// value conditionally in a single round trip. Rate limiters require it on
// shared backends: without it the get/filter/append/set step races between
// instances and the limiter undercounts.
type ConditionalStore interface {
	// CompareAndSwap replaces the value at key only while it still equals old,
	// reporting whether the swap happened. An empty old means the key must not
	// exist yet.
	CompareAndSwap(ctx context.Context, key, old, next string, ttl time.Duration) (bool, error)
}
