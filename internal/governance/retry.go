package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been
// exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig defines retry behavior for transient dependency failures.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to prevent thundering herd.
	Jitter bool
	// RetryIf decides whether an error is worth another attempt. Nil
	// selects IsTransient.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the defaults used for DNS probes: short
// backoffs, because the caller is on the request path.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy executes functions with bounded exponential-backoff retry.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling unset fields with defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 50 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 500 * time.Millisecond
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryIf == nil {
		config.RetryIf = IsTransient
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// Backoff returns the delay before the retry following the given
// zero-based attempt.
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter {
		// Up to 25% extra, non-cryptographic randomness is fine for spread.
		if quarter := int64(backoff / 4); quarter > 0 {
			backoff += time.Duration(rand.Int63n(quarter))
		}
	}

	return backoff
}

// Execute runs fn, retrying transient failures with backoff until the
// attempt budget or the context runs out. A non-retryable error returns
// as-is; an exhausted budget wraps the last error in ErrMaxRetriesExceeded.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= rp.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !rp.config.RetryIf(lastErr) {
			return lastErr
		}

		if attempt < rp.config.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rp.Backoff(attempt)):
			}
		}
	}

	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

// IsTransient reports whether an error indicates a failure that a retry
// could plausibly fix. DNS NXDOMAIN is deliberately not transient: a
// domain with no records is an answer, not an outage.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
