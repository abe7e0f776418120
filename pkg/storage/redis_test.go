package storage

import (
	"strings"
	"testing"
)

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(t.Context(), "memcached://localhost:11211")
	if err == nil {
		t.Fatal("expected an error for a non-redis URL")
	}
	if !strings.Contains(err.Error(), "parse redis url") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	// Port 1 is reserved and closed on any sane host, so the dial fails
	// without waiting on a timeout.
	_, err := NewRedisStore(t.Context(), "redis://127.0.0.1:1")
	if err == nil {
		t.Fatal("expected an error for an unreachable server")
	}
	if !strings.Contains(err.Error(), "connect to redis") {
		t.Fatalf("unexpected error: %v", err)
	}
}
