package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const defaultSweepInterval = 30 * time.Second

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is the process-local Store used when no distributed backend is
// configured. Expired entries are dropped on read and a background janitor
// sweeps idle keys, so expiry never spawns a timer per entry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a memory store and starts its sweep janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.sweepLoop(defaultSweepInterval)
	return s
}

// Close stops the sweep janitor. The store remains usable afterwards; idle
// expired keys just linger until read.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Get returns the live value at key.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.getLocked(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores value at key with the given TTL.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(key, value, ttl)
	return nil
}

// Increment adds amount to the integer at key and returns the new value.
func (s *MemoryStore) Increment(_ context.Context, key string, amount int64) (int64, error) {
	return s.add(key, amount)
}

// Decrement subtracts amount from the integer at key and returns the new value.
func (s *MemoryStore) Decrement(_ context.Context, key string, amount int64) (int64, error) {
	return s.add(key, -amount)
}

// Delete removes the key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// CompareAndSwap replaces the value at key only while it still equals old.
// The whole step runs under the store mutex, so it is trivially atomic.
func (s *MemoryStore) CompareAndSwap(_ context.Context, key, old, next string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := ""
	if entry, ok := s.getLocked(key); ok {
		current = entry.value
	}
	if current != old {
		return false, nil
	}
	s.setLocked(key, next, ttl)
	return true, nil
}

func (s *MemoryStore) add(key string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	entry, ok := s.getLocked(key)
	if ok {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, &NotIntegerError{Key: key}
		}
		current = parsed
	}

	current += amount
	// Counter updates keep the existing expiry, mirroring Redis INCRBY.
	s.entries[key] = memoryEntry{value: strconv.FormatInt(current, 10), expiresAt: entry.expiresAt}
	return current, nil
}

func (s *MemoryStore) getLocked(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) setLocked(key, value string, ttl time.Duration) {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, entry := range s.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// NotIntegerError reports an arithmetic operation on a non-numeric value.
type NotIntegerError struct {
	Key string
}

func (e *NotIntegerError) Error() string {
	return "storage: value at " + e.Key + " is not an integer"
}
