package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript conditionally replaces a key's value in one round trip. ARGV[1]
// is the expected current value ('' when the key must not exist), ARGV[2] the
// replacement and ARGV[3] the TTL in milliseconds (0 keeps the key forever).
const casScript = `
local current = redis.call('GET', KEYS[1])
if current == false then
    current = ''
end
if current ~= ARGV[1] then
    return 0
end
if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
    redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`

// RedisStore backs the Store contract with a shared Redis instance. The
// compare-and-swap script is loaded once at construction; rate limit state
// shared by several engine instances stays consistent because the swap
// executes server-side as a single command.
type RedisStore struct {
	client *redis.Client
	casSHA string
}

// NewRedisStore connects to the given redis:// URL, verifies the connection
// and loads the compare-and-swap script.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	sha, err := client.ScriptLoad(ctx, casScript).Result()
	if err != nil {
		return nil, fmt.Errorf("load compare-and-swap script: %w", err)
	}

	return &RedisStore{client: client, casSHA: sha}, nil
}

// Get returns the value at key, with ok false on redis.Nil.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores value at key with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Increment adds amount to the integer at key and returns the new value.
func (s *RedisStore) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	val, err := s.client.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return val, nil
}

// Decrement subtracts amount from the integer at key and returns the new value.
func (s *RedisStore) Decrement(ctx context.Context, key string, amount int64) (int64, error) {
	val, err := s.client.DecrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("redis decrby %s: %w", key, err)
	}
	return val, nil
}

// Delete removes the key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap runs the server-side swap script. A NOSCRIPT reply (script
// cache flushed, e.g. after a Redis restart) falls back to a plain EVAL which
// re-caches the script.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key, old, next string, ttl time.Duration) (bool, error) {
	args := []interface{}{old, next, ttl.Milliseconds()}

	res, err := s.client.EvalSha(ctx, s.casSHA, []string{key}, args...).Int64()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		res, err = s.client.Eval(ctx, casScript, []string{key}, args...).Int64()
	}
	if err != nil {
		return false, fmt.Errorf("redis compare-and-swap %s: %w", key, err)
	}
	return res == 1, nil
}

// Ping verifies the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
