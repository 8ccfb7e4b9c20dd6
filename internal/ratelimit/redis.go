package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript counts a call and returns {count, ttl_ms}.
// KEYS[1] = window key
// ARGV[1] = window length in milliseconds
var fixedWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisStore shares windows between processes through Redis.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore shares counters through client, so every instance sees one window.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

// NewRedisStoreFromAddr dials addr with default options.
func NewRedisStoreFromAddr(addr string) (*RedisStore, *redis.Client) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisStore(rdb), rdb
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis limiter: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("redis limiter: unexpected script reply %v", res)
	}
	count, _ := vals[0].(int64)
	ttl, _ := vals[1].(int64)

	if count <= int64(limit) {
		return Decision{OK: true}, nil
	}
	return Decision{RetryAfter: time.Duration(ttl) * time.Millisecond}, nil
}
