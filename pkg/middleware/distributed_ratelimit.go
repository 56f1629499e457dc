package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// incrWindow counts a hit and starts the window on the first one
var incrWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisLimiter is a fixed-window limiter shared by every API replica
type RedisLimiter struct {
	redis  redis.UniversalClient
	config RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter. Keys are stored under
// prefix.
func NewRedisLimiter(client redis.UniversalClient, config RateLimitConfig, prefix string) *RedisLimiter {
	if config.RequestsPerWindow <= 0 || config.WindowDuration <= 0 {
		config = AnonymousRateLimitConfig()
	}
	if prefix == "" {
		prefix = "placebook:ratelimit"
	}
	return &RedisLimiter{redis: client, config: config, prefix: prefix}
}

// Config returns the limiter settings
func (l *RedisLimiter) Config() RateLimitConfig { return l.config }

func (l *RedisLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

// Allow counts the request in the current window. The window starts with
// the first request and the key expires with it.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	redisKey := l.key(key)

	count, err := incrWindow.Run(ctx, l.redis, []string{redisKey}, l.config.WindowDuration.Milliseconds()).Int64()
	if err != nil {
		return true, 0, fmt.Errorf("redis error: %w", err)
	}

	limit := int64(l.config.RequestsPerWindow + l.config.BurstSize)
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= limit, int(remaining), nil
}

// TTL returns the time until the window of key resets
func (l *RedisLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return l.redis.TTL(ctx, l.key(key)).Result()
}

// Reset clears the window of key
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, l.key(key)).Err()
}
