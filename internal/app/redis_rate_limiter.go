package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRateLimitPrefix = "bafoka:rate_limit"

// Sliding window log. Each hit is a member scored by its timestamp; hits
// older than the window are trimmed before counting. Returns the count and
// the milliseconds until the oldest hit leaves the window.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
redis.call("ZADD", KEYS[1], now, ARGV[3])
redis.call("PEXPIRE", KEYS[1], window)
local count = redis.call("ZCARD", KEYS[1])
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = window
if oldest[2] then
  wait = tonumber(oldest[2]) + window - now
end
return {count, wait}
`)

// RedisRateLimiter counts requests per scope and subject in Redis so every
// ledger instance shares the same window.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisRateLimiter) key(scope, subject string) string {
	return r.prefix + ":" + scope + ":" + subject
}

// ConsumeRateLimit records one hit and returns the number of hits in the
// trailing window together with the seconds until the oldest of them
// expires. A nil client or a non-positive limit disables limiting.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := max(window.Milliseconds(), 1000)
	values, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.key(scope, subject)},
		r.now().UnixMilli(), windowMs, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit %s/%s: %w", scope, subject, err)
	}
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("rate limit %s/%s: unexpected reply length %d", scope, subject, len(values))
	}

	waitMs := values[1]
	if waitMs <= 0 {
		waitMs = windowMs
	}
	return int(values[0]), int(max((waitMs+999)/1000, 1)), nil
}

// RateLimitError is returned when a sender exceeds the transfer rate.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
