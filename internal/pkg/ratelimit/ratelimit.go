package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/metrics"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// Limiter paces outbound requests to the market API.
type Limiter interface {
	Acquire(ctx context.Context) error
}

const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
local refill = (delta * rate) / 1000.0
tokens = math.min(burst, tokens + refill)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tokens}
`

// RedisLimiter is a token bucket shared by every crawler process that
// talks to the same market endpoint. One bucket per endpoint key.
type RedisLimiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

func NewRedisLimiter(rdb *redis.Client, logger *slog.Logger, key string, rate float64, burst float64) *RedisLimiter {
	if key == "" {
		key = "romarket:ratelimit:default"
	}
	return &RedisLimiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

func (r *RedisLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := r.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if jitterMax > 0 {
			wait += time.Duration(rand.Int63n(int64(jitterMax)))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

func (r *RedisLimiter) tryAcquire(ctx context.Context) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := r.script.Run(ctx, r.rdb, []string{r.key}, r.rate, r.burst, now, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}

	allowed := toInt64(values[0]) == 1
	waitMs := toInt64(values[1])
	return allowed, waitMs, nil
}

// LocalLimiter is the in-process fallback used when redis is not
// configured. Same Acquire contract, single process only.
type LocalLimiter struct {
	lim *rate.Limiter
}

func NewLocalLimiter(perSecond float64, burst int) *LocalLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *LocalLimiter) Acquire(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return nil
	}
	start := time.Now()
	if err := l.lim.Wait(ctx); err != nil {
		metrics.RateLimitTimeoutTotal.Inc()
		return ErrRateLimitTimeout
	}
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	return nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if t == "" {
			return 0
		}
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
