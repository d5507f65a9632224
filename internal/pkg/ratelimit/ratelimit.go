package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"avitohunter/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrRateLimitTimeout 表示等待令牌期间上下文结束。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// DefaultKey 是共享令牌桶的 Redis 键。
const DefaultKey = "avitohunter:ratelimit:pages"

// Limiter 控制页面请求的节奏。
type Limiter interface {
	// Acquire 阻塞直到允许发出下一次请求，上下文结束时返回 ErrRateLimitTimeout。
	Acquire(ctx context.Context) error
}

// New 按间隔构造限流器。
//
// rdb 非空时使用 Redis 令牌桶，让同一出口的多个进程共享节奏；否则使用进程内令牌桶。
// interval <= 0 时不限流。
func New(rdb *redis.Client, logger *slog.Logger, interval time.Duration) Limiter {
	if interval <= 0 {
		return Unlimited{}
	}
	perSecond := float64(time.Second) / float64(interval)
	if rdb != nil {
		return NewRedisRateLimiter(rdb, logger, DefaultKey, perSecond, 1)
	}
	return NewLocal(interval)
}

// Unlimited 不做任何等待。
type Unlimited struct{}

// Acquire 直接返回，仅检查上下文。
func (Unlimited) Acquire(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrRateLimitTimeout
	}
	return nil
}

// Local 是进程内令牌桶。
type Local struct {
	lim *rate.Limiter
}

// NewLocal 每个 interval 放行一次请求，突发为 1。
func NewLocal(interval time.Duration) *Local {
	return &Local{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Acquire 等待本地令牌。
func (l *Local) Acquire(ctx context.Context) error {
	start := time.Now()
	err := l.lim.Wait(ctx)
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RateLimitTimeoutTotal.Inc()
		return ErrRateLimitTimeout
	}
	return nil
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

// RateLimiter 是基于 Redis Lua 脚本的分布式令牌桶。
type RateLimiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

func NewRedisRateLimiter(rdb *redis.Client, logger *slog.Logger, key string, rate float64, burst float64) *RateLimiter {
	if key == "" {
		key = DefaultKey
	}
	return &RateLimiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

// Acquire 循环执行脚本直到拿到令牌。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := r.tryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				metrics.RateLimitTimeoutTotal.Inc()
				return ErrRateLimitTimeout
			}
			if r.logger != nil {
				r.logger.Warn("shared rate limit unavailable", slog.String("error", err.Error()))
			}
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

func (r *RateLimiter) tryAcquire(ctx context.Context) (bool, int64, error) {
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
