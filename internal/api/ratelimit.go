package api

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter gates event ingestion per tenant.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

func rateFromEnv() (rps float64, burst int) {
	rps, burst = 10, 20
	if v := os.Getenv("RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rps = f
		}
	}
	if v := os.Getenv("RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			burst = n
		}
	}
	return
}

// RedisRateLimiter is a fixed-window counter shared across instances. A
// process-local map would reset on every deploy and undercount with more
// than one replica, so the counter lives in Redis with a window TTL.
type RedisRateLimiter struct {
	rdb    *redis.Client
	window time.Duration
	limit  int
}

func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	rps, burst := rateFromEnv()
	window := time.Second
	limit := int(rps) + burst
	return &RedisRateLimiter{rdb: rdb, window: window, limit: limit}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	bucket := "rl:" + key + ":" + strconv.FormatInt(time.Now().Unix()/int64(l.window.Seconds()), 10)
	n, err := l.rdb.Incr(ctx, bucket).Result()
	if err != nil {
		// fail open: a broken limiter must not take event ingestion down
		return true
	}
	if n == 1 {
		_ = l.rdb.Expire(ctx, bucket, l.window+time.Second).Err()
	}
	return n <= int64(l.limit)
}

// LocalRateLimiter keeps one token bucket per tenant in process. Best-effort
// only: limits are per instance and reset on restart. Used when no REDIS_URL
// is configured.
type LocalRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewLocalRateLimiter() *LocalRateLimiter {
	rps, burst := rateFromEnv()
	return &LocalRateLimiter{limiters: map[string]*rate.Limiter{}, rps: rate.Limit(rps), burst: burst}
}

func (l *LocalRateLimiter) Allow(ctx context.Context, key string) bool {
	l.mu.Lock()
	lim := l.limiters[key]
	if lim == nil {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
