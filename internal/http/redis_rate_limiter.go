package httpx

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "ff:rl:"
	redisDialTimeout = 2 * time.Second
	redisOpTimeout   = 250 * time.Millisecond
)

// redisRateLimiter counts fixed windows in Redis so the limits hold across
// API replicas. INCR, EXPIRE NX, and TTL ride one pipeline, so each Allow
// costs a single round trip. Any Redis failure fails open: dropping
// legitimate OTA polls because the limiter store blinked would strand
// devices mid-rollout.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisRateLimiter{client: client, logger: logger}, nil
}

func (rl *redisRateLimiter) Allow(key string, q quota) rateDecision {
	if q.limit <= 0 {
		return rateDecision{ok: true}
	}
	window := q.window
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	bucket := redisKeyPrefix + key
	pipe := rl.client.TxPipeline()
	used := pipe.Incr(ctx, bucket)
	pipe.ExpireNX(ctx, bucket, window)
	ttl := pipe.TTL(ctx, bucket)
	if _, err := pipe.Exec(ctx); err != nil {
		if rl.logger != nil {
			rl.logger.Error("rate limit bucket update failed", "key_class", rateMetricClass(key), "error", err)
		}
		return rateDecision{ok: true}
	}

	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	count := int(used.Val())
	return rateDecision{
		ok:      count <= q.limit,
		used:    count,
		resetAt: time.Now().Add(remaining),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}
