package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gofiber/fiber/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const localLimiterCapacity = 10000

// RateLimiter provides fixed-window rate limiting per client IP. It counts in Redis when
// available and falls back to in-process token buckets otherwise or when Redis fails.
type RateLimiter struct {
	rdb       *redis.Client
	maxReqs   int
	windowSec int
	local     *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a rate limiter. rdb may be nil.
func NewRateLimiter(rdb *redis.Client, maxReqs, windowSec int) *RateLimiter {
	if maxReqs <= 0 {
		maxReqs = 120
	}
	if windowSec <= 0 {
		windowSec = 60
	}
	local, _ := lru.New[string, *rate.Limiter](localLimiterCapacity)
	return &RateLimiter{
		rdb:       rdb,
		maxReqs:   maxReqs,
		windowSec: windowSec,
		local:     local,
	}
}

// Handler returns a Fiber middleware handler for rate limiting.
func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c fiber.Ctx) error {
		// Use client IP as the rate limit key
		ip := c.IP()

		if rl.rdb != nil {
			count, ttl, err := rl.redisCount(ip)
			if err == nil {
				c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.maxReqs))
				c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(0, int64(rl.maxReqs)-count)))
				c.Set("X-RateLimit-Reset", fmt.Sprintf("%d", int(ttl.Seconds())))
				if int(count) > rl.maxReqs {
					return tooManyRequests(c, int(ttl.Seconds()))
				}
				return c.Next()
			}
			slog.Debug("redis rate limit unavailable, using local limiter", "error", err)
		}
		return rl.localLimit(c, ip)
	}
}

func (rl *RateLimiter) redisCount(ip string) (int64, time.Duration, error) {
	key := fmt.Sprintf("ratelimit:%s", ip)
	ctx := context.Background()

	count, err := rl.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}

	// Set expiry on first request in the window
	if count == 1 {
		rl.rdb.Expire(ctx, key, time.Duration(rl.windowSec)*time.Second)
	}
	ttl, _ := rl.rdb.TTL(ctx, key).Result()
	return count, ttl, nil
}

func (rl *RateLimiter) localLimit(c fiber.Ctx, ip string) error {
	every := time.Duration(rl.windowSec) * time.Second / time.Duration(rl.maxReqs)
	limiter, ok := rl.local.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rate.Every(every), rl.maxReqs)
		rl.local.Add(ip, limiter)
	}

	allowed := limiter.Allow()
	c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.maxReqs))
	c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(0, int(limiter.Tokens()))))
	if !allowed {
		return tooManyRequests(c, int(math.Ceil(every.Seconds())))
	}
	return c.Next()
}

func tooManyRequests(c fiber.Ctx, retryAfter int) error {
	c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", retryAfter))
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error":       "rate limit exceeded",
		"retry_after": retryAfter,
	})
}
