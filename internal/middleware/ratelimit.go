package middleware

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dsmui/api/pkg/response"
)

// counter is the slice of the Redis API the limiter uses
type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// RateLimiter is a fixed-window limiter keyed by user, or client IP when the
// API runs without authentication.
type RateLimiter struct {
	redis counter

	mu     sync.Mutex
	limits map[string]*atomic.Int64
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// limit returns the shared per-prefix ceiling, creating it on first use
func (rl *RateLimiter) limit(keyPrefix string) *atomic.Int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.limits == nil {
		rl.limits = make(map[string]*atomic.Int64)
	}
	l, ok := rl.limits[keyPrefix]
	if !ok {
		l = new(atomic.Int64)
		rl.limits[keyPrefix] = l
	}
	return l
}

// SetLimit changes the ceiling of every middleware created for keyPrefix.
// Zero or less disables limiting.
func (rl *RateLimiter) SetLimit(keyPrefix string, maxRequests int) {
	if old := rl.limit(keyPrefix).Swap(int64(maxRequests)); old != int64(maxRequests) {
		log.Printf("[ratelimit] %s limit %d -> %d", keyPrefix, old, maxRequests)
	}
}

// Limit creates a rate limiting middleware
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	ceiling := rl.limit(keyPrefix)
	ceiling.Store(int64(maxRequests))

	return func(c *fiber.Ctx) error {
		maxRequests := int(ceiling.Load())
		if maxRequests <= 0 {
			return c.Next()
		}

		subject := GetUserID(c)
		if subject == "" {
			subject = "ip:" + c.IP()
		}
		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, subject)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			log.Printf("[ratelimit] redis unavailable, allowing request: %v", err)
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))

		return c.Next()
	}
}

// TTSLimit limits synthesis requests per minute
func (rl *RateLimiter) TTSLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("tts", maxPerMin, time.Minute)
}

// STTLimit limits transcription requests per minute
func (rl *RateLimiter) STTLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("stt", maxPerMin, time.Minute)
}
