package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// SubmitRateLimit caps transaction submissions per payer (falling back to
// client IP) using Redis counters. Reads are never limited.
func SubmitRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 60
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next() // no-op without Redis
		}
		var req struct {
			From string `json:"from"`
		}
		_ = c.BodyParser(&req)
		payer := strings.TrimSpace(req.From)
		if payer == "" {
			payer = c.IP()
		}
		key := "rl:submit:" + payer
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err == nil && cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many submissions, try again later")
		}
		return c.Next()
	}
}
