package middlewares

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RateLimiter is a fixed-window per-IP limiter backed by Redis.
type RateLimiter struct {
	client func() *redis.Client
	scope  string
	limit  int64
	window time.Duration
	logger *logrus.Logger
}

// NewRateLimiter resolves the Redis client per request so it can be built before Redis connects.
func NewRateLimiter(client func() *redis.Client, scope string, limit int64, window time.Duration, logger *logrus.Logger) *RateLimiter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RateLimiter{
		client: client,
		scope:  scope,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

func (rl *RateLimiter) key(c *gin.Context) string {
	return fmt.Sprintf("ratelimit:%s:%s", rl.scope, c.ClientIP())
}

// Handler counts the request and aborts with 429 once the window is exhausted.
// Requests pass through when Redis is absent or erroring.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var client *redis.Client
		if rl.client != nil {
			client = rl.client()
		}
		if client == nil || rl.limit <= 0 {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := rl.key(c)
		count, err := client.Incr(ctx, key).Result()
		if err != nil {
			rl.logger.WithError(err).WithField("scope", rl.scope).Warn("rate limit check failed; allowing request")
			c.Next()
			return
		}
		if count == 1 {
			if err := client.Expire(ctx, key, rl.window).Err(); err != nil {
				rl.logger.WithError(err).WithField("scope", rl.scope).Warn("rate limit expiry not set")
			}
		}

		if count > rl.limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
			})
			return
		}
		c.Next()
	}
}
