package middlewares

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter counts requests per key within a window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

const msgRateLimited = "You're doing that a lot. Please wait a moment and try again."

// RateLimit 按调用者 (未认证时按 IP) 和 scope 限流。
// limiter 为 nil 或 limit <= 0 时不限制。
func (m *MiddlewareManager) RateLimit(limiter RateLimiter, scope string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limit <= 0 {
			c.Next()
			return
		}

		key := scope + ":ip:" + c.ClientIP()
		if uid := UserID(c); uid != "" {
			key = scope + ":user:" + uid
		}

		allowed, err := limiter.Allow(c.Request.Context(), key, limit, window)
		if err != nil {
			m.log.Error("rate limit check failed", zap.String("key", key), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    "unavailable",
				"message": "rate limit check failed",
			})
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":        "rate-limited",
				"message":     msgRateLimited,
				"retry_after": int(window.Seconds()),
			})
			return
		}
		c.Next()
	}
}
