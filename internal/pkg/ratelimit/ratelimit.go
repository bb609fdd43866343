// Package ratelimit implements a fixed-window request counter shared by all
// instances through redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "cicero:ratelimit:"

// WindowLimiter 固定窗口计数：INCRBY + EXPIRE 放在同一个 pipeline 中执行
type WindowLimiter struct {
	rdb      redis.UniversalClient
	log      *zap.Logger
	failOpen bool // Redis 不可用时放行
	now      func() time.Time
}

func NewWindowLimiter(rdb redis.UniversalClient, log *zap.Logger, failOpen bool) *WindowLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &WindowLimiter{rdb: rdb, log: log.Named("ratelimit"), failOpen: failOpen, now: time.Now}
}

func (l *WindowLimiter) bucketKey(key string, window time.Duration) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, key, l.now().UnixNano()/int64(window))
}

// Allow consumes one request from key's current window.
func (l *WindowLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return l.AllowN(ctx, key, 1, limit, window)
}

func (l *WindowLimiter) AllowN(ctx context.Context, key string, n, limit int, window time.Duration) (bool, error) {
	bucket := l.bucketKey(key, window)

	pipe := l.rdb.Pipeline()
	incr := pipe.IncrBy(ctx, bucket, int64(n))
	pipe.Expire(ctx, bucket, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		if l.failOpen {
			l.log.Warn("rate limit check failed, allowing request", zap.String("key", key), zap.Error(err))
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	if incr.Val() > int64(limit) {
		l.log.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", incr.Val()),
			zap.Int("limit", limit),
		)
		return false, nil
	}
	return true, nil
}

// Remaining 当前窗口剩余的请求数
func (l *WindowLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	count, err := l.rdb.Get(ctx, l.bucketKey(key, window)).Int()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit: %w", err)
	}
	return max(limit-count, 0), nil
}
