package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter 多实例共享的Redis限流器
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLimiter 创建Redis限流器
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "genflow:ratelimit:",
		now:    time.Now,
	}
}

// Allow 在一个事务里同时累加分钟和天计数，超限时回滚本次累加
func (r *RedisLimiter) Allow(ctx context.Context, providerID string, perMinute, perDay int) (bool, error) {
	now := r.now().UTC()
	minuteKey := fmt.Sprintf("%s%s:m:%d", r.prefix, providerID, minuteWindow(now))
	dayKey := fmt.Sprintf("%s%s:d:%d", r.prefix, providerID, dayWindow(now))

	var minuteCount, dayCount *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		minuteCount = p.Incr(ctx, minuteKey)
		p.Expire(ctx, minuteKey, 2*time.Minute)
		dayCount = p.Incr(ctx, dayKey)
		p.Expire(ctx, dayKey, 25*time.Hour)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit incr failed: %w", err)
	}

	overMinute := perMinute > 0 && minuteCount.Val() > int64(perMinute)
	overDay := perDay > 0 && dayCount.Val() > int64(perDay)
	if !overMinute && !overDay {
		return true, nil
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Decr(ctx, minuteKey)
		p.Decr(ctx, dayKey)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit rollback failed: %w", err)
	}
	return false, nil
}
