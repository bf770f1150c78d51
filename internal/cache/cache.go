// Package cache 按内容指纹缓存派生结果（如素材分析），不缓存完整生成结果
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/brightming/genflow/internal/logger"
	"github.com/brightming/genflow/pkg/metrics"
)

// Backend 存储后端
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// Cache 带TTL的指纹缓存，并发填充合并为一次
type Cache struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
	log     *logger.Logger
	metrics *metrics.Registry
}

// New ttl<=0 时使用1小时
func New(backend Backend, ttl time.Duration, log *logger.Logger, m *metrics.Registry) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{backend: backend, ttl: ttl, log: log.With("component", "cache"), metrics: m}
}

// Fingerprint 对各部分做SHA-256，部分之间以0字节分隔
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get 后端错误按未命中处理
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache get failed", "key", key, "error", err)
		ok = false
	}
	c.metrics.RecordCacheLookup(ok)
	return val, ok
}

func (c *Cache) Put(ctx context.Context, key string, val []byte) {
	if err := c.backend.Set(ctx, key, val, c.ttl); err != nil {
		c.log.Warn("cache put failed", "key", key, "error", err)
	}
}

// GetOrCompute 未命中时计算并写入，同一key的并发调用只计算一次
func (c *Cache) GetOrCompute(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if val, ok := c.Get(ctx, key); ok {
		return val, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if val, ok, err := c.backend.Get(ctx, key); err == nil && ok {
			return val, nil
		}
		val, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, key, val)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
