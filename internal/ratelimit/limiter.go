package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter Provider调用频率上限（每分钟、每天固定窗口）
type Limiter interface {
	// Allow 两个窗口都有余量时占用一次并返回true
	Allow(ctx context.Context, providerID string, perMinute, perDay int) (bool, error)
}

// MemoryLimiter 内存限流器（单机）
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	now      func() time.Time
}

// windowCounter 当前分钟与当天的计数
type windowCounter struct {
	minute      int64
	minuteCount int
	day         int64
	dayCount    int
}

// NewMemoryLimiter 创建内存限流器
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*windowCounter),
		now:      time.Now,
	}
}

// WithClock 注入时钟，测试用
func (m *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	m.now = now
	return m
}

// Allow 检查并占用
func (m *MemoryLimiter) Allow(_ context.Context, providerID string, perMinute, perDay int) (bool, error) {
	now := m.now().UTC()
	minute, day := minuteWindow(now), dayWindow(now)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[providerID]
	if !ok {
		c = &windowCounter{}
		m.counters[providerID] = c
	}
	if c.minute != minute {
		c.minute, c.minuteCount = minute, 0
	}
	if c.day != day {
		c.day, c.dayCount = day, 0
	}

	if perMinute > 0 && c.minuteCount >= perMinute {
		return false, nil
	}
	if perDay > 0 && c.dayCount >= perDay {
		return false, nil
	}
	c.minuteCount++
	c.dayCount++
	return true, nil
}

func minuteWindow(t time.Time) int64 {
	return t.Unix() / 60
}

func dayWindow(t time.Time) int64 {
	return t.Unix() / 86400
}
