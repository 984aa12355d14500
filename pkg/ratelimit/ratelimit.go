package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
}

// TokenBucket 令牌桶速率限制器
type TokenBucket struct {
	capacity   int       // 桶容量
	tokens     int       // 当前令牌数
	refillRate int       // 每秒补充的令牌数
	lastRefill time.Time // 上次补充时间
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// refill 补充令牌
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds()) * tb.refillRate
	if tokensToAdd > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		tb.lastRefill = now
	}
}

// Allow 检查是否允许请求
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 等待直到允许请求
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}

		waitTime := 100 * time.Millisecond
		if tb.refillRate > 0 {
			waitTime = time.Second / time.Duration(tb.refillRate)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// GetRemaining 获取剩余令牌数
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// Manager 按请求类别分配限制器
// Binance 现货的订单类接口和查询类接口限制不同，分开管理
type Manager struct {
	limiters map[string]RateLimiter
	fallback RateLimiter
	mu       sync.RWMutex
}

// NewManager 创建带默认 Binance 现货限制的管理器
func NewManager() *Manager {
	m := &Manager{
		limiters: make(map[string]RateLimiter),
		// 通用权重限制 6000/分钟，折算为每秒
		fallback: NewTokenBucket(100, 100),
	}

	// 订单类: 100 次/10秒, 键名与调度器下发的操作名一致
	orders := NewTokenBucket(100, 10)
	m.limiters["order.place"] = orders
	m.limiters["order.cancel"] = orders
	m.limiters["orderList.place.oco"] = orders
	m.limiters["orderList.cancel"] = orders

	return m
}

// Wait 等待指定类别的请求许可
func (m *Manager) Wait(ctx context.Context, category string) error {
	return m.limiter(category).Wait(ctx)
}

// Allow 检查指定类别是否允许请求
func (m *Manager) Allow(category string) bool {
	return m.limiter(category).Allow()
}

func (m *Manager) limiter(category string) RateLimiter {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if l, ok := m.limiters[category]; ok {
		return l
	}
	return m.fallback
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
