package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Clock 抽象时间便于测试。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

var systemClock Clock = realClock{}

// BucketConfig 单个令牌桶的配置。容量固定保持在官方限额之下
// 一个静态安全边际（例如 20%），不做动态重算。
type BucketConfig struct {
	Capacity      int     // 最大令牌数
	RefillRate    float64 // 每秒补充令牌数
	OfficialLimit int     // 官方 API 限额（记录用）
	SafetyMargin  float64 // 低于官方限额的比例，0.2 = 20%
}

// BucketStats 桶的累计统计。
type BucketStats struct {
	Name       string
	Available  float64
	Capacity   int
	RefillRate float64
	Requests   uint64
	Throttled  uint64
}

// TokenBucket 单个令牌桶，惰性按流逝时间补充。
// 余额永不超过容量，与空闲时长无关。
type TokenBucket struct {
	name       string
	capacity   int
	refillRate float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	requests   uint64
	throttled  uint64
	clock      Clock
}

// NewTokenBucket 创建满桶。
func NewTokenBucket(name string, cfg BucketConfig) *TokenBucket {
	return newTokenBucket(name, cfg, systemClock)
}

func newTokenBucket(name string, cfg BucketConfig, clock Clock) *TokenBucket {
	return &TokenBucket{
		name:       name,
		capacity:   cfg.Capacity,
		refillRate: cfg.RefillRate,
		tokens:     float64(cfg.Capacity),
		lastRefill: clock.Now(),
		clock:      clock,
	}
}

// refillLocked 按流逝时间补充令牌，夹在容量以内。
func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

// Acquire 非阻塞获取 n 个令牌。
func (b *TokenBucket) Acquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		b.requests++
		return true
	}
	b.throttled++
	return false
}

// WaitForToken 轮询直到获取成功或 ctx 取消。
// 估算睡眠 deficit/refillRate 秒，下限 0.1s。
// 多个等待者之间没有 FIFO 公平性保证，持续争用下可能饿死个别任务。
func (b *TokenBucket) WaitForToken(ctx context.Context, n int) error {
	for {
		if b.Acquire(n) {
			return nil
		}
		b.mu.Lock()
		deficit := float64(n) - b.tokens
		b.mu.Unlock()

		wait := time.Duration(deficit / b.refillRate * float64(time.Second))
		if wait < 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Available 当前可用令牌数（先补充再读）。
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Stats 返回统计快照。
func (b *TokenBucket) Stats() BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return BucketStats{
		Name:       b.name,
		Available:  b.tokens,
		Capacity:   b.capacity,
		RefillRate: b.refillRate,
		Requests:   b.requests,
		Throttled:  b.throttled,
	}
}
