package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BucketClass 出站流量分类。
type BucketClass int

const (
	// MarketData 行情读取（orderbook、价格等）
	MarketData BucketClass = iota
	// Orders 下单/撤单/改单
	Orders
)

// String 返回分类名称
func (c BucketClass) String() string {
	switch c {
	case MarketData:
		return "market_data"
	case Orders:
		return "orders"
	default:
		return "unknown"
	}
}

// 官方限额（每 10s）之下留 20% 安全边际的固定配置。
var defaultConfigs = map[BucketClass]BucketConfig{
	MarketData: {Capacity: 80, RefillRate: 8.0, OfficialLimit: 100, SafetyMargin: 0.2},
	Orders:     {Capacity: 40, RefillRate: 4.0, OfficialLimit: 50, SafetyMargin: 0.2},
}

// BackoffConfig 全局退避参数。
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff 429 退避默认值：30s 起步，翻倍封顶 300s。
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Initial: 30 * time.Second, Max: 300 * time.Second, Multiplier: 2}
}

// Limiter 双桶限流器：行情与订单各一个令牌桶，外加一个
// 影响所有桶的全局指数退避窗口。所有出站调用都必须先从这里取令牌。
type Limiter struct {
	buckets map[BucketClass]*TokenBucket
	backoff BackoffConfig
	clock   Clock
	log     *zap.Logger

	mu             sync.Mutex
	backoffUntil   time.Time
	currentBackoff time.Duration
	consecutive429 int
}

// Option Limiter 构造选项。
type Option func(*Limiter)

// WithClock 注入时钟（测试用）。
func WithClock(c Clock) Option { return func(l *Limiter) { l.clock = c } }

// WithLogger 注入日志器。
func WithLogger(log *zap.Logger) Option { return func(l *Limiter) { l.log = log } }

// WithBucket 覆盖某一类流量的桶配置。
func WithBucket(class BucketClass, cfg BucketConfig) Option {
	return func(l *Limiter) {
		l.buckets[class] = newTokenBucket(class.String(), cfg, l.clock)
	}
}

// WithBackoff 覆盖退避参数。
func WithBackoff(cfg BackoffConfig) Option { return func(l *Limiter) { l.backoff = cfg } }

// New 按默认桶配置构造 Limiter。
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[BucketClass]*TokenBucket),
		backoff: DefaultBackoff(),
		clock:   systemClock,
		log:     zap.NewNop(),
	}
	// 先应用时钟选项，使桶共享同一时钟
	for _, opt := range opts {
		opt(l)
	}
	for class, cfg := range defaultConfigs {
		if _, ok := l.buckets[class]; !ok {
			l.buckets[class] = newTokenBucket(class.String(), cfg, l.clock)
		}
	}
	return l
}

// InBackoff 是否处于全局退避窗口。
func (l *Limiter) InBackoff() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock.Now().Before(l.backoffUntil)
}

// BackoffRemaining 退避窗口剩余时长。
func (l *Limiter) BackoffRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.backoffUntil.Sub(l.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Acquire 非阻塞获取：退避窗口内一律失败，否则从指定桶扣减。
func (l *Limiter) Acquire(class BucketClass, n int) bool {
	if l.InBackoff() {
		return false
	}
	return l.buckets[class].Acquire(n)
}

// WaitForToken 挂起直到取得令牌或 ctx 取消。
// 先以 ≤1s 粒度轮询等待退避窗口结束，再等待桶内令牌。
// 等待者之间无公平性保证（见 TokenBucket.WaitForToken）。
func (l *Limiter) WaitForToken(ctx context.Context, class BucketClass, n int) error {
	for {
		remaining := l.BackoffRemaining()
		if remaining <= 0 {
			break
		}
		l.log.Info("waiting for backoff window", zap.Duration("remaining", remaining))
		if remaining > time.Second {
			remaining = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
	return l.buckets[class].WaitForToken(ctx, n)
}

// Handle429 处理 429 响应：优先采用 Retry-After，否则按指数退避，
// 起步 Initial、每次翻倍、封顶 Max。返回选定的等待时长。
func (l *Limiter) Handle429(retryAfter time.Duration) time.Duration {
	l.mu.Lock()
	l.consecutive429++
	var wait time.Duration
	if retryAfter > 0 {
		wait = retryAfter
	} else {
		if l.currentBackoff == 0 {
			l.currentBackoff = l.backoff.Initial
		} else {
			l.currentBackoff = time.Duration(float64(l.currentBackoff) * l.backoff.Multiplier)
			if l.currentBackoff > l.backoff.Max {
				l.currentBackoff = l.backoff.Max
			}
		}
		wait = l.currentBackoff
	}
	l.backoffUntil = l.clock.Now().Add(wait)
	count := l.consecutive429
	l.mu.Unlock()

	l.log.Warn("429 rate limited, backing off",
		zap.Int("consecutive", count),
		zap.Duration("wait", wait))
	return wait
}

// ResetBackoff 请求周期未遇到 429/错误时调用，完全清零退避状态。
func (l *Limiter) ResetBackoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentBackoff > 0 || l.consecutive429 > 0 {
		l.currentBackoff = 0
		l.consecutive429 = 0
	}
}

// Consecutive429 连续 429 计数。
func (l *Limiter) Consecutive429() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutive429
}

// Status 限流器状态快照。
type Status struct {
	InBackoff        bool
	BackoffRemaining time.Duration
	Consecutive429   int
	Buckets          map[string]BucketStats
}

// GetStatus 返回状态快照。
func (l *Limiter) GetStatus() Status {
	buckets := make(map[string]BucketStats, len(l.buckets))
	for class, b := range l.buckets {
		buckets[class.String()] = b.Stats()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.backoffUntil.Sub(l.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		InBackoff:        remaining > 0,
		BackoffRemaining: remaining,
		Consecutive429:   l.consecutive429,
		Buckets:          buckets,
	}
}

// TotalThrottled 所有桶被限流的累计次数。
func (l *Limiter) TotalThrottled() uint64 {
	var total uint64
	for _, b := range l.buckets {
		total += b.Stats().Throttled
	}
	return total
}
