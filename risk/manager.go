package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limits 硬性风控限制（pre-production 档位）。
type Limits struct {
	MaxDailyLoss       float64       // 当日累计亏损上限（USDC），触达即停
	MaxOrderSize       float64       // 单笔订单上限（USDC）
	FatFingerThreshold float64       // 偏离盘口的最大比例（0.10 = 10%）
	MaxLatency         time.Duration // HFT 可接受的最大 API 延迟
	LatencyInterval    time.Duration // 延迟探测周期
	ErrorWindow        time.Duration // 错误滑动窗口长度
	MaxErrorsPerWindow int           // 窗口内错误数阈值，触达即拉闸
	KillSwitchDuration time.Duration // kill switch 持续时间
	MinGasBalance      float64       // 最低原生代币余额（gas）
	MinStableBalance   float64       // 最低稳定币余额
	MinNetProfit       float64       // gas guard 的最小净利润
}

// DefaultLimits 与官方限额保持一致的默认档位。
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLoss:       50.0,
		MaxOrderSize:       20.0,
		FatFingerThreshold: 0.10,
		MaxLatency:         500 * time.Millisecond,
		LatencyInterval:    30 * time.Second,
		ErrorWindow:        60 * time.Second,
		MaxErrorsPerWindow: 5,
		KillSwitchDuration: 10 * time.Minute,
		MinGasBalance:      1.0,
		MinStableBalance:   50.0,
		MinNetProfit:       0.05,
	}
}

// BalanceSource 提供钱包余额（链上 RPC），由 gateway 实现。
type BalanceSource interface {
	// Balances 返回 (原生代币余额, 稳定币余额)。
	Balances(ctx context.Context, address string) (gas, stable float64, err error)
}

// LatencyProber 探测交易所 API 往返延迟。
type LatencyProber interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// AlertSink 抽象告警发送，失败不得阻塞交易决策。
type AlertSink interface {
	Send(event, msg string)
}

// MarketContext 下单时的盘口上下文，用于 fat finger 校验；可为 nil。
type MarketContext struct {
	Price   float64
	BestBid float64
	BestAsk float64
	Side    string // "BUY" / "SELL"
}

type errorEvent struct {
	ts   time.Time
	code int
}

// Manager 是全局准入闸门：任何 bot 在下单前必须通过这里。
// 每个进程只构造一个实例，通过依赖注入传给各策略任务；
// 策略自身不得在 Manager 之外维护 P&L、panic 等财务状态。
type Manager struct {
	limits Limits
	wallet string
	clock  Clock
	log    *zap.Logger
	alert  AlertSink

	balances BalanceSource
	prober   LatencyProber

	// pnlMu 只保护盈亏与成交计数，避免写错误窗口时阻塞 P&L 读取。
	pnlMu       sync.Mutex
	dailyPnL    float64
	totalOrders int64
	totalVolume float64

	// errMu 只保护错误滑动窗口。锁序：errMu 与 mu 不嵌套。
	errMu       sync.Mutex
	errorEvents []errorEvent

	// mu 保护状态机与其余事实。任何网络调用都在锁外完成。
	mu               sync.Mutex
	state            TradingState
	manualStop       bool
	killSwitchUntil  time.Time // 零值表示未激活
	panics           [botCount]bool
	panicReasons     [botCount]string
	latency          time.Duration
	latencyHealthy   bool
	lastLatencyCheck time.Time
	walletGas        float64
	walletStable     float64
	walletVerified   bool
}

// Config Manager 构造参数。零值字段取默认。
type Config struct {
	Limits        Limits
	WalletAddress string
	Clock         Clock
	Logger        *zap.Logger
	Alert         AlertSink
	Balances      BalanceSource
	Prober        LatencyProber
}

// NewManager 构造 gatekeeper。
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = NowUTC
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	m := &Manager{
		limits:         cfg.Limits,
		wallet:         cfg.WalletAddress,
		clock:          cfg.Clock,
		log:            cfg.Logger,
		alert:          cfg.Alert,
		balances:       cfg.Balances,
		prober:         cfg.Prober,
		state:          StateActive,
		latencyHealthy: true,
	}
	m.log.Info("risk manager initialized",
		zap.Float64("max_daily_loss", m.limits.MaxDailyLoss),
		zap.Float64("max_order_size", m.limits.MaxOrderSize),
		zap.Float64("fat_finger_threshold", m.limits.FatFingerThreshold),
		zap.Duration("kill_switch", m.limits.KillSwitchDuration),
	)
	return m
}

// Limits 返回当前生效的限制。
func (m *Manager) Limits() Limits { return m.limits }

// ------------------------------------------------------------------
// 钱包验证
// ------------------------------------------------------------------

// VerifyWallet 查询链上余额并校验最低额度。
// 网络调用在锁外完成；失败不自动重试，由调用方决定。
func (m *Manager) VerifyWallet(ctx context.Context) (bool, string) {
	if m.wallet == "" {
		return false, "wallet address not configured"
	}
	if m.balances == nil {
		return false, "balance source not configured"
	}

	gas, stable, err := m.balances.Balances(ctx, m.wallet)
	if err != nil {
		m.log.Error("wallet verification failed", zap.Error(err))
		return false, err.Error()
	}

	m.mu.Lock()
	m.walletGas = gas
	m.walletStable = stable

	var issues []string
	if gas < m.limits.MinGasBalance {
		issues = append(issues, fmt.Sprintf("gas %.4f < %.2f", gas, m.limits.MinGasBalance))
	}
	if stable < m.limits.MinStableBalance {
		issues = append(issues, fmt.Sprintf("stable %.2f < %.2f", stable, m.limits.MinStableBalance))
	}
	if len(issues) > 0 {
		m.walletVerified = false
		m.state = StatePausedWallet
		m.mu.Unlock()
		reason := "wallet insufficient: " + join(issues)
		m.log.Error(reason, zap.Float64("gas", gas), zap.Float64("stable", stable))
		return false, reason
	}
	m.walletVerified = true
	m.mu.Unlock()

	m.log.Info("wallet verified", zap.Float64("gas", gas), zap.Float64("stable", stable))
	return true, "wallet verified"
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// ------------------------------------------------------------------
// 延迟守卫
// ------------------------------------------------------------------

// CheckAPILatency 探测交易所往返延迟并更新健康标记。
// 该标记只约束 HFT 策略，不影响其他 bot。
func (m *Manager) CheckAPILatency(ctx context.Context) (time.Duration, bool) {
	if m.prober == nil {
		return 0, true
	}
	latency, err := m.prober.Ping(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLatencyCheck = m.clock.Now()
	if err != nil {
		m.latency = 0
		m.latencyHealthy = false
		m.log.Error("latency probe failed", zap.Error(err))
		return 0, false
	}
	m.latency = latency
	healthy := latency <= m.limits.MaxLatency
	if healthy != m.latencyHealthy {
		if healthy {
			m.log.Info("api latency recovered", zap.Duration("latency", latency))
		} else {
			m.log.Warn("api latency degraded",
				zap.Duration("latency", latency),
				zap.Duration("threshold", m.limits.MaxLatency))
		}
	}
	m.latencyHealthy = healthy
	return latency, healthy
}

// ShouldCheckLatency 判断是否到达下一次探测时间。
func (m *Manager) ShouldCheckLatency() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Now().Sub(m.lastLatencyCheck) > m.limits.LatencyInterval
}

// IsLatencyHealthy 返回当前延迟健康标记。
func (m *Manager) IsLatencyHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latencyHealthy
}

// ------------------------------------------------------------------
// 核心准入检查
// ------------------------------------------------------------------

// IsTradingAllowed 主准入检查，按固定优先级重算 TradingState：
// 钱包未验证 → 人工停机 → bot panic → 当日亏损触限 → kill switch。
// 读取同时会刷新对外可见的状态：kill switch 到期在这里惰性恢复。
func (m *Manager) IsTradingAllowed() bool {
	m.pnlMu.Lock()
	pnl := m.dailyPnL
	m.pnlMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked(pnl)
}

func (m *Manager) evaluateLocked(pnl float64) bool {
	if !m.walletVerified {
		m.state = StatePausedWallet
		return false
	}
	if m.manualStop {
		m.state = StateStoppedManual
		return false
	}
	for b := BotID(0); b < botCount; b++ {
		if m.panics[b] {
			m.state = StateStoppedBotPanic
			return false
		}
	}
	if pnl <= -m.limits.MaxDailyLoss {
		m.state = StateStoppedPnLLimit
		return false
	}
	if !m.killSwitchUntil.IsZero() {
		if m.clock.Now().Before(m.killSwitchUntil) {
			m.state = StatePausedErrorRate
			return false
		}
		// 过期即视为清除
		m.killSwitchUntil = time.Time{}
		m.log.Info("kill switch expired, trading resumes")
	}
	m.state = StateActive
	return true
}

// IsHFTAllowed HFT 策略准入：普通准入之外还要求延迟健康。
func (m *Manager) IsHFTAllowed() bool {
	if !m.IsTradingAllowed() {
		return false
	}
	return m.IsLatencyHealthy()
}

// CheckOrder 下单前校验：准入、单笔限额，以及（提供盘口时）fat finger。
// 拒绝以 (false, reason) 返回，属预期结果，调用循环继续运行。
func (m *Manager) CheckOrder(size float64, mkt *MarketContext) (bool, string) {
	if !m.IsTradingAllowed() {
		return false, "trading not allowed: " + m.State().String()
	}
	if size <= 0 {
		return false, fmt.Sprintf("invalid order size: %.2f", size)
	}
	if size > m.limits.MaxOrderSize {
		reason := fmt.Sprintf("order %.2f > max %.2f", size, m.limits.MaxOrderSize)
		m.log.Warn("order rejected", zap.String("reason", reason))
		return false, reason
	}
	if mkt != nil && mkt.Price > 0 && mkt.BestBid > 0 && mkt.BestAsk > 0 && mkt.Side != "" {
		return m.CheckFatFinger(mkt.Price, mkt.BestBid, mkt.BestAsk, mkt.Side)
	}
	return true, "order validated"
}

// CheckFatFinger 拒绝偏离盘口过远的订单：
// BUY 超过 ask*(1+阈值) 拒绝，SELL 低于 bid*(1-阈值) 拒绝；等于边界接受。
func (m *Manager) CheckFatFinger(price, bestBid, bestAsk float64, side string) (bool, string) {
	switch side {
	case "BUY":
		max := bestAsk * (1 + m.limits.FatFingerThreshold)
		if price > max {
			reason := fmt.Sprintf("fat finger: BUY %.4f > max %.4f (ask %.4f)", price, max, bestAsk)
			m.log.Warn(reason)
			return false, reason
		}
	case "SELL":
		min := bestBid * (1 - m.limits.FatFingerThreshold)
		if price < min {
			reason := fmt.Sprintf("fat finger: SELL %.4f < min %.4f (bid %.4f)", price, min, bestBid)
			m.log.Warn(reason)
			return false, reason
		}
	}
	return true, "price within range"
}

// CheckGasGuard 链上操作的利润闸门：profit - gasCost >= minProfit 才放行，等于边界接受。
// minProfit <= 0 时取默认阈值。
func (m *Manager) CheckGasGuard(profit, gasCost, minProfit float64) (bool, string) {
	if minProfit <= 0 {
		minProfit = m.limits.MinNetProfit
	}
	net := profit - gasCost
	if net < minProfit {
		reason := fmt.Sprintf("gas guard reject: net %.3f < min %.2f (profit %.3f - gas %.3f)",
			net, minProfit, profit, gasCost)
		m.log.Warn(reason)
		return false, reason
	}
	return true, fmt.Sprintf("net profit %.3f meets threshold", net)
}

// ------------------------------------------------------------------
// P&L 记录
// ------------------------------------------------------------------

// RecordPnL 累加当日盈亏。触限只记录日志，停机由 IsTradingAllowed 惰性判定。
func (m *Manager) RecordPnL(amount float64) {
	m.pnlMu.Lock()
	m.dailyPnL += amount
	pnl := m.dailyPnL
	m.pnlMu.Unlock()

	if amount >= 0 {
		m.log.Info("pnl recorded", zap.Float64("amount", amount), zap.Float64("daily", pnl))
	} else {
		m.log.Warn("pnl recorded", zap.Float64("amount", amount), zap.Float64("daily", pnl))
	}
	if pnl <= -m.limits.MaxDailyLoss {
		m.log.Error("daily loss limit hit, all trading stops",
			zap.Float64("daily_pnl", pnl),
			zap.Float64("limit", m.limits.MaxDailyLoss))
		m.notify("pnl_limit", fmt.Sprintf("daily loss %.2f hit limit %.2f", -pnl, m.limits.MaxDailyLoss))
	}
}

// RecordOrder 记录一笔已提交订单。
func (m *Manager) RecordOrder(size float64) {
	m.pnlMu.Lock()
	defer m.pnlMu.Unlock()
	m.totalOrders++
	m.totalVolume += size
}

// DailyPnL 返回当日累计盈亏。
func (m *Manager) DailyPnL() float64 {
	m.pnlMu.Lock()
	defer m.pnlMu.Unlock()
	return m.dailyPnL
}

// ResetDailyPnL 交易日切换时清零盈亏与成交计数。
func (m *Manager) ResetDailyPnL() {
	m.pnlMu.Lock()
	old := m.dailyPnL
	m.dailyPnL = 0
	m.totalOrders = 0
	m.totalVolume = 0
	m.pnlMu.Unlock()

	m.mu.Lock()
	if m.state == StateStoppedPnLLimit {
		m.state = StateActive
	}
	m.mu.Unlock()
	m.log.Info("daily pnl reset", zap.Float64("previous", old))
}

// ------------------------------------------------------------------
// 错误处理：429/500/502 计入窗口，403 致命
// ------------------------------------------------------------------

// RecordError 记录一次 API 错误。
// 403 直接人工停机且无恢复路径；429/500/502 进入滑动窗口，
// 窗口内达到阈值则拉起限时 kill switch；其余状态码忽略。
func (m *Manager) RecordError(statusCode int) {
	if statusCode == 403 {
		m.mu.Lock()
		m.manualStop = true
		m.state = StateStoppedManual
		m.mu.Unlock()
		m.log.Error("403 forbidden: api credentials may be invalid or revoked, trading stopped")
		m.notify("auth_error", "403 forbidden, manual stop engaged")
		return
	}

	switch statusCode {
	case 429, 500, 502:
	default:
		return
	}

	now := m.clock.Now()
	m.errMu.Lock()
	m.errorEvents = append(m.errorEvents, errorEvent{ts: now, code: statusCode})
	m.pruneLocked(now)
	count := len(m.errorEvents)
	m.errMu.Unlock()

	m.log.Warn("api error recorded",
		zap.Int("status", statusCode),
		zap.Int("window_count", count),
		zap.Int("threshold", m.limits.MaxErrorsPerWindow))

	if count >= m.limits.MaxErrorsPerWindow {
		m.armKillSwitch()
	}
}

func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.limits.ErrorWindow)
	kept := m.errorEvents[:0]
	for _, ev := range m.errorEvents {
		if ev.ts.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	m.errorEvents = kept
}

func (m *Manager) armKillSwitch() {
	m.mu.Lock()
	m.killSwitchUntil = m.clock.Now().Add(m.limits.KillSwitchDuration)
	m.state = StatePausedErrorRate
	m.mu.Unlock()

	m.log.Error("kill switch armed: error rate threshold hit",
		zap.Duration("duration", m.limits.KillSwitchDuration))
	m.notify("kill_switch", fmt.Sprintf("too many api errors, paused %s", m.limits.KillSwitchDuration))
}

// HandleRateLimit 处理 429 响应：计入错误窗口并给出建议等待时长。
func (m *Manager) HandleRateLimit(retryAfter time.Duration) time.Duration {
	m.RecordError(429)
	if retryAfter <= 0 {
		retryAfter = 30 * time.Second
	}
	m.log.Warn("rate limit hit", zap.Duration("wait", retryAfter))
	return retryAfter
}

// ErrorCount 返回窗口内的当前错误数。
func (m *Manager) ErrorCount() int {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.pruneLocked(m.clock.Now())
	return len(m.errorEvents)
}

// ------------------------------------------------------------------
// Bot panic 闩锁
// ------------------------------------------------------------------

// TriggerBotPanic 置位指定 bot 的 panic 闩锁：整个机群立刻停止交易，
// 直到人工清除。用于致命的安全违例（例如 maker-only 付出 taker 费）。
func (m *Manager) TriggerBotPanic(bot BotID, reason string) {
	if bot < 0 || bot >= botCount {
		return
	}
	m.mu.Lock()
	m.panics[bot] = true
	m.panicReasons[bot] = reason
	m.state = StateStoppedBotPanic
	m.mu.Unlock()

	m.log.Error("bot panic, all trading stopped",
		zap.Stringer("bot", bot),
		zap.String("reason", reason))
	m.notify("bot_panic", fmt.Sprintf("%s: %s", bot, reason))
}

// ClearBotPanic 人工复核后清除单个 bot 的 panic。
func (m *Manager) ClearBotPanic(bot BotID) {
	if bot < 0 || bot >= botCount {
		return
	}
	m.mu.Lock()
	m.panics[bot] = false
	m.panicReasons[bot] = ""
	m.mu.Unlock()
	m.log.Info("bot panic cleared", zap.Stringer("bot", bot))
}

// ClearAllPanics 清除全部 panic。
func (m *Manager) ClearAllPanics() {
	m.mu.Lock()
	for b := BotID(0); b < botCount; b++ {
		m.panics[b] = false
		m.panicReasons[b] = ""
	}
	m.mu.Unlock()
	m.log.Info("all bot panics cleared")
}

// ------------------------------------------------------------------
// 人工控制
// ------------------------------------------------------------------

// StopTrading 人工停机。
func (m *Manager) StopTrading() {
	m.mu.Lock()
	m.manualStop = true
	m.state = StateStoppedManual
	m.mu.Unlock()
	m.log.Error("manual stop: trading halted by operator")
	m.notify("manual_stop", "trading halted by operator")
}

// ResumeTrading 人工恢复：同时清除 kill switch 与全部 panic。
func (m *Manager) ResumeTrading() {
	m.mu.Lock()
	m.manualStop = false
	m.killSwitchUntil = time.Time{}
	for b := BotID(0); b < botCount; b++ {
		m.panics[b] = false
		m.panicReasons[b] = ""
	}
	m.mu.Unlock()
	m.log.Info("trading resumed by operator")
}

// ------------------------------------------------------------------
// 状态与指标
// ------------------------------------------------------------------

// State 返回最近一次评估得到的 TradingState。
func (m *Manager) State() TradingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status 对外快照，front end 据此解释交易为何被阻断。
type Status struct {
	TradingAllowed      bool
	HFTAllowed          bool
	State               TradingState
	DailyPnL            float64
	PnLLimit            float64
	PnLRemaining        float64
	ErrorCount          int
	ErrorThreshold      int
	KillSwitchActive    bool
	KillSwitchRemaining time.Duration
	TotalOrders         int64
	TotalVolume         float64
	MaxOrderSize        float64
	APILatency          time.Duration
	LatencyHealthy      bool
	WalletVerified      bool
	WalletGas           float64
	WalletStable        float64
	Panics              map[string]string
}

// GetStatus 返回完整状态快照；反映当前最严格的阻断条件。
func (m *Manager) GetStatus() Status {
	allowed := m.IsTradingAllowed()
	hft := allowed && m.IsLatencyHealthy()
	errCount := m.ErrorCount()

	m.pnlMu.Lock()
	pnl := m.dailyPnL
	orders := m.totalOrders
	volume := m.totalVolume
	m.pnlMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	var remaining time.Duration
	active := !m.killSwitchUntil.IsZero()
	if active {
		remaining = m.killSwitchUntil.Sub(m.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
	}
	panics := make(map[string]string)
	for b := BotID(0); b < botCount; b++ {
		if m.panics[b] {
			panics[b.String()] = m.panicReasons[b]
		}
	}
	return Status{
		TradingAllowed:      allowed,
		HFTAllowed:          hft,
		State:               m.state,
		DailyPnL:            pnl,
		PnLLimit:            m.limits.MaxDailyLoss,
		PnLRemaining:        m.limits.MaxDailyLoss + pnl,
		ErrorCount:          errCount,
		ErrorThreshold:      m.limits.MaxErrorsPerWindow,
		KillSwitchActive:    active,
		KillSwitchRemaining: remaining,
		TotalOrders:         orders,
		TotalVolume:         volume,
		MaxOrderSize:        m.limits.MaxOrderSize,
		APILatency:          m.latency,
		LatencyHealthy:      m.latencyHealthy,
		WalletVerified:      m.walletVerified,
		WalletGas:           m.walletGas,
		WalletStable:        m.walletStable,
		Panics:              panics,
	}
}

// Metrics 会话累计计数，台账日报用。
type Metrics struct {
	TotalOrders int64
	TotalVolume float64
	DailyPnL    float64
	ErrorCount  int
}

// GetMetrics 返回会话计数快照。
func (m *Manager) GetMetrics() Metrics {
	errCount := m.ErrorCount()
	m.pnlMu.Lock()
	defer m.pnlMu.Unlock()
	return Metrics{
		TotalOrders: m.totalOrders,
		TotalVolume: m.totalVolume,
		DailyPnL:    m.dailyPnL,
		ErrorCount:  errCount,
	}
}

func (m *Manager) notify(event, msg string) {
	if m.alert == nil {
		return
	}
	// 告警失败由 sink 自行记录，绝不反向阻塞风控路径
	m.alert.Send(event, msg)
}
