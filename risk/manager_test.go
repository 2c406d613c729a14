package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stubBalances struct {
	gas    float64
	stable float64
	err    error
}

func (s stubBalances) Balances(ctx context.Context, address string) (float64, float64, error) {
	return s.gas, s.stable, s.err
}

type stubProber struct {
	latency time.Duration
	err     error
}

func (s stubProber) Ping(ctx context.Context) (time.Duration, error) {
	return s.latency, s.err
}

// newTestManager 返回钱包已验证、手动时钟的 Manager。
func newTestManager(clock Clock) *Manager {
	m := NewManager(Config{Clock: clock})
	m.walletVerified = true
	return m
}

func TestCheckOrderSizeLimits(t *testing.T) {
	m := newTestManager(nil)

	// 边界 20.00 接受，20.01 拒绝
	if ok, _ := m.CheckOrder(20.00, nil); !ok {
		t.Fatalf("expected exactly-at-limit order to pass")
	}
	if ok, reason := m.CheckOrder(20.01, nil); ok {
		t.Fatalf("expected over-limit order to fail, got %q", reason)
	}
	if ok, _ := m.CheckOrder(100.0, nil); ok {
		t.Fatalf("expected 100 order to fail")
	}
	if ok, _ := m.CheckOrder(0, nil); ok {
		t.Fatalf("expected zero size to fail")
	}
	if ok, _ := m.CheckOrder(-5, nil); ok {
		t.Fatalf("expected negative size to fail")
	}
	if ok, _ := m.CheckOrder(15.0, nil); !ok {
		t.Fatalf("expected 15 order to pass")
	}
}

func TestDailyLossLimit(t *testing.T) {
	m := newTestManager(nil)

	// -49 仍可交易
	m.RecordPnL(-49)
	if !m.IsTradingAllowed() {
		t.Fatalf("expected trading allowed at -49")
	}
	// 累计 -51 停机
	m.RecordPnL(-2)
	if m.IsTradingAllowed() {
		t.Fatalf("expected trading blocked at -51")
	}
	if got := m.State(); got != StateStoppedPnLLimit {
		t.Fatalf("expected stopped_pnl_limit, got %s", got)
	}

	// 日切重置后恢复
	m.ResetDailyPnL()
	if !m.IsTradingAllowed() {
		t.Fatalf("expected trading allowed after reset")
	}
}

func TestDailyLossExactBoundary(t *testing.T) {
	m := newTestManager(nil)
	m.RecordPnL(-50)
	if m.IsTradingAllowed() {
		t.Fatalf("expected trading blocked at exactly -50")
	}
}

func TestFatFinger(t *testing.T) {
	m := newTestManager(nil)

	cases := []struct {
		name  string
		price float64
		bid   float64
		ask   float64
		side  string
		ok    bool
	}{
		{"买价在盘口内", 0.49, 0.48, 0.50, "BUY", true},
		{"买价恰在 10% 边界", 0.55, 0.48, 0.50, "BUY", true},
		{"买价超出 10%", 0.551, 0.48, 0.50, "BUY", false},
		{"卖价在盘口内", 0.51, 0.50, 0.52, "SELL", true},
		{"卖价恰在 10% 边界", 0.45, 0.50, 0.52, "SELL", true},
		{"卖价低于 10%", 0.449, 0.50, 0.52, "SELL", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := m.CheckFatFinger(tc.price, tc.bid, tc.ask, tc.side)
			assert.Equal(t, tc.ok, ok, reason)
		})
	}
}

func TestCheckOrderWithMarketContext(t *testing.T) {
	m := newTestManager(nil)
	ok, _ := m.CheckOrder(10, &MarketContext{Price: 0.70, BestBid: 0.54, BestAsk: 0.56, Side: "BUY"})
	if ok {
		t.Fatalf("expected fat finger rejection through CheckOrder")
	}
	ok, _ = m.CheckOrder(10, &MarketContext{Price: 0.56, BestBid: 0.54, BestAsk: 0.56, Side: "BUY"})
	if !ok {
		t.Fatalf("expected in-range order to pass")
	}
}

func TestGasGuard(t *testing.T) {
	m := newTestManager(nil)

	// 0.15 - 0.02 = 0.13 >= 0.05 放行
	if ok, _ := m.CheckGasGuard(0.15, 0.02, 0.05); !ok {
		t.Fatalf("expected net 0.13 to pass")
	}
	// 0.12 - 0.10 = 0.02 < 0.05 拒绝
	if ok, _ := m.CheckGasGuard(0.12, 0.10, 0.05); ok {
		t.Fatalf("expected net 0.02 to be rejected")
	}
	// 边界相等接受
	if ok, _ := m.CheckGasGuard(0.10, 0.05, 0.05); !ok {
		t.Fatalf("expected net == minProfit to pass")
	}
	// minProfit 缺省取配置值
	if ok, _ := m.CheckGasGuard(0.06, 0.02, 0); ok {
		t.Fatalf("expected default min profit 0.05 to reject net 0.04")
	}
}

func TestKillSwitch(t *testing.T) {
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(clock)

	// 阈值以下不拉闸
	for i := 0; i < 4; i++ {
		m.RecordError(500)
	}
	if !m.IsTradingAllowed() {
		t.Fatalf("expected trading allowed below error threshold")
	}
	// 第 5 个错误拉闸
	m.RecordError(429)
	if m.IsTradingAllowed() {
		t.Fatalf("expected kill switch after 5 errors")
	}
	if got := m.State(); got != StatePausedErrorRate {
		t.Fatalf("expected paused_error_rate, got %s", got)
	}

	// 持续时间过后自动恢复
	clock.Advance(10*time.Minute + time.Second)
	if !m.IsTradingAllowed() {
		t.Fatalf("expected trading to resume after kill switch expiry")
	}
	if got := m.State(); got != StateActive {
		t.Fatalf("expected active after expiry, got %s", got)
	}
}

func TestErrorWindowPruning(t *testing.T) {
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(clock)

	// 窗口外的错误不计数
	for i := 0; i < 4; i++ {
		m.RecordError(502)
	}
	clock.Advance(61 * time.Second)
	if got := m.ErrorCount(); got != 0 {
		t.Fatalf("expected stale errors pruned, got %d", got)
	}
	for i := 0; i < 4; i++ {
		m.RecordError(500)
	}
	if !m.IsTradingAllowed() {
		t.Fatalf("expected trading allowed: only 4 errors in current window")
	}
}

func TestIgnoredStatusCodes(t *testing.T) {
	m := newTestManager(nil)
	for i := 0; i < 10; i++ {
		m.RecordError(404)
		m.RecordError(400)
	}
	if got := m.ErrorCount(); got != 0 {
		t.Fatalf("expected non-listed codes ignored, got %d", got)
	}
}

func TestAuthErrorIsFatal(t *testing.T) {
	m := newTestManager(nil)
	m.RecordError(403)
	if m.IsTradingAllowed() {
		t.Fatalf("expected manual stop after 403")
	}
	if got := m.State(); got != StateStoppedManual {
		t.Fatalf("expected stopped_manual, got %s", got)
	}
	// 无自动恢复，必须人工 resume
	m.ResumeTrading()
	if !m.IsTradingAllowed() {
		t.Fatalf("expected trading after operator resume")
	}
}

func TestBotPanicLatch(t *testing.T) {
	m := newTestManager(nil)

	m.TriggerBotPanic(BotVulture, "taker fee detected")
	if m.IsTradingAllowed() {
		t.Fatalf("expected panic to stop all trading")
	}
	if got := m.State(); got != StateStoppedBotPanic {
		t.Fatalf("expected stopped_bot_panic, got %s", got)
	}
	// panic 压过其他条件：即便盈亏为正依旧停机
	m.RecordPnL(100)
	if m.IsTradingAllowed() {
		t.Fatalf("expected panic latch to be sticky")
	}

	m.ClearBotPanic(BotVulture)
	if !m.IsTradingAllowed() {
		t.Fatalf("expected trading after panic cleared")
	}

	m.TriggerBotPanic(BotCorrelation, "test")
	m.TriggerBotPanic(BotNegRisk, "test")
	m.ClearAllPanics()
	if !m.IsTradingAllowed() {
		t.Fatalf("expected trading after all panics cleared")
	}
}

func TestResumeClearsKillSwitchAndPanics(t *testing.T) {
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(clock)

	for i := 0; i < 5; i++ {
		m.RecordError(429)
	}
	m.TriggerBotPanic(BotSentinel, "test")
	if m.IsTradingAllowed() {
		t.Fatalf("expected blocked")
	}
	m.ResumeTrading()
	if !m.IsTradingAllowed() {
		t.Fatalf("expected resume to clear kill switch and panics")
	}
}

func TestWalletGatePrecedence(t *testing.T) {
	m := NewManager(Config{})
	// 未验证钱包优先于其他一切条件
	if m.IsTradingAllowed() {
		t.Fatalf("expected unverified wallet to block trading")
	}
	if got := m.State(); got != StatePausedWallet {
		t.Fatalf("expected paused_wallet, got %s", got)
	}
}

func TestVerifyWallet(t *testing.T) {
	cases := []struct {
		name   string
		src    stubBalances
		wantOK bool
	}{
		{"余额充足", stubBalances{gas: 2.5, stable: 120}, true},
		{"gas 不足", stubBalances{gas: 0.5, stable: 120}, false},
		{"稳定币不足", stubBalances{gas: 2.5, stable: 10}, false},
		{"RPC 错误", stubBalances{err: errors.New("rpc down")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(Config{WalletAddress: "0xabc", Balances: tc.src})
			ok, _ := m.VerifyWallet(context.Background())
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantOK, m.IsTradingAllowed())
		})
	}
}

func TestLatencyGuardOnlyGatesHFT(t *testing.T) {
	m := NewManager(Config{Prober: stubProber{latency: 800 * time.Millisecond}})
	m.walletVerified = true

	if _, healthy := m.CheckAPILatency(context.Background()); healthy {
		t.Fatalf("expected 800ms to be unhealthy")
	}
	if !m.IsTradingAllowed() {
		t.Fatalf("expected normal trading unaffected by latency")
	}
	if m.IsHFTAllowed() {
		t.Fatalf("expected HFT paused on degraded latency")
	}

	m.prober = stubProber{latency: 120 * time.Millisecond}
	if _, healthy := m.CheckAPILatency(context.Background()); !healthy {
		t.Fatalf("expected 120ms to be healthy")
	}
	if !m.IsHFTAllowed() {
		t.Fatalf("expected HFT allowed after recovery")
	}
}

func TestHandleRateLimit(t *testing.T) {
	m := newTestManager(nil)
	if got := m.HandleRateLimit(0); got != 30*time.Second {
		t.Fatalf("expected default 30s wait, got %v", got)
	}
	if got := m.HandleRateLimit(7 * time.Second); got != 7*time.Second {
		t.Fatalf("expected retry-after passthrough, got %v", got)
	}
	if m.ErrorCount() != 2 {
		t.Fatalf("expected both 429s recorded, got %d", m.ErrorCount())
	}
}

func TestGetStatusReflectsMostRestrictive(t *testing.T) {
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(clock)

	for i := 0; i < 5; i++ {
		m.RecordError(500)
	}
	st := m.GetStatus()
	assert.False(t, st.TradingAllowed)
	assert.Equal(t, StatePausedErrorRate, st.State)
	assert.True(t, st.KillSwitchActive)
	assert.InDelta(t, (10 * time.Minute).Seconds(), st.KillSwitchRemaining.Seconds(), 1)

	m.TriggerBotPanic(BotVulture, "taker fee")
	st = m.GetStatus()
	assert.Equal(t, StateStoppedBotPanic, st.State)
	assert.Contains(t, st.Panics, "vulture")
}

func TestRecordOrderCounters(t *testing.T) {
	m := newTestManager(nil)
	m.RecordOrder(10)
	m.RecordOrder(5.5)
	st := m.GetStatus()
	if st.TotalOrders != 2 || st.TotalVolume != 15.5 {
		t.Fatalf("unexpected counters: %d / %.2f", st.TotalOrders, st.TotalVolume)
	}

	m.RecordPnL(-3)
	mt := m.GetMetrics()
	if mt.TotalOrders != 2 || mt.TotalVolume != 15.5 || mt.DailyPnL != -3 {
		t.Fatalf("unexpected metrics snapshot: %+v", mt)
	}

	// 重置后计数归零
	m.ResetDailyPnL()
	mt = m.GetMetrics()
	if mt.TotalOrders != 0 || mt.TotalVolume != 0 || mt.DailyPnL != 0 {
		t.Fatalf("reset did not clear counters: %+v", mt)
	}
}
