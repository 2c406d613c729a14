package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"polyfleet-go/ratelimit"
	"polyfleet-go/risk"
)

func TestObserveRisk(t *testing.T) {
	m := New(DefaultConfig())

	m.ObserveRisk(risk.Status{
		TradingAllowed:      false,
		HFTAllowed:          false,
		State:               risk.StateStoppedBotPanic,
		DailyPnL:            -12.5,
		PnLLimit:            50,
		PnLRemaining:        37.5,
		ErrorCount:          3,
		KillSwitchRemaining: 90 * time.Second,
		TotalOrders:         42,
		TotalVolume:         310.0,
		APILatency:          120 * time.Millisecond,
		Panics:              map[string]string{"vulture": "taker fee"},
	})

	if got := testutil.ToFloat64(m.tradingAllowed); got != 0 {
		t.Errorf("trading_allowed = %f, want 0", got)
	}
	if got := testutil.ToFloat64(m.dailyPnL); got != -12.5 {
		t.Errorf("daily_pnl = %f, want -12.5", got)
	}
	if got := testutil.ToFloat64(m.killSwitchRemaining); got != 90 {
		t.Errorf("kill_switch_remaining_seconds = %f, want 90", got)
	}
	if got := testutil.ToFloat64(m.activePanics); got != 1 {
		t.Errorf("active_bot_panics = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.totalOrders); got != 42 {
		t.Errorf("orders_total = %f, want 42", got)
	}
	if got := testutil.ToFloat64(m.tradingState); got != float64(risk.StateStoppedBotPanic) {
		t.Errorf("trading_state = %f, want %d", got, risk.StateStoppedBotPanic)
	}
}

func TestObserveRateLimit(t *testing.T) {
	m := New(DefaultConfig())

	m.ObserveRateLimit(ratelimit.Status{
		InBackoff:      true,
		Consecutive429: 2,
		Buckets: map[string]ratelimit.BucketStats{
			"orders":      {Name: "orders", Available: 12.5, Capacity: 40, Requests: 100, Throttled: 7},
			"market_data": {Name: "market_data", Available: 80, Capacity: 80},
		},
	})

	if got := testutil.ToFloat64(m.backoffActive); got != 1 {
		t.Errorf("backoff_active = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.consecutive429); got != 2 {
		t.Errorf("consecutive_429 = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.bucketThrottled.WithLabelValues("orders")); got != 7 {
		t.Errorf("bucket_throttled_total[orders] = %f, want 7", got)
	}
	if got := testutil.ToFloat64(m.bucketAvailable.WithLabelValues("market_data")); got != 80 {
		t.Errorf("bucket_tokens_available[market_data] = %f, want 80", got)
	}
}

func TestExecutionCounters(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordExecution("vulture", true)
	m.RecordExecution("vulture", true)
	m.RecordExecution("vulture", false)
	m.RecordRejection("fat_finger")
	m.RecordAPIError("429")

	if got := testutil.ToFloat64(m.executions.WithLabelValues("vulture", "success")); got != 2 {
		t.Errorf("executions[vulture,success] = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.executions.WithLabelValues("vulture", "failure")); got != 1 {
		t.Errorf("executions[vulture,failure] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.rejections.WithLabelValues("fat_finger")); got != 1 {
		t.Errorf("rejections[fat_finger] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.apiErrors.WithLabelValues("429")); got != 1 {
		t.Errorf("api_errors[429] = %f, want 1", got)
	}
}

func TestIndependentRegistries(t *testing.T) {
	// 两个实例各有独立 registry，互不冲突
	a := New(DefaultConfig())
	b := New(DefaultConfig())
	if a.Registry() == b.Registry() {
		t.Fatal("instances must not share a registry")
	}
}
