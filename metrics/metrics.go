// Package metrics 机群的 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polyfleet-go/ratelimit"
	"polyfleet-go/risk"
)

// FleetMetrics 指标收集器，独立 registry，避免污染全局默认注册表。
type FleetMetrics struct {
	registry *prometheus.Registry

	// 风控指标
	tradingState        prometheus.Gauge
	tradingAllowed      prometheus.Gauge
	hftAllowed          prometheus.Gauge
	dailyPnL            prometheus.Gauge
	pnlRemaining        prometheus.Gauge
	errorCount          prometheus.Gauge
	killSwitchRemaining prometheus.Gauge
	apiLatency          prometheus.Gauge
	walletGas           prometheus.Gauge
	walletStable        prometheus.Gauge
	activePanics        prometheus.Gauge

	// 成交与订单指标
	totalOrders prometheus.Gauge
	totalVolume prometheus.Gauge
	executions  *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	apiErrors   *prometheus.CounterVec

	// 限流指标
	bucketAvailable *prometheus.GaugeVec
	bucketRequests  *prometheus.GaugeVec
	bucketThrottled *prometheus.GaugeVec
	backoffActive   prometheus.Gauge
	consecutive429  prometheus.Gauge
}

// Config 指标配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{Namespace: "polyfleet", Subsystem: "core"}
}

// New 创建新的 FleetMetrics 实例
func New(cfg Config) *FleetMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		}, labels)
	}

	return &FleetMetrics{
		registry: reg,

		tradingState:        gauge("trading_state", "当前交易状态枚举值"),
		tradingAllowed:      gauge("trading_allowed", "是否允许交易(1/0)"),
		hftAllowed:          gauge("hft_allowed", "是否允许高频策略(1/0)"),
		dailyPnL:            gauge("daily_pnl", "当日累计盈亏（USDC）"),
		pnlRemaining:        gauge("pnl_remaining", "距离日亏损上限的剩余额度"),
		errorCount:          gauge("error_window_count", "滑动窗口内的错误数"),
		killSwitchRemaining: gauge("kill_switch_remaining_seconds", "kill switch 剩余秒数"),
		apiLatency:          gauge("api_latency_seconds", "最近一次 API 延迟探测（秒）"),
		walletGas:           gauge("wallet_gas_balance", "钱包原生代币余额"),
		walletStable:        gauge("wallet_stable_balance", "钱包稳定币余额"),
		activePanics:        gauge("active_bot_panics", "未清除的 bot panic 数"),

		totalOrders: gauge("orders_total", "累计订单数"),
		totalVolume: gauge("volume_total", "累计成交量（USDC）"),
		executions:  counterVec("executions_total", "执行器完成次数", "bot", "result"),
		rejections:  counterVec("admission_rejections_total", "准入拒绝次数", "rule"),
		apiErrors:   counterVec("api_errors_total", "API 错误次数", "code"),

		bucketAvailable: gaugeVec("bucket_tokens_available", "令牌桶当前余额", "bucket"),
		bucketRequests:  gaugeVec("bucket_requests_total", "令牌桶累计请求数", "bucket"),
		bucketThrottled: gaugeVec("bucket_throttled_total", "令牌桶累计限流数", "bucket"),
		backoffActive:   gauge("backoff_active", "是否处于全局退避(1/0)"),
		consecutive429:  gauge("consecutive_429", "连续 429 次数"),
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ObserveRisk 把一份风控状态快照写入各 gauge。
func (m *FleetMetrics) ObserveRisk(s risk.Status) {
	m.tradingState.Set(float64(s.State))
	m.tradingAllowed.Set(boolToFloat(s.TradingAllowed))
	m.hftAllowed.Set(boolToFloat(s.HFTAllowed))
	m.dailyPnL.Set(s.DailyPnL)
	m.pnlRemaining.Set(s.PnLRemaining)
	m.errorCount.Set(float64(s.ErrorCount))
	m.killSwitchRemaining.Set(s.KillSwitchRemaining.Seconds())
	m.apiLatency.Set(s.APILatency.Seconds())
	m.walletGas.Set(s.WalletGas)
	m.walletStable.Set(s.WalletStable)
	m.activePanics.Set(float64(len(s.Panics)))
	m.totalOrders.Set(float64(s.TotalOrders))
	m.totalVolume.Set(s.TotalVolume)
}

// ObserveRateLimit 把一份限流状态快照写入各 gauge。
func (m *FleetMetrics) ObserveRateLimit(s ratelimit.Status) {
	m.backoffActive.Set(boolToFloat(s.InBackoff))
	m.consecutive429.Set(float64(s.Consecutive429))
	for name, b := range s.Buckets {
		m.bucketAvailable.WithLabelValues(name).Set(b.Available)
		m.bucketRequests.WithLabelValues(name).Set(float64(b.Requests))
		m.bucketThrottled.WithLabelValues(name).Set(float64(b.Throttled))
	}
}

// RecordExecution 记一次执行结果。
func (m *FleetMetrics) RecordExecution(bot string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.executions.WithLabelValues(bot, result).Inc()
}

// RecordRejection 记一次准入拒绝（size/fat_finger/gas/dispute_buffer/post_only）。
func (m *FleetMetrics) RecordRejection(rule string) {
	m.rejections.WithLabelValues(rule).Inc()
}

// RecordAPIError 记一次 API 错误。
func (m *FleetMetrics) RecordAPIError(code string) {
	m.apiErrors.WithLabelValues(code).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *FleetMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *FleetMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartServer 在独立 goroutine 中启动指标服务器。
func (m *FleetMetrics) StartServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
