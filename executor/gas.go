package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"polyfleet-go/risk"
)

// 链上操作的 gas 用量估计（gas 单位）。
const (
	splitGasUnits = 200_000
	mergeGasUnits = 250_000
)

// 缓存时效：gas 价格波动快，短缓存；参考资产价格波动慢，长缓存。
const (
	gasCacheTTL   = 5 * time.Second
	priceCacheTTL = 60 * time.Second
)

// 行情源不可用时的兜底值。
const (
	fallbackGasGwei  = 50.0
	fallbackRefPrice = 0.50
)

type cachedFloat struct {
	value float64
	at    time.Time
}

// GasAwareExecutor 链上 split/merge 执行器。提交前用缓存的 gas 价与
// 参考资产价估算 gas 成本（美元计），净利低于 MinNetProfit 时放弃。
// 该检查独立于 RiskManager.CheckGasGuard，二者都要通过。
type GasAwareExecutor struct {
	Gas          GasSource
	Prices       PriceSource
	Clock        risk.Clock
	Instruments  Instruments
	MinNetProfit float64
	DryRun       bool
	Log          *zap.Logger

	mu         sync.Mutex
	gasCache   cachedFloat
	priceCache cachedFloat
}

func (e *GasAwareExecutor) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *GasAwareExecutor) clock() risk.Clock {
	if e.Clock == nil {
		return risk.NowUTC
	}
	return e.Clock
}

func (e *GasAwareExecutor) minNetProfit() float64 {
	if e.MinNetProfit <= 0 {
		return 0.05
	}
	return e.MinNetProfit
}

// gasPriceGwei 读取当前 gas 价（Gwei），5s 缓存，失败时兜底 50 Gwei。
func (e *GasAwareExecutor) gasPriceGwei(ctx context.Context) float64 {
	now := e.clock().Now()
	e.mu.Lock()
	if !e.gasCache.at.IsZero() && now.Sub(e.gasCache.at) < gasCacheTTL {
		v := e.gasCache.value
		e.mu.Unlock()
		return v
	}
	e.mu.Unlock()

	if e.Gas == nil {
		return fallbackGasGwei
	}
	// 网络调用在锁外
	gwei, err := e.Gas.GasPriceGwei(ctx)
	if err != nil {
		e.logger().Warn("gas price fetch failed, using fallback",
			zap.Error(err), zap.Float64("fallback_gwei", fallbackGasGwei))
		return fallbackGasGwei
	}
	e.mu.Lock()
	e.gasCache = cachedFloat{value: gwei, at: now}
	e.mu.Unlock()
	return gwei
}

// referencePrice 读取参考资产美元价，60s 缓存，失败时兜底 $0.50。
func (e *GasAwareExecutor) referencePrice(ctx context.Context) float64 {
	now := e.clock().Now()
	e.mu.Lock()
	if !e.priceCache.at.IsZero() && now.Sub(e.priceCache.at) < priceCacheTTL {
		v := e.priceCache.value
		e.mu.Unlock()
		return v
	}
	e.mu.Unlock()

	if e.Prices == nil {
		return fallbackRefPrice
	}
	price, err := e.Prices.ReferencePrice(ctx)
	if err != nil {
		e.logger().Warn("reference price fetch failed, using fallback",
			zap.Error(err), zap.Float64("fallback_usd", fallbackRefPrice))
		return fallbackRefPrice
	}
	e.mu.Lock()
	e.priceCache = cachedFloat{value: price, at: now}
	e.mu.Unlock()
	return price
}

// EstimateGasFee 估算一次链上操作的 gas 成本（美元）。
func (e *GasAwareExecutor) EstimateGasFee(ctx context.Context, operation string) float64 {
	units := splitGasUnits
	if operation == "merge" {
		units = mergeGasUnits
	}
	gwei := e.gasPriceGwei(ctx)
	refPrice := e.referencePrice(ctx)

	gasNative := float64(units) * gwei * 1e-9
	return gasNative * refPrice
}

// ShouldExecute 判断机会扣除 gas 后是否仍然值得执行。
// 返回 (是否执行, 原因, 净利)。
func (e *GasAwareExecutor) ShouldExecute(ctx context.Context, opp ChainOpportunity) (bool, string, float64) {
	gasFee := e.EstimateGasFee(ctx, opp.Operation)
	netProfit := opp.Profit - gasFee

	if netProfit < e.minNetProfit() {
		reason := fmt.Sprintf("gas abort: $%.4f - $%.4f = $%.4f < $%.2f",
			opp.Profit, gasFee, netProfit, e.minNetProfit())
		e.logger().Warn("gas check failed", zap.String("reason", reason))
		return false, reason, netProfit
	}
	return true, "profitable after gas", netProfit
}

// Execute 带 gas 检查执行链上操作。
func (e *GasAwareExecutor) Execute(ctx context.Context, opp ChainOpportunity) (*ExecutionResult, error) {
	ok, reason, netProfit := e.ShouldExecute(ctx, opp)
	if !ok {
		e.Instruments.rejection(risk.BotNegRisk, "gas_guard", reason)
		return &ExecutionResult{Success: false, Err: reason}, nil
	}

	if e.DryRun {
		e.logger().Info("dry run chain operation",
			zap.String("market", opp.MarketID), zap.String("operation", opp.Operation),
			zap.Float64("net_profit", netProfit))
		res := &ExecutionResult{
			Success: true,
			OrderID: "dry_run_negrisk",
			PnL:     netProfit,
		}
		e.Instruments.execution(risk.BotNegRisk, res, map[string]interface{}{
			"operation": opp.Operation, "dry_run": true,
		})
		return res, nil
	}

	e.logger().Info("executing chain operation",
		zap.String("market", opp.MarketID), zap.String("operation", opp.Operation))
	res := &ExecutionResult{
		Success: true,
		OrderID: "live_negrisk",
		PnL:     netProfit,
	}
	e.Instruments.execution(risk.BotNegRisk, res, map[string]interface{}{"operation": opp.Operation})
	return res, nil
}
