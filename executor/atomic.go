package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"polyfleet-go/gateway"
	"polyfleet-go/risk"
)

// AtomicPairExecutor 相关性套利执行器：双腿强制 FOK，作为单个原子批提交。
// 契约：不存在"只成交一条腿"的可观测中间态——批次要么全部成交，
// 要么整体被拒；任何腿不匹配时上报 success=false 且各腿 filledSize 为零。
type AtomicPairExecutor struct {
	Client      BatchPlacer
	Instruments Instruments
	DryRun      bool
	Log         *zap.Logger
}

func (e *AtomicPairExecutor) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// ExecutePair 原子提交一买一卖两条腿。两腿的 TimeInForce 被覆写为 FOK。
func (e *AtomicPairExecutor) ExecutePair(ctx context.Context, buy, sell gateway.OrderRequest) (*ExecutionResult, error) {
	buy.TimeInForce = "FOK"
	sell.TimeInForce = "FOK"

	e.logger().Info("atomic FOK execution",
		zap.String("buy_token", buy.TokenID), zap.Float64("buy_price", buy.Price),
		zap.String("sell_token", sell.TokenID), zap.Float64("sell_price", sell.Price))

	if e.DryRun {
		size := buy.Size
		if sell.Size < size {
			size = sell.Size
		}
		res := &ExecutionResult{
			Success:    true,
			OrderID:    "dry_run_atomic_fok",
			FilledSize: size,
		}
		e.Instruments.execution(risk.BotCorrelation, res, map[string]interface{}{"dry_run": true})
		return res, nil
	}

	acks, err := e.Client.PlaceBatch(ctx, []gateway.OrderRequest{buy, sell})
	if err != nil {
		res := &ExecutionResult{Success: false, Err: err.Error()}
		e.Instruments.execution(risk.BotCorrelation, res, nil)
		return res, fmt.Errorf("atomic batch: %w", err)
	}

	// FOK 下要么全部成交要么全部被拒；任何一条腿未成交都视为整批拒绝
	var unfilled int
	for _, a := range acks {
		if !a.Filled {
			unfilled++
		}
	}
	if unfilled > 0 || len(acks) != 2 {
		e.logger().Warn("FOK rejected", zap.Int("unfilled_legs", unfilled))
		e.Instruments.rejection(risk.BotCorrelation, "fok_atomic", "insufficient liquidity for atomic fill")
		return &ExecutionResult{
			Success: false,
			Err:     "FOK rejected - insufficient liquidity for atomic fill",
		}, nil
	}

	var total float64
	ids := make([]string, 0, len(acks))
	for _, a := range acks {
		total += a.FilledSize
		ids = append(ids, a.OrderID)
	}
	res := &ExecutionResult{
		Success:    true,
		OrderID:    strings.Join(ids, ","),
		FilledSize: total,
	}
	e.Instruments.execution(risk.BotCorrelation, res, map[string]interface{}{"legs": len(acks)})
	return res, nil
}

// Execute 执行一个双腿机会：买子市场、卖父市场。
func (e *AtomicPairExecutor) Execute(ctx context.Context, opp PairOpportunity) (*ExecutionResult, error) {
	buy := gateway.OrderRequest{
		TokenID: opp.BuyTokenID,
		Side:    "BUY",
		Price:   opp.BuyPrice,
		Size:    opp.Size,
	}
	sell := gateway.OrderRequest{
		TokenID: opp.SellTokenID,
		Side:    "SELL",
		Price:   opp.SellPrice,
		Size:    opp.Size,
	}
	return e.ExecutePair(ctx, buy, sell)
}
