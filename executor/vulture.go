package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"polyfleet-go/gateway"
	"polyfleet-go/risk"
)

// Panicker 触发全机群 panic 闩锁（由 risk.Manager 实现）。
type Panicker interface {
	TriggerBotPanic(bot risk.BotID, reason string)
}

// VultureExecutor 仅挂单（maker 返佣）执行器。
// 规则：
//  1. 它构建的每一单都强制 postOnly=true；
//  2. 上游机会未标记 maker 资格时，连订单都不构建，直接拒绝；
//  3. 实盘成交出现正数（taker）费用时视为不变量违例——返回
//     *risk.InvariantViolation 并同步触发 RiskManager 的 bot panic，
//     全机群停机而不只是本策略。taker 费意味着竞态或配置错乱，
//     整个机群的状态都不再可信。
type VultureExecutor struct {
	Client      OrderPlacer
	Risk        Panicker
	Instruments Instruments
	DryRun      bool
	Log         *zap.Logger
}

func (e *VultureExecutor) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// ValidateOpportunity 校验机会满足仅挂单约束。
func (e *VultureExecutor) ValidateOpportunity(opp MakerOpportunity) error {
	if !opp.MakerEligible {
		return fmt.Errorf("vulture requires post_only: market %s is not maker-eligible", opp.MarketSlug)
	}
	return nil
}

// BuildOrder 构建强制 postOnly 的挂单。
func (e *VultureExecutor) BuildOrder(opp MakerOpportunity) gateway.OrderRequest {
	return gateway.OrderRequest{
		TokenID:     opp.ConditionID,
		Side:        opp.Side,
		Price:       opp.Price,
		Size:        opp.Size,
		TimeInForce: "GTC",
		PostOnly:    true, // 无条件强制
	}
}

// CheckTakerFee 检查成交费用。正数费用即 taker，触发全机群 panic
// 并返回不变量违例；负数（返佣）与零正常。
func (e *VultureExecutor) CheckTakerFee(fee float64) error {
	if fee <= 0 {
		return nil
	}
	reason := fmt.Sprintf("taker fee detected: $%.4f on a maker-only order", fee)
	e.logger().Error("taker fee on maker-only strategy", zap.Float64("fee", fee))
	if e.Risk != nil {
		e.Risk.TriggerBotPanic(risk.BotVulture, reason)
	}
	return &risk.InvariantViolation{Bot: risk.BotVulture, Reason: reason}
}

// Execute 带仅挂单约束与 taker 费 panic 执行。
// 返回的 error 为 *risk.InvariantViolation 时调用方必须停掉本 bot 的任务。
func (e *VultureExecutor) Execute(ctx context.Context, opp MakerOpportunity) (*ExecutionResult, error) {
	if err := e.ValidateOpportunity(opp); err != nil {
		e.Instruments.rejection(risk.BotVulture, "maker_only", err.Error())
		return &ExecutionResult{Success: false, Err: err.Error()}, nil
	}

	order := e.BuildOrder(opp)
	e.logger().Info("vulture order",
		zap.String("side", order.Side), zap.String("token", order.TokenID),
		zap.Float64("price", order.Price), zap.Bool("post_only", order.PostOnly))

	if e.DryRun {
		// 模拟一笔小额返佣
		res := &ExecutionResult{
			Success: true,
			OrderID: "dry_run_vulture",
			Fee:     -0.001,
		}
		e.Instruments.execution(risk.BotVulture, res, map[string]interface{}{"dry_run": true})
		return res, nil
	}

	ack, err := e.Client.PlaceOrder(ctx, order)
	if err != nil {
		// 传输层错误透传给调用方，由调用方决定重试
		res := &ExecutionResult{Success: false, Err: err.Error()}
		e.Instruments.execution(risk.BotVulture, res, nil)
		return res, fmt.Errorf("vulture order: %w", err)
	}

	if err := e.CheckTakerFee(ack.Fee); err != nil {
		res := &ExecutionResult{
			Success: false,
			OrderID: ack.OrderID,
			Fee:     ack.Fee,
			Err:     err.Error(),
		}
		e.Instruments.execution(risk.BotVulture, res, map[string]interface{}{"fee": ack.Fee})
		return res, err
	}

	res := &ExecutionResult{
		Success:     true,
		OrderID:     ack.OrderID,
		FilledSize:  ack.FilledSize,
		FilledPrice: ack.FilledPrice,
		Fee:         ack.Fee,
	}
	e.Instruments.execution(risk.BotVulture, res, map[string]interface{}{"fee": ack.Fee})
	return res, nil
}
