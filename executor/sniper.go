package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"polyfleet-go/gateway"
	"polyfleet-go/risk"
)

// defaultDisputeBuffer 结算前必须保留的最小时间余量。
const defaultDisputeBuffer = time.Hour

// ResolutionSniperExecutor 结算狙击执行器。
// 规则：liveness 窗口剩余时间不足缓冲量时拒绝执行，
// 避免资金被锁进争议期。
type ResolutionSniperExecutor struct {
	Client      OrderPlacer
	Clock       risk.Clock
	Instruments Instruments
	Buffer      time.Duration // 零值使用 defaultDisputeBuffer
	DryRun      bool
	Log         *zap.Logger
}

func (e *ResolutionSniperExecutor) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *ResolutionSniperExecutor) clock() risk.Clock {
	if e.Clock == nil {
		return risk.NowUTC
	}
	return e.Clock
}

func (e *ResolutionSniperExecutor) buffer() time.Duration {
	if e.Buffer <= 0 {
		return defaultDisputeBuffer
	}
	return e.Buffer
}

// CheckDisputeBuffer 检查 liveness 剩余时间是否满足缓冲要求。
// 恰好等于缓冲量时允许执行。
func (e *ResolutionSniperExecutor) CheckDisputeBuffer(livenessEndsAt int64) (bool, string) {
	remaining := time.Duration(livenessEndsAt-e.clock().Now().Unix()) * time.Second
	if remaining < e.buffer() {
		reason := fmt.Sprintf("dispute buffer: only %dmin remaining, need %dmin minimum",
			int(remaining.Minutes()), int(e.buffer().Minutes()))
		e.logger().Warn("dispute buffer violated", zap.String("reason", reason))
		return false, reason
	}
	return true, fmt.Sprintf("%s buffer", remaining)
}

// Execute 带争议缓冲检查执行狙击单。
func (e *ResolutionSniperExecutor) Execute(ctx context.Context, opp SnipeOpportunity) (*ExecutionResult, error) {
	ok, reason := e.CheckDisputeBuffer(opp.LivenessEndsAt)
	if !ok {
		e.Instruments.rejection(risk.BotResolution, "dispute_buffer", reason)
		return &ExecutionResult{Success: false, Err: reason}, nil
	}

	if e.DryRun {
		e.logger().Info("dry run snipe", zap.String("condition", opp.ConditionID))
		res := &ExecutionResult{Success: true, OrderID: "dry_run_sniper"}
		e.Instruments.execution(risk.BotResolution, res, map[string]interface{}{"dry_run": true})
		return res, nil
	}

	ack, err := e.Client.PlaceOrder(ctx, gateway.OrderRequest{
		TokenID:     opp.ConditionID,
		Side:        opp.Side,
		Price:       opp.Price,
		Size:        opp.Size,
		TimeInForce: "IOC",
	})
	if err != nil {
		res := &ExecutionResult{Success: false, Err: err.Error()}
		e.Instruments.execution(risk.BotResolution, res, nil)
		return res, fmt.Errorf("snipe order: %w", err)
	}
	res := &ExecutionResult{
		Success:     true,
		OrderID:     ack.OrderID,
		FilledSize:  ack.FilledSize,
		FilledPrice: ack.FilledPrice,
		Fee:         ack.Fee,
	}
	e.Instruments.execution(risk.BotResolution, res, nil)
	return res, nil
}
