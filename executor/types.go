// Package executor 按策略划分的执行器：每个执行器对传入的机会施加
// 自己的交战规则（FOK 原子批、gas 净利、争议缓冲、仅挂单），再经
// 限流封装的交易所客户端提交。dryRun 为真时模拟成交，不发任何网络请求。
package executor

import (
	"context"

	"polyfleet-go/gateway"
	"polyfleet-go/risk"
)

// ExecutionResult 单次执行的结果，调用方持有，不可变。
// Fee 正数为 taker 费用，负数为 maker 返佣。
type ExecutionResult struct {
	Success     bool
	OrderID     string
	FilledSize  float64
	FilledPrice float64
	PnL         float64
	Fee         float64
	Err         string
}

// PairOpportunity 相关性套利的双腿机会。
type PairOpportunity struct {
	BuyTokenID  string
	BuyPrice    float64
	SellTokenID string
	SellPrice   float64
	Size        float64
}

// ChainOpportunity 链上 split/merge 机会。
type ChainOpportunity struct {
	MarketID  string
	Operation string // "split" / "merge"
	Profit    float64
}

// SnipeOpportunity 临近结算市场的狙击机会。
type SnipeOpportunity struct {
	ConditionID    string
	Side           string
	Price          float64
	Size           float64
	LivenessEndsAt int64 // liveness 窗口结束的 unix 秒
}

// MakerOpportunity 仅挂单策略的机会。上游必须显式标记 maker 资格。
type MakerOpportunity struct {
	ConditionID   string
	MarketSlug    string
	Side          string
	Price         float64
	Size          float64
	MakerEligible bool
}

// OrderPlacer 单笔下单端点。
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, o gateway.OrderRequest) (*gateway.OrderAck, error)
}

// BatchPlacer 原子批量下单端点。
type BatchPlacer interface {
	PlaceBatch(ctx context.Context, orders []gateway.OrderRequest) ([]gateway.OrderAck, error)
}

// GasSource 当前 gas 价格（Gwei）。
type GasSource interface {
	GasPriceGwei(ctx context.Context) (float64, error)
}

// PriceSource 参考资产对美元报价。
type PriceSource interface {
	ReferencePrice(ctx context.Context) (float64, error)
}

// ExecutionJournal 结构化执行日志端口，由 infrastructure/logger 实现。
type ExecutionJournal interface {
	LogExecution(bot, event, orderID string, fields map[string]interface{})
}

// ExecutionMetrics 执行计数端口，由 metrics 实现。
type ExecutionMetrics interface {
	RecordExecution(bot string, success bool)
	RecordRejection(rule string)
}

// Instruments 各执行器共用的可选上报端口，零值全部为 no-op。
type Instruments struct {
	Journal ExecutionJournal
	Metrics ExecutionMetrics
}

// execution 上报一次已提交执行的结果（含失败的提交）。
func (i Instruments) execution(bot risk.BotID, res *ExecutionResult, fields map[string]interface{}) {
	if i.Metrics != nil {
		i.Metrics.RecordExecution(bot.String(), res.Success)
	}
	if i.Journal != nil {
		event := "filled"
		if !res.Success {
			event = "failed"
		}
		if fields == nil {
			fields = make(map[string]interface{})
		}
		if res.Err != "" {
			fields["error"] = res.Err
		}
		i.Journal.LogExecution(bot.String(), event, res.OrderID, fields)
	}
}

// rejection 上报一次准入规则拒绝（未发出任何订单）。
func (i Instruments) rejection(bot risk.BotID, rule, reason string) {
	if i.Metrics != nil {
		i.Metrics.RecordRejection(rule)
	}
	if i.Journal != nil {
		i.Journal.LogExecution(bot.String(), "rejected", "", map[string]interface{}{
			"rule":   rule,
			"reason": reason,
		})
	}
}
