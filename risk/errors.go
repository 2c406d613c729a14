package risk

import (
	"errors"
	"fmt"
)

var (
	// ErrTradingHalted 准入被当前 TradingState 拒绝。
	ErrTradingHalted = errors.New("trading halted")
	// ErrWalletNotVerified 钱包未通过验证。
	ErrWalletNotVerified = errors.New("wallet not verified")
	// ErrAuthFatal 403 鉴权失败，需人工介入，无自动恢复。
	ErrAuthFatal = errors.New("auth error, manual intervention required")
)

// InvariantViolation 致命的策略不变量违例（例如 maker-only 订单付出 taker 费）。
// 调用方必须用 errors.As 识别并停掉该 bot 的任务；
// 同时 Manager 侧的 panic 闩锁会让整个机群停机，直到人工清除。
type InvariantViolation struct {
	Bot    BotID
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation by %s: %s", e.Bot, e.Reason)
}

// IsInvariantViolation 判断错误链中是否包含不变量违例。
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
