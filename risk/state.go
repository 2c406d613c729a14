package risk

// TradingState 全局交易状态，由 Manager 在每次准入检查时重算。
// 同一时刻只有一个值生效，优先级见 IsTradingAllowed。
type TradingState int

const (
	// StateActive 正常交易
	StateActive TradingState = iota
	// StatePausedErrorRate 错误率触发 kill switch，限时暂停
	StatePausedErrorRate
	// StatePausedLatency API 延迟劣化，仅 HFT 策略暂停
	StatePausedLatency
	// StatePausedWallet 钱包未验证或余额不足
	StatePausedWallet
	// StateStoppedPnLLimit 当日亏损触达上限
	StateStoppedPnLLimit
	// StateStoppedManual 人工停机（含 403 致命错误）
	StateStoppedManual
	// StateStoppedBotPanic 任一 bot 触发 panic 闩锁
	StateStoppedBotPanic
)

// String 返回状态名称
func (s TradingState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePausedErrorRate:
		return "paused_error_rate"
	case StatePausedLatency:
		return "paused_latency"
	case StatePausedWallet:
		return "paused_wallet"
	case StateStoppedPnLLimit:
		return "stopped_pnl_limit"
	case StateStoppedManual:
		return "stopped_manual"
	case StateStoppedBotPanic:
		return "stopped_bot_panic"
	default:
		return "unknown"
	}
}

// BotID 策略机器人编号。封闭集合，避免字符串键带来的拼写错误。
type BotID int

const (
	// BotCorrelation 相关性扫描（DAG 单调性违例）
	BotCorrelation BotID = iota
	// BotNegRisk NegRisk 套利（链上 split/merge）
	BotNegRisk
	// BotResolution 结算狙击（UMA liveness 窗口）
	BotResolution
	// BotVulture 僵尸市场做市（maker 返佣）
	BotVulture
	// BotSentinel 新闻语义信号
	BotSentinel

	botCount
)

// String 返回 bot 名称
func (b BotID) String() string {
	switch b {
	case BotCorrelation:
		return "correlation_scanner"
	case BotNegRisk:
		return "negrisk_miner"
	case BotResolution:
		return "resolution_sniper"
	case BotVulture:
		return "vulture"
	case BotSentinel:
		return "semantic_sentinel"
	default:
		return "unknown"
	}
}

// AllBots 返回全部已注册的 bot 编号。
func AllBots() []BotID {
	out := make([]BotID, 0, int(botCount))
	for b := BotID(0); b < botCount; b++ {
		out = append(out, b)
	}
	return out
}
