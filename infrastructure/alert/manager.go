package alert

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 机群事件名。风控与执行层通过 Notify(event, message) 上报这些事件。
const (
	EventStartup      = "startup"
	EventShutdown     = "shutdown"
	EventTrade        = "trade"
	EventError        = "error"
	EventKillSwitch   = "kill_switch"
	EventBotPanic     = "bot_panic"
	EventDailySummary = "daily_summary"
)

// Alert 告警信息
type Alert struct {
	Level     string // "INFO", "WARNING", "ERROR", "CRITICAL"
	Event     string // 事件名（见上方常量），可为空
	Message   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器。Notify 路径保证火忘（fire-and-forget）：
// 通道失败只记日志，绝不阻塞或影响交易决策。
type Manager struct {
	channels []Channel
	throttle *Throttler
	log      *zap.Logger
	mu       sync.RWMutex
}

// Throttler 告警限流器：同一 key 在 interval 内只放行一次
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	last, exists := t.lastSent[key]
	if !exists || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Reset 重置指定 key 的限流记录
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
		log:      log,
	}
}

// SendAlert 同步发送告警到所有通道。全部通道失败时返回最后一个错误。
func (m *Manager) SendAlert(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	key := fmt.Sprintf("%s:%s", alert.Level, alert.Message)
	if !m.throttle.Allow(key) {
		return nil // 被限流，静默忽略
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	var lastErr error
	success := 0
	for _, ch := range channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
			m.log.Warn("alert channel failed",
				zap.String("channel", ch.Name()), zap.Error(err))
		} else {
			success++
		}
	}
	if success == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// eventLevel 事件到级别的映射。
func eventLevel(event string) string {
	switch event {
	case EventKillSwitch, EventBotPanic:
		return "CRITICAL"
	case EventError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Notify 火忘式事件上报，实现风控侧的 AlertSink。
// 投递在独立 goroutine 中完成，调用方永不等待。
func (m *Manager) Notify(event, message string) {
	alert := Alert{
		Level:     eventLevel(event),
		Event:     event,
		Message:   message,
		Timestamp: time.Now(),
	}
	go func() {
		if err := m.SendAlert(alert); err != nil {
			m.log.Warn("alert delivery failed",
				zap.String("event", event), zap.Error(err))
		}
	}()
}

// Send 实现 risk.AlertSink。
func (m *Manager) Send(event, message string) {
	m.Notify(event, message)
}

// NotifyStartup 启动事件。
func (m *Manager) NotifyStartup(version string, dryRun bool) {
	m.Notify(EventStartup, fmt.Sprintf("fleet started version=%s dry_run=%v", version, dryRun))
}

// NotifyShutdown 停机事件。
func (m *Manager) NotifyShutdown(reason string) {
	m.Notify(EventShutdown, "fleet shutdown: "+reason)
}

// NotifyTrade 成交事件。
func (m *Manager) NotifyTrade(bot, market, side string, price, size float64) {
	m.Notify(EventTrade, fmt.Sprintf("%s %s %s @ $%.4f x %.2f", bot, side, market, price, size))
}

// NotifyDailySummary 日终汇总事件。
func (m *Manager) NotifyDailySummary(summary string) {
	m.Notify(EventDailySummary, summary)
}

// SendInfo 发送INFO级别告警
func (m *Manager) SendInfo(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: "INFO", Message: message, Fields: fields})
}

// SendWarning 发送WARNING级别告警
func (m *Manager) SendWarning(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: "WARNING", Message: message, Fields: fields})
}

// SendError 发送ERROR级别告警
func (m *Manager) SendError(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: "ERROR", Message: message, Fields: fields})
}

// SendCritical 发送CRITICAL级别告警
func (m *Manager) SendCritical(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: "CRITICAL", Message: message, Fields: fields})
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// RemoveChannel 移除告警通道
func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch.Name() != name {
			filtered = append(filtered, ch)
		}
	}
	m.channels = filtered
}

// GetChannels 获取所有通道名称
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
