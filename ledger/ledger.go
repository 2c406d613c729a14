// Package ledger 影子/实盘成交台账：每笔成交追加一行 CSV，
// 核心运行时只写不读，离线分析用。
package ledger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"polyfleet-go/risk"
)

var csvColumns = []string{
	"timestamp", "bot", "market_id", "side",
	"price", "size", "expected_profit", "gas_cost", "status",
}

// Entry 一笔（模拟或真实）成交记录。
type Entry struct {
	Timestamp      time.Time
	Bot            risk.BotID
	MarketID       string
	Side           string
	Price          float64
	Size           float64
	ExpectedProfit float64
	GasCost        float64
	Status         string // 缺省 "FILLED"
}

// Stats 会话累计统计。净利 = expectedProfit - gasCost，净利 ≥ 0 记为 win。
type Stats struct {
	TotalTrades int
	Wins        int
	Losses      int
	Errors      int
	TotalProfit float64
	GasSaved    float64
}

// WinRate 胜率（百分比）。
func (s Stats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.TotalTrades) * 100
}

// Ledger 追加式 CSV 台账。并发安全。
type Ledger struct {
	Clock risk.Clock
	Log   *zap.Logger

	mu    sync.Mutex
	f     *os.File
	w     *csv.Writer
	stats Stats
}

// Open 打开（或创建）台账文件。新文件先写表头。
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger open: %w", err)
	}

	l := &Ledger{f: f, w: csv.NewWriter(f)}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := l.w.Write(csvColumns); err != nil {
			f.Close()
			return nil, fmt.Errorf("ledger header: %w", err)
		}
		l.w.Flush()
	}
	return l, l.w.Error()
}

func (l *Ledger) clock() risk.Clock {
	if l.Clock == nil {
		return risk.NowUTC
	}
	return l.Clock
}

func (l *Ledger) logger() *zap.Logger {
	if l.Log == nil {
		return zap.NewNop()
	}
	return l.Log
}

// Record 追加一笔成交并更新统计。写入即 flush，进程崩溃不丢已记行。
func (l *Ledger) Record(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock().Now()
	}
	if e.Status == "" {
		e.Status = "FILLED"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	row := []string{
		e.Timestamp.UTC().Format(time.RFC3339),
		e.Bot.String(),
		e.MarketID,
		e.Side,
		strconv.FormatFloat(e.Price, 'f', -1, 64),
		strconv.FormatFloat(e.Size, 'f', -1, 64),
		strconv.FormatFloat(e.ExpectedProfit, 'f', -1, 64),
		strconv.FormatFloat(e.GasCost, 'f', -1, 64),
		e.Status,
	}
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("ledger write: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("ledger flush: %w", err)
	}

	net := e.ExpectedProfit - e.GasCost
	l.stats.TotalTrades++
	l.stats.TotalProfit += net
	l.stats.GasSaved += e.GasCost
	if net >= 0 {
		l.stats.Wins++
	} else {
		l.stats.Losses++
	}

	l.logger().Info("ledger fill",
		zap.String("bot", e.Bot.String()), zap.String("market", e.MarketID),
		zap.String("side", e.Side), zap.Float64("price", e.Price),
		zap.Float64("size", e.Size), zap.Float64("net", net))
	return nil
}

// RecordError 记一次错误（只进统计，不落盘）。
func (l *Ledger) RecordError() {
	l.mu.Lock()
	l.stats.Errors++
	l.mu.Unlock()
}

// Stats 返回当前会话统计快照。
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Report 以文本形式输出会话报告。
func (l *Ledger) Report() string {
	s := l.Stats()
	return fmt.Sprintf(
		"trades=%d wins=%d losses=%d win_rate=%.1f%% virtual_pnl=$%.2f gas_saved=$%.2f errors=%d",
		s.TotalTrades, s.Wins, s.Losses, s.WinRate(), s.TotalProfit, s.GasSaved, s.Errors)
}

// Close 关闭底层文件。
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
