package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BookUpdate 最优盘口推送。
type BookUpdate struct {
	TokenID string
	BestBid float64
	BestAsk float64
	Ts      time.Time
}

// BookFeed 订单簿 WebSocket 订阅客户端，维护回调列表并推送盘口变化。
// 行情流不经过 RateLimiter（限流只约束 REST 出站调用）。
type BookFeed struct {
	URL string
	Log *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers []func(BookUpdate)
}

type subscribeMsg struct {
	Type     string   `json:"type"`
	Channel  string   `json:"channel"`
	AssetIDs []string `json:"assets_ids"`
}

type bookMsg struct {
	EventType string     `json:"event_type"`
	AssetID   string     `json:"asset_id"`
	Bids      []rawLevel `json:"bids"`
	Asks      []rawLevel `json:"asks"`
}

// OnUpdate 注册盘口回调。
func (f *BookFeed) OnUpdate(fn func(BookUpdate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fn)
}

// Connect 建立连接并订阅 book 频道。
func (f *BookFeed) Connect(ctx context.Context, tokenIDs []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return fmt.Errorf("dial book feed: %w", err)
	}
	conn.SetReadLimit(2 << 20)

	sub := subscribeMsg{Type: "subscribe", Channel: "book", AssetIDs: tokenIDs}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe book feed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.logger().Info("book feed connected", zap.Int("tokens", len(tokenIDs)))
	return nil
}

// Run 读循环，直到 ctx 取消或连接断开。
func (f *BookFeed) Run(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("book feed not connected")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read book feed: %w", err)
		}

		var msg bookMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger().Warn("unparseable book message", zap.Error(err))
			continue
		}
		if msg.EventType != "book" {
			continue
		}
		update := BookUpdate{TokenID: msg.AssetID, Ts: time.Now().UTC()}
		for _, l := range parseLevels(msg.Bids) {
			if l.Price > update.BestBid {
				update.BestBid = l.Price
			}
		}
		for i, l := range parseLevels(msg.Asks) {
			if i == 0 || l.Price < update.BestAsk {
				update.BestAsk = l.Price
			}
		}
		f.dispatch(update)
	}
}

func (f *BookFeed) dispatch(update BookUpdate) {
	f.mu.Lock()
	handlers := make([]func(BookUpdate), len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(update)
	}
}

// Connected 返回当前是否持有活动连接。
func (f *BookFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

// Close 关闭连接。
func (f *BookFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}

func (f *BookFeed) logger() *zap.Logger {
	if f.Log == nil {
		return zap.NewNop()
	}
	return f.Log
}
