package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"polyfleet-go/ratelimit"
)

// ErrorRecorder 把 API 错误上报给风控（可为 nil）。
type ErrorRecorder interface {
	RecordError(statusCode int)
}

// APIErrorMetrics 按状态码计数出站 API 错误（可为 nil）。
type APIErrorMetrics interface {
	RecordAPIError(code string)
}

// Credentials CLOB API 凭证，随请求头发送。
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// orderEndpoints 命中即归入订单桶，其余归入行情桶。
var orderEndpoints = []string{"/order", "/cancel", "/trade"}

// CLOBClient 经限流器包装的交易所客户端。
// 每次出站调用先从对应令牌桶取令牌；遇到 429 读取 Retry-After、
// 进入全局退避、睡眠后对同一请求递归重试。重试次数不设上限，
// 等待时长由退避上限约束，风控错误窗口会独立拉闸。
type CLOBClient struct {
	BaseURL    string
	Creds      Credentials
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Risk       ErrorRecorder
	Metrics    APIErrorMetrics
	Log        *zap.Logger
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *CLOBClient) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func classify(path string) ratelimit.BucketClass {
	lower := strings.ToLower(path)
	for _, ep := range orderEndpoints {
		if strings.Contains(lower, ep) {
			return ratelimit.Orders
		}
	}
	return ratelimit.MarketData
}

// do 发送一次请求并处理 429/错误上报。body 为 nil 时不带请求体。
func (c *CLOBClient) do(ctx context.Context, method, path string, body, out any) error {
	if c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if c.Limiter != nil {
		if err := c.Limiter.WaitForToken(ctx, classify(path), 1); err != nil {
			return err
		}
	}

	var buf *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewBuffer(raw)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Creds.APIKey != "" {
		req.Header.Set("POLY_API_KEY", c.Creds.APIKey)
		req.Header.Set("POLY_API_SECRET", c.Creds.APISecret)
		req.Header.Set("POLY_PASSPHRASE", c.Creds.Passphrase)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if c.Risk != nil {
			c.Risk.RecordError(429)
		}
		if c.Metrics != nil {
			c.Metrics.RecordAPIError("429")
		}
		var wait time.Duration
		if c.Limiter != nil {
			wait = c.Limiter.Handle429(retryAfter)
		} else {
			wait = retryAfter
		}
		c.logger().Warn("429 received, retrying after backoff",
			zap.String("path", path), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		return c.do(ctx, method, path, body, out)
	}

	if resp.StatusCode >= 400 {
		if c.Risk != nil {
			c.Risk.RecordError(resp.StatusCode)
		}
		if c.Metrics != nil {
			c.Metrics.RecordAPIError(strconv.Itoa(resp.StatusCode))
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if c.Limiter != nil {
		c.Limiter.ResetBackoff()
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// ------------------------------------------------------------------
// 行情
// ------------------------------------------------------------------

// Level 盘口一档。
type Level struct {
	Price float64
	Size  float64
}

// Book 订单簿快照。
type Book struct {
	TokenID string
	BestBid float64
	BestAsk float64
	Bids    []Level
	Asks    []Level
}

type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type rawBook struct {
	AssetID string     `json:"asset_id"`
	Bids    []rawLevel `json:"bids"`
	Asks    []rawLevel `json:"asks"`
}

func parseLevels(raw []rawLevel) []Level {
	out := make([]Level, 0, len(raw))
	for _, r := range raw {
		price, err1 := strconv.ParseFloat(r.Price, 64)
		size, err2 := strconv.ParseFloat(r.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out
}

// GetOrderbook 拉取订单簿快照并计算最优买卖价。
func (c *CLOBClient) GetOrderbook(ctx context.Context, tokenID string) (*Book, error) {
	var raw rawBook
	path := "/book?token_id=" + url.QueryEscape(tokenID)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	book := &Book{
		TokenID: tokenID,
		Bids:    parseLevels(raw.Bids),
		Asks:    parseLevels(raw.Asks),
	}
	for _, l := range book.Bids {
		if l.Price > book.BestBid {
			book.BestBid = l.Price
		}
	}
	for i, l := range book.Asks {
		if i == 0 || l.Price < book.BestAsk {
			book.BestAsk = l.Price
		}
	}
	return book, nil
}

// Ping 测量一次 API 往返耗时，实现 risk.LatencyProber。
func (c *CLOBClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return time.Since(start), nil
}

// ------------------------------------------------------------------
// 订单
// ------------------------------------------------------------------

// OrderRequest 提交给 CLOB 的订单载荷。
type OrderRequest struct {
	TokenID     string
	Side        string // "BUY" / "SELL"
	Price       float64
	Size        float64
	TimeInForce string // GTC/GTD/FOK/IOC
	PostOnly    bool
	Expiration  int64 // unix 秒，0 表示不带
	ClientID    string
}

func (o OrderRequest) payload() map[string]any {
	p := map[string]any{
		"tokenID":     o.TokenID,
		"side":        o.Side,
		"price":       strconv.FormatFloat(o.Price, 'f', -1, 64),
		"size":        strconv.FormatFloat(o.Size, 'f', -1, 64),
		"timeInForce": o.TimeInForce,
	}
	if o.PostOnly {
		p["postOnly"] = true
	}
	if o.Expiration > 0 {
		p["expiration"] = o.Expiration
	}
	if o.ClientID != "" {
		p["clientOrderId"] = o.ClientID
	}
	return p
}

// OrderAck 交易所对单条订单的回执。
type OrderAck struct {
	OrderID     string  `json:"orderId"`
	Filled      bool    `json:"filled"`
	FilledSize  float64 `json:"filledSize"`
	FilledPrice float64 `json:"filledPrice"`
	Fee         float64 `json:"fee"` // 正数 taker 费，负数 maker 返佣
}

// PlaceOrder 提交单条订单。ClientID 为空时自动生成。
func (c *CLOBClient) PlaceOrder(ctx context.Context, o OrderRequest) (*OrderAck, error) {
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	var ack OrderAck
	if err := c.do(ctx, http.MethodPost, "/order", o.payload(), &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

type batchResp struct {
	Orders []OrderAck `json:"orders"`
}

// PlaceBatch 把多条订单作为一个原子批次提交（FOK 语义由订单自身携带）。
func (c *CLOBClient) PlaceBatch(ctx context.Context, orders []OrderRequest) ([]OrderAck, error) {
	payloads := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		if o.ClientID == "" {
			o.ClientID = uuid.NewString()
		}
		payloads = append(payloads, o.payload())
	}
	var resp batchResp
	if err := c.do(ctx, http.MethodPost, "/orders", map[string]any{"orders": payloads}, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// CancelOrder 撤单。
func (c *CLOBClient) CancelOrder(ctx context.Context, orderID string) error {
	path := "/order?orderId=" + url.QueryEscape(orderID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
