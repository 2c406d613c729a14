package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"polyfleet-go/risk"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string          `yaml:"env"`
	DryRun    bool            `yaml:"dryRun"`
	Risk      RiskConfig      `yaml:"risk"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Alert     AlertConfig     `yaml:"alert"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Bots      BotsConfig      `yaml:"bots"`
}

type RiskConfig struct {
	MaxDailyLoss       float64 `yaml:"maxDailyLoss"`       // 当日亏损上限（USDC）
	MaxOrderSize       float64 `yaml:"maxOrderSize"`       // 单笔订单上限（USDC）
	FatFingerThreshold float64 `yaml:"fatFingerThreshold"` // 偏离盘口的最大比例
	MaxLatencyMs       int     `yaml:"maxLatencyMs"`       // HFT 延迟上限
	LatencyIntervalSec int     `yaml:"latencyIntervalSec"` // 延迟探测周期
	ErrorWindowSec     int     `yaml:"errorWindowSec"`     // 错误滑动窗口
	MaxErrorsPerWindow int     `yaml:"maxErrorsPerWindow"` // 窗口内错误阈值
	KillSwitchSec      int     `yaml:"killSwitchSec"`      // kill switch 时长
	MinGasBalance      float64 `yaml:"minGasBalance"`      // 最低原生代币余额
	MinStableBalance   float64 `yaml:"minStableBalance"`   // 最低稳定币余额
	MinNetProfit       float64 `yaml:"minNetProfit"`       // gas guard 最小净利
}

// Limits 把配置换算成风控层的 Limits；零值字段落回默认档位。
func (c RiskConfig) Limits() risk.Limits {
	l := risk.DefaultLimits()
	if c.MaxDailyLoss > 0 {
		l.MaxDailyLoss = c.MaxDailyLoss
	}
	if c.MaxOrderSize > 0 {
		l.MaxOrderSize = c.MaxOrderSize
	}
	if c.FatFingerThreshold > 0 {
		l.FatFingerThreshold = c.FatFingerThreshold
	}
	if c.MaxLatencyMs > 0 {
		l.MaxLatency = time.Duration(c.MaxLatencyMs) * time.Millisecond
	}
	if c.LatencyIntervalSec > 0 {
		l.LatencyInterval = time.Duration(c.LatencyIntervalSec) * time.Second
	}
	if c.ErrorWindowSec > 0 {
		l.ErrorWindow = time.Duration(c.ErrorWindowSec) * time.Second
	}
	if c.MaxErrorsPerWindow > 0 {
		l.MaxErrorsPerWindow = c.MaxErrorsPerWindow
	}
	if c.KillSwitchSec > 0 {
		l.KillSwitchDuration = time.Duration(c.KillSwitchSec) * time.Second
	}
	if c.MinGasBalance > 0 {
		l.MinGasBalance = c.MinGasBalance
	}
	if c.MinStableBalance > 0 {
		l.MinStableBalance = c.MinStableBalance
	}
	if c.MinNetProfit > 0 {
		l.MinNetProfit = c.MinNetProfit
	}
	return l
}

type BucketConfig struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refillRate"` // 令牌/秒
}

type RateLimitConfig struct {
	MarketData BucketConfig  `yaml:"marketData"`
	Orders     BucketConfig  `yaml:"orders"`
	Backoff    BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	InitialSec int     `yaml:"initialSec"`
	MaxSec     int     `yaml:"maxSec"`
	Multiplier float64 `yaml:"multiplier"`
}

type GatewayConfig struct {
	CLOBBaseURL    string   `yaml:"clobBaseURL"`
	WSURL          string   `yaml:"wsURL"`
	MarketTokens   []string `yaml:"marketTokens"` // 启动即订阅的 token；空则由策略进程自行接管行情流
	PolygonRPC     string   `yaml:"polygonRPC"`
	APIKey         string   `yaml:"apiKey"`
	APISecret      string   `yaml:"apiSecret"`
	Passphrase     string   `yaml:"passphrase"`
	WalletAddress  string   `yaml:"walletAddress"`
	StableContract string   `yaml:"stableContract"` // 空则使用默认 USDC 合约
}

type AlertConfig struct {
	WebhookURL  string `yaml:"webhookURL"`
	ThrottleSec int    `yaml:"throttleSec"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // 空则不启动指标服务器
}

type LedgerConfig struct {
	Path string `yaml:"path"` // 空则不写台账
}

// BotsConfig 各策略开关，决定容器构建哪些执行器。
type BotsConfig struct {
	Correlation bool `yaml:"correlation"`
	NegRisk     bool `yaml:"negRisk"`
	Resolution  bool `yaml:"resolution"`
	Vulture     bool `yaml:"vulture"`
	Sentinel    bool `yaml:"sentinel"`
}

// NeedsMarketFeed 是否有启用的策略需要订单簿推送。
// NegRisk 走链上价，Resolution 走结算日历，都不依赖行情流。
func (b BotsConfig) NeedsMarketFeed() bool {
	return b.Correlation || b.Vulture || b.Sentinel
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("POLY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("POLY_API_SECRET"); v != "" {
		cfg.Gateway.APISecret = v
	}
	if v := os.Getenv("POLY_PASSPHRASE"); v != "" {
		cfg.Gateway.Passphrase = v
	}
	if v := os.Getenv("POLYGON_RPC_URL"); v != "" {
		cfg.Gateway.PolygonRPC = v
	}
	if v := os.Getenv("WALLET_ADDRESS"); v != "" {
		cfg.Gateway.WalletAddress = v
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alert.WebhookURL = v
	}
	if v := os.Getenv("DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present.
// 实盘（dryRun=false）要求凭证与钱包；影子模式放宽。
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Gateway.CLOBBaseURL == "" {
		return errors.New("gateway.clobBaseURL is required")
	}
	if cfg.Risk.MaxDailyLoss < 0 || cfg.Risk.MaxOrderSize < 0 {
		return errors.New("risk limits must be >= 0")
	}
	if cfg.Risk.FatFingerThreshold < 0 || cfg.Risk.FatFingerThreshold >= 1 {
		return errors.New("risk.fatFingerThreshold must be in [0, 1)")
	}
	if cfg.RateLimit.MarketData.Capacity < 0 || cfg.RateLimit.Orders.Capacity < 0 {
		return errors.New("rateLimit capacities must be >= 0")
	}
	if cfg.RateLimit.MarketData.RefillRate < 0 || cfg.RateLimit.Orders.RefillRate < 0 {
		return errors.New("rateLimit refill rates must be >= 0")
	}
	if cfg.RateLimit.Backoff.Multiplier < 0 {
		return errors.New("rateLimit.backoff.multiplier must be >= 0")
	}
	if !cfg.DryRun {
		if cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "" {
			return errors.New("gateway.apiKey/apiSecret is required for live trading (or env overrides)")
		}
		if cfg.Gateway.WalletAddress == "" {
			return errors.New("gateway.walletAddress is required for live trading")
		}
		if cfg.Gateway.PolygonRPC == "" {
			return errors.New("gateway.polygonRPC is required for live trading")
		}
	}
	return nil
}
