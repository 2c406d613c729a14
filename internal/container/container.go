package container

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"polyfleet-go/config"
	"polyfleet-go/executor"
	"polyfleet-go/gateway"
	"polyfleet-go/infrastructure/alert"
	"polyfleet-go/infrastructure/logger"
	"polyfleet-go/ledger"
	"polyfleet-go/metrics"
	"polyfleet-go/ratelimit"
	"polyfleet-go/risk"
)

// Container 依赖注入容器：风控与限流每进程各一个实例，
// 所有策略任务共享引用，不存在包级全局状态。
type Container struct {
	cfg *config.AppConfig

	// 基础设施
	logger  *logger.Logger
	alerts  *alert.Manager
	metrics *metrics.FleetMetrics

	// 网关
	limiter *ratelimit.Limiter
	clob    *gateway.CLOBClient
	chain   *gateway.ChainClient
	prices  *gateway.PriceClient
	feed    *gateway.BookFeed

	// 核心
	riskMgr *risk.Manager
	ledger  *ledger.Ledger

	// 执行器
	atomicExec  *executor.AtomicPairExecutor
	gasExec     *executor.GasAwareExecutor
	sniperExec  *executor.ResolutionSniperExecutor
	vultureExec *executor.VultureExecutor

	metricsServer *http.Server
	lifecycle     *LifecycleManager
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
	}, nil
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildCore(); err != nil {
		return fmt.Errorf("build core failed: %w", err)
	}
	c.buildExecutors()
	c.registerLifecycleComponents()

	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	logCfg := logger.DefaultConfig()
	if c.cfg.Env == "dev" {
		logCfg.Format = "console"
		logCfg.Level = "debug"
	}

	var err error
	c.logger, err = logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	throttle := 5 * time.Minute
	if c.cfg.Alert.ThrottleSec > 0 {
		throttle = time.Duration(c.cfg.Alert.ThrottleSec) * time.Second
	}
	channels := []alert.Channel{alert.NewZapChannel("log", c.logger.Logger)}
	if c.cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", c.cfg.Alert.WebhookURL))
	}
	c.alerts = alert.NewManager(channels, throttle, c.logger.Logger)

	c.metrics = metrics.New(metrics.DefaultConfig())
	return nil
}

func (c *Container) buildGateway() error {
	opts := []ratelimit.Option{ratelimit.WithLogger(c.logger.Logger)}
	if b := c.cfg.RateLimit.MarketData; b.Capacity > 0 && b.RefillRate > 0 {
		opts = append(opts, ratelimit.WithBucket(ratelimit.MarketData, ratelimit.BucketConfig{
			Capacity: b.Capacity, RefillRate: b.RefillRate,
		}))
	}
	if b := c.cfg.RateLimit.Orders; b.Capacity > 0 && b.RefillRate > 0 {
		opts = append(opts, ratelimit.WithBucket(ratelimit.Orders, ratelimit.BucketConfig{
			Capacity: b.Capacity, RefillRate: b.RefillRate,
		}))
	}
	if bo := c.cfg.RateLimit.Backoff; bo.InitialSec > 0 && bo.MaxSec > 0 && bo.Multiplier > 0 {
		opts = append(opts, ratelimit.WithBackoff(ratelimit.BackoffConfig{
			Initial:    time.Duration(bo.InitialSec) * time.Second,
			Max:        time.Duration(bo.MaxSec) * time.Second,
			Multiplier: bo.Multiplier,
		}))
	}
	c.limiter = ratelimit.New(opts...)

	// Risk 字段在风控实例建好之后回填
	c.clob = &gateway.CLOBClient{
		BaseURL: c.cfg.Gateway.CLOBBaseURL,
		Creds: gateway.Credentials{
			APIKey:     c.cfg.Gateway.APIKey,
			APISecret:  c.cfg.Gateway.APISecret,
			Passphrase: c.cfg.Gateway.Passphrase,
		},
		HTTPClient: gateway.NewDefaultHTTPClient(),
		Limiter:    c.limiter,
		Metrics:    c.metrics,
		Log:        c.logger.Logger,
	}

	if c.cfg.Gateway.PolygonRPC != "" {
		c.chain = gateway.NewChainClient(c.cfg.Gateway.PolygonRPC)
		c.chain.Log = c.logger.Logger
		if c.cfg.Gateway.StableContract != "" {
			c.chain.StableContract = c.cfg.Gateway.StableContract
		}
	}
	c.prices = gateway.NewPriceClient("matic-network")

	// 只有行情型策略启用时才建推送客户端
	if c.cfg.Gateway.WSURL != "" && c.cfg.Bots.NeedsMarketFeed() {
		c.feed = &gateway.BookFeed{URL: c.cfg.Gateway.WSURL, Log: c.logger.Logger}
	}
	return nil
}

func (c *Container) buildCore() error {
	riskCfg := risk.Config{
		Limits:        c.cfg.Risk.Limits(),
		WalletAddress: c.cfg.Gateway.WalletAddress,
		Logger:        c.logger.Logger,
		Alert:         c.alerts,
		Prober:        c.clob,
	}
	if c.chain != nil {
		riskCfg.Balances = c.chain
	}
	c.riskMgr = risk.NewManager(riskCfg)
	c.clob.Risk = c.riskMgr

	if c.cfg.Ledger.Path != "" {
		l, err := ledger.Open(c.cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("open ledger failed: %w", err)
		}
		l.Log = c.logger.Logger
		c.ledger = l
	}
	return nil
}

// buildExecutors 按 bots 开关构建执行器，禁用的策略不占任何资源。
func (c *Container) buildExecutors() {
	dryRun := c.cfg.DryRun
	ins := executor.Instruments{Journal: c.logger, Metrics: c.metrics}

	if c.cfg.Bots.Correlation {
		c.atomicExec = &executor.AtomicPairExecutor{
			Client: c.clob, Instruments: ins, DryRun: dryRun,
			Log: c.logger.WithBot(risk.BotCorrelation.String()).Logger,
		}
	}
	if c.cfg.Bots.NegRisk {
		c.gasExec = &executor.GasAwareExecutor{
			Prices:       c.prices,
			Instruments:  ins,
			MinNetProfit: c.cfg.Risk.MinNetProfit,
			DryRun:       dryRun,
			Log:          c.logger.WithBot(risk.BotNegRisk.String()).Logger,
		}
		if c.chain != nil {
			c.gasExec.Gas = c.chain
		}
	}
	if c.cfg.Bots.Resolution {
		c.sniperExec = &executor.ResolutionSniperExecutor{
			Client: c.clob, Instruments: ins, DryRun: dryRun,
			Log: c.logger.WithBot(risk.BotResolution.String()).Logger,
		}
	}
	if c.cfg.Bots.Vulture {
		c.vultureExec = &executor.VultureExecutor{
			Client: c.clob, Risk: c.riskMgr, Instruments: ins, DryRun: dryRun,
			Log: c.logger.WithBot(risk.BotVulture.String()).Logger,
		}
	}
}

func (c *Container) registerLifecycleComponents() {
	if c.cfg.Metrics.Addr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.metrics.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger.Logger,
			server:  &c.metricsServer,
		})
	}
	// 配置了静态 token 列表时行情流归生命周期管理；否则由策略进程接管
	if c.feed != nil && len(c.cfg.Gateway.MarketTokens) > 0 {
		c.lifecycle.Register(&bookFeedComponent{
			feed:   c.feed,
			tokens: c.cfg.Gateway.MarketTokens,
			logger: c.logger.Logger,
		})
	}
}

// Start 启动所有注册组件。
func (c *Container) Start(ctx context.Context) error {
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件，关台账与日志。
func (c *Container) Stop() error {
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	if c.ledger != nil {
		c.logger.Info("session report: " + c.ledger.Report())
		if cerr := c.ledger.Close(); cerr != nil {
			c.logger.LogError(cerr, map[string]interface{}{"action": "close_ledger"})
		}
	}
	if c.feed != nil {
		c.feed.Close()
	}
	if c.logger != nil {
		c.logger.Close()
	}
	return err
}

// HealthCheck 检查所有组件健康状态。
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// 访问器

func (c *Container) Config() *config.AppConfig           { return c.cfg }
func (c *Container) Logger() *logger.Logger              { return c.logger }
func (c *Container) Alerts() *alert.Manager              { return c.alerts }
func (c *Container) Metrics() *metrics.FleetMetrics      { return c.metrics }
func (c *Container) Limiter() *ratelimit.Limiter         { return c.limiter }
func (c *Container) RiskManager() *risk.Manager          { return c.riskMgr }
func (c *Container) CLOB() *gateway.CLOBClient           { return c.clob }
func (c *Container) Chain() *gateway.ChainClient         { return c.chain }
func (c *Container) Feed() *gateway.BookFeed             { return c.feed }
func (c *Container) Ledger() *ledger.Ledger              { return c.ledger }
func (c *Container) AtomicExecutor() *executor.AtomicPairExecutor { return c.atomicExec }
func (c *Container) GasExecutor() *executor.GasAwareExecutor      { return c.gasExec }
func (c *Container) SniperExecutor() *executor.ResolutionSniperExecutor {
	return c.sniperExec
}
func (c *Container) VultureExecutor() *executor.VultureExecutor { return c.vultureExec }
