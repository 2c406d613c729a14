package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"polyfleet-go/config"
	"polyfleet-go/internal/container"
)

const version = "0.3.0"

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", ".env 文件路径，不存在则忽略")
	watch := flag.Bool("watch", false, "监听配置文件变更并记录")
	flag.Parse()

	// .env 是可选的：生产环境直接用进程环境变量
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("load %s: %v", *envFile, err)
	}

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("init container: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("build container: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("start container: %v", err)
	}

	zlog := c.Logger().Logger
	cfg := c.Config()
	riskMgr := c.RiskManager()

	c.Alerts().NotifyStartup(version, cfg.DryRun)

	// 实盘先验钱包；影子模式没有链上客户端，跳过
	if c.Chain() != nil {
		if ok, detail := riskMgr.VerifyWallet(ctx); !ok {
			zlog.Error("wallet verification failed at startup", zap.String("detail", detail))
		}
	}

	go latencyLoop(ctx, c)
	go walletLoop(ctx, c)
	go dailyResetLoop(ctx, c)
	go observeLoop(ctx, c)
	go healthLoop(ctx, c)
	if *watch {
		go watchConfig(ctx, *cfgPath, zlog)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	zlog.Info("shutdown signal received", zap.String("signal", sig.String()))

	c.Alerts().NotifyShutdown(sig.String())
	cancel()
	if err := c.Stop(); err != nil {
		log.Printf("stop: %v", err)
	}
}

// latencyLoop 周期探测 API 延迟，超限时风控自动降级 HFT。
func latencyLoop(ctx context.Context, c *container.Container) {
	interval := c.RiskManager().Limits().LatencyInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RiskManager().CheckAPILatency(ctx)
		}
	}
}

// walletLoop 周期核对钱包余额，gas 或稳定币不足即停策略。
func walletLoop(ctx context.Context, c *container.Container) {
	if c.Chain() == nil {
		return
	}
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RiskManager().VerifyWallet(ctx)
		}
	}
}

// dailyResetLoop 每到 UTC 零点重置当日 PnL 计数。
func dailyResetLoop(ctx context.Context, c *container.Container) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			status := c.RiskManager().GetStatus()
			if c.Ledger() != nil {
				c.Alerts().NotifyDailySummary(c.Ledger().Report())
			}
			c.RiskManager().ResetDailyPnL()
			c.Logger().Logger.Info("daily pnl reset",
				zap.Float64("closed_pnl", status.DailyPnL))
		}
	}
}

// observeLoop 周期把风控与限流快照写进 Prometheus，
// 并把状态迁移和新增限流写进结构化日志。
func observeLoop(ctx context.Context, c *container.Container) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	prevState := c.RiskManager().State()
	prevThrottled := make(map[string]uint64)
	prevBackoff := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs := c.RiskManager().GetStatus()
			ls := c.Limiter().GetStatus()
			c.Metrics().ObserveRisk(rs)
			c.Metrics().ObserveRateLimit(ls)

			if rs.State != prevState {
				c.Logger().LogRisk("state_change", map[string]interface{}{
					"from":        prevState.String(),
					"to":          rs.State.String(),
					"daily_pnl":   rs.DailyPnL,
					"error_count": rs.ErrorCount,
				})
				prevState = rs.State
			}
			for name, b := range ls.Buckets {
				if delta := b.Throttled - prevThrottled[name]; delta > 0 {
					c.Logger().LogThrottle(name, map[string]interface{}{
						"throttled":       delta,
						"throttled_total": b.Throttled,
					})
				}
				prevThrottled[name] = b.Throttled
			}
			if ls.InBackoff && !prevBackoff {
				c.Logger().LogThrottle("global", map[string]interface{}{
					"backoff_remaining": ls.BackoffRemaining.String(),
					"consecutive_429":   ls.Consecutive429,
				})
			}
			prevBackoff = ls.InBackoff
		}
	}
}

// healthLoop 周期探活受管组件，异常只记日志不干预。
func healthLoop(ctx context.Context, c *container.Container) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				c.Logger().Logger.Warn("health check failed", zap.Error(err))
			}
		}
	}
}

// watchConfig 监听配置变更。运行中只记录差异，重启后生效。
func watchConfig(ctx context.Context, path string, zlog *zap.Logger) {
	w := config.Watcher{Path: path, Log: zlog}
	if err := w.Start(ctx, func(cfg config.AppConfig) {
		zlog.Info("config file changed, restart to apply",
			zap.String("path", path), zap.Bool("dry_run", cfg.DryRun))
	}); err != nil && ctx.Err() == nil {
		zlog.Error("config watcher exited", zap.Error(err))
	}
}
