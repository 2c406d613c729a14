package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"polyfleet-go/gateway"
)

// Component 受管组件：按注册顺序启动，逆序停止，可随时探活。
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 机群后台组件的生命周期管理。
// 任一组件启动失败时回滚已启动的组件，进程不带半残状态运行。
type LifecycleManager struct {
	mu         sync.RWMutex
	components []Component
}

func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register 注册组件，启动顺序即注册顺序。
func (m *LifecycleManager) Register(c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, c)
}

// StartAll 按顺序启动；失败时逆序停掉已启动的组件后返回。
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, c := range m.components {
		if err := c.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				m.components[j].Stop()
			}
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止全部组件，返回最后一个错误。
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			lastErr = fmt.Errorf("stop %s: %w", m.components[i].Name(), err)
		}
	}
	return lastErr
}

// CheckHealth 返回第一个不健康的组件。
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.components {
		if err := c.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", c.Name(), err)
		}
	}
	return nil
}

// ------------------------------------------------------------------
// 指标服务器组件
// ------------------------------------------------------------------

type httpServerComponent struct {
	name    string
	handler http.Handler
	addr    string
	logger  *zap.Logger
	server  **http.Server
	started bool
	mu      sync.Mutex
}

func (h *httpServerComponent) Name() string { return h.name }

func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	srv := &http.Server{
		Addr:    h.addr,
		Handler: h.handler,
	}
	*h.server = srv

	go func() {
		h.logger.Info(h.name+" listening", zap.String("addr", h.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error(h.name+" listen failed", zap.Error(err))
		}
	}()

	h.started = true
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || *h.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := (*h.server).Shutdown(ctx); err != nil {
		return err
	}

	h.logger.Info(h.name + " stopped")
	h.started = false
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("not started")
	}
	return nil
}

// ------------------------------------------------------------------
// 订单簿推送组件
// ------------------------------------------------------------------

// bookFeedComponent 持有静态 token 列表的行情流：断线按指数退避重连。
// 没有配置 token 列表时不注册本组件，行情流由策略进程自行接管。
type bookFeedComponent struct {
	feed   *gateway.BookFeed
	tokens []string
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (b *bookFeedComponent) Name() string { return "book_feed" }

func (b *bookFeedComponent) Start(ctx context.Context) error {
	if err := b.feed.Connect(ctx, b.tokens); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go b.runLoop(runCtx, done)
	return nil
}

func (b *bookFeedComponent) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := time.Second
	for {
		err := b.feed.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		// 清掉失效连接，退避期间探活如实报 disconnected
		b.feed.Close()
		b.logger.Warn("book feed disconnected, reconnecting",
			zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
		if err := b.feed.Connect(ctx, b.tokens); err != nil {
			b.logger.Warn("book feed reconnect failed", zap.Error(err))
			continue
		}
		backoff = time.Second
	}
}

func (b *bookFeedComponent) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := b.feed.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("book feed read loop did not exit in time")
	}
	return err
}

func (b *bookFeedComponent) Health() error {
	if !b.feed.Connected() {
		return fmt.Errorf("disconnected")
	}
	return nil
}
