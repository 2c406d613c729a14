package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 基于 fsnotify 的配置热加载。
// 监听配置文件所在目录（编辑器保存常用 rename+create 替换文件），
// 命中目标文件名且重新加载成功时回调。
type Watcher struct {
	Path string
	Log  *zap.Logger
}

func (w Watcher) logger() *zap.Logger {
	if w.Log == nil {
		return zap.NewNop()
	}
	return w.Log
}

// Start 阻塞运行直到 ctx 取消。加载失败只记日志，保留旧配置。
func (w Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.Path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Base(w.Path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadWithEnvOverrides(w.Path)
			if err != nil {
				w.logger().Warn("config reload failed, keeping previous",
					zap.String("path", w.Path), zap.Error(err))
				continue
			}
			w.logger().Info("config reloaded", zap.String("path", w.Path))
			if onUpdate != nil {
				onUpdate(cfg)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger().Warn("config watcher error", zap.Error(err))
		}
	}
}
