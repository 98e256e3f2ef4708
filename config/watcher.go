// 配置文件变更监听。
//
// 轮询文件的修改时间与大小，变化后重新加载并校验，校验通过才回调。
package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watcher 监听配置文件并在变更时重新加载
type Watcher struct {
	mu sync.Mutex

	path     string
	loader   *Loader
	interval time.Duration
	logger   *zap.Logger

	lastMod  time.Time
	lastSize int64

	callbacks []func(*Config)
}

// WatcherOption 配置 Watcher
type WatcherOption func(*Watcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWatcherEnvPrefix 设置重新加载时使用的环境变量前缀
func WithWatcherEnvPrefix(prefix string) WatcherOption {
	return func(w *Watcher) {
		w.loader.WithEnvPrefix(prefix)
	}
}

// NewWatcher 创建监听器，当前文件状态作为基线
func NewWatcher(path string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		loader:   NewLoader().WithConfigPath(path),
		interval: 2 * time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
		w.lastSize = info.Size()
	} else if os.IsNotExist(err) {
		w.logger.Warn("配置文件不存在，等待创建", zap.String("path", path))
	}
	return w
}

// OnReload 注册重新加载回调
func (w *Watcher) OnReload(cb func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Run 阻塞轮询直到 ctx 取消
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("配置监听已启动",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.logger.Warn("配置重新加载失败，保留当前配置", zap.Error(err))
			}
		}
	}
}

// Check 检查一次文件状态。文件变化且新配置有效时回调并返回 true。
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", w.path, err)
	}

	w.mu.Lock()
	if info.ModTime().Equal(w.lastMod) && info.Size() == w.lastSize {
		w.mu.Unlock()
		return false, nil
	}
	w.lastMod = info.ModTime()
	w.lastSize = info.Size()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	cfg, err := w.loader.Load()
	if err != nil {
		return false, err
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}

	w.logger.Info("配置文件已变更，重新加载",
		zap.String("path", w.path),
		zap.Int("experiments", len(cfg.Experiments)),
	)
	for _, cb := range callbacks {
		cb(cfg)
	}
	return true, nil
}
