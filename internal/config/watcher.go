package config

import (
	"context"
	"fmt"
	"path/filepath"

	"perpagent/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// SignalListener 在 [signal] 段热更新成功后被调用。
type SignalListener func(SignalConfig)

// WatchSignal 监听主配置文件，文件变化时重新加载并校验，只把信号段推给监听者。
// 加载失败时保留旧策略。阻塞直到 ctx 结束。
func WatchSignal(ctx context.Context, path string, fn SignalListener) error {
	if fn == nil {
		return fmt.Errorf("signal listener is nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch config failed (%s): %w", abs, err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(abs)
		if err != nil {
			logger.Warnf("信号配置热更新失败，沿用旧配置 (%s): %v", evt.Name, err)
			return
		}
		logger.Infof("信号配置已热更新: threshold=%d actionable=%.2f weights=%v",
			cfg.Signal.ConfirmationThreshold, cfg.Signal.ActionableStrength, cfg.Signal.Weights)
		fn(cfg.Signal)
	})
	v.WatchConfig()
	<-ctx.Done()
	return nil
}
