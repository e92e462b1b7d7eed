package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"perpagent/internal/account"
	"perpagent/internal/config"
	"perpagent/internal/control"
	"perpagent/internal/decision"
	"perpagent/internal/executor"
	"perpagent/internal/gateway/notifier"
	"perpagent/internal/logger"
	"perpagent/internal/scheduler"
	adminhttp "perpagent/internal/transport/http/admin"
	"perpagent/internal/trader"
)

const (
	bootstrapTimeout = 30 * time.Second
	drainTimeout     = 30 * time.Second
)

// App 负责应用级编排：启动恢复 → 扫描/HTTP/Telegram/配置热更新 → 有序关闭。
type App struct {
	cfg       *config.Config
	cfgPath   ConfigPath
	account   *account.Store
	executor  *executor.Executor
	evaluator *decision.Evaluator
	traders   []*trader.Trader
	scanner   *scheduler.Scanner
	hub       *notifier.Hub
	http      *adminhttp.Server
	poller    *control.TelegramPoller
	cleanup   func()
	Summary   *StartupSummary
}

func newApp(
	cfg *config.Config,
	path ConfigPath,
	acct *account.Store,
	exec *executor.Executor,
	eval *decision.Evaluator,
	traders []*trader.Trader,
	scanner *scheduler.Scanner,
	hub *notifier.Hub,
	httpSrv *adminhttp.Server,
	poller *control.TelegramPoller,
) *App {
	return &App{
		cfg:       cfg,
		cfgPath:   path,
		account:   acct,
		executor:  exec,
		evaluator: eval,
		traders:   traders,
		scanner:   scanner,
		hub:       hub,
		http:      httpSrv,
		poller:    poller,
		Summary:   buildSummary(cfg, httpSrv != nil, poller != nil),
	}
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config, path string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	a, cleanup, err := buildApp(cfg, ConfigPath(path))
	if err != nil {
		return nil, err
	}
	a.cleanup = cleanup
	return a, nil
}

// Run 阻塞直到 ctx 结束或某个组件出错，随后按顺序关闭：停止扫描 → Drain → 关闭 hub → 关闭账本。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.scanner == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()
	if a.Summary != nil {
		a.Summary.Print()
	}

	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = a.hub.Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()

	if err := a.bootstrap(ctx); err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.scanner.Run(gctx)
	})
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(gctx); err != nil {
				return fmt.Errorf("admin http server error: %w", err)
			}
			return nil
		})
	}
	if a.poller != nil {
		group.Go(func() error {
			return a.poller.Run(gctx)
		})
	}
	if a.cfgPath != "" {
		group.Go(func() error {
			err := config.WatchSignal(gctx, string(a.cfgPath), func(sc config.SignalConfig) {
				a.evaluator.SetPolicy(decision.PolicyFromConfig(sc))
			})
			if err != nil {
				logger.Warnf("配置热更新不可用: %v", err)
			}
			return nil
		})
	}
	err := group.Wait()
	a.drain()
	return err
}

// bootstrap 先刷新共享账户，再让每个 trader 从交易所持仓恢复状态。
func (a *App) bootstrap(ctx context.Context) error {
	bctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	st, err := a.account.Refresh(bctx, a.executor.Market())
	if err != nil {
		return fmt.Errorf("initial account refresh: %w", err)
	}
	logger.Infof("账户: balance=%.2f available=%.2f used_margin=%.2f positions=%d",
		st.Balance, st.Available, st.UsedMargin, len(st.Positions))
	for _, t := range a.traders {
		if err := t.Recover(bctx); err != nil {
			return fmt.Errorf("recover %s: %w", t.Symbol(), err)
		}
	}
	return nil
}

func (a *App) drain() {
	dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for _, t := range a.traders {
		if err := t.Drain(dctx); err != nil {
			logger.Errorf("drain %s: %v", t.Symbol(), err)
		}
	}
}

func (a *App) close() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}

// Traders 暴露 trader 列表，供回放测试使用。
func (a *App) Traders() []*trader.Trader {
	if a == nil {
		return nil
	}
	return a.traders
}
