package app

import (
	"fmt"
	"strings"

	"perpagent/internal/account"
	"perpagent/internal/analysis/indicator"
	"perpagent/internal/analysis/visual"
	"perpagent/internal/config"
	"perpagent/internal/control"
	"perpagent/internal/decision"
	"perpagent/internal/executor"
	"perpagent/internal/gateway/binance"
	"perpagent/internal/gateway/exchange"
	"perpagent/internal/gateway/notifier"
	"perpagent/internal/gateway/paper"
	"perpagent/internal/logger"
	"perpagent/internal/position"
	"perpagent/internal/risk"
	"perpagent/internal/scheduler"
	"perpagent/internal/store"
	"perpagent/internal/store/sqlite"
	adminhttp "perpagent/internal/transport/http/admin"
	"perpagent/internal/trader"
)

// ConfigPath 区分配置文件路径与其他字符串依赖。
type ConfigPath string

func provideExchange(cfg *config.Config) (exchange.Exchange, error) {
	live, err := binance.New(binance.ConfigFrom(cfg.Exchange))
	if err != nil {
		return nil, err
	}
	if !cfg.App.Paper() {
		return live, nil
	}
	var feed paper.CandleFeed = live
	if path := strings.TrimSpace(cfg.Exchange.Paper.ReplayFile); path != "" {
		replay, err := paper.LoadReplay(path)
		if err != nil {
			return nil, err
		}
		feed = replay
		logger.Infof("paper 模式使用回放文件 %s", path)
	}
	return paper.New(paper.ConfigFrom(cfg.Exchange.Paper), feed), nil
}

func provideExecutor(cfg *config.Config, ex exchange.Exchange) *executor.Executor {
	return executor.New(ex, executor.ConfigFrom(cfg.Executor, cfg.Exchange))
}

func provideAccount() *account.Store {
	return account.NewStore()
}

func provideLedger(cfg *config.Config) (*sqlite.SqliteStore, func(), error) {
	ledger, err := sqlite.NewSqliteStore(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger %s: %w", cfg.Store.Path, err)
	}
	cleanup := func() {
		if err := ledger.Close(); err != nil {
			logger.Warnf("close ledger: %v", err)
		}
	}
	return ledger, cleanup, nil
}

// provideTelegram 未启用时返回 nil。
func provideTelegram(cfg *config.Config) *notifier.Telegram {
	if !cfg.Notify.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Notify.Telegram)
}

func provideHub(cfg *config.Config, ledger *sqlite.SqliteStore, tg *notifier.Telegram) *notifier.Hub {
	hub := notifier.NewHub(cfg.Notify.QueueSize, notifier.LogSink{}, store.NewLedgerSink(ledger))
	if tg != nil {
		hub.Add(tg)
	}
	return hub
}

func provideAggregator(cfg *config.Config) *indicator.Aggregator {
	return indicator.NewAggregator(indicator.SettingsFrom(cfg.Indicator))
}

func provideEvaluator(cfg *config.Config) *decision.Evaluator {
	return decision.NewEvaluator(decision.PolicyFromConfig(cfg.Signal))
}

func provideSizer(cfg *config.Config) *risk.Sizer {
	return risk.NewSizer(risk.LimitsFromConfig(cfg.Risk))
}

func provideTraders(
	cfg *config.Config,
	exec *executor.Executor,
	acct *account.Store,
	sizer *risk.Sizer,
	agg *indicator.Aggregator,
	eval *decision.Evaluator,
	hub *notifier.Hub,
) ([]*trader.Trader, error) {
	pc := position.Config{
		RebalanceThreshold: cfg.Position.RebalanceThreshold,
		ScaleInFraction:    cfg.Position.ScaleInFraction,
		ScaleOutFraction:   cfg.Position.ScaleOutFraction,
		MaxScaleIns:        cfg.Position.MaxScaleIns,
		TrailingStopPct:    cfg.Position.TrailingStopPct,
	}
	deps := trader.Deps{
		Market:    exec.Market(),
		Executor:  exec,
		Account:   acct,
		Sizer:     sizer,
		Signals:   agg,
		Decisions: eval,
		Events:    hub,
	}
	out := make([]*trader.Trader, 0, len(cfg.Scan.Symbols))
	for _, sym := range cfg.Scan.Symbols {
		t, err := trader.New(trader.Config{
			Symbol:   sym,
			Interval: cfg.Scan.Interval,
			Lookback: cfg.Scan.Lookback,
			Position: pc,
		}, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func provideScanner(cfg *config.Config, traders []*trader.Trader, exec *executor.Executor, hub *notifier.Hub) (*scheduler.Scanner, error) {
	sc, err := scheduler.ConfigFrom(cfg.Scan)
	if err != nil {
		return nil, err
	}
	units := make([]scheduler.Unit, len(traders))
	for i, t := range traders {
		units[i] = t
	}
	return scheduler.NewScanner(sc, units, exec, hub)
}

func provideRenderer(ledger *sqlite.SqliteStore) *visual.Renderer {
	return visual.NewRenderer(ledger)
}

// provideHTTP 在 app.http_addr 为空时不启用。
func provideHTTP(cfg *config.Config, scanner *scheduler.Scanner, ledger *sqlite.SqliteStore, charts *visual.Renderer, acct *account.Store) (*adminhttp.Server, error) {
	if strings.TrimSpace(cfg.App.HTTPAddr) == "" {
		return nil, nil
	}
	return adminhttp.NewServer(adminhttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Target:  scanner,
		Ledger:  ledger,
		Charts:  charts,
		Account: acct,
	})
}

func providePoller(cfg *config.Config, tg *notifier.Telegram, scanner *scheduler.Scanner, charts *visual.Renderer) *control.TelegramPoller {
	if tg == nil || !cfg.Notify.Telegram.PollCommands {
		return nil
	}
	router := control.NewRouter(scanner, control.WithCharts(charts))
	return control.NewTelegramPoller(tg, router, cfg.Notify.Telegram.ChatID)
}
