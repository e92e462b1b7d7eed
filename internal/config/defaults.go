package config

import (
	"strings"

	"perpagent/internal/market"
	"perpagent/internal/pkg/symbol"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":9991"
	defaultAppMode           = "live"
	defaultExchangeName      = "binance"
	defaultExchangeREST      = "https://fapi.binance.com"
	defaultExchangeTimeout   = 10
	defaultRateLimitPerSec   = 8
	defaultRateLimitBurst    = 4
	defaultPaperBalance      = 10000
	defaultPaperSlippageBps  = 2
	defaultPaperFeeBps       = 4
	defaultScanInterval      = "15m"
	defaultScanLookback      = 300
	defaultScanWorkers       = 4
	defaultScanOffsetSeconds = 5
	defaultScanQueueSize     = 64
	defaultEMAFast           = 20
	defaultEMASlow           = 200
	defaultADXPeriod         = 14
	defaultRSIPeriod         = 14
	defaultStochK            = 14
	defaultStochSlowK        = 3
	defaultStochD            = 3
	defaultBBPeriod          = 20
	defaultBBStdDev          = 2
	defaultATRPeriod         = 14
	defaultVWAPWindow        = 48
	defaultOBVWindow         = 20
	defaultMAScale           = 1.0
	defaultVWAPScale         = 0.01
	defaultBBWidthCeiling    = 0.10
	defaultATRPctCeiling     = 0.05
	defaultConfirmThreshold  = 3
	defaultActionable        = 0.75
	defaultFamilyWeight      = 1.0
	defaultTrendMin          = 0.05
	defaultADXMin            = 0.20
	defaultMomentumMin       = 0.10
	defaultVolumeMin         = 0.05
	defaultVolatilityMin     = 0.02
	defaultVolatilityMax     = 0.90
	defaultRiskFraction      = 0.01
	defaultStopDistancePct   = 0.02
	defaultTakeProfitPct     = 0.04
	defaultMaxLeverage       = 10
	defaultMarginCeilingPct  = 0.5
	defaultSymbolCap         = 0.5
	defaultMinNotional       = 5
	defaultRebalanceThresh   = 0.25
	defaultScaleInFraction   = 0.5
	defaultScaleOutFraction  = 0.5
	defaultMaxScaleIns       = 1
	defaultTrailingStopPct   = 0.015
	defaultExecMaxAttempts   = 3
	defaultBackoffMinMillis  = 200
	defaultBackoffMaxMillis  = 2000
	defaultOrderTimeout      = 10
	defaultFillPollMillis    = 500
	defaultFillTimeout       = 30
	defaultBreakerThreshold  = 3
	defaultBreakerCooldown   = 60
	defaultNotifyQueueSize   = 256
	defaultTelegramBaseURL   = "https://api.telegram.org"
	defaultStorePath         = "data/perpagent.db"
)

// Families 为信号族的固定集合，权重表按此顺序补齐。
var Families = []string{"trend", "momentum", "volatility", "volume"}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Scan.applyDefaults(keys)
	c.Indicator.applyDefaults(keys)
	c.Signal.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Position.applyDefaults(keys)
	c.Executor.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.Store.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.mode", &a.Mode, defaultAppMode),
	)
	a.Mode = strings.ToLower(strings.TrimSpace(a.Mode))
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.name", &e.Name, defaultExchangeName),
		stringFieldDefault("exchange.rest_base_url", &e.RESTBaseURL, defaultExchangeREST),
		intFieldDefault("exchange.timeout_seconds", &e.TimeoutSeconds, defaultExchangeTimeout),
		floatFieldDefault("exchange.rate_limit_per_second", &e.RateLimitPerSecond, defaultRateLimitPerSec),
		intFieldDefault("exchange.rate_limit_burst", &e.RateLimitBurst, defaultRateLimitBurst),
		floatFieldDefault("exchange.paper.initial_balance", &e.Paper.InitialBalance, defaultPaperBalance),
		floatFieldDefault("exchange.paper.slippage_bps", &e.Paper.SlippageBps, defaultPaperSlippageBps),
		floatFieldDefault("exchange.paper.fee_bps", &e.Paper.FeeBps, defaultPaperFeeBps),
	)
	e.Proxy.URL = strings.TrimSpace(e.Proxy.URL)
}

func (s *ScanConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("scan.interval", &s.Interval, defaultScanInterval),
		intFieldDefault("scan.lookback", &s.Lookback, defaultScanLookback),
		intFieldDefault("scan.workers", &s.Workers, defaultScanWorkers),
		intFieldDefault("scan.queue_size", &s.QueueSize, defaultScanQueueSize),
		fieldDefault{
			key:   "scan.offset_seconds",
			need:  func() bool { return s.OffsetSeconds <= 0 },
			apply: func() { s.OffsetSeconds = defaultScanOffsetSeconds },
		},
		boolFieldDefault("scan.run_immediately", &s.RunImmediately, true),
	)
	s.Interval = strings.ToLower(strings.TrimSpace(s.Interval))
	if !keys.isSet("scan.scan_interval_seconds") || s.ScanIntervalSeconds <= 0 {
		if d, ok := market.ParseInterval(s.Interval); ok {
			s.ScanIntervalSeconds = int(d.Seconds())
		}
	}
	s.Symbols = symbol.NormalizeList(s.Symbols)
}

func (ic *IndicatorConfig) applyDefaults(keys keySet) {
	if ic == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("indicator.ema_fast", &ic.EMAFast, defaultEMAFast),
		intFieldDefault("indicator.ema_slow", &ic.EMASlow, defaultEMASlow),
		intFieldDefault("indicator.adx_period", &ic.ADXPeriod, defaultADXPeriod),
		intFieldDefault("indicator.rsi_period", &ic.RSIPeriod, defaultRSIPeriod),
		intFieldDefault("indicator.stoch_k", &ic.StochK, defaultStochK),
		intFieldDefault("indicator.stoch_slow_k", &ic.StochSlowK, defaultStochSlowK),
		intFieldDefault("indicator.stoch_d", &ic.StochD, defaultStochD),
		intFieldDefault("indicator.bb_period", &ic.BBPeriod, defaultBBPeriod),
		floatFieldDefault("indicator.bb_std_dev", &ic.BBStdDev, defaultBBStdDev),
		intFieldDefault("indicator.atr_period", &ic.ATRPeriod, defaultATRPeriod),
		intFieldDefault("indicator.vwap_window", &ic.VWAPWindow, defaultVWAPWindow),
		intFieldDefault("indicator.obv_window", &ic.OBVWindow, defaultOBVWindow),
		floatFieldDefault("indicator.ma_scale", &ic.MAScale, defaultMAScale),
		floatFieldDefault("indicator.vwap_scale", &ic.VWAPScale, defaultVWAPScale),
		floatFieldDefault("indicator.bb_width_ceiling", &ic.BBWidthCeiling, defaultBBWidthCeiling),
		floatFieldDefault("indicator.atr_pct_ceiling", &ic.ATRPctCeiling, defaultATRPctCeiling),
	)
}

func (sc *SignalConfig) applyDefaults(keys keySet) {
	if sc == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("signal.confirmation_threshold", &sc.ConfirmationThreshold, defaultConfirmThreshold),
		floatFieldDefault("signal.actionable_strength", &sc.ActionableStrength, defaultActionable),
		floatFieldDefault("signal.trend_min", &sc.TrendMin, defaultTrendMin),
		floatFieldDefault("signal.adx_min", &sc.ADXMin, defaultADXMin),
		floatFieldDefault("signal.momentum_min", &sc.MomentumMin, defaultMomentumMin),
		floatFieldDefault("signal.volume_min", &sc.VolumeMin, defaultVolumeMin),
		floatFieldDefault("signal.volatility_min", &sc.VolatilityMin, defaultVolatilityMin),
		floatFieldDefault("signal.volatility_max", &sc.VolatilityMax, defaultVolatilityMax),
		boolFieldDefault("signal.reversal_enabled", &sc.ReversalEnabled, true),
	)
	if sc.Weights == nil {
		sc.Weights = make(map[string]float64, len(Families))
	}
	for _, fam := range Families {
		if keys.isSet("signal.weights." + fam) {
			continue
		}
		if _, ok := sc.Weights[fam]; !ok {
			sc.Weights[fam] = defaultFamilyWeight
		}
	}
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.risk_fraction", &r.RiskFraction, defaultRiskFraction),
		floatFieldDefault("risk.stop_distance_pct", &r.StopDistancePct, defaultStopDistancePct),
		floatFieldDefault("risk.take_profit_pct", &r.TakeProfitPct, defaultTakeProfitPct),
		intFieldDefault("risk.max_leverage", &r.MaxLeverage, defaultMaxLeverage),
		floatFieldDefault("risk.margin_ceiling_pct", &r.MarginCeilingPct, defaultMarginCeilingPct),
		floatFieldDefault("risk.default_symbol_cap", &r.DefaultSymbolCap, defaultSymbolCap),
		floatFieldDefault("risk.min_notional", &r.MinNotional, defaultMinNotional),
	)
	if len(r.SymbolCaps) > 0 {
		caps := make(map[string]float64, len(r.SymbolCaps))
		for sym, v := range r.SymbolCaps {
			caps[symbol.Normalize(sym)] = v
		}
		r.SymbolCaps = caps
	}
}

func (p *PositionConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("position.rebalance_threshold", &p.RebalanceThreshold, defaultRebalanceThresh),
		floatFieldDefault("position.scale_in_fraction", &p.ScaleInFraction, defaultScaleInFraction),
		floatFieldDefault("position.scale_out_fraction", &p.ScaleOutFraction, defaultScaleOutFraction),
		intFieldDefault("position.max_scale_ins", &p.MaxScaleIns, defaultMaxScaleIns),
		floatFieldDefault("position.trailing_stop_pct", &p.TrailingStopPct, defaultTrailingStopPct),
	)
}

func (e *ExecutorConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("executor.max_attempts", &e.MaxAttempts, defaultExecMaxAttempts),
		intFieldDefault("executor.backoff_min_ms", &e.BackoffMinMillis, defaultBackoffMinMillis),
		intFieldDefault("executor.backoff_max_ms", &e.BackoffMaxMillis, defaultBackoffMaxMillis),
		intFieldDefault("executor.order_timeout_seconds", &e.OrderTimeoutSeconds, defaultOrderTimeout),
		intFieldDefault("executor.fill_poll_ms", &e.FillPollMillis, defaultFillPollMillis),
		intFieldDefault("executor.fill_timeout_seconds", &e.FillTimeoutSeconds, defaultFillTimeout),
		intFieldDefault("executor.breaker_threshold", &e.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("executor.breaker_cooldown_seconds", &e.BreakerCooldownSeconds, defaultBreakerCooldown),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("notify.queue_size", &n.QueueSize, defaultNotifyQueueSize),
		stringFieldDefault("notify.telegram.base_url", &n.Telegram.BaseURL, defaultTelegramBaseURL),
	)
	n.Telegram.ChatID = strings.TrimSpace(n.Telegram.ChatID)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
