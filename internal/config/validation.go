package config

import (
	"fmt"
	"strings"

	"perpagent/internal/market"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(c.App.Paper()); err != nil {
		return err
	}
	if err := c.Scan.validate(); err != nil {
		return err
	}
	if err := c.Indicator.validate(c.Scan.Lookback); err != nil {
		return err
	}
	if err := c.Signal.Validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Position.validate(); err != nil {
		return err
	}
	if err := c.Executor.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch a.Mode {
	case "live", "paper":
	default:
		return fmt.Errorf("app.mode must be live or paper, got %q", a.Mode)
	}
	return nil
}

func (e *ExchangeConfig) validate(paper bool) error {
	if !strings.EqualFold(e.Name, defaultExchangeName) {
		return fmt.Errorf("exchange.name only supports %s, got %s", defaultExchangeName, e.Name)
	}
	if !paper && (strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.APISecret) == "") {
		return fmt.Errorf("exchange.api_key/api_secret are required in live mode")
	}
	if e.RateLimitPerSecond <= 0 || e.RateLimitBurst <= 0 {
		return fmt.Errorf("exchange rate limit must be > 0")
	}
	if e.Proxy.Enabled && e.Proxy.URL == "" {
		return fmt.Errorf("exchange.proxy enabled but url is empty")
	}
	if paper && e.Paper.InitialBalance <= 0 {
		return fmt.Errorf("exchange.paper.initial_balance must be > 0")
	}
	return nil
}

func (s *ScanConfig) validate() error {
	if len(s.Symbols) == 0 {
		return fmt.Errorf("scan.symbols requires at least one symbol")
	}
	if !IsValidInterval(s.Interval) {
		return fmt.Errorf("scan.interval is invalid: %q", s.Interval)
	}
	candle, _ := market.ParseInterval(s.Interval)
	if s.Every() < candle {
		return fmt.Errorf("scan.scan_interval_seconds (%d) must be >= candle interval %s", s.ScanIntervalSeconds, s.Interval)
	}
	if s.Workers <= 0 {
		return fmt.Errorf("scan.workers must be > 0")
	}
	if s.Lookback < 50 || s.Lookback > 1500 {
		return fmt.Errorf("scan.lookback must be in [50,1500]")
	}
	return nil
}

func (ic *IndicatorConfig) validate(lookback int) error {
	if ic.EMAFast >= ic.EMASlow {
		return fmt.Errorf("indicator.ema_fast (%d) must be < ema_slow (%d)", ic.EMAFast, ic.EMASlow)
	}
	if ic.EMASlow > lookback {
		return fmt.Errorf("indicator.ema_slow (%d) exceeds scan.lookback (%d)", ic.EMASlow, lookback)
	}
	if ic.BBStdDev <= 0 {
		return fmt.Errorf("indicator.bb_std_dev must be > 0")
	}
	return nil
}

// Validate 校验信号段，热更新时也会单独调用。
func (sc *SignalConfig) Validate() error {
	if sc.ConfirmationThreshold < 1 || sc.ConfirmationThreshold > len(Families) {
		return fmt.Errorf("signal.confirmation_threshold must be in [1,%d]", len(Families))
	}
	if sc.ActionableStrength < 0 || sc.ActionableStrength > 1 {
		return fmt.Errorf("signal.actionable_strength must be in [0,1]")
	}
	total := 0.0
	for name, w := range sc.Weights {
		if !isFamily(name) {
			return fmt.Errorf("signal.weights contains unknown family %q", name)
		}
		if w < 0 {
			return fmt.Errorf("signal.weights.%s must be >= 0", name)
		}
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("signal.weights must sum to > 0")
	}
	if sc.VolatilityMin >= sc.VolatilityMax {
		return fmt.Errorf("signal.volatility_min must be < volatility_max")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.RiskFraction <= 0 || r.RiskFraction > 0.2 {
		return fmt.Errorf("risk.risk_fraction must be in (0, 0.2]")
	}
	if r.StopDistancePct <= 0 || r.StopDistancePct >= 1 {
		return fmt.Errorf("risk.stop_distance_pct must be in (0,1)")
	}
	if r.TakeProfitPct <= 0 {
		return fmt.Errorf("risk.take_profit_pct must be > 0")
	}
	if r.MaxLeverage < 1 || r.MaxLeverage > 125 {
		return fmt.Errorf("risk.max_leverage must be in [1,125]")
	}
	if r.MarginCeilingPct <= 0 || r.MarginCeilingPct > 1 {
		return fmt.Errorf("risk.margin_ceiling_pct must be in (0,1]")
	}
	for sym, v := range r.SymbolCaps {
		if v <= 0 {
			return fmt.Errorf("risk.symbol_caps.%s must be > 0", sym)
		}
	}
	return nil
}

func (p *PositionConfig) validate() error {
	if p.ScaleOutFraction <= 0 || p.ScaleOutFraction >= 1 {
		return fmt.Errorf("position.scale_out_fraction must be in (0,1)")
	}
	if p.ScaleInFraction <= 0 || p.ScaleInFraction > 1 {
		return fmt.Errorf("position.scale_in_fraction must be in (0,1]")
	}
	if p.TrailingStopPct < 0 || p.TrailingStopPct >= 1 {
		return fmt.Errorf("position.trailing_stop_pct must be in [0,1)")
	}
	return nil
}

func (e *ExecutorConfig) validate() error {
	if e.MaxAttempts < 1 || e.MaxAttempts > 10 {
		return fmt.Errorf("executor.max_attempts must be in [1,10]")
	}
	if e.BackoffMinMillis > e.BackoffMaxMillis {
		return fmt.Errorf("executor.backoff_min_ms must be <= backoff_max_ms")
	}
	if e.FillPollMillis >= e.FillTimeoutSeconds*1000 {
		return fmt.Errorf("executor.fill_poll_ms must be shorter than fill_timeout_seconds")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

func isFamily(name string) bool {
	for _, fam := range Families {
		if fam == name {
			return true
		}
	}
	return false
}

// IsValidInterval 简易校验：以数字开头，以 m/h/d/w 结尾
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
