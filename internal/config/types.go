package config

import (
	"strings"
	"time"
)

// Config 是 perpagent 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Scan      ScanConfig      `toml:"scan"`
	Indicator IndicatorConfig `toml:"indicator"`
	Signal    SignalConfig    `toml:"signal"`
	Risk      RiskConfig      `toml:"risk"`
	Position  PositionConfig  `toml:"position"`
	Executor  ExecutorConfig  `toml:"executor"`
	Notify    NotifyConfig    `toml:"notify"`
	Store     StoreConfig     `toml:"store"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
	// Mode 取值 live / paper，paper 模式下订单由本地模拟撮合。
	Mode string `toml:"mode"`
}

func (a AppConfig) Paper() bool {
	return strings.EqualFold(strings.TrimSpace(a.Mode), "paper")
}

// ExchangeConfig 描述交易所连接与共享限速。
type ExchangeConfig struct {
	Name               string      `toml:"name"`
	APIKey             string      `toml:"api_key"`
	APISecret          string      `toml:"api_secret"`
	RESTBaseURL        string      `toml:"rest_base_url"`
	Testnet            bool        `toml:"testnet"`
	TimeoutSeconds     int         `toml:"timeout_seconds"`
	RateLimitPerSecond float64     `toml:"rate_limit_per_second"`
	RateLimitBurst     int         `toml:"rate_limit_burst"`
	Proxy              ProxyConfig `toml:"proxy"`
	Paper              PaperConfig `toml:"paper"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

// PaperConfig 仅在 app.mode = "paper" 时生效。
type PaperConfig struct {
	InitialBalance float64 `toml:"initial_balance"`
	SlippageBps    float64 `toml:"slippage_bps"`
	FeeBps         float64 `toml:"fee_bps"`
	// ReplayFile 为空时从交易所读取真实K线；否则使用 YAML 回放文件。
	ReplayFile string `toml:"replay_file"`
}

// ScanConfig 控制扫描节奏与并发度。
type ScanConfig struct {
	Symbols             []string `toml:"symbols"`
	Interval            string   `toml:"interval"`
	ScanIntervalSeconds int      `toml:"scan_interval_seconds"`
	Lookback            int      `toml:"lookback"`
	Workers             int      `toml:"workers"`
	OffsetSeconds       int      `toml:"offset_seconds"`
	RunImmediately      bool     `toml:"run_immediately"`
	QueueSize           int      `toml:"queue_size"`
}

func (s ScanConfig) Every() time.Duration {
	return time.Duration(s.ScanIntervalSeconds) * time.Second
}

type IndicatorConfig struct {
	EMAFast        int     `toml:"ema_fast"`
	EMASlow        int     `toml:"ema_slow"`
	ADXPeriod      int     `toml:"adx_period"`
	RSIPeriod      int     `toml:"rsi_period"`
	StochK         int     `toml:"stoch_k"`
	StochSlowK     int     `toml:"stoch_slow_k"`
	StochD         int     `toml:"stoch_d"`
	BBPeriod       int     `toml:"bb_period"`
	BBStdDev       float64 `toml:"bb_std_dev"`
	ATRPeriod      int     `toml:"atr_period"`
	VWAPWindow     int     `toml:"vwap_window"`
	OBVWindow      int     `toml:"obv_window"`
	MAScale        float64 `toml:"ma_scale"`
	VWAPScale      float64 `toml:"vwap_scale"`
	BBWidthCeiling float64 `toml:"bb_width_ceiling"`
	ATRPctCeiling  float64 `toml:"atr_pct_ceiling"`
}

// SignalConfig 定义混合规则的阈值与权重，支持热更新。
type SignalConfig struct {
	ConfirmationThreshold int                `toml:"confirmation_threshold"`
	ActionableStrength    float64            `toml:"actionable_strength"`
	Weights               map[string]float64 `toml:"weights"`
	TrendMin              float64            `toml:"trend_min"`
	ADXMin                float64            `toml:"adx_min"`
	MomentumMin           float64            `toml:"momentum_min"`
	VolumeMin             float64            `toml:"volume_min"`
	VolatilityMin         float64            `toml:"volatility_min"`
	VolatilityMax         float64            `toml:"volatility_max"`
	ReversalEnabled       bool               `toml:"reversal_enabled"`
}

type RiskConfig struct {
	RiskFraction     float64            `toml:"risk_fraction"`
	StopDistancePct  float64            `toml:"stop_distance_pct"`
	TakeProfitPct    float64            `toml:"take_profit_pct"`
	MaxLeverage      int                `toml:"max_leverage"`
	MarginCeilingPct float64            `toml:"margin_ceiling_pct"`
	DefaultSymbolCap float64            `toml:"default_symbol_cap"`
	SymbolCaps       map[string]float64 `toml:"symbol_caps"`
	MinNotional      float64            `toml:"min_notional"`
}

type PositionConfig struct {
	RebalanceThreshold float64 `toml:"rebalance_threshold"`
	ScaleInFraction    float64 `toml:"scale_in_fraction"`
	ScaleOutFraction   float64 `toml:"scale_out_fraction"`
	MaxScaleIns        int     `toml:"max_scale_ins"`
	TrailingStopPct    float64 `toml:"trailing_stop_pct"`
}

type ExecutorConfig struct {
	MaxAttempts            int `toml:"max_attempts"`
	BackoffMinMillis       int `toml:"backoff_min_ms"`
	BackoffMaxMillis       int `toml:"backoff_max_ms"`
	OrderTimeoutSeconds    int `toml:"order_timeout_seconds"`
	FillPollMillis         int `toml:"fill_poll_ms"`
	FillTimeoutSeconds     int `toml:"fill_timeout_seconds"`
	BreakerThreshold       int `toml:"breaker_threshold"`
	BreakerCooldownSeconds int `toml:"breaker_cooldown_seconds"`
}

type NotifyConfig struct {
	QueueSize int            `toml:"queue_size"`
	Telegram  TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled         bool   `toml:"enabled"`
	BotToken        string `toml:"bot_token"`
	ChatID          string `toml:"chat_id"`
	BaseURL         string `toml:"base_url"`
	PollCommands    bool   `toml:"poll_commands"`
	NotifyDecisions bool   `toml:"notify_decisions"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
