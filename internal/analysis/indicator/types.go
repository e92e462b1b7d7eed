package indicator

import (
	"errors"
	"sort"
	"time"

	"perpagent/internal/config"
)

// ErrInsufficientHistory 表示K线数量不足以覆盖最长回看窗口，调用方应跳过本轮。
var ErrInsufficientHistory = errors.New("insufficient candle history")

// Family 为固定的四个指标族。
type Family string

const (
	FamilyTrend      Family = "trend"
	FamilyMomentum   Family = "momentum"
	FamilyVolatility Family = "volatility"
	FamilyVolume     Family = "volume"
)

// Families 按评估顺序列出所有指标族。
var Families = []Family{FamilyTrend, FamilyMomentum, FamilyVolatility, FamilyVolume}

// Kind 区分趋势型与震荡型读数。
type Kind string

const (
	KindTrend      Kind = "trend"
	KindOscillator Kind = "oscillator"
)

const (
	NameMACross  = "ma_cross"
	NameADX      = "adx"
	NameDMI      = "dmi"
	NameRSI      = "rsi"
	NameStoch    = "stoch"
	NameBBWidth  = "bb_width"
	NameATRPct   = "atr_pct"
	NameVWAP     = "vwap"
	NameOBVSlope = "obv_slope"
)

// Reading 是单个指标的归一化读数。Value 落在 [-1,1]（双极）或 [0,1]（单极）。
type Reading struct {
	Name   string  `json:"name"`
	Family Family  `json:"family"`
	Kind   Kind    `json:"kind"`
	Value  float64 `json:"value"`
	Raw    float64 `json:"raw"`
}

// SignalVector 为一次扫描内某个币种的全部归一化读数，不落库。
type SignalVector struct {
	Symbol   string             `json:"symbol"`
	Price    float64            `json:"price"`
	ATR      float64            `json:"atr"`
	At       time.Time          `json:"at"`
	Readings map[string]Reading `json:"readings"`
}

func (v SignalVector) Value(name string) (float64, bool) {
	r, ok := v.Readings[name]
	if !ok {
		return 0, false
	}
	return r.Value, true
}

// Family 返回某个指标族的读数，按名称排序以保证输出稳定。
func (v SignalVector) Family(f Family) []Reading {
	out := make([]Reading, 0, 3)
	for _, r := range v.Readings {
		if r.Family == f {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Settings 描述计算指标所需的参数与归一化尺度。
type Settings struct {
	EMAFast    int
	EMASlow    int
	ADXPeriod  int
	RSIPeriod  int
	StochK     int
	StochSlowK int
	StochD     int
	BBPeriod   int
	BBStdDev   float64
	ATRPeriod  int
	VWAPWindow int
	OBVWindow  int

	MAScale        float64
	VWAPScale      float64
	BBWidthCeiling float64
	ATRPctCeiling  float64
}

func SettingsFrom(ic config.IndicatorConfig) Settings {
	return Settings{
		EMAFast:        ic.EMAFast,
		EMASlow:        ic.EMASlow,
		ADXPeriod:      ic.ADXPeriod,
		RSIPeriod:      ic.RSIPeriod,
		StochK:         ic.StochK,
		StochSlowK:     ic.StochSlowK,
		StochD:         ic.StochD,
		BBPeriod:       ic.BBPeriod,
		BBStdDev:       ic.BBStdDev,
		ATRPeriod:      ic.ATRPeriod,
		VWAPWindow:     ic.VWAPWindow,
		OBVWindow:      ic.OBVWindow,
		MAScale:        ic.MAScale,
		VWAPScale:      ic.VWAPScale,
		BBWidthCeiling: ic.BBWidthCeiling,
		ATRPctCeiling:  ic.ATRPctCeiling,
	}
}

func (s Settings) withDefaults() Settings {
	out := s
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setFloat := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&out.EMAFast, 20)
	setInt(&out.EMASlow, 200)
	setInt(&out.ADXPeriod, 14)
	setInt(&out.RSIPeriod, 14)
	setInt(&out.StochK, 14)
	setInt(&out.StochSlowK, 3)
	setInt(&out.StochD, 3)
	setInt(&out.BBPeriod, 20)
	setFloat(&out.BBStdDev, 2)
	setInt(&out.ATRPeriod, 14)
	setInt(&out.VWAPWindow, 48)
	setInt(&out.OBVWindow, 20)
	setFloat(&out.MAScale, 1)
	setFloat(&out.VWAPScale, 0.01)
	setFloat(&out.BBWidthCeiling, 0.1)
	setFloat(&out.ATRPctCeiling, 0.05)
	return out
}
