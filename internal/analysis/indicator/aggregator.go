package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"perpagent/internal/market"
)

// Aggregator 把K线序列压缩为归一化的 SignalVector。无内部状态，可并发调用。
type Aggregator struct {
	cfg Settings
}

func NewAggregator(cfg Settings) *Aggregator {
	return &Aggregator{cfg: cfg.withDefaults()}
}

func (a *Aggregator) Settings() Settings {
	return a.cfg
}

// MinHistory 返回所有指标中最长的回看需求。
func (a *Aggregator) MinHistory() int {
	c := a.cfg
	need := []int{
		c.EMASlow,
		2*c.ADXPeriod + 1,
		c.RSIPeriod + 1,
		c.StochK + c.StochSlowK + c.StochD,
		c.BBPeriod,
		c.ATRPeriod + 1,
		c.VWAPWindow,
		c.OBVWindow + 1,
	}
	maxNeed := 0
	for _, n := range need {
		if n > maxNeed {
			maxNeed = n
		}
	}
	return maxNeed + 1
}

// Compute 计算全部指标族。K线不足时返回 ErrInsufficientHistory，绝不返回残缺向量。
func (a *Aggregator) Compute(symbol string, candles []market.Candle) (SignalVector, error) {
	need := a.MinHistory()
	if len(candles) < need {
		return SignalVector{}, fmt.Errorf("%w: %s have %d candles, need %d", ErrInsufficientHistory, symbol, len(candles), need)
	}
	c := a.cfg
	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, k := range candles {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
		volumes[i] = k.Volume
	}
	last := candles[n-1]
	price := last.Close
	if price <= 0 || !finite(price) {
		return SignalVector{}, fmt.Errorf("%w: %s last close invalid (%v)", ErrInsufficientHistory, symbol, price)
	}

	vec := SignalVector{
		Symbol:   symbol,
		Price:    price,
		At:       time.UnixMilli(last.CloseTime).UTC(),
		Readings: make(map[string]Reading, 9),
	}
	var missing []string
	put := func(name string, fam Family, kind Kind, raw, value float64) {
		if !finite(raw) || !finite(value) {
			missing = append(missing, name)
			return
		}
		vec.Readings[name] = Reading{Name: name, Family: fam, Kind: kind, Value: round4(value), Raw: round4(raw)}
	}

	// Trend
	emaFast := tail(talib.Ema(closes, c.EMAFast))
	emaSlow := tail(talib.Ema(closes, c.EMASlow))
	spreadPct := math.NaN()
	if emaSlow > 0 {
		spreadPct = (emaFast - emaSlow) / emaSlow * 100
	}
	put(NameMACross, FamilyTrend, KindTrend, spreadPct, math.Tanh(spreadPct/c.MAScale))

	adx := tail(talib.Adx(highs, lows, closes, c.ADXPeriod))
	put(NameADX, FamilyTrend, KindTrend, adx, clamp(adx/100, 0, 1))

	plusDI := tail(talib.PlusDI(highs, lows, closes, c.ADXPeriod))
	minusDI := tail(talib.MinusDI(highs, lows, closes, c.ADXPeriod))
	dmi := 0.0
	if sum := plusDI + minusDI; sum > 0 {
		dmi = (plusDI - minusDI) / sum
	} else if !finite(sum) {
		dmi = math.NaN()
	}
	put(NameDMI, FamilyTrend, KindTrend, plusDI-minusDI, clamp(dmi, -1, 1))

	// Momentum
	rsi := tail(talib.Rsi(closes, c.RSIPeriod))
	put(NameRSI, FamilyMomentum, KindOscillator, rsi, clamp((rsi-50)/50, -1, 1))

	slowK, _ := talib.Stoch(highs, lows, closes, c.StochK, c.StochSlowK, talib.SMA, c.StochD, talib.SMA)
	k := tail(slowK)
	put(NameStoch, FamilyMomentum, KindOscillator, k, clamp((k-50)/50, -1, 1))

	// Volatility
	upper, middle, lower := talib.BBands(closes, c.BBPeriod, c.BBStdDev, c.BBStdDev, talib.SMA)
	width := math.NaN()
	if mid := tail(middle); mid > 0 {
		width = (tail(upper) - tail(lower)) / mid
	}
	put(NameBBWidth, FamilyVolatility, KindOscillator, width, clamp(width/c.BBWidthCeiling, 0, 1))

	atr := tail(talib.Atr(highs, lows, closes, c.ATRPeriod))
	atrPct := atr / price
	put(NameATRPct, FamilyVolatility, KindOscillator, atrPct, clamp(atrPct/c.ATRPctCeiling, 0, 1))
	vec.ATR = round4(atr)

	// Volume
	vwap := rollingVWAP(candles[n-c.VWAPWindow:])
	dev := math.NaN()
	if vwap > 0 {
		dev = (price - vwap) / vwap
	}
	put(NameVWAP, FamilyVolume, KindTrend, vwap, math.Tanh(dev/c.VWAPScale))

	obv := talib.Obv(closes, volumes)
	windowVol := 0.0
	for _, v := range volumes[n-c.OBVWindow:] {
		windowVol += v
	}
	slope := 0.0
	delta := obv[n-1] - obv[n-1-c.OBVWindow]
	if windowVol > 0 {
		slope = delta / windowVol
	}
	put(NameOBVSlope, FamilyVolume, KindTrend, delta, clamp(slope, -1, 1))

	if len(missing) > 0 {
		return SignalVector{}, fmt.Errorf("%w: %s non-finite readings %v", ErrInsufficientHistory, symbol, missing)
	}
	return vec, nil
}

// rollingVWAP 使用典型价 (H+L+C)/3 计算窗口内成交量加权均价，零成交量时退化为算术均值。
func rollingVWAP(window []market.Candle) float64 {
	if len(window) == 0 {
		return math.NaN()
	}
	var pv, vol, sumTP float64
	for _, k := range window {
		tp := (k.High + k.Low + k.Close) / 3
		pv += tp * k.Volume
		vol += k.Volume
		sumTP += tp
	}
	if vol <= 0 {
		return sumTP / float64(len(window))
	}
	return pv / vol
}

func tail(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	return math.Max(lo, math.Min(hi, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
