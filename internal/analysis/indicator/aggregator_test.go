package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpagent/internal/market"
)

// trendCandles 生成带轻微噪声的单边行情，slope>0 为上涨。
func trendCandles(n int, start, slope float64) []market.Candle {
	out := make([]market.Candle, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := start
	for i := 0; i < n; i++ {
		closePx := start + slope*float64(i) + 0.3*math.Sin(float64(i)/3)
		open := prev
		high := math.Max(open, closePx) + 0.2
		low := math.Min(open, closePx) - 0.2
		vol := 100.0
		if (slope > 0 && closePx >= open) || (slope < 0 && closePx < open) {
			vol = 180
		}
		openAt := base.Add(time.Duration(i) * 15 * time.Minute)
		out[i] = market.Candle{
			OpenTime:  openAt.UnixMilli(),
			CloseTime: openAt.Add(15*time.Minute - time.Millisecond).UnixMilli(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    vol,
		}
		prev = closePx
	}
	return out
}

func TestComputeInsufficientHistory(t *testing.T) {
	agg := NewAggregator(Settings{})
	candles := trendCandles(agg.MinHistory()-1, 100, 0.5)
	_, err := agg.Compute("BTCUSDT", candles)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientHistory))
}

func TestMinHistoryCoversSlowEMA(t *testing.T) {
	agg := NewAggregator(Settings{EMASlow: 200})
	assert.Equal(t, 201, agg.MinHistory())

	agg = NewAggregator(Settings{EMAFast: 5, EMASlow: 10, ADXPeriod: 30})
	assert.Equal(t, 62, agg.MinHistory())
}

func TestComputeUptrendReadings(t *testing.T) {
	agg := NewAggregator(Settings{})
	candles := trendCandles(300, 100, 0.5)
	vec, err := agg.Compute("BTCUSDT", candles)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", vec.Symbol)
	assert.Equal(t, candles[len(candles)-1].Close, vec.Price)
	assert.Len(t, vec.Readings, 9)

	ma, _ := vec.Value(NameMACross)
	dmi, _ := vec.Value(NameDMI)
	rsi, _ := vec.Value(NameRSI)
	obv, _ := vec.Value(NameOBVSlope)
	vwap, _ := vec.Value(NameVWAP)
	assert.Greater(t, ma, 0.5)
	assert.Greater(t, dmi, 0.0)
	assert.Greater(t, rsi, 0.0)
	assert.Greater(t, obv, 0.0)
	assert.Greater(t, vwap, 0.0)

	for name, r := range vec.Readings {
		switch r.Family {
		case FamilyVolatility:
			assert.GreaterOrEqual(t, r.Value, 0.0, name)
			assert.LessOrEqual(t, r.Value, 1.0, name)
		default:
			assert.GreaterOrEqual(t, r.Value, -1.0, name)
			assert.LessOrEqual(t, r.Value, 1.0, name)
		}
	}
	assert.Equal(t, KindOscillator, vec.Readings[NameRSI].Kind)
	assert.Equal(t, KindTrend, vec.Readings[NameMACross].Kind)
	assert.Len(t, vec.Family(FamilyTrend), 3)
}

func TestComputeDowntrendIsMirrored(t *testing.T) {
	agg := NewAggregator(Settings{})
	vec, err := agg.Compute("ETHUSDT", trendCandles(300, 400, -0.5))
	require.NoError(t, err)

	ma, _ := vec.Value(NameMACross)
	dmi, _ := vec.Value(NameDMI)
	obv, _ := vec.Value(NameOBVSlope)
	assert.Less(t, ma, -0.5)
	assert.Less(t, dmi, 0.0)
	assert.Less(t, obv, 0.0)
}

func TestRollingVWAPZeroVolume(t *testing.T) {
	window := []market.Candle{
		{High: 3, Low: 1, Close: 2},
		{High: 5, Low: 3, Close: 4},
	}
	assert.InDelta(t, 3.0, rollingVWAP(window), 1e-9)
}
