package market

import (
	"strconv"
	"strings"
	"time"
)

// Candle 为单根已收盘K线，时间戳为毫秒。序列按 OpenTime 升序排列。
type Candle struct {
	OpenTime  int64   `json:"open_time" yaml:"open_time"`
	CloseTime int64   `json:"close_time" yaml:"close_time"`
	Open      float64 `json:"open" yaml:"open"`
	High      float64 `json:"high" yaml:"high"`
	Low       float64 `json:"low" yaml:"low"`
	Close     float64 `json:"close" yaml:"close"`
	Volume    float64 `json:"volume" yaml:"volume"`
	Trades    int64   `json:"trades" yaml:"trades"`
}

// DefaultKlineGrace 为判断K线是否收盘时额外等待的宽限期。
const DefaultKlineGrace = 10 * time.Second

// ParseInterval parses "15m", "1h", "4h", "1d", "1w" into time.Duration.
// Returns (0, false) on invalid input.
func ParseInterval(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return 0, false
	}
	unit := interval[len(interval)-1]
	numStr := strings.TrimSpace(interval[:len(interval)-1])
	if numStr == "" {
		return 0, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// DropUnclosed drops the last element if it is still in-progress at now.
// Exchanges return the current, not-yet-closed candle as the last kline.
func DropUnclosed(candles []Candle, interval time.Duration, now time.Time) []Candle {
	if len(candles) == 0 || interval <= 0 {
		return candles
	}
	last := candles[len(candles)-1]
	if last.OpenTime <= 0 {
		return candles
	}
	cutoffMs := last.OpenTime + interval.Milliseconds() + DefaultKlineGrace.Milliseconds()
	if now.UnixMilli() < cutoffMs {
		return candles[:len(candles)-1]
	}
	return candles
}

// LastClose 返回最后一根K线的收盘价，序列为空时返回 0。
func LastClose(candles []Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].Close
}
