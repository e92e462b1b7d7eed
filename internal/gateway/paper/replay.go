package paper

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"perpagent/internal/market"
)

// ReplayFile 是回放文件的结构：
//
//	interval: 1m
//	symbols:
//	  BTCUSDT:
//	    - {open_time: 0, open: 100, high: 101, low: 99, close: 100.5, volume: 10}
type ReplayFile struct {
	Interval string                     `yaml:"interval"`
	Symbols  map[string][]market.Candle `yaml:"symbols"`
}

// Replay 按调用逐根推进K线：每次 FetchCandles 把该币种的游标前移一根，
// 返回以游标结尾的最近 limit 根。数据耗尽后停在最后一根。
type Replay struct {
	mu      sync.Mutex
	data    map[string][]market.Candle
	cursors map[string]int
}

func LoadReplay(path string) (*Replay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取回放文件失败: %w", err)
	}
	var f ReplayFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("解析回放文件失败: %w", err)
	}
	return NewReplay(f.Symbols), nil
}

func NewReplay(data map[string][]market.Candle) *Replay {
	r := &Replay{data: make(map[string][]market.Candle, len(data)), cursors: make(map[string]int)}
	for sym, candles := range data {
		r.data[strings.ToUpper(sym)] = candles
	}
	return r
}

func (r *Replay) FetchCandles(_ context.Context, symbol, _ string, limit int) ([]market.Candle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	series, ok := r.data[symbol]
	if !ok || len(series) == 0 {
		return nil, fmt.Errorf("replay has no candles for %s", symbol)
	}
	if limit <= 0 || limit > len(series) {
		limit = len(series)
	}
	cur, started := r.cursors[symbol]
	switch {
	case !started:
		cur = limit
	case cur < len(series):
		cur++
	}
	r.cursors[symbol] = cur
	start := cur - limit
	if start < 0 {
		start = 0
	}
	out := make([]market.Candle, cur-start)
	copy(out, series[start:cur])
	return out, nil
}
