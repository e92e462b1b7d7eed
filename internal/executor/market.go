package executor

import (
	"context"
	"errors"

	"perpagent/internal/account"
	"perpagent/internal/gateway/exchange"
	"perpagent/internal/market"
)

// gatedReader 让行情与账户读取也走共享限频与超时；鉴权失败同样触发熔断。
type gatedReader struct {
	e *Executor
}

// Market 返回经过限频的只读视图，供 trader 拉 K 线与账户。
func (e *Executor) Market() exchange.MarketReader {
	return gatedReader{e: e}
}

func (g gatedReader) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	var out []market.Candle
	err := g.e.gated(ctx, func(c context.Context) error {
		candles, err := g.e.ex.FetchCandles(c, symbol, interval, limit)
		out = candles
		return err
	})
	return out, g.observe(err)
}

func (g gatedReader) FetchAccount(ctx context.Context) (account.State, error) {
	var out account.State
	err := g.e.gated(ctx, func(c context.Context) error {
		st, err := g.e.ex.FetchAccount(c)
		out = st
		return err
	})
	return out, g.observe(err)
}

func (g gatedReader) OpenPositions(ctx context.Context) ([]account.Holding, error) {
	var out []account.Holding
	err := g.e.gated(ctx, func(c context.Context) error {
		hs, err := g.e.ex.OpenPositions(c)
		out = hs
		return err
	})
	return out, g.observe(err)
}

func (g gatedReader) observe(err error) error {
	if err != nil && errors.Is(err, exchange.ErrAuth) {
		g.e.noteCause(err)
		g.e.breaker.Trip()
	}
	return err
}
