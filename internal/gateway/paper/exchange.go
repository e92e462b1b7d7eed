// Package paper 提供内存模拟交易所，用于 app.mode = "paper"。
// 市价单按最近收盘价加滑点立即成交，维护钱包、保证金与净持仓。
package paper

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"perpagent/internal/account"
	"perpagent/internal/config"
	"perpagent/internal/gateway/exchange"
	"perpagent/internal/logger"
	"perpagent/internal/market"
	"perpagent/internal/pkg/trading"
)

// CandleFeed 提供K线，可以是真实交易所的只读客户端或回放文件。
type CandleFeed interface {
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
}

type Config struct {
	InitialBalance float64
	SlippageBps    float64
	FeeBps         float64
}

func ConfigFrom(pc config.PaperConfig) Config {
	return Config{InitialBalance: pc.InitialBalance, SlippageBps: pc.SlippageBps, FeeBps: pc.FeeBps}
}

type holding struct {
	size     float64 // 正数多，负数空
	entry    float64
	leverage int
}

// Fill 记录一次模拟成交。
type Fill struct {
	OrderID  string
	ClientID string
	Symbol   string
	Side     exchange.OrderSide
	Qty      float64
	Price    float64
	Fee      float64
	Realized float64
	At       time.Time
}

type Exchange struct {
	cfg  Config
	feed CandleFeed

	mu        sync.Mutex
	wallet    float64
	positions map[string]*holding
	leverage  map[string]int
	orders    map[string]exchange.OrderStatus
	byClient  map[string]string
	prices    map[string]float64
	fills     []Fill
	seq       int64

	nowFn func() time.Time
}

func New(cfg Config, feed CandleFeed) *Exchange {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	return &Exchange{
		cfg:       cfg,
		feed:      feed,
		wallet:    cfg.InitialBalance,
		positions: make(map[string]*holding),
		leverage:  make(map[string]int),
		orders:    make(map[string]exchange.OrderStatus),
		byClient:  make(map[string]string),
		prices:    make(map[string]float64),
		nowFn:     time.Now,
	}
}

func (e *Exchange) Name() string { return "paper" }

// SetPrice 手动设置标记价，测试与回放外的驱动使用。
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	e.prices[strings.ToUpper(symbol)] = price
	e.mu.Unlock()
}

func (e *Exchange) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if e.feed == nil {
		return nil, fmt.Errorf("%w: paper exchange has no candle feed", exchange.ErrTransient)
	}
	candles, err := e.feed.FetchCandles(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if last := market.LastClose(candles); last > 0 {
		e.SetPrice(symbol, last)
	}
	return candles, nil
}

func (e *Exchange) FetchAccount(_ context.Context) (account.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := account.State{
		Balance:   e.wallet,
		Positions: make(map[string]account.Holding, len(e.positions)),
		UpdatedAt: e.nowFn().UTC(),
	}
	unrealized := 0.0
	for sym, h := range e.positions {
		hd := e.toHolding(sym, h)
		st.Positions[sym] = hd
		st.UsedMargin += hd.Margin
		if px := e.prices[sym]; px > 0 {
			unrealized += (px - h.entry) * h.size
		}
	}
	st.Available = math.Max(0, e.wallet-st.UsedMargin+math.Min(0, unrealized))
	return st, nil
}

func (e *Exchange) OpenPositions(_ context.Context) ([]account.Holding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]account.Holding, 0, len(e.positions))
	for sym, h := range e.positions {
		out = append(out, e.toHolding(sym, h))
	}
	return out, nil
}

func (e *Exchange) toHolding(sym string, h *holding) account.Holding {
	lev := h.leverage
	if lev < 1 {
		lev = 1
	}
	return account.Holding{
		Symbol:     sym,
		Size:       h.size,
		EntryPrice: h.entry,
		Leverage:   lev,
		Margin:     math.Abs(h.size) * h.entry / float64(lev),
	}
}

func (e *Exchange) SubmitOrder(_ context.Context, intent exchange.OrderIntent) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.byClient[intent.ID]; dup {
		return "", fmt.Errorf("%w: duplicate client order id %s", exchange.ErrRejected, intent.ID)
	}
	sym := strings.ToUpper(intent.Symbol)
	if intent.Leverage > 0 {
		e.leverage[sym] = intent.Leverage
	}
	ref := e.prices[sym]
	if ref <= 0 {
		ref = intent.Price
	}
	if ref <= 0 || intent.Size <= 0 {
		return "", fmt.Errorf("%w: %s no price or size", exchange.ErrRejected, sym)
	}
	sign := 1.0
	if intent.Side == exchange.SideSell {
		sign = -1
	}
	price := ref * (1 + sign*e.cfg.SlippageBps/10000)
	qty := intent.Size

	h := e.positions[sym]
	cur := 0.0
	if h != nil {
		cur = h.size
	}
	if intent.ReduceOnly {
		if cur == 0 || cur*sign > 0 {
			return "", fmt.Errorf("%w: %s reduce-only order would increase position", exchange.ErrRejected, sym)
		}
		qty = math.Min(qty, math.Abs(cur))
	}

	increase := qty
	if cur*sign < 0 {
		increase = math.Max(0, qty-math.Abs(cur))
	}
	lev := e.leverage[sym]
	if lev < 1 {
		lev = 1
	}
	if increase > 0 {
		used := 0.0
		for s, p := range e.positions {
			used += e.toHolding(s, p).Margin
		}
		if need := increase * price / float64(lev); need > e.wallet-used {
			return "", fmt.Errorf("%w: %s margin is insufficient (need %.2f, free %.2f)", exchange.ErrRejected, sym, need, e.wallet-used)
		}
	}

	fee := qty * price * e.cfg.FeeBps / 10000
	realized := 0.0
	switch {
	case h == nil || cur == 0:
		e.positions[sym] = &holding{size: sign * qty, entry: price, leverage: lev}
	case cur*sign > 0:
		newSize := math.Abs(cur) + qty
		h.entry = (h.entry*math.Abs(cur) + price*qty) / newSize
		h.size = sign * newSize
		h.leverage = lev
	default:
		closed := math.Min(qty, math.Abs(cur))
		realized = trading.PnL(h.entry, price, closed, math.Copysign(1, cur))
		rest := qty - closed
		h.size += sign * closed
		if math.Abs(h.size) < 1e-12 {
			delete(e.positions, sym)
			if rest > 0 {
				e.positions[sym] = &holding{size: sign * rest, entry: price, leverage: lev}
			}
		}
	}
	e.wallet += realized - fee

	e.seq++
	id := strconv.FormatInt(e.seq, 10)
	now := e.nowFn().UTC()
	e.orders[id] = exchange.OrderStatus{
		OrderID:   id,
		ClientID:  intent.ID,
		Symbol:    sym,
		State:     exchange.OrderFilled,
		Requested: intent.Size,
		Filled:    qty,
		AvgPrice:  price,
		UpdatedAt: now,
	}
	e.byClient[intent.ID] = id
	e.fills = append(e.fills, Fill{OrderID: id, ClientID: intent.ID, Symbol: sym, Side: intent.Side, Qty: qty, Price: price, Fee: fee, Realized: realized, At: now})
	logger.Debugf("paper: %s %s %.6f @ %.4f fee=%.4f realized=%.4f wallet=%.2f", sym, intent.Side, qty, price, fee, realized, e.wallet)
	return id, nil
}

func (e *Exchange) FetchOrderStatus(_ context.Context, _ string, ref exchange.OrderRef) (exchange.OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := ref.OrderID
	if id == "" {
		id = e.byClient[ref.ClientID]
	}
	st, ok := e.orders[id]
	if !ok {
		return exchange.OrderStatus{}, fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, ref.OrderID+ref.ClientID)
	}
	return st, nil
}

// CancelOrder 模拟单总是立即成交，因此任何撤单都找不到可撤的挂单。
func (e *Exchange) CancelOrder(_ context.Context, _ string, ref exchange.OrderRef) error {
	return fmt.Errorf("%w: %s already final", exchange.ErrOrderNotFound, ref.OrderID+ref.ClientID)
}

// Fills 返回全部模拟成交的副本。
func (e *Exchange) Fills() []Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Fill(nil), e.fills...)
}
