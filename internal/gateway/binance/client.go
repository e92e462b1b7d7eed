// Package binance 基于 go-binance SDK 实现 USDT 本位永续合约的 exchange.Exchange。
package binance

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"perpagent/internal/account"
	"perpagent/internal/gateway/exchange"
	"perpagent/internal/logger"
	"perpagent/internal/market"
	"perpagent/internal/pkg/trading"
)

const maxHistoryLimit = 1500

// Client 实现 exchange.Exchange。限频与重试由执行器负责，这里每个方法只发一次请求。
type Client struct {
	cfg Config
	api *futures.Client

	mu       sync.Mutex
	steps    map[string]float64
	leverage map[string]int

	nowFn func() time.Time
}

func New(cfg Config) (*Client, error) {
	final := cfg.withDefaults()
	api := futures.NewClient(final.APIKey, final.APISecret)
	api.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	api.HTTPClient = httpClient
	return &Client{
		cfg:      final,
		api:      api,
		steps:    make(map[string]float64),
		leverage: make(map[string]int),
		nowFn:    time.Now,
	}, nil
}

func (c *Client) Name() string { return "binance" }

func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	dur, ok := market.ParseInterval(interval)
	if !ok {
		return nil, fmt.Errorf("invalid interval %q", interval)
	}
	kls, err := c.api.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("klines", err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return market.DropUnclosed(out, dur, c.nowFn()), nil
}

func (c *Client) FetchAccount(ctx context.Context) (account.State, error) {
	acc, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return account.State{}, classify("account", err)
	}
	holdings, err := c.OpenPositions(ctx)
	if err != nil {
		return account.State{}, err
	}
	st := account.State{
		Balance:    parseFloat(acc.TotalWalletBalance),
		Available:  parseFloat(acc.AvailableBalance),
		UsedMargin: parseFloat(acc.TotalInitialMargin),
		Positions:  make(map[string]account.Holding, len(holdings)),
		UpdatedAt:  c.nowFn().UTC(),
	}
	for _, h := range holdings {
		st.Positions[h.Symbol] = h
	}
	return st, nil
}

func (c *Client) OpenPositions(ctx context.Context) ([]account.Holding, error) {
	risks, err := c.api.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify("position_risk", err)
	}
	out := make([]account.Holding, 0, len(risks))
	for _, p := range risks {
		if p == nil {
			continue
		}
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		lev, _ := strconv.Atoi(p.Leverage)
		entry := parseFloat(p.EntryPrice)
		h := account.Holding{
			Symbol:     p.Symbol,
			Size:       amt,
			EntryPrice: entry,
			Leverage:   lev,
		}
		if lev > 0 {
			h.Margin = math.Abs(amt) * entry / float64(lev)
		}
		out = append(out, h)
	}
	return out, nil
}

func (c *Client) SubmitOrder(ctx context.Context, intent exchange.OrderIntent) (string, error) {
	if !intent.ReduceOnly && intent.Leverage > 0 {
		if err := c.ensureLeverage(ctx, intent.Symbol, intent.Leverage); err != nil {
			return "", err
		}
	}
	step, err := c.stepSize(ctx, intent.Symbol)
	if err != nil {
		return "", err
	}
	qty := trading.FormatQty(intent.Size, step)
	if parseFloat(qty) <= 0 {
		return "", fmt.Errorf("%w: %s size %.8f below step %.8f", exchange.ErrRejected, intent.Symbol, intent.Size, step)
	}
	svc := c.api.NewCreateOrderService().
		Symbol(intent.Symbol).
		Side(sideType(intent.Side)).
		Quantity(qty).
		NewClientOrderID(intent.ID)
	if intent.Type == exchange.TypeLimit && intent.Price > 0 {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(intent.Price, 'f', -1, 64))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if intent.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return "", classify("create_order", err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (c *Client) FetchOrderStatus(ctx context.Context, symbol string, ref exchange.OrderRef) (exchange.OrderStatus, error) {
	svc := c.api.NewGetOrderService().Symbol(symbol)
	if id, ok := parseOrderID(ref.OrderID); ok {
		svc = svc.OrderID(id)
	} else if ref.ClientID != "" {
		svc = svc.OrigClientOrderID(ref.ClientID)
	} else {
		return exchange.OrderStatus{}, fmt.Errorf("%w: empty order ref", exchange.ErrOrderNotFound)
	}
	o, err := svc.Do(ctx)
	if err != nil {
		return exchange.OrderStatus{}, classify("get_order", err)
	}
	return convertOrder(o), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, ref exchange.OrderRef) error {
	svc := c.api.NewCancelOrderService().Symbol(symbol)
	if id, ok := parseOrderID(ref.OrderID); ok {
		svc = svc.OrderID(id)
	} else if ref.ClientID != "" {
		svc = svc.OrigClientOrderID(ref.ClientID)
	} else {
		return fmt.Errorf("%w: empty order ref", exchange.ErrOrderNotFound)
	}
	if _, err := svc.Do(ctx); err != nil {
		return classify("cancel_order", err)
	}
	return nil
}

func (c *Client) ensureLeverage(ctx context.Context, symbol string, lev int) error {
	c.mu.Lock()
	cur := c.leverage[symbol]
	c.mu.Unlock()
	if cur == lev {
		return nil
	}
	if _, err := c.api.NewChangeLeverageService().Symbol(symbol).Leverage(lev).Do(ctx); err != nil {
		return classify("change_leverage", err)
	}
	c.mu.Lock()
	c.leverage[symbol] = lev
	c.mu.Unlock()
	logger.Infof("binance: %s 杠杆已设置为 %dx", symbol, lev)
	return nil
}

// stepSize 首次调用时加载 exchangeInfo 并缓存全部 LOT_SIZE。
func (c *Client) stepSize(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	step, ok := c.steps[symbol]
	loaded := len(c.steps) > 0
	c.mu.Unlock()
	if ok {
		return step, nil
	}
	if loaded {
		return 0, fmt.Errorf("%w: unknown symbol %s", exchange.ErrRejected, symbol)
	}
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, classify("exchange_info", err)
	}
	steps := make(map[string]float64, len(info.Symbols))
	for _, s := range info.Symbols {
		for _, f := range s.Filters {
			if f["filterType"] != "LOT_SIZE" {
				continue
			}
			if raw, ok := f["stepSize"].(string); ok {
				steps[s.Symbol] = parseFloat(raw)
			}
		}
	}
	c.mu.Lock()
	c.steps = steps
	step, ok = steps[symbol]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: unknown symbol %s", exchange.ErrRejected, symbol)
	}
	return step, nil
}

func convertOrder(o *futures.Order) exchange.OrderStatus {
	if o == nil {
		return exchange.OrderStatus{}
	}
	return exchange.OrderStatus{
		OrderID:   strconv.FormatInt(o.OrderID, 10),
		ClientID:  o.ClientOrderID,
		Symbol:    o.Symbol,
		State:     convertState(o.Status),
		Requested: parseFloat(o.OrigQuantity),
		Filled:    parseFloat(o.ExecutedQuantity),
		AvgPrice:  parseFloat(o.AvgPrice),
		UpdatedAt: time.UnixMilli(o.UpdateTime).UTC(),
	}
}

func convertState(s futures.OrderStatusType) exchange.OrderState {
	switch s {
	case futures.OrderStatusTypeFilled:
		return exchange.OrderFilled
	case futures.OrderStatusTypePartiallyFilled:
		return exchange.OrderPartiallyFilled
	case futures.OrderStatusTypeCanceled:
		return exchange.OrderCanceled
	case futures.OrderStatusTypeRejected:
		return exchange.OrderRejected
	case futures.OrderStatusTypeExpired:
		return exchange.OrderExpired
	default:
		return exchange.OrderNew
	}
}

func sideType(s exchange.OrderSide) futures.SideType {
	if s == exchange.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func parseOrderID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
