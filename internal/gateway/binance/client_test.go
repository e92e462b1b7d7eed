package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpagent/internal/gateway/exchange"
)

const exchangeInfoJSON = `{"timezone":"UTC","serverTime":1,"symbols":[{"symbol":"BTCUSDT","status":"TRADING",
"filters":[{"filterType":"PRICE_FILTER","tickSize":"0.10"},{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"}]}]}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "k", APISecret: "s", RESTBaseURL: srv.URL, HTTPTimeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestFetchCandlesDropsUnclosed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		fmt.Fprint(w, `[
[0,"100","101","99","100.5","10",59999,"1000",5,"5","500","0"],
[60000,"100.5","102","100","101.5","12",119999,"1200",6,"6","600","0"],
[120000,"101.5","103","101","102","3",179999,"300",2,"1","100","0"]]`)
	})
	c.nowFn = func() time.Time { return time.UnixMilli(150000) }

	candles, err := c.FetchCandles(context.Background(), "btcusdt", "1m", 3)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.InDelta(t, 101.5, candles[1].Close, 1e-9)
	assert.Equal(t, int64(6), candles[1].Trades)
}

func TestSubmitOrderRoundsAndSetsLeverage(t *testing.T) {
	var leverageCalls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			fmt.Fprint(w, exchangeInfoJSON)
		case "/fapi/v1/leverage":
			leverageCalls++
			assert.Equal(t, "5", r.Form.Get("leverage"))
			fmt.Fprint(w, `{"leverage":5,"maxNotionalValue":"1000000","symbol":"BTCUSDT"}`)
		case "/fapi/v1/order":
			assert.Equal(t, "0.123", r.Form.Get("quantity"))
			assert.Equal(t, "BUY", r.Form.Get("side"))
			assert.Equal(t, "MARKET", r.Form.Get("type"))
			assert.Equal(t, "pa-test", r.Form.Get("newClientOrderId"))
			assert.Empty(t, r.Form.Get("reduceOnly"))
			fmt.Fprint(w, `{"orderId":42,"symbol":"BTCUSDT","status":"NEW","clientOrderId":"pa-test"}`)
		default:
			http.NotFound(w, r)
		}
	})

	intent := exchange.NewIntent("BTCUSDT", exchange.SideBuy, 0.12345, 100, exchange.PurposeEntry, "test")
	intent.ID = "pa-test"
	intent.Leverage = 5
	id, err := c.SubmitOrder(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	_, err = c.SubmitOrder(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, 1, leverageCalls)
}

func TestSubmitOrderBelowStepRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/exchangeInfo" {
			fmt.Fprint(w, exchangeInfoJSON)
			return
		}
		t.Errorf("unexpected request %s", r.URL.Path)
	})
	intent := exchange.NewIntent("BTCUSDT", exchange.SideSell, 0.0004, 100, exchange.PurposeClose, "test")
	_, err := c.SubmitOrder(context.Background(), intent)
	assert.ErrorIs(t, err, exchange.ErrRejected)
}

func TestSubmitOrderAPIErrorClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/exchangeInfo" {
			fmt.Fprint(w, exchangeInfoJSON)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2019,"msg":"Margin is insufficient."}`)
	})
	intent := exchange.NewIntent("BTCUSDT", exchange.SideSell, 1, 100, exchange.PurposeClose, "test")
	_, err := c.SubmitOrder(context.Background(), intent)
	assert.ErrorIs(t, err, exchange.ErrRejected)
	assert.Contains(t, err.Error(), "-2019")
}

func TestFetchOrderStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		assert.Equal(t, "pa-abc", r.URL.Query().Get("origClientOrderId"))
		fmt.Fprint(w, `{"orderId":42,"symbol":"BTCUSDT","status":"PARTIALLY_FILLED","clientOrderId":"pa-abc",
"origQty":"1","executedQty":"0.4","avgPrice":"101.5","updateTime":1700000000000}`)
	})
	st, err := c.FetchOrderStatus(context.Background(), "BTCUSDT", exchange.OrderRef{ClientID: "pa-abc"})
	require.NoError(t, err)
	assert.Equal(t, "42", st.OrderID)
	assert.Equal(t, exchange.OrderPartiallyFilled, st.State)
	assert.InDelta(t, 0.4, st.Filled, 1e-12)
	assert.InDelta(t, 101.5, st.AvgPrice, 1e-12)
	assert.False(t, st.State.Terminal())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code int64
		want error
	}{
		{-2010, exchange.ErrRejected},
		{-4164, exchange.ErrRejected},
		{-2022, exchange.ErrRejected},
		{-2015, exchange.ErrAuth},
		{-1022, exchange.ErrAuth},
		{-2013, exchange.ErrOrderNotFound},
		{-1003, exchange.ErrTransient},
		{-1001, exchange.ErrTransient},
		{0, exchange.ErrTransient},
	}
	for _, tc := range cases {
		err := classify("op", &common.APIError{Code: tc.code, Message: "x"})
		assert.True(t, errors.Is(err, tc.want), "code %d -> %v", tc.code, err)
	}
	assert.ErrorIs(t, classify("op", errors.New("connection reset")), exchange.ErrTransient)
	assert.ErrorIs(t, classify("op", context.Canceled), context.Canceled)
	assert.NoError(t, classify("op", nil))
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Testnet: true, RESTBaseURL: mainnetURL}
	assert.Equal(t, testnetURL, c.withDefaults().RESTBaseURL)
	c = Config{}
	assert.Equal(t, mainnetURL, c.withDefaults().RESTBaseURL)
}
