package visual

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpagent/internal/store"
)

type staticSource []store.PnLPoint

func (s staticSource) PnLSeries(_ context.Context, symbol string) ([]store.PnLPoint, error) {
	if symbol == "" {
		return s, nil
	}
	var out []store.PnLPoint
	for _, p := range s {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestRenderHTML(t *testing.T) {
	at := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	src := staticSource{
		{At: at, Symbol: "BTCUSDT", PnL: 12.5, Cumulative: 12.5},
		{At: at.Add(time.Hour), Symbol: "ETHUSDT", PnL: -4, Cumulative: 8.5},
	}
	html, err := NewRenderer(src).RenderHTML(context.Background(), "")
	require.NoError(t, err)
	body := string(html)
	assert.Contains(t, body, "Realized PnL ALL")
	assert.Contains(t, body, "trades 2")
	assert.Contains(t, body, "06-01 09:00 ETHUSDT")
	assert.Contains(t, body, "Cumulative")

	html, err = NewRenderer(src).RenderHTML(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Contains(t, string(html), "Realized PnL BTC")
	assert.NotContains(t, string(html), "ETHUSDT")
}

func TestRenderHTMLWithoutTrades(t *testing.T) {
	_, err := NewRenderer(staticSource{}).RenderHTML(context.Background(), "SOLUSDT")
	assert.ErrorContains(t, err, "no closed positions for SOL/USDT")
}
