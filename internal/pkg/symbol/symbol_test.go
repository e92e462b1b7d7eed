package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"btcusdt":       "BTCUSDT",
		"BTC/USDT":      "BTCUSDT",
		"eth-usdt":      "ETHUSDT",
		"SOL/USDT:USDT": "SOLUSDT",
		" doge_usdt ":   "DOGEUSDT",
		"":              "",
		"USDT":          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestNormalizeListDedup(t *testing.T) {
	got := NormalizeList([]string{"btc/usdt", "BTCUSDT", "ETHUSDT", " "})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
}

func TestDisplay(t *testing.T) {
	assert.Equal(t, "BTC/USDT", Parse("BTCUSDT").Display())
	assert.False(t, IsValid("???"))
}
