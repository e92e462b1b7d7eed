package binance

import (
	"strings"
	"time"

	"perpagent/internal/config"
)

const (
	mainnetURL = "https://fapi.binance.com"
	testnetURL = "https://testnet.binancefuture.com"
)

type Config struct {
	APIKey      string
	APISecret   string
	RESTBaseURL string
	Testnet     bool
	HTTPTimeout time.Duration

	ProxyEnabled bool
	RESTProxyURL string
}

func ConfigFrom(ec config.ExchangeConfig) Config {
	return Config{
		APIKey:       ec.APIKey,
		APISecret:    ec.APISecret,
		RESTBaseURL:  ec.RESTBaseURL,
		Testnet:      ec.Testnet,
		HTTPTimeout:  time.Duration(ec.TimeoutSeconds) * time.Second,
		ProxyEnabled: ec.Proxy.Enabled,
		RESTProxyURL: ec.Proxy.URL,
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	if out.RESTBaseURL == "" || (out.Testnet && out.RESTBaseURL == mainnetURL) {
		out.RESTBaseURL = mainnetURL
		if out.Testnet {
			out.RESTBaseURL = testnetURL
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.APIKey = strings.TrimSpace(out.APIKey)
	out.APISecret = strings.TrimSpace(out.APISecret)
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	return out
}
