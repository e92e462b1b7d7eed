//go:build wireinject

package app

import (
	"github.com/google/wire"

	"perpagent/internal/config"
)

func buildApp(cfg *config.Config, path ConfigPath) (*App, func(), error) {
	wire.Build(
		provideExchange,
		provideExecutor,
		provideAccount,
		provideLedger,
		provideTelegram,
		provideHub,
		provideAggregator,
		provideEvaluator,
		provideSizer,
		provideTraders,
		provideScanner,
		provideRenderer,
		provideHTTP,
		providePoller,
		newApp,
	)
	return nil, nil, nil
}
