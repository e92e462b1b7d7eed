package exchange

import (
	"context"

	"perpagent/internal/account"
	"perpagent/internal/market"
)

// MarketReader is the read side used by traders. Every method is safe to retry.
type MarketReader interface {
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)

	FetchAccount(ctx context.Context) (account.State, error)

	OpenPositions(ctx context.Context) ([]account.Holding, error)
}

// Exchange is the full collaborator boundary. SubmitOrder is NOT safe to
// retry blindly; callers look the order up by client id first.
type Exchange interface {
	MarketReader

	Name() string

	SubmitOrder(ctx context.Context, intent OrderIntent) (orderID string, err error)

	FetchOrderStatus(ctx context.Context, symbol string, ref OrderRef) (OrderStatus, error)

	CancelOrder(ctx context.Context, symbol string, ref OrderRef) error
}
