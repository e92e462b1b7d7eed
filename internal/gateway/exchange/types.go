// Package exchange defines the boundary between the trading core and a
// derivatives exchange. Implementations live in sibling packages (binance, paper).
package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error classes returned by Exchange implementations. Wrap with %w so callers
// can classify using errors.Is.
var (
	// ErrRejected is an exchange-side business rejection (insufficient margin, invalid size).
	ErrRejected = errors.New("order rejected by exchange")
	// ErrTransient covers network failures, timeouts, 5xx and rate limiting.
	ErrTransient = errors.New("transient exchange failure")
	// ErrAuth means the shared connection itself is unusable (bad key, IP ban, clock skew).
	ErrAuth = errors.New("exchange authentication failure")
	// ErrOrderNotFound is returned by status/cancel lookups for unknown orders.
	ErrOrderNotFound = errors.New("order not found")
)

// OrderSide is the exchange order side.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the execution type of an intent.
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// Purpose tags why an intent was emitted.
type Purpose string

const (
	PurposeEntry    Purpose = "entry"
	PurposeScaleIn  Purpose = "scale_in"
	PurposeScaleOut Purpose = "scale_out"
	PurposeClose    Purpose = "close"
)

// OrderIntent is produced by the position state machine and consumed once
// by the executor. A retry after re-evaluation always gets a fresh intent.
type OrderIntent struct {
	ID         string    // Client order id (uuid), used for dedup on resubmit
	Symbol     string    // Exchange symbol, e.g. BTCUSDT
	Side       OrderSide // buy / sell
	Type       OrderType // market / limit
	Size       float64   // Base asset quantity
	Price      float64   // Limit price or reference price for market orders
	Leverage   int       // Leverage to apply before entry (0 = keep)
	ReduceOnly bool      // Never increases exposure
	Purpose    Purpose
	Reason     string
	CreatedAt  time.Time
}

// NewIntent builds an intent with a fresh client order id.
func NewIntent(symbol string, side OrderSide, size, refPrice float64, purpose Purpose, reason string) OrderIntent {
	return OrderIntent{
		ID:         "pa-" + uuid.NewString()[:28],
		Symbol:     symbol,
		Side:       side,
		Type:       TypeMarket,
		Size:       size,
		Price:      refPrice,
		ReduceOnly: purpose == PurposeClose || purpose == PurposeScaleOut,
		Purpose:    purpose,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
}

func (i OrderIntent) String() string {
	ro := ""
	if i.ReduceOnly {
		ro = " reduce-only"
	}
	return fmt.Sprintf("%s %s %s %.6f @%.4f%s (%s) id=%s", i.Purpose, i.Symbol, i.Side, i.Size, i.Price, ro, i.Reason, i.ID)
}

// OrderRef identifies an order by exchange id or by client id.
type OrderRef struct {
	OrderID  string
	ClientID string
}

// OrderState mirrors the exchange order lifecycle.
type OrderState string

const (
	OrderNew             OrderState = "new"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
	OrderRejected        OrderState = "rejected"
	OrderExpired         OrderState = "expired"
)

// Terminal reports whether the order can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// OrderStatus is the result of a status lookup.
type OrderStatus struct {
	OrderID   string
	ClientID  string
	Symbol    string
	State     OrderState
	Requested float64
	Filled    float64
	AvgPrice  float64
	UpdatedAt time.Time
}
