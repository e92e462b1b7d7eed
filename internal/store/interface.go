package store

import (
	"context"
	"time"

	"perpagent/internal/position"
)

// EventRecord 是一条生命周期事件的持久化形态。
type EventRecord struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Kind      string    `json:"kind"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Title     string    `json:"title"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PnLPoint 是按平仓时间排序的已实现盈亏曲线上的一个点。
type PnLPoint struct {
	At         time.Time `json:"at"`
	Symbol     string    `json:"symbol"`
	PnL        float64   `json:"pnl"`
	Cumulative float64   `json:"cumulative"`
}

// Ledger is the entry point for closed-position and lifecycle persistence.
type Ledger interface {
	RecordClosed(ctx context.Context, cp position.ClosedPosition) error
	RecordEvent(ctx context.Context, rec EventRecord) error
	// ListClosed returns the newest records first. An empty symbol lists all symbols.
	ListClosed(ctx context.Context, symbol string, limit int) ([]position.ClosedPosition, error)
	ListEvents(ctx context.Context, symbol string, limit int) ([]EventRecord, error)
	// PnLSeries returns realized pnl in close order with a running total.
	PnLSeries(ctx context.Context, symbol string) ([]PnLPoint, error)
	Close() error
}

// BuildSeries 把平仓记录折叠为累计盈亏曲线，输入需按平仓时间升序。
func BuildSeries(closed []position.ClosedPosition) []PnLPoint {
	out := make([]PnLPoint, 0, len(closed))
	total := 0.0
	for _, cp := range closed {
		total += cp.RealizedPnL
		out = append(out, PnLPoint{At: cp.ClosedAt, Symbol: cp.Symbol, PnL: cp.RealizedPnL, Cumulative: total})
	}
	return out
}
