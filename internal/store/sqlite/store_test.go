package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpagent/internal/decision"
	"perpagent/internal/gateway/notifier"
	"perpagent/internal/position"
	"perpagent/internal/store"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func closedAt(symbol string, pnl float64, at time.Time) position.ClosedPosition {
	return position.ClosedPosition{
		Symbol:      symbol,
		Side:        decision.DirectionLong,
		EntryPrice:  100,
		ExitPrice:   100 + pnl,
		Size:        1,
		Leverage:    3,
		RealizedPnL: pnl,
		Reason:      "take_profit",
		Reasons:     []string{"ema_cross", "rsi"},
		OpenedAt:    at.Add(-time.Hour),
		ClosedAt:    at,
	}
}

func TestClosedPositionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordClosed(ctx, closedAt("btcusdt", 5, base)))
	require.NoError(t, s.RecordClosed(ctx, closedAt("ETHUSDT", -2, base.Add(time.Hour))))
	require.NoError(t, s.RecordClosed(ctx, closedAt("BTCUSDT", 3, base.Add(2*time.Hour))))

	all, err := s.ListClosed(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 3.0, all[0].RealizedPnL, "newest first")

	btc, err := s.ListClosed(ctx, "BTCUSDT", 1)
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, "BTCUSDT", btc[0].Symbol)
	assert.Equal(t, []string{"ema_cross", "rsi"}, btc[0].Reasons)
	assert.Equal(t, base.Add(2*time.Hour), btc[0].ClosedAt)

	series, err := s.PnLSeries(ctx, "")
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.Equal(t, []float64{5, 3, 6}, []float64{series[0].Cumulative, series[1].Cumulative, series[2].Cumulative})

	series, err = s.PnLSeries(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, 8.0, series[1].Cumulative)
}

func TestLedgerSinkRecordsEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sink := store.NewLedgerSink(s)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	cp := closedAt("BTCUSDT", 4, at)
	require.NoError(t, sink.Handle(ctx, notifier.NewEvent(notifier.KindClosed, "BTCUSDT", "closed").With("reason", "take_profit").WithPayload(cp)))
	tr := position.Transition{Symbol: "BTCUSDT", From: position.StateOpen, To: position.StateClosing, Reason: "stop_loss", At: at}
	require.NoError(t, sink.Handle(ctx, notifier.NewEvent(notifier.KindTransition, "BTCUSDT", "open -> closing").WithPayload(tr)))
	require.NoError(t, sink.Handle(ctx, notifier.NewEvent(notifier.KindDecision, "BTCUSDT", "long")))

	closed, err := s.ListClosed(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	events, err := s.ListEvents(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	kinds := []string{events[0].Kind, events[1].Kind}
	assert.ElementsMatch(t, []string{"closed", "transition"}, kinds)
	for _, ev := range events {
		if ev.Kind == "transition" {
			assert.Equal(t, "open", ev.From)
			assert.Equal(t, "closing", ev.To)
			assert.Equal(t, "stop_loss", ev.Reason)
			assert.Contains(t, string(ev.Payload), `"to":"closing"`)
		}
	}
}

func TestNewSqliteStoreRejectsEmptyPath(t *testing.T) {
	_, err := NewSqliteStore("  ")
	assert.Error(t, err)
}
