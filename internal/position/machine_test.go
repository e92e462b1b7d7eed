package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpagent/internal/decision"
	"perpagent/internal/executor"
	"perpagent/internal/gateway/exchange"
	"perpagent/internal/risk"
)

type fixedSizer struct {
	entry   risk.Sizing
	scaleIn risk.Sizing
	err     error
	calls   int
}

func (f *fixedSizer) SizeEntry(decision.Decision, float64) (risk.Sizing, error) {
	f.calls++
	return f.entry, f.err
}

func (f *fixedSizer) SizeScaleIn(decision.Decision, float64) (risk.Sizing, error) {
	f.calls++
	return f.scaleIn, f.err
}

func testSizer() *fixedSizer {
	return &fixedSizer{
		entry:   risk.Sizing{Size: 2, Leverage: 3, StopPrice: 98, TakeProfitPrice: 104},
		scaleIn: risk.Sizing{Size: 1, Leverage: 3},
	}
}

func testConfig() Config {
	return Config{RebalanceThreshold: 0.25, ScaleInFraction: 0.5, ScaleOutFraction: 0.5, MaxScaleIns: 2}
}

func longSignal(strength float64) decision.Decision {
	return decision.Decision{Symbol: "BTCUSDT", Direction: decision.DirectionLong, Strength: strength}
}

func newTestMachine(t *testing.T, cfg Config) (*Machine, *[]Transition) {
	t.Helper()
	var seen []Transition
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMachine("BTCUSDT", cfg,
		WithObserver(func(tr Transition) { seen = append(seen, tr) }),
		WithClock(func() time.Time { return clock }),
	)
	return m, &seen
}

func filled(intent exchange.OrderIntent, qty, price float64) executor.Result {
	return executor.Result{Intent: intent, Status: executor.StatusFilled, OrderID: "1", Requested: intent.Size, Filled: qty, AvgPrice: price}
}

func openLong(t *testing.T, m *Machine) {
	t.Helper()
	intent, err := m.OnDecision(longSignal(0.75), 100, testSizer())
	require.NoError(t, err)
	require.NotNil(t, intent)
	out := m.OnResult(filled(*intent, intent.Size, 100))
	require.NotNil(t, out.Opened)
	require.Equal(t, StateOpen, m.State())
}

func TestEntryFillOpensPosition(t *testing.T) {
	m, seen := newTestMachine(t, testConfig())
	intent, err := m.OnDecision(longSignal(0.75), 100, testSizer())
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, exchange.SideBuy, intent.Side)
	assert.Equal(t, exchange.PurposeEntry, intent.Purpose)
	assert.False(t, intent.ReduceOnly)
	assert.Equal(t, 3, intent.Leverage)
	assert.Equal(t, StateEntering, m.State())

	out := m.OnResult(filled(*intent, 2, 100))
	assert.Nil(t, out.Mismatch)
	require.NotNil(t, out.Opened)
	assert.Equal(t, StateOpen, m.State())
	pos, ok := m.Position()
	require.True(t, ok)
	assert.InDelta(t, 2, pos.Size, 1e-9)
	assert.InDelta(t, 98, pos.StopLoss, 1e-9)

	require.Len(t, *seen, 2)
	assert.Equal(t, StateFlat, (*seen)[0].From)
	assert.Equal(t, StateEntering, (*seen)[0].To)
	assert.Equal(t, StateOpen, (*seen)[1].To)
}

func TestDuplicateDecisionIsIdempotent(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	sz := testSizer()
	first, err := m.OnDecision(longSignal(0.75), 100, sz)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := m.OnDecision(longSignal(0.75), 100, sz)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, 1, sz.calls)
	assert.Equal(t, StateEntering, m.State())
}

func TestRiskRejectLeavesStateUnchanged(t *testing.T) {
	m, seen := newTestMachine(t, testConfig())
	sz := testSizer()
	sz.err = risk.ErrRiskRejected
	intent, err := m.OnDecision(longSignal(1), 100, sz)
	assert.ErrorIs(t, err, risk.ErrRiskRejected)
	assert.Nil(t, intent)
	assert.Equal(t, StateFlat, m.State())
	assert.Empty(t, *seen)
}

func TestNoneDecisionHolds(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	intent, err := m.OnDecision(decision.Decision{Symbol: "BTCUSDT", Direction: decision.DirectionNone}, 100, testSizer())
	require.NoError(t, err)
	assert.Nil(t, intent)
	assert.Equal(t, StateFlat, m.State())
}

func TestStopCrossEmitsFullReduceOnlyClose(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	openLong(t, m)

	assert.Nil(t, m.OnPrice(99))
	intent := m.OnPrice(97.5)
	require.NotNil(t, intent)
	assert.True(t, intent.ReduceOnly)
	assert.Equal(t, exchange.SideSell, intent.Side)
	assert.InDelta(t, 2, intent.Size, 1e-9)
	assert.Equal(t, "stop_loss", intent.Reason)
	assert.Equal(t, StateClosing, m.State())

	// 平仓在途时再次穿越止损不产生第二个意图
	assert.Nil(t, m.OnPrice(97))
}

func TestRoundTripProducesClosedRecord(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	openLong(t, m)
	intent := m.OnPrice(104.5)
	require.NotNil(t, intent)
	assert.Equal(t, "take_profit", intent.Reason)

	out := m.OnResult(filled(*intent, 2, 104.5))
	require.NotNil(t, out.Closed)
	assert.Equal(t, StateFlat, m.State())
	assert.InDelta(t, 9, out.Closed.RealizedPnL, 1e-9)
	assert.InDelta(t, 104.5, out.Closed.ExitPrice, 1e-9)
	assert.InDelta(t, 2, out.Closed.Size, 1e-9)
	// margin = 100*2/3
	assert.InDelta(t, 9/(200.0/3), out.Closed.PnLPct, 1e-9)
	_, ok := m.Position()
	assert.False(t, ok)
}

func TestShortRoundTrip(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	sz := testSizer()
	sz.entry = risk.Sizing{Size: 1, Leverage: 1, StopPrice: 102, TakeProfitPrice: 96}
	d := longSignal(1)
	d.Direction = decision.DirectionShort
	intent, err := m.OnDecision(d, 100, sz)
	require.NoError(t, err)
	assert.Equal(t, exchange.SideSell, intent.Side)
	m.OnResult(filled(*intent, 1, 100))

	closeIntent := m.OnPrice(102.5)
	require.NotNil(t, closeIntent)
	assert.Equal(t, exchange.SideBuy, closeIntent.Side)
	out := m.OnResult(filled(*closeIntent, 1, 102.5))
	require.NotNil(t, out.Closed)
	assert.InDelta(t, -2.5, out.Closed.RealizedPnL, 1e-9)
}

func TestRejectedEntryReturnsToFlat(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	intent, _ := m.OnDecision(longSignal(1), 100, testSizer())
	out := m.OnResult(executor.Result{Intent: *intent, Status: executor.StatusRejected})
	assert.Nil(t, out.Next)
	assert.Equal(t, StateFlat, m.State())
	_, ok := m.Position()
	assert.False(t, ok)
}

func TestUnrecoverableDuringEntryEmitsFailsafeClose(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	intent, _ := m.OnDecision(longSignal(1), 100, testSizer())
	out := m.OnResult(executor.Result{Intent: *intent, Status: executor.StatusFailed, Err: executor.ErrUnrecoverable})
	require.NotNil(t, out.Next)
	assert.Equal(t, StateClosing, m.State())
	assert.True(t, out.Next.ReduceOnly)
	assert.Equal(t, exchange.PurposeClose, out.Next.Purpose)
	assert.InDelta(t, intent.Size, out.Next.Size, 1e-9)
	assert.Equal(t, "failsafe", out.Next.Reason)

	// 交易所侧并无持仓时 reduce-only 被拒，回到 flat
	m.OnResult(executor.Result{Intent: *out.Next, Status: executor.StatusRejected})
	assert.Equal(t, StateFlat, m.State())
}

func TestPartialCloseReissuesRemainder(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	openLong(t, m)
	intent := m.ForceClose("manual")
	require.NotNil(t, intent)

	out := m.OnResult(filled(*intent, 0.5, 101))
	require.NotNil(t, out.Mismatch)
	require.NotNil(t, out.Next)
	assert.InDelta(t, 1.5, out.Next.Size, 1e-9)
	assert.Equal(t, StateClosing, m.State())
	assert.Nil(t, out.Closed)

	out = m.OnResult(filled(*out.Next, 1.5, 103))
	require.NotNil(t, out.Closed)
	assert.InDelta(t, 0.5*1+1.5*3, out.Closed.RealizedPnL, 1e-9)
	assert.InDelta(t, (0.5*101+1.5*103)/2, out.Closed.ExitPrice, 1e-9)
}

func TestFailsafeRemainderRejectedSettlesFlat(t *testing.T) {
	m, seen := newTestMachine(t, testConfig())
	intent, _ := m.OnDecision(longSignal(1), 100, testSizer())
	out := m.OnResult(executor.Result{Intent: *intent, Status: executor.StatusFailed, Err: executor.ErrUnrecoverable})
	require.NotNil(t, out.Next)
	require.InDelta(t, 2, out.Next.Size, 1e-9)

	// 交易所实际只持有 0.5，reduce-only 平仓被截断
	out = m.OnResult(filled(*out.Next, 0.5, 99))
	require.NotNil(t, out.Next)
	assert.InDelta(t, 1.5, out.Next.Size, 1e-9)
	assert.True(t, out.Next.ReduceOnly)
	assert.Equal(t, StateClosing, m.State())

	out = m.OnResult(executor.Result{Intent: *out.Next, Status: executor.StatusRejected})
	assert.Nil(t, out.Next)
	assert.Equal(t, StateFlat, m.State())
	_, ok := m.Position()
	assert.False(t, ok)
	require.NotNil(t, out.Closed)
	assert.Equal(t, "failsafe", out.Closed.Reason)
	assert.InDelta(t, 0.5, out.Closed.Size, 1e-9)
	assert.InDelta(t, -0.5, out.Closed.RealizedPnL, 1e-9)
	assert.InDelta(t, 99, out.Closed.ExitPrice, 1e-9)

	last := (*seen)[len(*seen)-1]
	assert.Equal(t, StateFlat, last.To)

	// 之后的价格不再触发平仓
	assert.Nil(t, m.OnPrice(90))
}

func TestCloseRemainderRejectedSettlesFlat(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	openLong(t, m)
	intent := m.OnPrice(97)
	require.NotNil(t, intent)
	assert.Equal(t, "stop_loss", intent.Reason)

	out := m.OnResult(filled(*intent, 1, 97))
	require.NotNil(t, out.Next)

	out = m.OnResult(executor.Result{Intent: *out.Next, Status: executor.StatusRejected})
	assert.Equal(t, StateFlat, m.State())
	require.NotNil(t, out.Closed)
	assert.Equal(t, "stop_loss", out.Closed.Reason)
	assert.InDelta(t, -3, out.Closed.RealizedPnL, 1e-9)
	assert.InDelta(t, 1, out.Closed.Size, 1e-9)
}

func TestPartialEntryRecordsMismatch(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	intent, _ := m.OnDecision(longSignal(1), 100, testSizer())
	out := m.OnResult(filled(*intent, 1.2, 100.1))
	require.NotNil(t, out.Mismatch)
	assert.InDelta(t, 2, out.Mismatch.RequestedSize, 1e-9)
	assert.InDelta(t, 1.2, out.Mismatch.FilledSize, 1e-9)
	pos, _ := m.Position()
	assert.InDelta(t, 1.2, pos.Size, 1e-9)
}

func TestForceCloseLatchesWhileEntering(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	intent, _ := m.OnDecision(longSignal(1), 100, testSizer())
	assert.Nil(t, m.ForceClose("operator"))
	assert.Equal(t, "operator", m.CloseLatched())

	out := m.OnResult(filled(*intent, 2, 100))
	require.NotNil(t, out.Next)
	assert.Equal(t, exchange.PurposeClose, out.Next.Purpose)
	assert.Equal(t, "operator", out.Next.Reason)
	assert.Equal(t, StateClosing, m.State())
	assert.Empty(t, m.CloseLatched())
}

func TestForceCloseWhenFlatIsNoop(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	assert.Nil(t, m.ForceClose(""))
	assert.Equal(t, StateFlat, m.State())
}

func TestSignalFlipCloses(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	openLong(t, m)
	d := longSignal(1)
	d.Direction = decision.DirectionShort
	intent, err := m.OnDecision(d, 100, testSizer())
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, "signal_flip", intent.Reason)
	assert.True(t, intent.ReduceOnly)
}

func TestScaleInAndOut(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	openLong(t, m)

	intent, err := m.OnDecision(longSignal(1), 110, testSizer())
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, exchange.PurposeScaleIn, intent.Purpose)
	assert.Equal(t, StateAdjusting, m.State())
	m.OnResult(filled(*intent, 1, 110))
	pos, _ := m.Position()
	assert.InDelta(t, 3, pos.Size, 1e-9)
	assert.InDelta(t, (200.0+110)/3, pos.EntryPrice, 1e-9)
	assert.Equal(t, 1, pos.ScaleIns)

	intent, err = m.OnDecision(longSignal(0.75), 110, testSizer())
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, exchange.PurposeScaleOut, intent.Purpose)
	assert.True(t, intent.ReduceOnly)
	assert.InDelta(t, 1.5, intent.Size, 1e-9)
	m.OnResult(filled(*intent, 1.5, 112))
	pos, _ = m.Position()
	assert.InDelta(t, 1.5, pos.Size, 1e-9)
	assert.Greater(t, pos.RealizedPnL, 0.0)
	assert.Equal(t, StateOpen, m.State())
}

func TestTrailingStopRatchets(t *testing.T) {
	cfg := testConfig()
	cfg.TrailingStopPct = 0.01
	m, seen := newTestMachine(t, cfg)
	openLong(t, m)
	before := len(*seen)

	assert.Nil(t, m.OnPrice(103))
	pos, _ := m.Position()
	assert.InDelta(t, 103*0.99, pos.StopLoss, 1e-9)
	assert.Len(t, *seen, before+2)

	// 回落不下移止损
	assert.Nil(t, m.OnPrice(102.5))
	pos, _ = m.Position()
	assert.InDelta(t, 103*0.99, pos.StopLoss, 1e-9)

	intent := m.OnPrice(101.9)
	require.NotNil(t, intent)
	assert.Equal(t, "stop_loss", intent.Reason)
}

func TestStaleResultIgnored(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	intent, _ := m.OnDecision(longSignal(1), 100, testSizer())
	other := *intent
	other.ID = "pa-other"
	out := m.OnResult(filled(other, 2, 100))
	assert.True(t, out.Ignored)
	assert.Equal(t, StateEntering, m.State())

	out = m.OnResult(executor.Result{Intent: *intent, Status: executor.StatusPending, OrderID: "42"})
	assert.True(t, out.Pending)
	_, orderID, ok := m.InFlight()
	assert.True(t, ok)
	assert.Equal(t, "42", orderID)
}

func TestRestore(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	ok := m.Restore(Position{Side: decision.DirectionLong, EntryPrice: 100, Size: 1, Leverage: 2, StopLoss: 98})
	require.True(t, ok)
	assert.Equal(t, StateOpen, m.State())
	pos, _ := m.Position()
	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.False(t, m.Restore(Position{Size: 1}))
}
