package risk

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpagent/internal/account"
	"perpagent/internal/decision"
)

func baseLimits() Limits {
	return Limits{
		RiskFraction:     0.01,
		StopDistancePct:  0.02,
		TakeProfitPct:    0.04,
		MaxLeverage:      10,
		MarginCeilingPct: 0.5,
		DefaultSymbolCap: 0,
		MinNotional:      5,
	}
}

func longDecision() decision.Decision {
	return decision.Decision{Symbol: "BTCUSDT", Direction: decision.DirectionLong, Strength: 1}
}

func TestSizeFixedFractional(t *testing.T) {
	s := NewSizer(baseLimits())
	st := &account.State{Balance: 10000, Available: 10000}
	out, err := s.Size(longDecision(), 100, st)
	require.NoError(t, err)

	// risk 100 / (100*0.02) = 50 contracts, notional 5000
	assert.InDelta(t, 50, out.Size, 1e-9)
	assert.InDelta(t, 5000, out.Notional, 1e-9)
	assert.Equal(t, 1, out.Leverage)
	assert.InDelta(t, 5000, out.Margin, 1e-9)
	assert.InDelta(t, 98, out.StopPrice, 1e-9)
	assert.InDelta(t, 104, out.TakeProfitPrice, 1e-9)
}

func TestSizeUsesLeverageWhenBudgetTight(t *testing.T) {
	s := NewSizer(baseLimits())
	st := &account.State{Balance: 10000, Available: 1200}
	out, err := s.Size(longDecision(), 100, st)
	require.NoError(t, err)
	assert.InDelta(t, 5000, out.Notional, 1e-9)
	assert.Equal(t, 5, out.Leverage)
	assert.LessOrEqual(t, out.Margin, 1200.0)
}

func TestSizeShortStops(t *testing.T) {
	s := NewSizer(baseLimits())
	d := longDecision()
	d.Direction = decision.DirectionShort
	out, err := s.Size(d, 100, &account.State{Balance: 10000, Available: 10000})
	require.NoError(t, err)
	assert.InDelta(t, 102, out.StopPrice, 1e-9)
	assert.InDelta(t, 96, out.TakeProfitPrice, 1e-9)
}

func TestSizeSymbolCap(t *testing.T) {
	lim := baseLimits()
	lim.SymbolCaps = map[string]float64{"BTCUSDT": 0.1}
	s := NewSizer(lim)
	out, err := s.Size(longDecision(), 100, &account.State{Balance: 10000, Available: 10000})
	require.NoError(t, err)
	assert.InDelta(t, 1000, out.Notional, 1e-9)
}

func TestSizeRejects(t *testing.T) {
	s := NewSizer(baseLimits())
	cases := []struct {
		name  string
		d     decision.Decision
		price float64
		st    *account.State
	}{
		{"not actionable", decision.Decision{Symbol: "X", Direction: decision.DirectionNone}, 100, &account.State{Balance: 100, Available: 100}},
		{"bad price", longDecision(), 0, &account.State{Balance: 100, Available: 100}},
		{"no balance", longDecision(), 100, &account.State{}},
		{"ceiling used", longDecision(), 100, &account.State{Balance: 1000, Available: 500, UsedMargin: 500}},
		{"below min notional", longDecision(), 100, &account.State{Balance: 1000, Available: 0.3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Size(tc.d, tc.price, tc.st)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRiskRejected))
		})
	}
}

func TestSizeNeverExceedsMarginCeiling(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		lim := Limits{
			RiskFraction:     0.001 + rng.Float64()*0.2,
			StopDistancePct:  0.001 + rng.Float64()*0.2,
			TakeProfitPct:    0.01,
			MaxLeverage:      1 + rng.Intn(125),
			MarginCeilingPct: 0.05 + rng.Float64()*0.95,
			MinNotional:      rng.Float64() * 10,
		}
		balance := 10 + rng.Float64()*1e6
		used := rng.Float64() * balance
		st := &account.State{
			Balance:    balance,
			Available:  rng.Float64() * balance,
			UsedMargin: used,
			Reserved:   map[string]float64{"ETHUSDT": rng.Float64() * balance * 0.1},
		}
		price := 0.0001 + rng.Float64()*100000
		s := NewSizer(lim)
		out, err := s.Size(longDecision(), price, st)
		if err != nil {
			assert.True(t, errors.Is(err, ErrRiskRejected))
			continue
		}
		ceiling := balance * lim.MarginCeilingPct
		assert.LessOrEqual(t, st.Committed()+out.Margin, ceiling*(1+1e-9)+1e-9, "iteration %d", i)
		assert.LessOrEqual(t, out.Margin, st.Available*(1+1e-9)+1e-9)
		assert.LessOrEqual(t, out.Leverage, lim.MaxLeverage)
		assert.GreaterOrEqual(t, out.Leverage, 1)
	}
}

func TestSizeScaleIn(t *testing.T) {
	s := NewSizer(baseLimits())
	st := &account.State{Balance: 10000, Available: 10000}
	out, err := s.SizeScaleIn(longDecision(), 100, st, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 25, out.Size, 1e-9)
}
