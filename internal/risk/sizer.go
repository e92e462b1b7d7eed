// Package risk 把交易决策换算为受保证金上限约束的下单规模。
package risk

import (
	"errors"
	"fmt"
	"math"

	"perpagent/internal/account"
	"perpagent/internal/config"
	"perpagent/internal/decision"
)

// ErrRiskRejected 表示当前保证金不足以开出最小可交易仓位，或决策不可执行。
var ErrRiskRejected = errors.New("risk rejected")

type Limits struct {
	RiskFraction     float64
	StopDistancePct  float64
	TakeProfitPct    float64
	MaxLeverage      int
	MarginCeilingPct float64
	DefaultSymbolCap float64
	SymbolCaps       map[string]float64
	MinNotional      float64
}

func LimitsFromConfig(rc config.RiskConfig) Limits {
	caps := make(map[string]float64, len(rc.SymbolCaps))
	for k, v := range rc.SymbolCaps {
		caps[k] = v
	}
	return Limits{
		RiskFraction:     rc.RiskFraction,
		StopDistancePct:  rc.StopDistancePct,
		TakeProfitPct:    rc.TakeProfitPct,
		MaxLeverage:      rc.MaxLeverage,
		MarginCeilingPct: rc.MarginCeilingPct,
		DefaultSymbolCap: rc.DefaultSymbolCap,
		SymbolCaps:       caps,
		MinNotional:      rc.MinNotional,
	}
}

// Sizing 是一次仓位计算的结果。
type Sizing struct {
	Size            float64 `json:"size"`
	Leverage        int     `json:"leverage"`
	Notional        float64 `json:"notional"`
	Margin          float64 `json:"margin"`
	StopDistance    float64 `json:"stop_distance"`
	StopPrice       float64 `json:"stop_price"`
	TakeProfitPrice float64 `json:"take_profit_price"`
}

type Sizer struct {
	limits Limits
}

func NewSizer(l Limits) *Sizer {
	if l.MaxLeverage < 1 {
		l.MaxLeverage = 1
	}
	return &Sizer{limits: l}
}

func (s *Sizer) Limits() Limits {
	return s.limits
}

// Ceiling 返回保证金上限（余额的固定比例）。
func (s *Sizer) Ceiling(st *account.State) float64 {
	if st == nil {
		return 0
	}
	return st.Balance * s.limits.MarginCeilingPct
}

func (s *Sizer) symbolCap(symbol string) float64 {
	if v, ok := s.limits.SymbolCaps[symbol]; ok && v > 0 {
		return v
	}
	return s.limits.DefaultSymbolCap
}

// Size 按固定风险比例计算仓位：
//
//	risk_amount = balance * risk_fraction
//	size        = risk_amount / (price * stop_distance)
//
// 杠杆取配置上限与保证金需求所隐含杠杆的较小值，保证金永远不超过剩余上限。
func (s *Sizer) Size(d decision.Decision, price float64, st *account.State) (Sizing, error) {
	lim := s.limits
	if !d.Actionable() {
		return Sizing{}, fmt.Errorf("%w: %s decision not actionable", ErrRiskRejected, d.Symbol)
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return Sizing{}, fmt.Errorf("%w: %s invalid price %v", ErrRiskRejected, d.Symbol, price)
	}
	if st == nil || st.Balance <= 0 {
		return Sizing{}, fmt.Errorf("%w: %s no balance", ErrRiskRejected, d.Symbol)
	}

	budget := math.Min(st.Available, s.Ceiling(st)-st.Committed())
	if budget <= 0 {
		return Sizing{}, fmt.Errorf("%w: %s margin budget exhausted (available=%.2f committed=%.2f ceiling=%.2f)",
			ErrRiskRejected, d.Symbol, st.Available, st.Committed(), s.Ceiling(st))
	}

	riskAmount := st.Balance * lim.RiskFraction
	size := riskAmount / (price * lim.StopDistancePct)
	notional := size * price

	if capFrac := s.symbolCap(d.Symbol); capFrac > 0 {
		if maxNotional := st.Balance * capFrac; notional > maxNotional {
			notional = maxNotional
		}
	}
	maxNotional := budget * float64(lim.MaxLeverage)
	if notional > maxNotional {
		notional = maxNotional
	}

	leverage := int(math.Ceil(notional/budget - 1e-9))
	if leverage < 1 {
		leverage = 1
	}
	if leverage > lim.MaxLeverage {
		leverage = lim.MaxLeverage
	}
	margin := notional / float64(leverage)
	if margin > budget {
		notional = budget * float64(leverage)
		margin = budget
	}
	if notional < lim.MinNotional {
		return Sizing{}, fmt.Errorf("%w: %s notional %.2f below minimum %.2f", ErrRiskRejected, d.Symbol, notional, lim.MinNotional)
	}

	out := Sizing{
		Size:         notional / price,
		Leverage:     leverage,
		Notional:     notional,
		Margin:       margin,
		StopDistance: lim.StopDistancePct,
	}
	sign := d.Direction.Sign()
	out.StopPrice = price * (1 - sign*lim.StopDistancePct)
	out.TakeProfitPrice = price * (1 + sign*lim.TakeProfitPct)
	return out, nil
}

// SizeScaleIn 为加仓计算规模，按 fraction 缩小首仓公式的结果。
func (s *Sizer) SizeScaleIn(d decision.Decision, price float64, st *account.State, fraction float64) (Sizing, error) {
	out, err := s.Size(d, price, st)
	if err != nil {
		return out, err
	}
	if fraction <= 0 || fraction > 1 {
		return out, nil
	}
	out.Size *= fraction
	out.Notional *= fraction
	out.Margin *= fraction
	if out.Notional < s.limits.MinNotional {
		return Sizing{}, fmt.Errorf("%w: %s scale-in notional %.2f below minimum %.2f", ErrRiskRejected, d.Symbol, out.Notional, s.limits.MinNotional)
	}
	return out, nil
}
