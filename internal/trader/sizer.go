package trader

import (
	"fmt"

	"perpagent/internal/decision"
	"perpagent/internal/risk"
)

// reservingSizer 基于共享账户快照计算规模，并原子地预留保证金。
// 预留失败（并发开仓触及上限）按风控拒绝处理，状态机不会迁移。
type reservingSizer struct {
	t *Trader
}

func (s reservingSizer) SizeEntry(d decision.Decision, price float64) (risk.Sizing, error) {
	t := s.t
	sz, err := t.deps.Sizer.Size(d, price, t.deps.Account.Snapshot())
	if err != nil {
		return risk.Sizing{}, err
	}
	return s.reserve(sz)
}

func (s reservingSizer) SizeScaleIn(d decision.Decision, price float64) (risk.Sizing, error) {
	t := s.t
	sz, err := t.deps.Sizer.SizeScaleIn(d, price, t.deps.Account.Snapshot(), t.cfg.Position.ScaleInFraction)
	if err != nil {
		return risk.Sizing{}, err
	}
	return s.reserve(sz)
}

func (s reservingSizer) reserve(sz risk.Sizing) (risk.Sizing, error) {
	t := s.t
	if _, ok := t.deps.Account.TryReserve(t.symbol, sz.Margin, t.deps.Sizer.Ceiling); !ok {
		return risk.Sizing{}, fmt.Errorf("%w: %s margin %.2f exceeds ceiling", risk.ErrRiskRejected, t.symbol, sz.Margin)
	}
	t.reserved = true
	return sz, nil
}
