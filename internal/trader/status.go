package trader

import (
	"time"

	"perpagent/internal/decision"
	"perpagent/internal/position"
)

// Status 是某个 trader 的只读快照，通过 atomic.Pointer 整体替换，读者无需加锁。
type Status struct {
	Symbol       string             `json:"symbol"`
	State        position.State     `json:"state"`
	Paused       bool               `json:"paused"`
	Position     *position.Position `json:"position,omitempty"`
	InFlight     string             `json:"in_flight,omitempty"`
	CloseLatched string             `json:"close_latched,omitempty"`
	LastPrice    float64            `json:"last_price"`
	LastDecision *decision.Decision `json:"last_decision,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	LastScanAt   time.Time          `json:"last_scan_at"`
	RealizedPnL  float64            `json:"realized_pnl"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Unrealized 按最近价格估算未实现盈亏，无持仓时为 0。
func (s Status) Unrealized() float64 {
	if s.Position == nil || s.LastPrice <= 0 {
		return 0
	}
	return s.Position.UnrealizedPnL(s.LastPrice)
}

func (s Status) clone() Status {
	out := s
	if s.Position != nil {
		p := *s.Position
		p.Reasons = append([]string(nil), s.Position.Reasons...)
		out.Position = &p
	}
	if s.LastDecision != nil {
		d := *s.LastDecision
		out.LastDecision = &d
	}
	return out
}

func (t *Trader) Status() Status {
	if st := t.status.Load(); st != nil {
		return st.clone()
	}
	return Status{Symbol: t.symbol, State: position.StateFlat}
}

// updateStatus 串行化写者，拷贝后整体发布。
func (t *Trader) updateStatus(fn func(*Status)) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	next := t.Status()
	fn(&next)
	next.UpdatedAt = t.nowFn().UTC()
	t.status.Store(&next)
}

// syncStatus 从状态机拉取最新状态。调用方必须持有 t.mu。
func (t *Trader) syncStatus() {
	state := t.machine.State()
	pos, hasPos := t.machine.Position()
	intent, _, inflight := t.machine.InFlight()
	latched := t.machine.CloseLatched()
	t.updateStatus(func(s *Status) {
		s.State = state
		s.Position = nil
		if hasPos {
			s.Position = &pos
		}
		s.InFlight = ""
		if inflight {
			s.InFlight = intent.String()
		}
		s.CloseLatched = latched
		s.Paused = t.paused.Load()
		s.RealizedPnL = t.realized
	})
}
