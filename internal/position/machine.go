// Package position 实现单个币种的仓位生命周期状态机。
//
// Machine 不做任何 I/O，也不加锁：同一币种在任一时刻只会被一个 trader 步骤驱动，
// 调度器保证了这一点。所有输入（决策、价格、成交结果）都同步处理，
// 输出为待执行的订单意图以及状态迁移事件。
package position

import (
	"fmt"
	"math"
	"time"

	"perpagent/internal/decision"
	"perpagent/internal/executor"
	"perpagent/internal/gateway/exchange"
	"perpagent/internal/logger"
	"perpagent/internal/pkg/trading"
	"perpagent/internal/risk"
)

// State 是生命周期阶段。
type State string

const (
	StateFlat      State = "flat"
	StateEntering  State = "entering"
	StateOpen      State = "open"
	StateAdjusting State = "adjusting"
	StateClosing   State = "closing"
)

// 成交均价相对参考价的偏差超过该比例时记录为 mismatch。
const priceMismatchTolerance = 0.002

// Config 控制加减仓与移动止损。
type Config struct {
	RebalanceThreshold float64
	ScaleInFraction    float64
	ScaleOutFraction   float64
	MaxScaleIns        int
	TrailingStopPct    float64
}

// Sizer 由 trader 提供，负责在 AccountState 上预留保证金并计算规模。
type Sizer interface {
	SizeEntry(d decision.Decision, price float64) (risk.Sizing, error)
	SizeScaleIn(d decision.Decision, price float64) (risk.Sizing, error)
}

// Position 是已建立（或正在建立）的仓位。
type Position struct {
	Symbol        string             `json:"symbol"`
	Side          decision.Direction `json:"side"`
	EntryPrice    float64            `json:"entry_price"`
	Size          float64            `json:"size"`
	MaxSize       float64            `json:"max_size"`
	RequestedSize float64            `json:"requested_size"`
	Leverage      int                `json:"leverage"`
	StopLoss      float64            `json:"stop_loss"`
	TakeProfit    float64            `json:"take_profit"`
	Peak          float64            `json:"peak"`
	RealizedPnL   float64            `json:"realized_pnl"`
	ScaleIns      int                `json:"scale_ins"`
	LastStrength  float64            `json:"last_strength"`
	Reasons       []string           `json:"reasons,omitempty"`
	OpenedAt      time.Time          `json:"opened_at"`

	exitValue float64
	exitQty   float64
}

// UnrealizedPnL 按给定标记价计算浮动盈亏。
func (p Position) UnrealizedPnL(mark float64) float64 {
	return (mark - p.EntryPrice) * p.Size * p.Side.Sign()
}

// Transition 是一次状态迁移。
type Transition struct {
	Symbol string    `json:"symbol"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ClosedPosition 是一个已平仓位的完整记录。
type ClosedPosition struct {
	Symbol      string             `json:"symbol"`
	Side        decision.Direction `json:"side"`
	EntryPrice  float64            `json:"entry_price"`
	ExitPrice   float64            `json:"exit_price"`
	Size        float64            `json:"size"`
	Leverage    int                `json:"leverage"`
	RealizedPnL float64            `json:"realized_pnl"`
	PnLPct      float64            `json:"pnl_pct"`
	Reason      string             `json:"reason"`
	Reasons     []string           `json:"reasons,omitempty"`
	OpenedAt    time.Time          `json:"opened_at"`
	ClosedAt    time.Time          `json:"closed_at"`
}

// Mismatch 记录请求与实际成交之间的差异。
type Mismatch struct {
	Symbol         string           `json:"symbol"`
	IntentID       string           `json:"intent_id"`
	Purpose        exchange.Purpose `json:"purpose"`
	RequestedSize  float64          `json:"requested_size"`
	FilledSize     float64          `json:"filled_size"`
	RequestedPrice float64          `json:"requested_price"`
	FilledPrice    float64          `json:"filled_price"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s %s requested %.6f@%.4f filled %.6f@%.4f",
		m.Symbol, m.Purpose, m.RequestedSize, m.RequestedPrice, m.FilledSize, m.FilledPrice)
}

// Outcome 是 OnResult 的输出。
type Outcome struct {
	Next     *exchange.OrderIntent
	Opened   *Position
	Closed   *ClosedPosition
	Mismatch *Mismatch
	Pending  bool
	Ignored  bool
}

type inflight struct {
	intent   exchange.OrderIntent
	prior    State
	orderID  string
	strength float64
	// remainder 表示这是部分成交后对剩余仓位的 reduce-only 平仓
	remainder bool
}

// Machine 是单个币种的状态机。
type Machine struct {
	symbol  string
	cfg     Config
	state   State
	pos     *Position
	flight  *inflight
	latched string
	observe func(Transition)
	nowFn   func() time.Time
}

type Option func(*Machine)

// WithObserver 注册状态迁移回调，在迁移发生的同一步骤内同步调用。
func WithObserver(fn func(Transition)) Option {
	return func(m *Machine) { m.observe = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(m *Machine) {
		if fn != nil {
			m.nowFn = fn
		}
	}
}

func NewMachine(symbol string, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		symbol: symbol,
		cfg:    cfg,
		state:  StateFlat,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Symbol() string { return m.symbol }

func (m *Machine) State() State { return m.state }

// Position 返回当前仓位的副本。
func (m *Machine) Position() (Position, bool) {
	if m.pos == nil {
		return Position{}, false
	}
	cp := *m.pos
	cp.Reasons = append([]string(nil), m.pos.Reasons...)
	return cp, true
}

// InFlight 返回尚未有终态结果的意图及其交易所订单号（未知时为空）。
func (m *Machine) InFlight() (exchange.OrderIntent, string, bool) {
	if m.flight == nil {
		return exchange.OrderIntent{}, "", false
	}
	return m.flight.intent, m.flight.orderID, true
}

// CloseLatched 返回被锁存、待在下一个稳定态执行的平仓原因。
func (m *Machine) CloseLatched() string { return m.latched }

// Restore 用交易所已有持仓初始化状态机（启动恢复）。仅在 flat 且无在途意图时生效。
func (m *Machine) Restore(p Position) bool {
	if m.state != StateFlat || m.flight != nil || p.Size <= 0 {
		return false
	}
	cp := p
	cp.Symbol = m.symbol
	if cp.MaxSize < cp.Size {
		cp.MaxSize = cp.Size
	}
	if cp.Peak == 0 {
		cp.Peak = cp.EntryPrice
	}
	if cp.OpenedAt.IsZero() {
		cp.OpenedAt = m.nowFn()
	}
	m.pos = &cp
	m.transition(StateOpen, "recovered")
	return true
}

// OnDecision 处理一次评估结果。已有在途意图时直接忽略，保证同一决策重复投递不会产生第二个意图。
// 返回的 error 只来自 Sizer（风控拒绝），此时状态不变。
func (m *Machine) OnDecision(d decision.Decision, price float64, sizer Sizer) (*exchange.OrderIntent, error) {
	if m.flight != nil {
		return nil, nil
	}
	switch m.state {
	case StateFlat:
		if !d.Actionable() {
			return nil, nil
		}
		sz, err := sizer.SizeEntry(d, price)
		if err != nil {
			return nil, err
		}
		m.pos = &Position{
			Symbol:        m.symbol,
			Side:          d.Direction,
			EntryPrice:    price,
			RequestedSize: sz.Size,
			Leverage:      sz.Leverage,
			StopLoss:      sz.StopPrice,
			TakeProfit:    sz.TakeProfitPrice,
			LastStrength:  d.Strength,
			Reasons:       append([]string(nil), d.Reasons...),
		}
		intent := exchange.NewIntent(m.symbol, entrySide(d.Direction), sz.Size, price, exchange.PurposeEntry, "signal_"+string(d.Direction))
		intent.Leverage = sz.Leverage
		m.begin(intent, StateEntering, d.Strength)
		return &intent, nil

	case StateOpen:
		if !d.Actionable() {
			return nil, nil
		}
		pos := m.pos
		if d.Direction != pos.Side {
			return m.beginClose("signal_flip", price), nil
		}
		threshold := m.cfg.RebalanceThreshold
		if threshold <= 0 {
			return nil, nil
		}
		delta := d.Strength - pos.LastStrength
		switch {
		case delta >= threshold-1e-9 && pos.ScaleIns < m.cfg.MaxScaleIns:
			sz, err := sizer.SizeScaleIn(d, price)
			if err != nil {
				return nil, err
			}
			intent := exchange.NewIntent(m.symbol, entrySide(pos.Side), sz.Size, price, exchange.PurposeScaleIn, "strength_up")
			m.begin(intent, StateAdjusting, d.Strength)
			return &intent, nil
		case delta <= -threshold+1e-9 && m.cfg.ScaleOutFraction > 0:
			amount := trading.CalcCloseAmount(pos.Size, pos.MaxSize, m.cfg.ScaleOutFraction, false)
			if amount <= 0 {
				return nil, nil
			}
			intent := exchange.NewIntent(m.symbol, exitSide(pos.Side), amount, price, exchange.PurposeScaleOut, "strength_down")
			m.begin(intent, StateAdjusting, d.Strength)
			return &intent, nil
		}
		return nil, nil
	}
	return nil, nil
}

// OnPrice 检查止损、止盈与移动止损。只在 open 且无在途意图时动作；
// 暂停交易时 trader 仍然调用它，保护单持续生效。
func (m *Machine) OnPrice(price float64) *exchange.OrderIntent {
	if m.state != StateOpen || m.flight != nil || m.pos == nil || price <= 0 {
		return nil
	}
	pos := m.pos
	long := pos.Side == decision.DirectionLong
	if pos.StopLoss > 0 && ((long && price <= pos.StopLoss) || (!long && price >= pos.StopLoss)) {
		return m.beginClose("stop_loss", price)
	}
	if pos.TakeProfit > 0 && ((long && price >= pos.TakeProfit) || (!long && price <= pos.TakeProfit)) {
		return m.beginClose("take_profit", price)
	}
	if trail := m.cfg.TrailingStopPct; trail > 0 {
		improved := (long && price > pos.Peak) || (!long && (pos.Peak == 0 || price < pos.Peak))
		if improved {
			pos.Peak = price
			cand := price * (1 - pos.Side.Sign()*trail)
			if (long && cand > pos.StopLoss) || (!long && (pos.StopLoss == 0 || cand < pos.StopLoss)) {
				m.transition(StateAdjusting, "trailing_stop")
				pos.StopLoss = cand
				m.transition(StateOpen, "trailing_stop")
			}
		}
	}
	return nil
}

// ForceClose 请求全平。在途意图存在时锁存请求，待回到稳定态后执行。
func (m *Machine) ForceClose(reason string) *exchange.OrderIntent {
	if reason == "" {
		reason = "force_close"
	}
	if m.flight != nil {
		if m.latched == "" {
			m.latched = reason
		}
		return nil
	}
	if m.state != StateOpen {
		return nil
	}
	return m.beginClose(reason, 0)
}

// OnResult 应用执行器结果。只接受当前在途意图的结果，其余一律忽略。
func (m *Machine) OnResult(res executor.Result) Outcome {
	if m.flight == nil || res.Intent.ID != m.flight.intent.ID {
		return Outcome{Ignored: true}
	}
	switch res.Status {
	case executor.StatusPending:
		if res.OrderID != "" {
			m.flight.orderID = res.OrderID
		}
		return Outcome{Pending: true}
	case executor.StatusFilled:
		if res.Filled <= 0 {
			return m.onRejected("empty_fill")
		}
		return m.onFilled(res)
	case executor.StatusRejected:
		return m.onRejected("rejected")
	default:
		return m.onFailed()
	}
}

func (m *Machine) onFilled(res executor.Result) Outcome {
	fl := m.flight
	intent := fl.intent
	pos := m.pos
	avg := res.AvgPrice
	if avg <= 0 {
		avg = intent.Price
	}
	out := Outcome{Mismatch: mismatchOf(intent, res.Filled, avg)}
	m.flight = nil

	switch intent.Purpose {
	case exchange.PurposeEntry:
		ref := pos.EntryPrice
		pos.EntryPrice = avg
		pos.Size = res.Filled
		pos.MaxSize = res.Filled
		pos.Peak = avg
		pos.OpenedAt = m.nowFn()
		// 止损止盈按实际成交价平移，保持相对距离不变
		if ref > 0 {
			pos.StopLoss = avg * pos.StopLoss / ref
			pos.TakeProfit = avg * pos.TakeProfit / ref
		}
		pos.LastStrength = fl.strength
		m.transition(StateOpen, "filled")
		cp, _ := m.Position()
		out.Opened = &cp

	case exchange.PurposeScaleIn:
		newSize := pos.Size + res.Filled
		pos.EntryPrice = (pos.EntryPrice*pos.Size + avg*res.Filled) / newSize
		pos.Size = newSize
		if newSize > pos.MaxSize {
			pos.MaxSize = newSize
		}
		pos.ScaleIns++
		pos.LastStrength = fl.strength
		m.transition(StateOpen, "scaled_in")

	case exchange.PurposeScaleOut, exchange.PurposeClose:
		filled := math.Min(res.Filled, pos.Size)
		pos.RealizedPnL += trading.PnL(pos.EntryPrice, avg, filled, pos.Side.Sign())
		pos.exitValue += avg * filled
		pos.exitQty += filled
		pos.Size -= filled
		if pos.Size <= pos.MaxSize*1e-9 {
			out.Closed = m.finish(intent.Reason)
			m.transition(StateFlat, intent.Reason)
			m.latched = ""
			return out
		}
		if intent.Purpose == exchange.PurposeClose {
			// 部分成交：对剩余部分重新发出平仓
			next := exchange.NewIntent(m.symbol, exitSide(pos.Side), pos.Size, avg, exchange.PurposeClose, intent.Reason)
			m.flight = &inflight{intent: next, prior: fl.prior, remainder: true}
			out.Next = &next
			return out
		}
		pos.LastStrength = fl.strength
		m.transition(StateOpen, "scaled_out")
	}

	if m.latched != "" && m.state == StateOpen {
		reason := m.latched
		m.latched = ""
		out.Next = m.beginClose(reason, avg)
	}
	return out
}

func (m *Machine) onRejected(reason string) Outcome {
	fl := m.flight
	if fl.remainder && m.pos != nil {
		// reduce-only 剩余平仓被拒说明交易所已无可减仓位，按已实现部分结算
		m.flight = nil
		logger.Warnf("position %s: 剩余平仓被拒 size=%.6f，按已成交部分结算", m.symbol, m.pos.Size)
		m.pos.Size = 0
		m.pos.MaxSize = m.pos.exitQty
		closed := m.finish(fl.intent.Reason)
		m.transition(StateFlat, reason)
		m.latched = ""
		return Outcome{Closed: closed}
	}
	prior := fl.prior
	m.flight = nil
	if prior == StateFlat {
		m.pos = nil
	}
	m.transition(prior, reason)
	out := Outcome{}
	if m.latched != "" && m.state == StateOpen {
		r := m.latched
		m.latched = ""
		out.Next = m.beginClose(r, 0)
	} else if m.state == StateFlat {
		m.latched = ""
	}
	return out
}

// onFailed 处理不可恢复失败：无法确认交易所侧实际敞口，
// 因此发出与可能敞口等量的 reduce-only 平仓单，交易所会将其截断到真实持仓。
func (m *Machine) onFailed() Outcome {
	fl := m.flight
	m.flight = nil
	pos := m.pos
	prior := StateOpen
	switch fl.intent.Purpose {
	case exchange.PurposeEntry:
		pos.Size = fl.intent.Size
		prior = StateFlat
	case exchange.PurposeScaleIn:
		pos.Size += fl.intent.Size
	case exchange.PurposeClose:
		prior = fl.prior
	}
	if pos.Size <= 0 {
		pos.Size = fl.intent.Size
	}
	if pos.Size > pos.MaxSize {
		pos.MaxSize = pos.Size
	}
	logger.Warnf("position %s: 执行器不可恢复失败，发出保护性平仓 size=%.6f", m.symbol, pos.Size)
	next := exchange.NewIntent(m.symbol, exitSide(pos.Side), pos.Size, fl.intent.Price, exchange.PurposeClose, "failsafe")
	m.flight = &inflight{intent: next, prior: prior}
	if m.state != StateClosing {
		m.transition(StateClosing, "failsafe")
	}
	return Outcome{Next: &next}
}

func (m *Machine) finish(reason string) *ClosedPosition {
	pos := m.pos
	m.pos = nil
	exit := pos.EntryPrice
	if pos.exitQty > 0 {
		exit = pos.exitValue / pos.exitQty
	}
	rec := &ClosedPosition{
		Symbol:      m.symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exit,
		Size:        pos.MaxSize,
		Leverage:    pos.Leverage,
		RealizedPnL: pos.RealizedPnL,
		Reason:      reason,
		Reasons:     pos.Reasons,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    m.nowFn(),
	}
	lev := pos.Leverage
	if lev < 1 {
		lev = 1
	}
	if margin := pos.EntryPrice * pos.MaxSize / float64(lev); margin > 0 {
		rec.PnLPct = pos.RealizedPnL / margin
	}
	return rec
}

func (m *Machine) beginClose(reason string, price float64) *exchange.OrderIntent {
	if m.pos == nil || m.pos.Size <= 0 {
		return nil
	}
	if price <= 0 {
		price = m.pos.EntryPrice
	}
	intent := exchange.NewIntent(m.symbol, exitSide(m.pos.Side), m.pos.Size, price, exchange.PurposeClose, reason)
	m.begin(intent, StateClosing, m.pos.LastStrength)
	return &intent
}

func (m *Machine) begin(intent exchange.OrderIntent, to State, strength float64) {
	m.flight = &inflight{intent: intent, prior: m.state, strength: strength}
	m.transition(to, intent.Reason)
}

func (m *Machine) transition(to State, reason string) {
	from := m.state
	m.state = to
	logger.Debugf("position %s: %s -> %s (%s)", m.symbol, from, to, reason)
	if m.observe != nil {
		m.observe(Transition{Symbol: m.symbol, From: from, To: to, Reason: reason, At: m.nowFn()})
	}
}

func mismatchOf(intent exchange.OrderIntent, filled, avg float64) *Mismatch {
	sizeOff := math.Abs(filled-intent.Size) > intent.Size*1e-9
	priceOff := intent.Price > 0 && math.Abs(avg-intent.Price)/intent.Price > priceMismatchTolerance
	if !sizeOff && !priceOff {
		return nil
	}
	return &Mismatch{
		Symbol:         intent.Symbol,
		IntentID:       intent.ID,
		Purpose:        intent.Purpose,
		RequestedSize:  intent.Size,
		FilledSize:     filled,
		RequestedPrice: intent.Price,
		FilledPrice:    avg,
	}
}

func entrySide(d decision.Direction) exchange.OrderSide {
	if d == decision.DirectionShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func exitSide(d decision.Direction) exchange.OrderSide {
	if d == decision.DirectionShort {
		return exchange.SideBuy
	}
	return exchange.SideSell
}
