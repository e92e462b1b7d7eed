package trader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"perpagent/internal/account"
	"perpagent/internal/analysis/indicator"
	"perpagent/internal/decision"
	"perpagent/internal/executor"
	"perpagent/internal/gateway/exchange"
	"perpagent/internal/gateway/notifier"
	"perpagent/internal/logger"
	"perpagent/internal/market"
	"perpagent/internal/metrics"
	"perpagent/internal/pkg/symbol"
	"perpagent/internal/position"
	"perpagent/internal/risk"
)

const (
	defaultMaxSteps = 4
	drainRounds     = 3
)

var (
	// ErrPanic 表示单个币种评估过程中发生 panic，已被恢复。
	ErrPanic = errors.New("trader panic recovered")
	// ErrNoPosition 表示强平请求时既无持仓也无在途意图。
	ErrNoPosition = errors.New("no open position")
)

// SignalSource 把K线计算为信号向量。
type SignalSource interface {
	Compute(symbol string, candles []market.Candle) (indicator.SignalVector, error)
}

// DecisionMaker 把信号向量折叠为决策。
type DecisionMaker interface {
	Evaluate(vec indicator.SignalVector) decision.Decision
}

// OrderExecutor 执行意图；所有结局编码在 Result 中。
type OrderExecutor interface {
	Submit(ctx context.Context, intent exchange.OrderIntent) executor.Result
	Reconcile(ctx context.Context, intent exchange.OrderIntent, orderID string) executor.Result
}

// Config 描述单个 trader 的参数。
type Config struct {
	Symbol   string
	Interval string
	Lookback int
	Position position.Config
	// MaxSteps 限制单次评估内连续执行的意图数量（部分成交、保护性平仓、锁存平仓）。
	MaxSteps int
}

// Deps 是 trader 的协作者；Account 在所有 trader 之间共享。
type Deps struct {
	Market    exchange.MarketReader
	Executor  OrderExecutor
	Account   *account.Store
	Sizer     *risk.Sizer
	Signals   SignalSource
	Decisions DecisionMaker
	Events    notifier.Publisher
}

type Option func(*Trader)

func WithClock(fn func() time.Time) Option {
	return func(t *Trader) {
		if fn != nil {
			t.nowFn = fn
		}
	}
}

// Trader 是单币种的隔离单元：串联指标、评估、风控、状态机与执行。
// 同一 trader 的评估串行执行（t.mu），不同 trader 之间只共享账户快照。
type Trader struct {
	symbol   string
	interval time.Duration
	cfg      Config
	deps     Deps

	mu       sync.Mutex
	machine  *position.Machine
	reserved bool
	dirty    bool
	realized float64
	skipping bool

	paused     atomic.Bool
	forceClose atomic.Pointer[string]

	statusMu sync.Mutex
	status   atomic.Pointer[Status]

	nowFn func() time.Time
}

func New(cfg Config, deps Deps, opts ...Option) (*Trader, error) {
	sym := symbol.Normalize(cfg.Symbol)
	if sym == "" {
		return nil, fmt.Errorf("trader: 无效币种 %q", cfg.Symbol)
	}
	iv, ok := market.ParseInterval(cfg.Interval)
	if !ok {
		return nil, fmt.Errorf("trader %s: 无效K线周期 %q", sym, cfg.Interval)
	}
	if deps.Market == nil || deps.Executor == nil || deps.Account == nil || deps.Sizer == nil ||
		deps.Signals == nil || deps.Decisions == nil {
		return nil, fmt.Errorf("trader %s: 依赖不完整", sym)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	cfg.Symbol = sym
	t := &Trader{
		symbol:   sym,
		interval: iv,
		cfg:      cfg,
		deps:     deps,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.machine = position.NewMachine(sym, cfg.Position,
		position.WithObserver(t.onTransition),
		position.WithClock(func() time.Time { return t.nowFn().UTC() }),
	)
	t.status.Store(&Status{Symbol: sym, State: position.StateFlat, UpdatedAt: t.nowFn().UTC()})
	metrics.SetPositionState(sym, string(position.StateFlat))
	return t, nil
}

func (t *Trader) Symbol() string { return t.symbol }

func (t *Trader) Pause() {
	if t.paused.Swap(true) {
		return
	}
	logger.Infof("trader %s: paused", t.symbol)
	t.updateStatus(func(s *Status) { s.Paused = true })
	t.emit(notifier.NewEvent(notifier.KindControl, t.symbol, "paused"))
}

func (t *Trader) Resume() {
	if !t.paused.Swap(false) {
		return
	}
	logger.Infof("trader %s: resumed", t.symbol)
	t.updateStatus(func(s *Status) { s.Paused = false })
	t.emit(notifier.NewEvent(notifier.KindControl, t.symbol, "resumed"))
}

func (t *Trader) Paused() bool { return t.paused.Load() }

// ForceClose 记录一次强平请求，由下一次 Evaluate 执行（调度器随后 Kick 该币种）。
// 不阻塞调用方；暂停状态下同样生效。
func (t *Trader) ForceClose(reason string) error {
	st := t.Status()
	if st.State == position.StateFlat && st.InFlight == "" {
		return fmt.Errorf("%w: %s", ErrNoPosition, t.symbol)
	}
	if reason == "" {
		reason = "force_close"
	}
	t.forceClose.Store(&reason)
	logger.Infof("trader %s: force close requested (%s)", t.symbol, reason)
	t.emit(notifier.NewEvent(notifier.KindControl, t.symbol, "force close requested").With("reason", reason))
	return nil
}

// Evaluate 执行一次扫描步骤。单个币种内的 panic 会被恢复并上报，不影响其他币种。
func (t *Trader) Evaluate(ctx context.Context) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPanic, t.symbol, r)
			logger.Errorf("trader %s: panic: %v\n%s", t.symbol, r, debug.Stack())
			metrics.ScansTotal.WithLabelValues(t.symbol, "panic").Inc()
			t.emit(notifier.NewEvent(notifier.KindError, t.symbol, "evaluation panic").With("error", fmt.Sprint(r)))
		}
		t.syncStatus()
		t.updateStatus(func(s *Status) {
			s.LastScanAt = t.nowFn().UTC()
			s.LastError = ""
			if err != nil {
				s.LastError = err.Error()
			}
		})
	}()
	result, err := t.step(ctx)
	metrics.ScansTotal.WithLabelValues(t.symbol, result).Inc()
	return err
}

func (t *Trader) step(ctx context.Context) (string, error) {
	// 1. 先收敛上一轮遗留的在途意图
	if !t.resolvePending(ctx) {
		return "pending", nil
	}

	// 2. 拉取已收盘K线
	candles, err := t.deps.Market.FetchCandles(ctx, t.symbol, t.cfg.Interval, t.cfg.Lookback)
	if err != nil {
		t.emit(notifier.NewEvent(notifier.KindError, t.symbol, "fetch candles failed").With("error", err.Error()))
		return "error", fmt.Errorf("trader %s: fetch candles: %w", t.symbol, err)
	}
	candles = market.DropUnclosed(candles, t.interval, t.nowFn())
	price := market.LastClose(candles)
	if price > 0 {
		t.updateStatus(func(s *Status) { s.LastPrice = price })
	}

	// 3. 止损止盈保护，暂停时依然生效
	t.execute(ctx, t.machine.OnPrice(price))
	if reason := t.forceClose.Swap(nil); reason != nil {
		t.execute(ctx, t.machine.ForceClose(*reason))
	}
	if t.paused.Load() {
		t.settle(ctx)
		return "paused", nil
	}

	// 4. 计算信号向量
	vec, err := t.deps.Signals.Compute(t.symbol, candles)
	if errors.Is(err, indicator.ErrInsufficientHistory) {
		if !t.skipping {
			t.skipping = true
			t.emit(notifier.NewEvent(notifier.KindError, t.symbol, "insufficient history, skipping").With("candles", len(candles)))
		}
		logger.Warnf("trader %s: %v", t.symbol, err)
		t.settle(ctx)
		return "skipped", nil
	}
	if err != nil {
		t.settle(ctx)
		return "error", fmt.Errorf("trader %s: compute: %w", t.symbol, err)
	}
	t.skipping = false

	// 5. 评估并上报决策
	d := t.deps.Decisions.Evaluate(vec)
	metrics.DecisionsTotal.WithLabelValues(t.symbol, string(d.Direction)).Inc()
	t.updateStatus(func(s *Status) { s.LastDecision = &d })
	ev := notifier.NewEvent(notifier.KindDecision, t.symbol, string(d.Direction)).
		With("strength", d.Strength).
		With("confirmations", d.Confirmations).
		With("bias", string(d.TrendBias)).
		WithPayload(d)

	// 6. 驱动状态机
	intent, err := t.machine.OnDecision(d, price, reservingSizer{t: t})
	if err != nil {
		// 风控拒绝：不迁移状态，仅上报决策
		logger.Infof("trader %s: %s", t.symbol, err)
		t.emit(ev.With("risk", err.Error()))
		t.settle(ctx)
		return "ok", nil
	}
	t.emit(ev)

	// 7. 执行意图直至没有后续意图
	t.execute(ctx, intent)

	// 8. 对账并释放预留
	t.settle(ctx)
	return "ok", nil
}

// execute 依次提交意图，直到状态机不再产生后续意图或达到步数上限。
// 上限耗尽时意图保持在途，由下一轮 resolvePending 收敛。
func (t *Trader) execute(ctx context.Context, intent *exchange.OrderIntent) {
	for steps := 0; intent != nil; steps++ {
		if steps >= t.cfg.MaxSteps {
			logger.Warnf("trader %s: step budget exhausted, %s left in flight", t.symbol, intent)
			return
		}
		res := t.deps.Executor.Submit(ctx, *intent)
		intent = t.apply(res)
	}
}

// resolvePending 收敛在途意图，返回 true 表示已无在途意图。
func (t *Trader) resolvePending(ctx context.Context) bool {
	intent, orderID, ok := t.machine.InFlight()
	if !ok {
		return true
	}
	logger.Infof("trader %s: reconciling in-flight %s order=%q", t.symbol, intent, orderID)
	res := t.deps.Executor.Reconcile(ctx, intent, orderID)
	t.execute(ctx, t.apply(res))
	t.settle(ctx)
	_, _, still := t.machine.InFlight()
	return !still
}

// apply 把执行结果交给状态机并发布相应事件，返回需要继续执行的意图。
func (t *Trader) apply(res executor.Result) *exchange.OrderIntent {
	out := t.machine.OnResult(res)
	if out.Ignored {
		logger.Warnf("trader %s: ignored stale result %s", t.symbol, res)
		return nil
	}
	if out.Pending {
		logger.Warnf("trader %s: %s pending, will reconcile next tick", t.symbol, res.Intent.ID)
		return nil
	}
	if res.Filled > 0 {
		t.dirty = true
	}

	switch res.Status {
	case executor.StatusRejected:
		t.emit(notifier.NewEvent(notifier.KindRejected, t.symbol, string(res.Intent.Purpose)+" rejected").
			With("intent", res.Intent.ID).
			With("attempts", res.Attempts).
			With("error", errString(res.Err)).
			WithPayload(res.Intent))
	case executor.StatusFailed:
		t.emit(notifier.NewEvent(notifier.KindError, t.symbol, "executor failure, fail-safe close").
			With("intent", res.Intent.ID).
			With("error", errString(res.Err)))
	}
	if out.Mismatch != nil {
		logger.Warnf("trader %s: reconciliation mismatch %s", t.symbol, out.Mismatch)
		t.emit(notifier.NewEvent(notifier.KindMismatch, t.symbol, "fill differs from intent").
			With("requested", out.Mismatch.RequestedSize).
			With("filled", out.Mismatch.FilledSize).
			With("requested_price", out.Mismatch.RequestedPrice).
			With("filled_price", out.Mismatch.FilledPrice).
			WithPayload(*out.Mismatch))
	}
	if p := out.Opened; p != nil {
		t.emit(notifier.NewEvent(notifier.KindOpened, t.symbol, "opened "+string(p.Side)).
			With("entry", p.EntryPrice).
			With("size", p.Size).
			With("leverage", p.Leverage).
			With("stop_loss", p.StopLoss).
			With("take_profit", p.TakeProfit).
			WithPayload(*p))
	}
	if c := out.Closed; c != nil {
		t.realized += c.RealizedPnL
		metrics.RealizedPnL.WithLabelValues(t.symbol).Add(c.RealizedPnL)
		ev := notifier.NewEvent(notifier.KindClosed, t.symbol, "closed "+string(c.Side)).
			With("reason", c.Reason).
			With("entry", c.EntryPrice).
			With("exit", c.ExitPrice).
			With("size", c.Size).
			With("pnl_pct", fmt.Sprintf("%.2f%%", c.PnLPct*100)).
			WithPayload(*c)
		ev.PnL = c.RealizedPnL
		t.emit(ev)
	}
	return out.Next
}

// settle 在没有在途意图时收尾：有成交则先从交易所刷新账户（已用保证金计入快照），再释放预留。
// 刷新失败时预留保持不动，下一轮再试，避免已占用的保证金在快照里凭空消失。
func (t *Trader) settle(ctx context.Context) {
	if _, _, inflight := t.machine.InFlight(); inflight {
		return
	}
	if t.dirty {
		if _, err := t.deps.Account.Refresh(ctx, t.deps.Market); err != nil {
			logger.Warnf("trader %s: account refresh: %v", t.symbol, err)
		} else {
			t.dirty = false
		}
	}
	if t.reserved && !t.dirty {
		t.deps.Account.Release(t.symbol)
		t.reserved = false
	}
}

// Recover 启动时用交易所已有持仓把状态机置为 open，止损止盈按风控参数重新计算。
func (t *Trader) Recover(ctx context.Context) error {
	holdings, err := t.deps.Market.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("trader %s: recover: %w", t.symbol, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.syncStatus()
	for _, h := range holdings {
		if symbol.Normalize(h.Symbol) != t.symbol || h.Size == 0 || h.EntryPrice <= 0 {
			continue
		}
		side := decision.DirectionLong
		size := h.Size
		if size < 0 {
			side = decision.DirectionShort
			size = -size
		}
		lim := t.deps.Sizer.Limits()
		sign := side.Sign()
		p := position.Position{
			Side:       side,
			EntryPrice: h.EntryPrice,
			Size:       size,
			MaxSize:    size,
			Leverage:   h.Leverage,
			StopLoss:   h.EntryPrice * (1 - sign*lim.StopDistancePct),
			TakeProfit: h.EntryPrice * (1 + sign*lim.TakeProfitPct),
			Reasons:    []string{"recovered"},
		}
		if t.machine.Restore(p) {
			logger.Infof("trader %s: recovered %s size=%.6f entry=%.4f", t.symbol, side, size, h.EntryPrice)
			t.emit(notifier.NewEvent(notifier.KindOpened, t.symbol, "recovered "+string(side)).
				With("entry", h.EntryPrice).
				With("size", size).
				WithPayload(p))
		}
		return nil
	}
	return nil
}

// Drain 在停机时把在途的开仓或平仓意图推进到终态。
func (t *Trader) Drain(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.syncStatus()
	for i := 0; i < drainRounds; i++ {
		if t.resolvePending(ctx) {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	if intent, _, ok := t.machine.InFlight(); ok {
		return fmt.Errorf("trader %s: drain incomplete, %s still in flight", t.symbol, intent)
	}
	return nil
}

func (t *Trader) onTransition(tr position.Transition) {
	metrics.TransitionsTotal.WithLabelValues(t.symbol, string(tr.To)).Inc()
	metrics.SetPositionState(t.symbol, string(tr.To))
	t.emit(notifier.NewEvent(notifier.KindTransition, t.symbol, string(tr.From)+" -> "+string(tr.To)).
		With("reason", tr.Reason).
		WithPayload(tr))
}

func (t *Trader) emit(ev notifier.Event) {
	if t.deps.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = t.nowFn().UTC()
	}
	t.deps.Events.Publish(ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
