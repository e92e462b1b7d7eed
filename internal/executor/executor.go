// Package executor 把订单意图可靠地交给交易所：重试、退避、对账、限频与熔断。
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"perpagent/internal/config"
	"perpagent/internal/gateway/exchange"
	"perpagent/internal/logger"
	"perpagent/internal/metrics"
	"perpagent/internal/pkg/circuit"
)

// 关停时为收敛在途订单预留的时间。
const resolveTimeout = 15 * time.Second

type Config struct {
	MaxAttempts     int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	OrderTimeout    time.Duration
	FillPoll        time.Duration
	FillTimeout     time.Duration
	BreakerTrips    int
	BreakerCooldown time.Duration
	RatePerSecond   float64
	RateBurst       int
}

func ConfigFrom(ec config.ExecutorConfig, xc config.ExchangeConfig) Config {
	return Config{
		MaxAttempts:     ec.MaxAttempts,
		BackoffMin:      time.Duration(ec.BackoffMinMillis) * time.Millisecond,
		BackoffMax:      time.Duration(ec.BackoffMaxMillis) * time.Millisecond,
		OrderTimeout:    time.Duration(ec.OrderTimeoutSeconds) * time.Second,
		FillPoll:        time.Duration(ec.FillPollMillis) * time.Millisecond,
		FillTimeout:     time.Duration(ec.FillTimeoutSeconds) * time.Second,
		BreakerTrips:    ec.BreakerThreshold,
		BreakerCooldown: time.Duration(ec.BreakerCooldownSeconds) * time.Second,
		RatePerSecond:   xc.RateLimitPerSecond,
		RateBurst:       xc.RateLimitBurst,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 200 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = c.BackoffMin
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 10 * time.Second
	}
	if c.FillPoll <= 0 {
		c.FillPoll = 500 * time.Millisecond
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 30 * time.Second
	}
	if c.BreakerTrips < 1 {
		c.BreakerTrips = 3
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 8
	}
	if c.RateBurst < 1 {
		c.RateBurst = 1
	}
	return c
}

// HaltListener 在共享连接不可用（熔断打开）或恢复时被调用。
type HaltListener func(halted bool, reason string)

// Executor 被所有 trader 共享。所有交易所调用都经过同一个 rate.Limiter。
type Executor struct {
	ex      exchange.Exchange
	cfg     Config
	limiter *rate.Limiter
	breaker *circuit.CircuitBreaker

	mu        sync.Mutex
	listeners []HaltListener
	lastCause string

	sleep func(ctx context.Context, d time.Duration) error
}

func New(ex exchange.Exchange, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		ex:      ex,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		breaker: circuit.NewCircuitBreaker(ex.Name(), cfg.BreakerTrips, cfg.BreakerCooldown),
		sleep:   sleepCtx,
	}
	e.breaker.SetStateChangeHandler(e.onBreaker)
	return e
}

// OnHalt 注册 halt/resume 监听。
func (e *Executor) OnHalt(fn HaltListener) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Halted 报告熔断是否处于打开状态。
func (e *Executor) Halted() bool {
	return e.breaker.State() == circuit.StateOpen
}

// Resume 由运营方调用：重置熔断并通知监听者。
func (e *Executor) Resume() {
	e.breaker.Reset()
}

// Breaker 暴露熔断器状态，供状态查询。
func (e *Executor) Breaker() circuit.State {
	return e.breaker.State()
}

func (e *Executor) onBreaker(name string, from, to circuit.State) {
	var halted bool
	switch to {
	case circuit.StateOpen:
		halted = true
	case circuit.StateClosed:
		halted = false
	default:
		return
	}
	e.mu.Lock()
	reason := e.lastCause
	listeners := append([]HaltListener(nil), e.listeners...)
	e.mu.Unlock()
	if !halted {
		reason = "resumed"
	}
	metrics.SetHalted(halted)
	if halted {
		logger.Errorf("executor %s halted: %s (%s -> %s)", name, reason, from, to)
	} else {
		logger.Infof("executor %s resumed (%s -> %s)", name, from, to)
	}
	for _, fn := range listeners {
		fn(halted, reason)
	}
}

func (e *Executor) noteCause(err error) {
	e.mu.Lock()
	e.lastCause = err.Error()
	e.mu.Unlock()
}

// Submit 执行一个意图，阻塞到成交确认、终态或超时。从不 panic，所有结局编码在 Result 中。
func (e *Executor) Submit(ctx context.Context, intent exchange.OrderIntent) Result {
	res := Result{Intent: intent, Requested: intent.Size}
	defer func() {
		metrics.OrdersTotal.WithLabelValues(intent.Symbol, string(intent.Purpose), string(res.Status)).Inc()
	}()

	if !e.breaker.Allow() {
		res.Status = StatusFailed
		res.Err = &OrderError{Kind: ErrUnrecoverable, Symbol: intent.Symbol, Cause: errors.New("circuit open")}
		return res
	}

	b := &backoff.Backoff{Min: e.cfg.BackoffMin, Max: e.cfg.BackoffMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			// 上一次提交结果不明，先按 client id 查一次，避免同一意图产生两笔订单
			st, err := e.status(ctx, intent.Symbol, exchange.OrderRef{ClientID: intent.ID})
			switch {
			case err == nil:
				logger.Infof("executor: %s 已存在于交易所 order=%s，跳过重复提交", intent.ID, st.OrderID)
				e.breaker.RecordSuccess()
				return e.await(ctx, res, st.OrderID)
			case errors.Is(err, exchange.ErrAuth):
				return e.unrecoverable(res, err)
			case !errors.Is(err, exchange.ErrOrderNotFound):
				lastErr = err
				logger.Warnf("executor: lookup %s attempt=%d failed: %v", intent.ID, attempt, err)
				if werr := e.sleep(ctx, b.Duration()); werr != nil {
					return e.abandon(res, werr)
				}
				continue
			}
		}

		metrics.OrderAttemptsTotal.WithLabelValues(intent.Symbol).Inc()
		orderID, err := e.submitOnce(ctx, intent)
		if err == nil {
			e.breaker.RecordSuccess()
			res.OrderID = orderID
			logger.Infof("executor: submitted %s order=%s attempt=%d", intent, orderID, attempt)
			return e.await(ctx, res, orderID)
		}

		switch {
		case errors.Is(err, exchange.ErrRejected):
			e.breaker.RecordSuccess()
			logger.Warnf("executor: %s rejected: %v", intent, err)
			res.Status = StatusRejected
			res.Err = &OrderError{Kind: ErrOrderRejected, Symbol: intent.Symbol, Attempts: attempt, Cause: err}
			return res
		case errors.Is(err, exchange.ErrAuth):
			return e.unrecoverable(res, err)
		}
		if ctx.Err() != nil {
			return e.abandon(res, ctx.Err())
		}

		lastErr = err
		logger.Warnf("executor: %s attempt %d/%d transient: %v", intent.ID, attempt, e.cfg.MaxAttempts, err)
		if attempt < e.cfg.MaxAttempts {
			if werr := e.sleep(ctx, b.Duration()); werr != nil {
				return e.abandon(res, werr)
			}
		}
	}

	// 最后一次提交同样结果不明，收尾前再按 client id 查一次
	st, err := e.status(ctx, intent.Symbol, exchange.OrderRef{ClientID: intent.ID})
	switch {
	case err == nil:
		logger.Infof("executor: %s 在最后一次尝试后出现在交易所 order=%s", intent.ID, st.OrderID)
		e.breaker.RecordSuccess()
		return e.await(ctx, res, st.OrderID)
	case errors.Is(err, exchange.ErrAuth):
		return e.unrecoverable(res, err)
	}

	// 重试耗尽计为一次共享连接失败，连续 BreakerTrips 次后熔断
	e.noteCause(fmt.Errorf("%s: %d consecutive transient failures: %w", intent.Symbol, e.cfg.MaxAttempts, lastErr))
	e.breaker.RecordFailure()
	if !errors.Is(err, exchange.ErrOrderNotFound) {
		// 查询也失败，无法断定订单是否存在，留给 Reconcile 按 client id 收敛
		logger.Warnf("executor: lookup %s after final attempt failed: %v, leaving pending", intent.ID, err)
		res.Status = StatusPending
		res.Err = fmt.Errorf("%w: %v", ErrTransient, err)
		return res
	}
	res.Status = StatusRejected
	res.Err = &OrderError{
		Kind:     ErrOrderRejected,
		Symbol:   intent.Symbol,
		Attempts: res.Attempts,
		Cause:    fmt.Errorf("%w: %v", ErrTransient, lastErr),
	}
	return res
}

// Reconcile 收敛一个此前返回 pending 的意图。orderID 为空时按 client id 查找，
// 交易所上不存在则视为从未提交并重新 Submit。
func (e *Executor) Reconcile(ctx context.Context, intent exchange.OrderIntent, orderID string) Result {
	res := Result{Intent: intent, Requested: intent.Size, OrderID: orderID, Attempts: 1}
	if orderID == "" {
		st, err := e.status(ctx, intent.Symbol, exchange.OrderRef{ClientID: intent.ID})
		switch {
		case errors.Is(err, exchange.ErrOrderNotFound):
			return e.Submit(ctx, intent)
		case errors.Is(err, exchange.ErrAuth):
			return e.unrecoverable(res, err)
		case err != nil:
			res.Status = StatusPending
			res.Err = err
			return res
		}
		orderID = st.OrderID
	}
	return e.await(ctx, res, orderID)
}

// await 轮询订单直到终态或 FillTimeout；超时先撤单再读一次最终状态。
func (e *Executor) await(ctx context.Context, res Result, orderID string) Result {
	res.OrderID = orderID
	ref := exchange.OrderRef{OrderID: orderID, ClientID: res.Intent.ID}
	deadline := time.NewTimer(e.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.FillPoll)
	defer ticker.Stop()

	for {
		st, err := e.status(ctx, res.Intent.Symbol, ref)
		if err == nil && st.State.Terminal() {
			return fromStatus(res, st)
		}
		if errors.Is(err, exchange.ErrAuth) {
			return e.unrecoverable(res, err)
		}
		if err != nil {
			logger.Debugf("executor: poll %s order=%s: %v", res.Intent.Symbol, orderID, err)
		}
		select {
		case <-ctx.Done():
			return e.resolve(ctx, res, ref, false)
		case <-deadline.C:
			return e.resolve(ctx, res, ref, true)
		case <-ticker.C:
		}
	}
}

// resolve 在调用方 ctx 可能已取消时收敛订单，不放弃已提交的订单。
func (e *Executor) resolve(ctx context.Context, res Result, ref exchange.OrderRef, cancel bool) Result {
	rctx, done := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer done()
	if cancel {
		if err := e.gated(rctx, func(c context.Context) error { return e.ex.CancelOrder(c, res.Intent.Symbol, ref) }); err != nil &&
			!errors.Is(err, exchange.ErrOrderNotFound) {
			logger.Warnf("executor: cancel %s order=%s: %v", res.Intent.Symbol, ref.OrderID, err)
		}
	}
	st, err := e.status(rctx, res.Intent.Symbol, ref)
	if err == nil && st.State.Terminal() {
		return fromStatus(res, st)
	}
	res.Status = StatusPending
	if err == nil {
		res.Filled = st.Filled
		res.AvgPrice = st.AvgPrice
		res.Err = fmt.Errorf("%w: order %s still %s", ErrTransient, ref.OrderID, st.State)
	} else {
		res.Err = fmt.Errorf("%w: %v", ErrTransient, err)
	}
	logger.Warnf("executor: %s order=%s unresolved, leaving pending", res.Intent.Symbol, ref.OrderID)
	return res
}

func fromStatus(res Result, st exchange.OrderStatus) Result {
	res.Filled = st.Filled
	res.AvgPrice = st.AvgPrice
	if st.OrderID != "" {
		res.OrderID = st.OrderID
	}
	if st.Filled > 0 {
		res.Status = StatusFilled
		return res
	}
	res.Status = StatusRejected
	res.Err = &OrderError{
		Kind:     ErrOrderRejected,
		Symbol:   res.Intent.Symbol,
		Attempts: res.Attempts,
		Cause:    fmt.Errorf("order %s %s without fill", st.OrderID, st.State),
	}
	return res
}

func (e *Executor) unrecoverable(res Result, err error) Result {
	e.noteCause(err)
	e.breaker.Trip()
	res.Status = StatusFailed
	res.Err = &OrderError{Kind: ErrUnrecoverable, Symbol: res.Intent.Symbol, Attempts: res.Attempts, Cause: err}
	return res
}

// abandon 用于提交前 ctx 已取消：未确认任何订单，按拒绝处理。
func (e *Executor) abandon(res Result, err error) Result {
	res.Status = StatusRejected
	res.Err = &OrderError{Kind: ErrOrderRejected, Symbol: res.Intent.Symbol, Attempts: res.Attempts, Cause: err}
	return res
}

func (e *Executor) submitOnce(ctx context.Context, intent exchange.OrderIntent) (string, error) {
	var orderID string
	err := e.gated(ctx, func(c context.Context) error {
		id, err := e.ex.SubmitOrder(c, intent)
		orderID = id
		return err
	})
	return orderID, err
}

func (e *Executor) status(ctx context.Context, symbol string, ref exchange.OrderRef) (exchange.OrderStatus, error) {
	var st exchange.OrderStatus
	err := e.gated(ctx, func(c context.Context) error {
		s, err := e.ex.FetchOrderStatus(c, symbol, ref)
		st = s
		return err
	})
	return st, err
}

// gated 等待共享限频令牌，并为单次调用加上 OrderTimeout。
func (e *Executor) gated(ctx context.Context, fn func(context.Context) error) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate gate: %v", exchange.ErrTransient, err)
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, exchange.ErrTransient) {
		err = fmt.Errorf("%w: %v", exchange.ErrTransient, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
